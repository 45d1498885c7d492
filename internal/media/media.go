// Package media defines the buffers that travel through channel ports
// between the protocol, render and audio sides.
package media

import "time"

// VideoFrame is one encoded H.264 access unit (Annex-B). Ownership of Data
// moves with the frame: the sender must not touch it after sending.
type VideoFrame struct {
	Width     int
	Height    int
	Data      []byte
	Timestamp time.Time
}

// MicChunk is a block of captured microphone PCM (S16LE).
type MicChunk struct {
	Data []byte
}
