// Package audio is the audio subsystem: it plays decoded audio messages from
// the Protocol Context and feeds local microphone capture back through the
// microphone pair.
//
// Subsystem methods are called from the orchestrator goroutine and never
// block it: playback and capture each run in their own goroutine.
package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/mil-ad/carlinkd/internal/channel"
	"github.com/mil-ad/carlinkd/internal/media"
	"github.com/mil-ad/carlinkd/internal/protocol"
)

// Format is a PCM format. Samples are always S16LE.
type Format struct {
	Rate     int
	Channels int
}

var decodeTypes = map[int]Format{
	1: {Rate: 44100, Channels: 2},
	2: {Rate: 44100, Channels: 2},
	3: {Rate: 8000, Channels: 1},
	4: {Rate: 48000, Channels: 2},
	5: {Rate: 16000, Channels: 1},
	6: {Rate: 24000, Channels: 1},
	7: {Rate: 16000, Channels: 2},
}

// FormatFor maps a protocol decode type to its PCM format.
func FormatFor(decodeType int) (Format, bool) {
	f, ok := decodeTypes[decodeType]
	return f, ok
}

// MicFormat is the capture format the phone expects.
var MicFormat = Format{Rate: 16000, Channels: 1}

// micChunkBytes is 40ms of MicFormat.
const micChunkBytes = 1280

// playerQueue bounds buffered PCM blocks per stream before new ones are
// dropped.
const playerQueue = 32

// Sink plays PCM.
type Sink interface {
	Write(pcm []byte) error
	Close() error
}

// Output opens sinks.
type Output interface {
	Open(f Format) (Sink, error)
}

// Capture opens a microphone stream.
type Capture interface {
	Open(ctx context.Context, f Format) (io.ReadCloser, error)
}

// Subsystem routes protocol audio to players and microphone audio to the
// current session.
type Subsystem struct {
	out     Output
	capture Capture

	mic       *channel.Port[media.MicChunk]
	players   map[protocol.AudioStream]*player
	recCancel context.CancelFunc
}

// New returns a subsystem using out for playback and capture for the
// microphone.
func New(out Output, capture Capture) *Subsystem {
	return &Subsystem{
		out:     out,
		capture: capture,
		players: make(map[protocol.AudioStream]*player),
	}
}

// Attach takes the near microphone port of a new session.
func (s *Subsystem) Attach(mic *channel.Port[media.MicChunk]) {
	s.Reset()
	s.mic = mic
}

// Reset stops capture, closes every player and releases the microphone
// port.
func (s *Subsystem) Reset() {
	s.StopRecording()
	for stream, p := range s.players {
		p.close()
		delete(s.players, stream)
	}
	if s.mic != nil {
		s.mic.Close()
		s.mic = nil
	}
}

// RequestBuffer makes sure a player exists for stream.
func (s *Subsystem) RequestBuffer(stream protocol.AudioStream) {
	s.player(stream)
}

// Process plays the PCM in p and applies its volume change.
func (s *Subsystem) Process(p protocol.AudioPayload) {
	pl := s.player(p.Stream)
	if pl == nil {
		return
	}
	if p.Volume != nil {
		pl.setVolume(*p.Volume)
	}
	if len(p.Data) > 0 {
		pl.enqueue(p.Data)
	}
}

func (s *Subsystem) player(stream protocol.AudioStream) *player {
	if p, ok := s.players[stream]; ok {
		return p
	}
	f, ok := FormatFor(stream.DecodeType)
	if !ok {
		slog.Warn("audio: unknown decode type", "decode_type", stream.DecodeType)
		return nil
	}
	sink, err := s.out.Open(f)
	if err != nil {
		slog.Error("audio: open output failed", "decode_type", stream.DecodeType, "audio_type", stream.AudioType, "error", err)
		return nil
	}
	p := newPlayer(sink)
	s.players[stream] = p
	slog.Debug("audio: player opened", "decode_type", stream.DecodeType, "audio_type", stream.AudioType, "rate", f.Rate, "channels", f.Channels)
	return p
}

// StartRecording starts sending microphone chunks to the session. It is a
// no-op while already recording or with no session attached.
func (s *Subsystem) StartRecording() {
	if s.recCancel != nil || s.mic == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	src, err := s.capture.Open(ctx, MicFormat)
	if err != nil {
		cancel()
		slog.Error("audio: open microphone failed", "error", err)
		return
	}
	s.recCancel = cancel
	go record(ctx, src, s.mic)
	slog.Info("audio: recording started")
}

// StopRecording stops microphone capture.
func (s *Subsystem) StopRecording() {
	if s.recCancel == nil {
		return
	}
	s.recCancel()
	s.recCancel = nil
	slog.Info("audio: recording stopped")
}

// Recording reports whether capture is running.
func (s *Subsystem) Recording() bool { return s.recCancel != nil }

func record(ctx context.Context, src io.ReadCloser, mic *channel.Port[media.MicChunk]) {
	go func() {
		<-ctx.Done()
		src.Close()
	}()
	for {
		buf := make([]byte, micChunkBytes)
		if _, err := io.ReadFull(src, buf); err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				slog.Warn("audio: microphone read failed", "error", err)
			}
			return
		}
		if !mic.Send(media.MicChunk{Data: buf}) {
			select {
			case <-mic.Done():
				return
			default:
			}
		}
	}
}

// --- player ---

// player writes queued blocks to its sink. The gain is read per block, so a
// volume change reaches every block enqueued after it.
type player struct {
	sink  Sink
	queue chan []byte
	gain  atomic.Uint64 // float64 bits
	done  chan struct{}
}

func newPlayer(sink Sink) *player {
	p := &player{
		sink:  sink,
		queue: make(chan []byte, playerQueue),
		done:  make(chan struct{}),
	}
	p.gain.Store(math.Float64bits(1))
	go p.run()
	return p
}

func (p *player) enqueue(pcm []byte) {
	select {
	case p.queue <- pcm:
	default:
		slog.Debug("audio: player queue full, dropping block")
	}
}

func (p *player) setVolume(v float64) {
	p.gain.Store(math.Float64bits(clamp(v, 0, 1)))
}

func (p *player) close() {
	close(p.done)
}

func (p *player) run() {
	defer p.sink.Close()
	for {
		select {
		case <-p.done:
			return
		case pcm := <-p.queue:
			if gain := math.Float64frombits(p.gain.Load()); gain != 1 {
				applyGain(pcm, gain)
			}
			if err := p.sink.Write(pcm); err != nil {
				slog.Warn("audio: playback write failed", "error", err)
			}
		}
	}
}

func applyGain(pcm []byte, gain float64) {
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int16(binary.LittleEndian.Uint16(pcm[i:]))
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(float64(v)*gain)))
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
