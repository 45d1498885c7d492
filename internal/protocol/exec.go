package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/mil-ad/carlinkd/internal/media"
	"github.com/mil-ad/carlinkd/internal/usb"
)

// ExecDriver runs an external protocol helper per session and talks to it
// with a CBOR message stream over its stdin and stdout. The helper receives
// the device node in CARLINKD_DEVICE.
type ExecDriver struct {
	Path string
	Args []string
}

// command values used by the dongle
const (
	wireStartRecordAudio = 1
	wireStopRecordAudio  = 2
	wireRequestHostUI    = 3
)

// wireOut is a message to the helper.
type wireOut struct {
	Type       string  `cbor:"type"`
	FPS        int     `cbor:"fps,omitempty"`
	Width      int     `cbor:"width,omitempty"`
	Height     int     `cbor:"height,omitempty"`
	MediaDelay int     `cbor:"mediaDelay,omitempty"` // ms
	Key        string  `cbor:"key,omitempty"`
	X          float64 `cbor:"x,omitempty"`
	Y          float64 `cbor:"y,omitempty"`
	Action     int     `cbor:"action,omitempty"`
	Data       []byte  `cbor:"data,omitempty"`
}

// wireIn is a message from the helper.
type wireIn struct {
	Type       string   `cbor:"type"`
	Width      int      `cbor:"width,omitempty"`
	Height     int      `cbor:"height,omitempty"`
	DecodeType int      `cbor:"decodeType,omitempty"`
	AudioType  int      `cbor:"audioType,omitempty"`
	Data       []byte   `cbor:"data,omitempty"`
	Volume     *float64 `cbor:"volume,omitempty"`
	Command    int      `cbor:"command,omitempty"`
	Error      string   `cbor:"error,omitempty"`
}

// Open starts the helper and sends it the start configuration.
func (d *ExecDriver) Open(ctx context.Context, dev usb.Device, cfg Config) (Link, error) {
	if d.Path == "" {
		return nil, errors.New("protocol: no driver command configured")
	}
	cmd := exec.CommandContext(ctx, d.Path, d.Args...)
	cmd.Env = append(os.Environ(),
		"CARLINKD_DEVICE="+dev.DevNode,
		"CARLINKD_DEVICE_ID="+dev.ID.String(),
	)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("driver stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("driver stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start driver %s: %w", d.Path, err)
	}

	l := newWireLink(stdin, stdout)
	l.cmd = cmd
	if err := l.write(wireOut{
		Type:       "start",
		FPS:        cfg.FPS,
		Width:      cfg.Width,
		Height:     cfg.Height,
		MediaDelay: int(cfg.MediaDelay / time.Millisecond),
	}); err != nil {
		l.Close()
		return nil, fmt.Errorf("send start: %w", err)
	}
	return l, nil
}

type wireLink struct {
	cmd *exec.Cmd

	wmu sync.Mutex
	in  io.WriteCloser
	enc *cbor.Encoder

	events chan Event
	video  chan media.VideoFrame
	done   chan struct{}
	once   sync.Once
}

func newWireLink(in io.WriteCloser, out io.Reader) *wireLink {
	l := &wireLink{
		in:     in,
		enc:    cbor.NewEncoder(in),
		events: make(chan Event, 16),
		video:  make(chan media.VideoFrame, 8),
		done:   make(chan struct{}),
	}
	go l.readLoop(out)
	return l
}

func (l *wireLink) Events() <-chan Event            { return l.events }
func (l *wireLink) Video() <-chan media.VideoFrame { return l.video }

func (l *wireLink) Control(msg Message) error {
	switch m := msg.(type) {
	case Frame:
		return l.write(wireOut{Type: "frame"})
	case KeyCommand:
		return l.write(wireOut{Type: "key", Key: string(m.Key)})
	case Touch:
		return l.write(wireOut{Type: "touch", X: m.X, Y: m.Y, Action: int(m.Action)})
	default:
		return fmt.Errorf("protocol: %T is not a control message", msg)
	}
}

func (l *wireLink) Microphone(chunk media.MicChunk) error {
	return l.write(wireOut{Type: "mic", Data: chunk.Data})
}

func (l *wireLink) write(m wireOut) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	select {
	case <-l.done:
		return io.ErrClosedPipe
	default:
	}
	return l.enc.Encode(m)
}

func (l *wireLink) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		if l.cmd != nil && l.cmd.Process != nil {
			l.cmd.Process.Kill()
		}
		err = l.in.Close()
		if l.cmd != nil {
			l.cmd.Wait()
		}
	})
	return err
}

func (l *wireLink) readLoop(r io.Reader) {
	defer close(l.events)
	dec := cbor.NewDecoder(r)
	for {
		var m wireIn
		if err := dec.Decode(&m); err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("protocol: driver stream ended", "error", err)
			}
			return
		}
		if m.Type == "video" {
			frame := media.VideoFrame{Width: m.Width, Height: m.Height, Data: m.Data, Timestamp: time.Now()}
			select {
			case l.video <- frame:
			case <-l.done:
				return
			}
			continue
		}
		ev, ok := decodeEvent(m)
		if !ok {
			slog.Debug("protocol: unknown driver message", "type", m.Type)
			continue
		}
		select {
		case l.events <- ev:
		case <-l.done:
			return
		}
	}
}

func decodeEvent(m wireIn) (Event, bool) {
	stream := AudioStream{DecodeType: m.DecodeType, AudioType: m.AudioType}
	switch m.Type {
	case "plugged":
		return Plugged{}, true
	case "unplugged":
		return Unplugged{}, true
	case "requestBuffer":
		return RequestBuffer{Stream: stream}, true
	case "audio":
		return Audio{Payload: AudioPayload{Stream: stream, Data: m.Data, Volume: m.Volume}}, true
	case "media":
		return Media{Payload: m.Data}, true
	case "command":
		return Command{Value: decodeCommand(m.Command)}, true
	case "failure":
		return Failure{Err: errors.New(m.Error)}, true
	}
	return nil, false
}

func decodeCommand(v int) RemoteCommand {
	switch v {
	case wireStartRecordAudio:
		return StartRecordAudio
	case wireStopRecordAudio:
		return StopRecordAudio
	case wireRequestHostUI:
		return RequestHostUI
	}
	return CommandUnknown
}
