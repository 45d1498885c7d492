package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/mil-ad/carlinkd/internal/channel"
	"github.com/mil-ad/carlinkd/internal/media"
	"github.com/mil-ad/carlinkd/internal/protocol"
)

type fakeSink struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func (s *fakeSink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, slices.Clone(pcm))
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) snapshot() ([][]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.writes), s.closed
}

type fakeOutput struct {
	formats []Format
	sinks   []*fakeSink
}

func (o *fakeOutput) Open(f Format) (Sink, error) {
	s := &fakeSink{}
	o.formats = append(o.formats, f)
	o.sinks = append(o.sinks, s)
	return s, nil
}

type fakeCapture struct {
	data []byte
}

func (c fakeCapture) Open(context.Context, Format) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(c.data)), nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRequestBufferOpensOnePlayerPerStream(t *testing.T) {
	out := &fakeOutput{}
	s := New(out, fakeCapture{})
	stream := protocol.AudioStream{DecodeType: 4, AudioType: 1}

	s.RequestBuffer(stream)
	s.RequestBuffer(stream)
	s.RequestBuffer(protocol.AudioStream{DecodeType: 5, AudioType: 2})
	s.RequestBuffer(protocol.AudioStream{DecodeType: 99})

	if len(out.formats) != 2 {
		t.Fatalf("opened %d outputs, want 2", len(out.formats))
	}
	if out.formats[0] != (Format{Rate: 48000, Channels: 2}) || out.formats[1] != (Format{Rate: 16000, Channels: 1}) {
		t.Fatalf("formats = %+v", out.formats)
	}
	s.Reset()
}

func TestProcessAppliesVolume(t *testing.T) {
	out := &fakeOutput{}
	s := New(out, fakeCapture{})
	defer s.Reset()

	pcm := make([]byte, 4)
	lo, hi := int16(-1000), int16(1000)
	binary.LittleEndian.PutUint16(pcm, uint16(hi))
	binary.LittleEndian.PutUint16(pcm[2:], uint16(lo))
	half := 0.5
	s.Process(protocol.AudioPayload{Stream: protocol.AudioStream{DecodeType: 1}, Volume: &half})
	if len(out.sinks) != 1 {
		t.Fatalf("opened %d outputs, want 1", len(out.sinks))
	}
	s.Process(protocol.AudioPayload{Stream: protocol.AudioStream{DecodeType: 1}, Data: pcm})

	sink := out.sinks[0]
	waitFor(t, "playback", func() bool { w, _ := sink.snapshot(); return len(w) == 1 })
	w, _ := sink.snapshot()
	if a, b := int16(binary.LittleEndian.Uint16(w[0])), int16(binary.LittleEndian.Uint16(w[0][2:])); a != 500 || b != -500 {
		t.Fatalf("samples = %d, %d; want 500, -500", a, b)
	}
}

func TestRecordingSendsChunksToSession(t *testing.T) {
	pair := channel.NewPair[media.MicChunk]("mic", 8)
	near, _ := pair.Near.Transfer()
	far, _ := pair.Far.Transfer()

	s := New(&fakeOutput{}, fakeCapture{data: make([]byte, 2*micChunkBytes)})
	s.StartRecording() // no session yet
	if s.Recording() {
		t.Fatalf("recording without a session")
	}

	s.Attach(near)
	s.StartRecording()
	if !s.Recording() {
		t.Fatalf("not recording")
	}
	for i := 0; i < 2; i++ {
		select {
		case c := <-far.Recv():
			if len(c.Data) != micChunkBytes {
				t.Fatalf("chunk size = %d", len(c.Data))
			}
		case <-time.After(time.Second):
			t.Fatalf("chunk %d not sent", i)
		}
	}
	s.StopRecording()
	if s.Recording() {
		t.Fatalf("still recording after stop")
	}
}

func TestResetClosesPlayersAndPort(t *testing.T) {
	out := &fakeOutput{}
	pair := channel.NewPair[media.MicChunk]("mic", 1)
	near, _ := pair.Near.Transfer()

	s := New(out, fakeCapture{})
	s.Attach(near)
	s.RequestBuffer(protocol.AudioStream{DecodeType: 3})
	s.Reset()

	waitFor(t, "sink close", func() bool { _, closed := out.sinks[0].snapshot(); return closed })
	select {
	case <-near.Done():
	default:
		t.Fatalf("mic port still open after reset")
	}
}

func TestAlsaArgs(t *testing.T) {
	got := alsaArgs("hw:1", Format{Rate: 16000, Channels: 1})
	want := []string{"-q", "-t", "raw", "-f", "S16_LE", "-r", "16000", "-c", "1", "-D", "hw:1"}
	if !slices.Equal(got, want) {
		t.Fatalf("args = %v", got)
	}
}
