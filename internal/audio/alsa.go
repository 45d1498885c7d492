package audio

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
)

// Aplay plays through the ALSA aplay tool, one process per stream.
type Aplay struct {
	Device string // ALSA PCM name; empty for the default device
}

func (a Aplay) Open(f Format) (Sink, error) {
	cmd := exec.Command("aplay", alsaArgs(a.Device, f)...)
	w, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("aplay stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start aplay: %w", err)
	}
	return &procSink{cmd: cmd, w: w}, nil
}

type procSink struct {
	cmd *exec.Cmd
	w   io.WriteCloser
}

func (s *procSink) Write(pcm []byte) error {
	_, err := s.w.Write(pcm)
	return err
}

func (s *procSink) Close() error {
	err := s.w.Close()
	s.cmd.Wait()
	return err
}

// Arecord captures through the ALSA arecord tool.
type Arecord struct {
	Device string
}

func (a Arecord) Open(ctx context.Context, f Format) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, "arecord", alsaArgs(a.Device, f)...)
	r, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("arecord stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start arecord: %w", err)
	}
	return &procSource{cmd: cmd, r: r}, nil
}

type procSource struct {
	cmd *exec.Cmd
	r   io.ReadCloser
}

func (s *procSource) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s *procSource) Close() error {
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	return s.cmd.Wait()
}

func alsaArgs(device string, f Format) []string {
	args := []string{"-q", "-t", "raw", "-f", "S16_LE", "-r", strconv.Itoa(f.Rate), "-c", strconv.Itoa(f.Channels)}
	if device != "" {
		args = append(args, "-D", device)
	}
	return args
}
