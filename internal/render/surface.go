package render

import (
	"bufio"
	"fmt"
	"os"

	"github.com/mil-ad/carlinkd/internal/media"
)

// FileSurface writes the raw Annex-B stream to a file or FIFO, for an
// external player to display.
type FileSurface struct {
	f *os.File
	w *bufio.Writer
}

// OpenFileSurface opens path for writing. A FIFO is opened read-write so the
// call does not wait for a reader; writes block until one drains it.
func OpenFileSurface(path string) (*FileSurface, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open surface %s: %w", path, err)
	}
	return &FileSurface{f: f, w: bufio.NewWriterSize(f, 256<<10)}, nil
}

func (s *FileSurface) Present(frame media.VideoFrame) error {
	if _, err := s.w.Write(frame.Data); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *FileSurface) Close() error {
	flushErr := s.w.Flush()
	if err := s.f.Close(); err != nil {
		return err
	}
	return flushErr
}
