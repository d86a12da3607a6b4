package output

import (
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/e7canasta/greenscreen/internal/broadcast"
	"github.com/e7canasta/greenscreen/internal/types"
)

// Saver writes composite frames to disk as PNG or JPEG.
//
// Thread-safe: Save may be called from several goroutines.
type Saver struct {
	dir         string
	format      string
	jpegQuality int

	saved   atomic.Uint64
	dropped atomic.Uint64
}

// NewSaver creates dir if needed. format is "png" or "jpeg".
func NewSaver(dir, format string, jpegQuality int) (*Saver, error) {
	if format != "png" && format != "jpeg" {
		return nil, fmt.Errorf("output: unsupported format: %s (must be png or jpeg)", format)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("output: create snapshot directory: %w", err)
	}
	return &Saver{dir: dir, format: format, jpegQuality: jpegQuality}, nil
}

// Save encodes f into composite_{seq:06d}_{timestamp}.{ext} and returns
// the path written.
func (s *Saver) Save(f *types.CompositeFrame) (string, error) {
	name := fmt.Sprintf("composite_%06d_%s.%s",
		f.Seq,
		f.Timestamp.Format("20060102_150405.000"),
		s.format)
	path := filepath.Join(s.dir, name)

	file, err := os.Create(path)
	if err != nil {
		s.dropped.Add(1)
		return "", fmt.Errorf("output: create snapshot: %w", err)
	}

	switch s.format {
	case "png":
		err = png.Encode(file, f.Image)
	case "jpeg":
		err = jpeg.Encode(file, f.Image, &jpeg.Options{Quality: s.jpegQuality})
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.dropped.Add(1)
		os.Remove(path)
		return "", fmt.Errorf("output: encode %s: %w", s.format, err)
	}

	s.saved.Add(1)
	return path, nil
}

// Run saves every nth frame of sub until the feed ends.
func (s *Saver) Run(ctx context.Context, sub *broadcast.Subscription[*types.CompositeFrame], every int) error {
	defer sub.Close()
	every = max(every, 1)

	var n int
	for {
		f, err := sub.Receive(ctx)
		if err != nil {
			if broadcast.IsTerminal(err) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		n++
		if n%every != 0 {
			continue
		}
		if path, err := s.Save(f); err != nil {
			slog.Warn("output: snapshot failed", "seq", f.Seq, "error", err)
		} else {
			slog.Debug("output: snapshot saved", "seq", f.Seq, "path", path)
		}
	}
}

// Stats returns the number of frames saved and dropped.
func (s *Saver) Stats() (saved, dropped uint64) {
	return s.saved.Load(), s.dropped.Load()
}
