// Package memory provides an in-memory frame source.
//
// It serves frames that are already decoded, either as a seekable clip with a
// known length or as a live feed that can only be read forward. Reads can be
// slowed down or made to fail, which makes it the source of choice for
// exercising the loader's prefetch pipeline.
package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/video-system/go-video-loader/pkg/input"
)

// Config configures an in-memory source
type Config struct {
	FPS   float64
	Live  bool          // Live sources are not seekable and report frame count -1
	Delay time.Duration // Sleep before every Read

	// Inject is called at the start of every Read with the current
	// position. A non-nil result is returned from Read instead of a frame.
	Inject func(pos int) error
}

// Source is an in-memory input.Source. It is safe for concurrent use.
type Source struct {
	cfg Config

	mu       sync.Mutex
	frames   []*input.Frame
	pos      int
	width    int
	height   int
	reads    int
	released bool
}

// New creates a source serving frames in order
func New(frames []*input.Frame, cfg Config) *Source {
	if cfg.FPS == 0 {
		cfg.FPS = 30
	}

	s := &Source{cfg: cfg, frames: frames}
	if len(frames) > 0 {
		s.width = frames[0].Width
		s.height = frames[0].Height
	}
	return s
}

// Generate builds n small gray frames whose first byte is the frame index
func Generate(n, width, height int) []*input.Frame {
	frames := make([]*input.Frame, n)
	for i := range frames {
		data := make([]byte, width*height)
		for j := range data {
			data[j] = byte(i)
		}
		frames[i] = &input.Frame{
			Data:     data,
			Width:    width,
			Height:   height,
			Format:   input.FormatGray,
			Sequence: int64(i),
		}
	}
	return frames
}

// Opener returns an input.Opener that ignores the locator and logger and
// serves a fresh source over the given frames.
func Opener(frames []*input.Frame, cfg Config) input.Opener {
	return func(string, logrus.FieldLogger) (input.Source, error) {
		return New(frames, cfg), nil
	}
}

// Read returns the frame at the current position and advances it
func (s *Source) Read() (*input.Frame, error) {
	s.mu.Lock()
	pos := s.pos
	s.mu.Unlock()

	if s.cfg.Delay > 0 {
		time.Sleep(s.cfg.Delay)
	}
	if s.cfg.Inject != nil {
		if err := s.cfg.Inject(pos); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil, fmt.Errorf("memory: read after release")
	}
	s.reads++
	if s.pos >= len(s.frames) {
		return nil, input.ErrEndOfStream
	}

	frame := s.frames[s.pos].Clone()
	frame.Sequence = int64(s.pos)
	frame.Timestamp = time.Now().UnixNano()
	s.pos++
	return frame, nil
}

// Seek moves the read position
func (s *Source) Seek(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Live {
		return input.ErrNotSeekable
	}
	if index < 0 || index > len(s.frames) {
		return fmt.Errorf("memory: seek to %d outside [0, %d]", index, len(s.frames))
	}
	s.pos = index
	return nil
}

// Position returns the index of the next frame Read will return
func (s *Source) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Property returns a source property
func (s *Source) Property(p input.Property) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch p {
	case input.PropFPS:
		return s.cfg.FPS, nil
	case input.PropFrameCount:
		if s.cfg.Live {
			return -1, nil
		}
		return float64(len(s.frames)), nil
	case input.PropWidth:
		return float64(s.width), nil
	case input.PropHeight:
		return float64(s.height), nil
	case input.PropPosition:
		return float64(s.pos), nil
	default:
		return 0, fmt.Errorf("%w: %s", input.ErrUnsupportedProperty, p)
	}
}

// SetProperty sets a source property. Width and height only change what is
// reported; frames are served as stored.
func (s *Source) SetProperty(p input.Property, value float64) error {
	switch p {
	case input.PropWidth:
		s.mu.Lock()
		s.width = int(value)
		s.mu.Unlock()
		return nil
	case input.PropHeight:
		s.mu.Lock()
		s.height = int(value)
		s.mu.Unlock()
		return nil
	case input.PropPosition:
		return s.Seek(int(value))
	default:
		return fmt.Errorf("%w: %s", input.ErrUnsupportedProperty, p)
	}
}

// Release marks the source released; later reads fail
func (s *Source) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	return nil
}

// Released reports whether Release was called
func (s *Source) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Reads returns how many Read calls reached the frame store
func (s *Source) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}
