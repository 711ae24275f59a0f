package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/video-system/go-video-loader/pkg/input"
)

// probeTimeout bounds how long opening a source may spend in ffprobe
const probeTimeout = 15 * time.Second

func init() {
	for _, scheme := range []string{
		"", "file", "http", "https",
		"rtsp", "rtsps", "rtmp", "rtmps", "srt", "udp", "tcp",
		"v4l2", "avfoundation", "dshow", "decklink", "screen",
	} {
		input.Register(scheme, Open)
	}
}

// Open opens a locator as an FFmpeg-decoded source. Decoder log entries go
// to log.
func Open(locator string, log logrus.FieldLogger) (input.Source, error) {
	ff, err := New()
	if err != nil {
		return nil, &input.OpenError{Locator: locator, Err: err}
	}
	src, err := ff.OpenSource(context.Background(), locator, log)
	if err != nil {
		return nil, err
	}
	return src, nil
}

// Source decodes frames with an FFmpeg child process. Files are seekable:
// seeking restarts the decoder at the target frame. Live streams and devices
// are read forward only.
//
// Source is not safe for concurrent use.
type Source struct {
	ff   *FFmpeg
	loc  Locator
	info *VideoInfo
	log  logrus.FieldLogger

	width  int
	height int
	pixFmt input.PixelFormat

	pos      int
	dec      *decoder
	buf      []byte
	ended    error // Terminal Read result until the decoder restarts
	released bool
}

// OpenSource probes locator and returns a source positioned at frame 0.
// The decoder process starts on the first Read.
func (f *FFmpeg) OpenSource(ctx context.Context, locator string, log logrus.FieldLogger) (*Source, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	loc, err := ParseLocator(locator)
	if err != nil {
		return nil, &input.OpenError{Locator: locator, Err: err}
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	probe, err := f.ProbeInput(probeCtx, loc.Input, loc.InputFormat)
	if err != nil {
		return nil, &input.OpenError{Locator: locator, Err: err}
	}
	info, err := videoInfoFromProbe(probe)
	if err != nil {
		return nil, &input.OpenError{Locator: locator, Err: err}
	}
	if loc.Live {
		info.FrameCount = -1
	}

	s := &Source{
		ff:     f,
		loc:    loc,
		info:   info,
		width:  info.Width,
		height: info.Height,
		pixFmt: input.FormatRGB24,
		log: log.WithFields(logrus.Fields{
			"component": "ffmpeg",
			"input":     loc.Input,
		}),
	}

	s.log.WithFields(logrus.Fields{
		"resolution":  info.Resolution(),
		"fps":         info.Framerate,
		"frame_count": info.FrameCount,
		"codec":       info.Codec,
		"live":        loc.Live,
	}).Info("FFmpeg source opened")

	return s, nil
}

// Info returns the probed video information
func (s *Source) Info() VideoInfo {
	return *s.info
}

// Read decodes the next frame
func (s *Source) Read() (*input.Frame, error) {
	if s.released {
		return nil, fmt.Errorf("ffmpeg: read after release")
	}
	if s.width <= 0 || s.height <= 0 {
		return nil, fmt.Errorf("ffmpeg: unknown frame size %dx%d", s.width, s.height)
	}
	if s.ended != nil {
		return nil, s.ended
	}

	if s.dec == nil {
		if err := s.startDecoder(); err != nil {
			return nil, err
		}
	}

	size := s.width * s.height * s.pixFmt.BytesPerPixel()
	if len(s.buf) != size {
		s.buf = make([]byte, size)
	}

	if err := s.dec.readFrame(s.buf); err != nil {
		if !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("ffmpeg: read frame %d: %w", s.pos, err)
		}
		s.ended = input.ErrEndOfStream
		if failure := s.dec.failure(); failure != nil {
			s.ended = failure
		}
		s.stopDecoder()
		return nil, s.ended
	}

	frame := &input.Frame{
		Data:      append([]byte(nil), s.buf...),
		Width:     s.width,
		Height:    s.height,
		Format:    s.pixFmt,
		Timestamp: time.Now().UnixNano(),
		Sequence:  int64(s.pos),
	}
	s.pos++
	return frame, nil
}

// startDecoder starts decoding at the current position
func (s *Source) startDecoder() error {
	cfg := DecoderConfig{
		Input:       s.loc.Input,
		InputFormat: s.loc.InputFormat,
		PixelFormat: s.pixFmt,
	}
	if s.width != s.info.Width || s.height != s.info.Height {
		cfg.Width = s.width
		cfg.Height = s.height
	}
	if !s.loc.Live && s.pos > 0 && s.info.Framerate > 0 {
		// Half a frame early so rounding never skips the target frame
		cfg.Start = (float64(s.pos) - 0.5) / s.info.Framerate
	}

	dec, err := s.ff.startDecoder(context.Background(), cfg, s.log)
	if err != nil {
		return fmt.Errorf("ffmpeg: %w", err)
	}
	s.dec = dec

	s.log.WithFields(logrus.Fields{
		"position": s.pos,
		"start":    cfg.Start,
	}).Debug("FFmpeg decoder started")
	return nil
}

// stopDecoder stops the running decoder, if any
func (s *Source) stopDecoder() {
	if s.dec != nil {
		s.dec.close()
		s.dec = nil
	}
}

// restart drops the decoder and any recorded end of stream so the next Read
// decodes from the current position
func (s *Source) restart() {
	s.stopDecoder()
	s.ended = nil
}

// Seek moves the read position to a frame index
func (s *Source) Seek(index int) error {
	if s.loc.Live {
		return input.ErrNotSeekable
	}
	if index < 0 || (s.info.FrameCount >= 0 && index > s.info.FrameCount) {
		return fmt.Errorf("ffmpeg: seek to %d outside [0, %d]", index, s.info.FrameCount)
	}
	if index == s.pos && s.ended == nil {
		return nil
	}

	s.restart()
	s.pos = index
	return nil
}

// Position returns the index of the next frame Read will return
func (s *Source) Position() int {
	return s.pos
}

// Property returns a source property
func (s *Source) Property(p input.Property) (float64, error) {
	switch p {
	case input.PropFPS:
		return s.info.Framerate, nil
	case input.PropFrameCount:
		return float64(s.info.FrameCount), nil
	case input.PropWidth:
		return float64(s.width), nil
	case input.PropHeight:
		return float64(s.height), nil
	case input.PropPosition:
		return float64(s.pos), nil
	case input.PropCodec:
		return float64(s.info.CodecTag), nil
	default:
		return 0, fmt.Errorf("%w: %s", input.ErrUnsupportedProperty, p)
	}
}

// SetProperty sets a source property. Width and height scale the decoded
// frames; the decoder restarts at the current position.
func (s *Source) SetProperty(p input.Property, value float64) error {
	switch p {
	case input.PropWidth, input.PropHeight:
		v := int(value)
		if v <= 0 {
			return fmt.Errorf("ffmpeg: invalid %s %d", p, v)
		}
		if p == input.PropWidth {
			s.width = v
		} else {
			s.height = v
		}
		s.restart()
		return nil
	case input.PropPosition:
		return s.Seek(int(value))
	default:
		return fmt.Errorf("%w: %s", input.ErrUnsupportedProperty, p)
	}
}

// Release stops the decoder process
func (s *Source) Release() error {
	if s.released {
		return nil
	}
	s.released = true
	s.stopDecoder()
	s.log.WithField("position", s.pos).Debug("FFmpeg source released")
	return nil
}
