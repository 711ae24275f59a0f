package input

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// ErrEndOfStream is returned by Read when the source has no more frames
	ErrEndOfStream = errors.New("input: end of stream")

	// ErrNotSeekable is returned by Seek on live sources
	ErrNotSeekable = errors.New("input: source is not seekable")

	// ErrUnsupportedProperty is returned for properties a source does not know
	ErrUnsupportedProperty = errors.New("input: unsupported property")
)

// Source is the interface for synchronous frame sources.
//
// Implementations are not required to be safe for concurrent use. Read
// advances Position by one.
type Source interface {
	// Capture
	Read() (*Frame, error)
	Seek(index int) error
	Position() int

	// Properties
	Property(p Property) (float64, error)
	SetProperty(p Property, value float64) error

	// Lifecycle
	Release() error
}

// Opener opens a source from a locator (file path, URL or device). The
// source logs to log.
type Opener func(locator string, log logrus.FieldLogger) (Source, error)

// OpenError reports a source that could not be opened
type OpenError struct {
	Locator string
	Err     error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("input: open %q: %v", e.Locator, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// Property identifies a source property
type Property int

const (
	PropFPS Property = iota
	PropFrameCount
	PropWidth
	PropHeight
	PropPosition
	PropCodec
)

func (p Property) String() string {
	switch p {
	case PropFPS:
		return "fps"
	case PropFrameCount:
		return "frame_count"
	case PropWidth:
		return "width"
	case PropHeight:
		return "height"
	case PropPosition:
		return "position"
	case PropCodec:
		return "codec"
	default:
		return fmt.Sprintf("property(%d)", int(p))
	}
}

// Frame represents a decoded video frame
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Format    PixelFormat
	Timestamp int64 // Unix nanoseconds
	Sequence  int64 // Source frame index
}

// Clone returns a deep copy of the frame
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := *f
	c.Data = append([]byte(nil), f.Data...)
	return &c
}

// PixelFormat represents a video pixel format
type PixelFormat string

const (
	FormatYUV420P PixelFormat = "yuv420p"
	FormatYUYV    PixelFormat = "yuyv"
	FormatUYVY    PixelFormat = "uyvy"
	FormatNV12    PixelFormat = "nv12"
	FormatRGB24   PixelFormat = "rgb24"
	FormatBGRA    PixelFormat = "bgra"
	FormatGray    PixelFormat = "gray"
)

// BytesPerPixel returns the packed size of one pixel, or 0 for planar formats
func (pf PixelFormat) BytesPerPixel() int {
	switch pf {
	case FormatRGB24:
		return 3
	case FormatBGRA:
		return 4
	case FormatYUYV, FormatUYVY:
		return 2
	case FormatGray:
		return 1
	default:
		return 0
	}
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Opener)
)

// Register registers an opener for a locator scheme ("rtsp", "file").
// The empty scheme is the fallback for locators without one.
func Register(scheme string, opener Opener) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(scheme)] = opener
}

// Get returns the opener registered for a scheme
func Get(scheme string) (Opener, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	opener, ok := registry[strings.ToLower(scheme)]
	return opener, ok
}

// Open opens a locator with the opener registered for its scheme, falling
// back to the empty-scheme opener. A nil log means the standard logger.
func Open(locator string, log logrus.FieldLogger) (Source, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	scheme := Scheme(locator)
	opener, ok := Get(scheme)
	if !ok {
		opener, ok = Get("")
	}
	if !ok {
		return nil, &OpenError{Locator: locator, Err: fmt.Errorf("no opener registered for scheme %q", scheme)}
	}

	src, err := opener(locator, log)
	if err != nil {
		var openErr *OpenError
		if errors.As(err, &openErr) {
			return nil, err
		}
		return nil, &OpenError{Locator: locator, Err: err}
	}
	return src, nil
}

// Scheme returns the lower-cased scheme of a locator: "rtsp" for
// "rtsp://host/path", "v4l2" for "v4l2:/dev/video0", "" for plain paths.
func Scheme(locator string) string {
	i := strings.Index(locator, ":")
	if i <= 1 {
		// No scheme, or a Windows drive letter
		return ""
	}
	scheme := locator[:i]
	for _, r := range scheme {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.') {
			return ""
		}
	}
	return strings.ToLower(scheme)
}
