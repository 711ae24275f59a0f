package loader

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/video-system/go-video-loader/pkg/framequeue"
	"github.com/video-system/go-video-loader/pkg/input"
	"github.com/video-system/go-video-loader/pkg/prefetch"
)

// DefaultPopTimeout is how long iteration waits for the next prefetched
// frame before the pipeline is considered stalled.
const DefaultPopTimeout = 30 * time.Second

// Transform maps a decoded frame to the frame handed to the caller. It must
// not retain or modify the source.
type Transform func(*input.Frame) *input.Frame

// Option configures a Loader
type Option func(*options)

type options struct {
	threading     bool
	capacity      int
	transform     Transform
	width         int
	height        int
	popTimeout    time.Duration
	retryInterval time.Duration
	opener        input.Opener
	logger        logrus.FieldLogger
	ctx           context.Context
}

func defaultOptions() options {
	return options{
		threading:     true,
		capacity:      framequeue.DefaultCapacity,
		popTimeout:    DefaultPopTimeout,
		retryInterval: prefetch.DefaultRetryInterval,
		opener:        input.Open,
		logger:        logrus.StandardLogger(),
		ctx:           context.Background(),
	}
}

// WithThreading enables or disables the background prefetch worker
func WithThreading(enabled bool) Option {
	return func(o *options) { o.threading = enabled }
}

// WithCapacity sets how many frames the prefetch queue holds
func WithCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// WithTransform applies fn to every frame the loader returns
func WithTransform(fn Transform) Option {
	return func(o *options) { o.transform = fn }
}

// WithSize overrides the frame size reported by the source. Zero keeps the
// source's own value for that dimension.
func WithSize(width, height int) Option {
	return func(o *options) {
		o.width = width
		o.height = height
	}
}

// WithPopTimeout bounds the wait for each prefetched frame. Zero or less
// waits until the loader context is done.
func WithPopTimeout(d time.Duration) Option {
	return func(o *options) { o.popTimeout = d }
}

// WithRetryInterval sets the wait per push attempt while the queue is full
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) { o.retryInterval = d }
}

// WithOpener replaces the scheme registry used to open the locator
func WithOpener(opener input.Opener) Option {
	return func(o *options) {
		if opener != nil {
			o.opener = opener
		}
	}
}

// WithLogger sets the logger. Entries carry the loader ID and locator.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithContext sets the parent context of prefetch workers. Cancelling it
// stops prefetching and ends any iteration in progress.
func WithContext(ctx context.Context) Option {
	return func(o *options) {
		if ctx != nil {
			o.ctx = ctx
		}
	}
}
