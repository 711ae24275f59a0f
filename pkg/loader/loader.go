// Package loader presents a frame source as an indexable, iterable sequence
// of frames, optionally prefetching frames on a background goroutine.
//
//	l, err := loader.New("clip.mp4", loader.WithCapacity(32))
//	if err != nil {
//		return err
//	}
//	defer l.Release()
//
//	for frame, err := range l.Frames() {
//		if err != nil {
//			return err
//		}
//		process(frame)
//	}
//
// With threading enabled (the default) the constructor starts a prefetch
// worker that reads ahead into a bounded queue. Iteration consumes that
// queue; Get always reads the source directly.
package loader

import (
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/sirupsen/logrus"

	// Registers the FFmpeg source for file, stream and device locators
	_ "github.com/video-system/go-video-loader/internal/ffmpeg"
	"github.com/video-system/go-video-loader/pkg/framequeue"
	"github.com/video-system/go-video-loader/pkg/input"
	"github.com/video-system/go-video-loader/pkg/prefetch"
)

var (
	// ErrIndexOutOfRange is returned by Get for an index outside [-N, N)
	ErrIndexOutOfRange = errors.New("loader: index out of range")

	// ErrReleased is returned by every accessor after Release
	ErrReleased = errors.New("loader: released")

	// ErrIterationInProgress is returned when a second iteration session is
	// started while one is active
	ErrIterationInProgress = errors.New("loader: iteration already in progress")

	// ErrPrefetching is returned by Set while a prefetch worker is reading
	// the source
	ErrPrefetching = errors.New("loader: prefetch worker owns the source")
)

// pipeline is one prefetch session: a queue and the worker feeding it
type pipeline struct {
	queue  *framequeue.Queue
	worker *prefetch.Worker

	start    int          // Source position when the worker started
	consumed atomic.Int64 // Frames popped by the consumer
}

// Stats holds loader counters
type Stats struct {
	FramesDelivered uint64         `json:"frames_delivered"`
	Buffered        int            `json:"buffered"`
	WorkerState     string         `json:"worker_state"`
	Prefetch        prefetch.Stats `json:"prefetch"` // Most recent worker
}

// Loader wraps a frame source. Frames, Next and Get are meant for a single
// consumer goroutine; Release may be called from any goroutine.
//
// Get reads the source directly, so it must not be used while a prefetch
// worker is running (after construction in threaded mode, or during a
// threaded iteration). Once an iteration has completed the worker is gone
// and Get is safe.
type Loader struct {
	id      uuid.UUID
	locator string
	opts    options
	src     input.Source
	log     logrus.FieldLogger

	fps        float64
	frameCount int

	mu         sync.Mutex
	width      int
	height     int
	pipe       *pipeline
	lastWorker *prefetch.Worker
	iterating  bool
	released   bool

	delivered atomic.Uint64
}

// New opens locator and, with threading enabled, starts prefetching.
// Open failures are returned as *input.OpenError.
func New(locator string, opts ...Option) (*Loader, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if o.capacity < 1 {
		return nil, fmt.Errorf("loader: capacity %d: %w", o.capacity, framequeue.ErrInvalidCapacity)
	}
	if o.width < 0 || o.height < 0 {
		return nil, fmt.Errorf("loader: invalid size %dx%d", o.width, o.height)
	}

	id := uuid.New()
	log := o.logger.WithFields(logrus.Fields{
		"component": "loader",
		"loader_id": id.String(),
		"locator":   locator,
	})

	src, err := o.opener(locator, log)
	if err != nil {
		var openErr *input.OpenError
		if !errors.As(err, &openErr) {
			err = &input.OpenError{Locator: locator, Err: err}
		}
		log.WithError(err).Error("Failed to open source")
		return nil, err
	}

	l := &Loader{
		id:      id,
		locator: locator,
		opts:    o,
		src:     src,
		log:     log,
	}

	if err := l.configureSource(); err != nil {
		_ = src.Release()
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"threaded":    o.threading,
		"capacity":    o.capacity,
		"width":       l.width,
		"height":      l.height,
		"fps":         l.fps,
		"frame_count": l.frameCount,
	}).Info("Loader opened")

	if o.threading {
		l.mu.Lock()
		l.startPipeline()
		l.mu.Unlock()
	}

	return l, nil
}

// configureSource applies size overrides and caches the source properties
func (l *Loader) configureSource() error {
	if l.opts.width > 0 {
		if err := l.src.SetProperty(input.PropWidth, float64(l.opts.width)); err != nil {
			return fmt.Errorf("loader: set width: %w", err)
		}
	}
	if l.opts.height > 0 {
		if err := l.src.SetProperty(input.PropHeight, float64(l.opts.height)); err != nil {
			return fmt.Errorf("loader: set height: %w", err)
		}
	}

	fps, err := l.property(input.PropFPS, 0)
	if err != nil {
		return err
	}
	count, err := l.property(input.PropFrameCount, -1)
	if err != nil {
		return err
	}
	width, err := l.property(input.PropWidth, 0)
	if err != nil {
		return err
	}
	height, err := l.property(input.PropHeight, 0)
	if err != nil {
		return err
	}

	l.fps = fps
	l.frameCount = int(count)
	l.width = int(width)
	l.height = int(height)
	return nil
}

// property reads a source property, using fallback when it is unsupported
func (l *Loader) property(p input.Property, fallback float64) (float64, error) {
	v, err := l.src.Property(p)
	if errors.Is(err, input.ErrUnsupportedProperty) {
		return fallback, nil
	}
	if err != nil {
		return 0, fmt.Errorf("loader: read %s: %w", p, err)
	}
	return v, nil
}

// startPipeline creates a queue and starts a worker on it. Caller holds mu.
func (l *Loader) startPipeline() *pipeline {
	// Capacity was validated in New
	q, _ := framequeue.New(l.opts.capacity)

	w := prefetch.New(l.src, q, prefetch.Config{
		RetryInterval: l.opts.retryInterval,
		Logger:        l.log,
	})
	l.pipe = &pipeline{queue: q, worker: w, start: l.src.Position()}
	w.Start(l.opts.ctx)

	l.lastWorker = w
	return l.pipe
}

// activePipeline returns the current prefetch session, starting a new one
// if the previous session ended.
func (l *Loader) activePipeline() (*pipeline, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil, ErrReleased
	}
	if l.pipe != nil {
		return l.pipe, nil
	}

	l.log.Debug("Restarting prefetch")
	return l.startPipeline(), nil
}

// finishPipeline stops a session's worker, discards what it prefetched and
// rewinds the source for the next session.
func (l *Loader) finishPipeline(p *pipeline) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p.worker.Stop()
	if dropped := p.queue.Drain(); dropped > 0 {
		l.log.WithField("dropped", dropped).Debug("Discarded prefetched frames")
	}
	if l.pipe == p {
		l.pipe = nil
	}
	if !l.released {
		l.rewind()
	}
}

// rewind seeks the source back to the first frame. Caller holds mu.
func (l *Loader) rewind() {
	err := l.src.Seek(0)
	switch {
	case err == nil:
	case errors.Is(err, input.ErrNotSeekable):
		l.log.Debug("Source is not seekable, position not reset")
	default:
		l.log.WithError(err).Warn("Failed to reset source position")
	}
}

func (l *Loader) apply(frame *input.Frame) *input.Frame {
	l.delivered.Add(1)
	if l.opts.transform == nil {
		return frame
	}
	return l.opts.transform(frame)
}

// pop takes the next prefetched frame. Cancelling the loader context also
// closes the queue; that is reported as the context error, not as the end
// of the stream.
func (l *Loader) pop(p *pipeline) (*input.Frame, error) {
	frame, err := p.queue.Pop(l.opts.ctx, l.opts.popTimeout)
	if ctxErr := l.opts.ctx.Err(); ctxErr != nil {
		l.log.WithError(ctxErr).Debug("Prefetch cancelled")
		l.finishPipeline(p)
		return nil, fmt.Errorf("loader: %w", ctxErr)
	}
	switch {
	case errors.Is(err, input.ErrEndOfStream):
		l.finishPipeline(p)
		return nil, input.ErrEndOfStream
	case err != nil:
		return nil, l.popError(err)
	}
	p.consumed.Add(1)
	return frame, nil
}

// popError wraps a failed pop. A timeout means the source or the consumer
// stalled; the worker is left for Release.
func (l *Loader) popError(err error) error {
	if errors.Is(err, framequeue.ErrTimeout) {
		l.log.WithField("timeout", l.opts.popTimeout).Error("No prefetched frame arrived, pipeline stalled")
		return fmt.Errorf("loader: no frame within %s: %w", l.opts.popTimeout, err)
	}
	return fmt.Errorf("loader: %w", err)
}

// Get returns frame i, reading it directly from the source. Negative
// indices count from the end. The source position is unchanged afterwards.
func (l *Loader) Get(i int) (*input.Frame, error) {
	frame, err := l.get(i)
	if err != nil {
		return nil, err
	}
	return l.apply(frame), nil
}

func (l *Loader) get(i int) (*input.Frame, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil, ErrReleased
	}

	n := l.frameCount
	if n < 0 {
		return nil, fmt.Errorf("loader: indexed access needs a known frame count: %w", input.ErrNotSeekable)
	}
	if i < -n || i >= n {
		return nil, fmt.Errorf("%w: index %d, valid range is [%d, %d)", ErrIndexOutOfRange, i, -n, n)
	}
	idx := ((i % n) + n) % n

	saved := l.src.Position()
	if err := l.src.Seek(idx); err != nil {
		return nil, fmt.Errorf("loader: seek to frame %d: %w", idx, err)
	}

	frame, readErr := l.src.Read()
	if err := l.src.Seek(saved); err != nil {
		l.log.WithError(err).WithField("position", saved).Warn("Failed to restore source position")
		if readErr == nil {
			return nil, fmt.Errorf("loader: restore position %d: %w", saved, err)
		}
	}
	if readErr != nil {
		return nil, fmt.Errorf("loader: read frame %d: %w", idx, readErr)
	}
	return frame, nil
}

// Frames returns the frames as a sequence. With threading the frames come
// from the prefetch queue, restarting the worker if a previous session
// ended; without it they are read directly. A stalled pipeline or a failed
// direct read is yielded as an error and ends the sequence.
//
// When the sequence ends, including by an early break, the position is
// reset so the next iteration starts from the first frame.
func (l *Loader) Frames() iter.Seq2[*input.Frame, error] {
	return func(yield func(*input.Frame, error) bool) {
		if err := l.beginSession(); err != nil {
			yield(nil, err)
			return
		}
		defer l.endSession()

		if l.opts.threading {
			l.framesFromQueue(yield)
		} else {
			l.framesFromSource(yield)
		}
	}
}

func (l *Loader) beginSession() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return ErrReleased
	}
	if l.iterating {
		return ErrIterationInProgress
	}
	l.iterating = true
	return nil
}

func (l *Loader) endSession() {
	l.mu.Lock()
	l.iterating = false
	l.mu.Unlock()
}

func (l *Loader) framesFromQueue(yield func(*input.Frame, error) bool) {
	p, err := l.activePipeline()
	if err != nil {
		yield(nil, err)
		return
	}

	for {
		frame, err := l.pop(p)
		if errors.Is(err, input.ErrEndOfStream) {
			return
		}
		if err != nil {
			yield(nil, err)
			return
		}
		if !yield(l.apply(frame), nil) {
			l.log.Debug("Iteration abandoned, stopping prefetch")
			l.finishPipeline(p)
			return
		}
	}
}

func (l *Loader) framesFromSource(yield func(*input.Frame, error) bool) {
	defer func() {
		l.mu.Lock()
		if !l.released {
			l.rewind()
		}
		l.mu.Unlock()
	}()

	for n := 0; l.frameCount < 0 || n < l.frameCount; n++ {
		frame, err := l.read()
		if errors.Is(err, input.ErrEndOfStream) {
			return
		}
		if err != nil {
			yield(nil, err)
			return
		}
		if !yield(l.apply(frame), nil) {
			return
		}
	}
}

// read reads the next frame directly from the source
func (l *Loader) read() (*input.Frame, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil, ErrReleased
	}

	frame, err := l.src.Read()
	if err != nil && !errors.Is(err, input.ErrEndOfStream) {
		return nil, fmt.Errorf("loader: read frame %d: %w", l.src.Position(), err)
	}
	return frame, err
}

// Next returns the next frame. At the end it returns input.ErrEndOfStream
// and rewinds, so the following call starts over.
func (l *Loader) Next() (*input.Frame, error) {
	l.mu.Lock()
	switch {
	case l.released:
		l.mu.Unlock()
		return nil, ErrReleased
	case l.iterating:
		l.mu.Unlock()
		return nil, ErrIterationInProgress
	}
	l.mu.Unlock()

	if l.opts.threading {
		return l.nextFromQueue()
	}
	return l.nextFromSource()
}

func (l *Loader) nextFromQueue() (*input.Frame, error) {
	p, err := l.activePipeline()
	if err != nil {
		return nil, err
	}

	frame, err := l.pop(p)
	if err != nil {
		return nil, err
	}
	return l.apply(frame), nil
}

func (l *Loader) nextFromSource() (*input.Frame, error) {
	l.mu.Lock()
	if l.frameCount >= 0 && l.src.Position() >= l.frameCount {
		l.rewind()
		l.mu.Unlock()
		return nil, input.ErrEndOfStream
	}
	l.mu.Unlock()

	frame, err := l.read()
	if errors.Is(err, input.ErrEndOfStream) {
		l.mu.Lock()
		l.rewind()
		l.mu.Unlock()
		return nil, input.ErrEndOfStream
	}
	if err != nil {
		return nil, err
	}
	return l.apply(frame), nil
}

// Len returns the number of frames, or -1 when the source is unbounded
func (l *Loader) Len() int {
	return l.frameCount
}

// FPS returns the source frame rate
func (l *Loader) FPS() float64 {
	return l.fps
}

// Width returns the frame width
func (l *Loader) Width() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.width
}

// Height returns the frame height
func (l *Loader) Height() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height
}

// Locator returns the locator the source was opened with
func (l *Loader) Locator() string {
	return l.locator
}

// Threaded reports whether frames are prefetched
func (l *Loader) Threaded() bool {
	return l.opts.threading
}

// ID identifies the loader in log entries
func (l *Loader) ID() uuid.UUID {
	return l.id
}

// Position returns the index of the next frame the consumer will get. During
// a prefetch session it is counted from the frames taken off the queue, so
// the source, which the worker owns, is not touched.
func (l *Loader) Position() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return 0, ErrReleased
	}
	if l.pipe != nil {
		return l.pipe.start + int(l.pipe.consumed.Load()), nil
	}
	return l.src.Position(), nil
}

// Set sets a source property. Width and height updates are reflected by
// Width and Height. It fails with ErrPrefetching while a worker is reading
// the source; finish or abandon the iteration first.
func (l *Loader) Set(p input.Property, value float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return ErrReleased
	}
	if l.pipe != nil && l.pipe.worker.State() != prefetch.StateStopped {
		return fmt.Errorf("loader: set %s: %w", p, ErrPrefetching)
	}
	if err := l.src.SetProperty(p, value); err != nil {
		return fmt.Errorf("loader: set %s: %w", p, err)
	}

	switch p {
	case input.PropWidth:
		l.width = int(value)
	case input.PropHeight:
		l.height = int(value)
	}
	return nil
}

// Stats returns a snapshot of the loader counters
func (l *Loader) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{
		FramesDelivered: l.delivered.Load(),
		WorkerState:     prefetch.StateStopped.String(),
	}
	if l.pipe != nil {
		s.Buffered = l.pipe.queue.Len()
	}
	if l.lastWorker != nil {
		s.WorkerState = l.lastWorker.State().String()
		s.Prefetch = l.lastWorker.Stats()
	}
	return s
}

// Summary renders the loader configuration as a table
func (l *Loader) Summary() string {
	l.mu.Lock()
	width, height := l.width, l.height
	l.mu.Unlock()

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle("Loader")
	tw.AppendRows([]table.Row{
		{"ID", l.id.String()},
		{"Locator", l.locator},
		{"Threaded", l.opts.threading},
		{"Transform", l.opts.transform != nil},
		{"Width", width},
		{"Height", height},
		{"Length", l.frameCount},
		{"FPS", fmt.Sprintf("%.2f", l.fps)},
	})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
		{Number: 2, Align: text.AlignRight},
	})
	return tw.Render()
}

func (l *Loader) String() string {
	return l.Summary()
}

// Release stops the prefetch worker, waiting for it to exit, then releases
// the source. Later calls return nil.
func (l *Loader) Release() error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	p := l.pipe
	l.pipe = nil
	l.mu.Unlock()

	start := time.Now()
	if p != nil {
		p.worker.Stop()
		p.queue.Drain()
	}

	err := l.src.Release()

	entry := l.log.WithFields(logrus.Fields{
		"frames_delivered": l.delivered.Load(),
		"took":             time.Since(start).String(),
	})
	if err != nil {
		entry.WithError(err).Warn("Loader released with error")
		return fmt.Errorf("loader: release source: %w", err)
	}
	entry.Info("Loader released")
	return nil
}

// Close is Release, for use as an io.Closer
func (l *Loader) Close() error {
	return l.Release()
}
