package prefetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/video-system/go-video-loader/pkg/framequeue"
	"github.com/video-system/go-video-loader/pkg/input"
)

// DefaultRetryInterval is how long a single push waits on a full queue
// before it is retried.
const DefaultRetryInterval = time.Second

// State is the worker lifecycle state
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Config holds worker configuration
type Config struct {
	RetryInterval time.Duration      // Wait per push attempt on a full queue
	Logger        logrus.FieldLogger // Defaults to the logrus standard logger
}

// Stats holds worker counters
type Stats struct {
	FramesRead    uint64 `json:"frames_read"`
	FramesQueued  uint64 `json:"frames_queued"`
	FramesDropped uint64 `json:"frames_dropped"` // Discarded because stop arrived mid-retry
	Overflows     uint64 `json:"overflows"`      // Push attempts that found the queue full
	LastError     string `json:"last_error,omitempty"`
}

// Worker reads frames from a source on one goroutine and pushes them into a
// queue until the source is exhausted or Stop is called. The queue is closed
// when the goroutine exits, whatever the reason.
//
// While the worker runs it is the only user of the source.
type Worker struct {
	src   input.Source
	queue *framequeue.Queue
	cfg   Config
	log   logrus.FieldLogger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	overflowOnce  sync.Once
	framesRead    atomic.Uint64
	framesQueued  atomic.Uint64
	framesDropped atomic.Uint64
	overflows     atomic.Uint64
	lastErr       atomic.Value // string
}

// New creates a stopped worker
func New(src input.Source, queue *framequeue.Queue, cfg Config) *Worker {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	return &Worker{
		src:   src,
		queue: queue,
		cfg:   cfg,
		log:   cfg.Logger.WithField("component", "prefetch"),
	}
}

// Start launches the read loop. It is a no-op if the worker is already
// running. A worker whose goroutine has exited cannot be restarted since its
// queue carries the end marker; create a new worker with a new queue.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateStopped {
		w.log.WithField("state", w.state.String()).Info("Prefetch worker already started")
		return
	}
	if w.done != nil {
		w.log.Info("Prefetch worker already finished")
		return
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.state = StateRunning

	w.log.WithFields(logrus.Fields{
		"capacity":       w.queue.Cap(),
		"retry_interval": w.cfg.RetryInterval,
	}).Debug("Prefetch worker starting")

	go w.run(ctx, w.done)
}

// Stop asks the read loop to exit and waits until it has. No queue writes
// happen after Stop returns. Safe to call more than once and after the
// worker finished on its own.
func (w *Worker) Stop() {
	w.mu.Lock()
	done := w.done
	if w.state == StateRunning {
		w.state = StateStopping
	}
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Running reports whether the read loop is active
func (w *Worker) Running() bool {
	return w.State() == StateRunning
}

// State returns the lifecycle state
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Done returns a channel closed when the read loop has exited, or nil if
// the worker was never started.
func (w *Worker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// Stats returns a snapshot of the worker counters
func (w *Worker) Stats() Stats {
	s := Stats{
		FramesRead:    w.framesRead.Load(),
		FramesQueued:  w.framesQueued.Load(),
		FramesDropped: w.framesDropped.Load(),
		Overflows:     w.overflows.Load(),
	}
	if msg, ok := w.lastErr.Load().(string); ok {
		s.LastError = msg
	}
	return s
}

// run is the read loop
func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer func() {
		w.queue.Close()

		w.mu.Lock()
		w.state = StateStopped
		w.mu.Unlock()

		close(done)
	}()

	for ctx.Err() == nil {
		frame, err := w.src.Read()
		if err != nil {
			// Any read failure ends the stream, not only exhaustion
			if !errors.Is(err, input.ErrEndOfStream) {
				w.lastErr.Store(err.Error())
				w.log.WithFields(logrus.Fields{
					"error":       err,
					"frames_read": w.framesRead.Load(),
				}).Warn("Source read failed, ending stream")
			}
			w.log.WithField("frames_read", w.framesRead.Load()).Debug("Prefetch worker reached end of stream")
			return
		}
		w.framesRead.Add(1)

		if !w.push(ctx, frame) {
			w.framesDropped.Add(1)
			w.log.WithField("sequence", frame.Sequence).Debug("Prefetch worker stopped with frame pending")
			return
		}
		w.framesQueued.Add(1)
	}

	w.log.WithField("frames_read", w.framesRead.Load()).Debug("Prefetch worker stopped")
}

// push enqueues frame, retrying while the queue is full. It returns false
// if the worker was stopped before the frame could be queued.
func (w *Worker) push(ctx context.Context, frame *input.Frame) bool {
	for {
		err := w.queue.Push(ctx, frame, w.cfg.RetryInterval)
		if err == nil {
			return true
		}
		if !errors.Is(err, framequeue.ErrTimeout) {
			return false
		}

		w.overflows.Add(1)
		w.overflowOnce.Do(func() {
			w.log.WithFields(logrus.Fields{
				"capacity": w.queue.Cap(),
				"sequence": frame.Sequence,
			}).Warn("Frame queue full, producer is waiting on the consumer")
		})
	}
}
