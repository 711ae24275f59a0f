package loader

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/video-system/go-video-loader/pkg/framequeue"
	"github.com/video-system/go-video-loader/pkg/input"
	"github.com/video-system/go-video-loader/pkg/input/memory"
)

const testLocator = "memory:test"

func newLoader(t *testing.T, frames []*input.Frame, cfg memory.Config, opts ...Option) (*Loader, *memory.Source, *logtest.Hook) {
	t.Helper()

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	var src *memory.Source
	opener := func(string, logrus.FieldLogger) (input.Source, error) {
		src = memory.New(frames, cfg)
		return src, nil
	}

	opts = append([]Option{WithOpener(opener), WithLogger(logger)}, opts...)
	l, err := New(testLocator, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Release() })

	return l, src, hook
}

func collect(t *testing.T, l *Loader) []*input.Frame {
	t.Helper()

	var frames []*input.Frame
	for frame, err := range l.Frames() {
		require.NoError(t, err)
		frames = append(frames, frame)
	}
	return frames
}

func sequences(frames []*input.Frame) []int64 {
	seqs := make([]int64, len(frames))
	for i, f := range frames {
		seqs[i] = f.Sequence
	}
	return seqs
}

func countWarnings(hook *logtest.Hook, msg string) int {
	n := 0
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Message == msg {
			n++
		}
	}
	return n
}

// invert returns a new frame with every byte inverted
func invert(f *input.Frame) *input.Frame {
	out := f.Clone()
	for i, b := range out.Data {
		out.Data[i] = 255 - b
	}
	return out
}

func TestNonThreadedIterationYieldsEveryFrameTwice(t *testing.T) {
	frames := memory.Generate(5, 4, 3)
	l, src, _ := newLoader(t, frames, memory.Config{}, WithThreading(false), WithCapacity(20))

	assert.Equal(t, 5, l.Len())
	assert.False(t, l.Threaded())

	// Reference: five sequential reads from a fresh source
	fresh := memory.New(frames, memory.Config{})
	var want []*input.Frame
	for i := 0; i < 5; i++ {
		f, err := fresh.Read()
		require.NoError(t, err)
		want = append(want, f)
	}

	first := collect(t, l)
	require.Len(t, first, 5)
	for i := range want {
		assert.Equal(t, want[i].Data, first[i].Data)
		assert.Equal(t, want[i].Sequence, first[i].Sequence)
	}
	assert.Equal(t, 0, src.Position())

	second := collect(t, l)
	assert.Equal(t, sequences(first), sequences(second))
}

func TestThreadedIterationStopsWorker(t *testing.T) {
	l, src, _ := newLoader(t, memory.Generate(4, 2, 2), memory.Config{}, WithCapacity(10))

	frames := collect(t, l)
	assert.Equal(t, []int64{0, 1, 2, 3}, sequences(frames))

	stats := l.Stats()
	assert.Equal(t, "stopped", stats.WorkerState)
	assert.Equal(t, uint64(4), stats.Prefetch.FramesQueued)
	assert.Zero(t, stats.Buffered)
	assert.Equal(t, 0, src.Position())

	// A second iteration restarts prefetching from the beginning
	frames = collect(t, l)
	assert.Equal(t, []int64{0, 1, 2, 3}, sequences(frames))
}

func TestSlowConsumerWarnsOnceAndLosesNothing(t *testing.T) {
	l, _, hook := newLoader(t, memory.Generate(3, 1, 1), memory.Config{},
		WithCapacity(1),
		WithRetryInterval(10*time.Millisecond),
	)

	var got []int64
	for frame, err := range l.Frames() {
		require.NoError(t, err)
		got = append(got, frame.Sequence)
		time.Sleep(50 * time.Millisecond)
	}

	assert.Equal(t, []int64{0, 1, 2}, got)
	assert.Equal(t, 1, countWarnings(hook, "Frame queue full, producer is waiting on the consumer"))
	assert.Zero(t, l.Stats().Prefetch.FramesDropped)
}

func TestReleaseStopsWorkerBlockedOnFullQueue(t *testing.T) {
	l, src, _ := newLoader(t, memory.Generate(10, 1, 1), memory.Config{},
		WithCapacity(2),
		WithRetryInterval(5*time.Millisecond),
	)

	// Nobody consumes: the worker keeps retrying
	time.Sleep(60 * time.Millisecond)
	stats := l.Stats()
	assert.Equal(t, "running", stats.WorkerState)
	assert.Equal(t, 2, stats.Buffered)

	released := make(chan error, 1)
	go func() { released <- l.Release() }()

	select {
	case err := <-released:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Release did not stop the retrying worker")
	}

	assert.True(t, src.Released())
	assert.Equal(t, "stopped", l.Stats().WorkerState)
}

func TestGetWrapsAndKeepsPosition(t *testing.T) {
	l, src, _ := newLoader(t, memory.Generate(6, 2, 2), memory.Config{}, WithThreading(false))

	_, err := l.Next()
	require.NoError(t, err)
	_, err = l.Next()
	require.NoError(t, err)
	require.Equal(t, 2, src.Position())

	for i := -6; i < 6; i++ {
		frame, err := l.Get(i)
		require.NoError(t, err, i)
		assert.Equal(t, byte((i+6)%6), frame.Data[0], i)

		pos, err := l.Position()
		require.NoError(t, err)
		assert.Equal(t, 2, pos, i)
	}

	// Iteration continues where Next left off
	frame, err := l.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(2), frame.Sequence)
}

func TestGetOutOfRange(t *testing.T) {
	l, _, _ := newLoader(t, memory.Generate(6, 1, 1), memory.Config{}, WithThreading(false))

	_, err := l.Get(6)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	assert.Contains(t, err.Error(), "[-6, 6)")

	_, err = l.Get(-7)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestGetOnLiveSource(t *testing.T) {
	l, _, _ := newLoader(t, memory.Generate(3, 1, 1), memory.Config{Live: true}, WithThreading(false))

	assert.Equal(t, -1, l.Len())

	_, err := l.Get(0)
	assert.ErrorIs(t, err, input.ErrNotSeekable)

	// Live sources still iterate until they run out
	frames := collect(t, l)
	assert.Len(t, frames, 3)
}

func TestTransformAppliedOnEveryPath(t *testing.T) {
	raw := memory.Generate(4, 2, 2)

	for _, threaded := range []bool{false, true} {
		l, _, _ := newLoader(t, raw, memory.Config{}, WithThreading(threaded), WithTransform(invert))

		frames := collect(t, l)
		require.Len(t, frames, 4)
		for i, f := range frames {
			assert.Equal(t, invert(raw[i]).Data, f.Data, "threaded=%v frame %d", threaded, i)
		}

		// No worker is running after a completed iteration, so Get is safe
		f, err := l.Get(-1)
		require.NoError(t, err)
		assert.Equal(t, invert(raw[3]).Data, f.Data)

		f, err = l.Next()
		require.NoError(t, err)
		assert.Equal(t, invert(raw[0]).Data, f.Data)
	}
}

func TestWithoutTransformFramesAreUnchanged(t *testing.T) {
	raw := memory.Generate(2, 2, 2)
	l, _, _ := newLoader(t, raw, memory.Config{}, WithThreading(false))

	f, err := l.Get(1)
	require.NoError(t, err)
	assert.Equal(t, raw[1].Data, f.Data)
}

func TestReleaseIsIdempotent(t *testing.T) {
	l, src, hook := newLoader(t, memory.Generate(3, 1, 1), memory.Config{})

	assert.NoError(t, l.Release())
	assert.NoError(t, l.Close())
	assert.True(t, src.Released())

	released := 0
	for _, entry := range hook.AllEntries() {
		if entry.Message == "Loader released" {
			released++
		}
	}
	assert.Equal(t, 1, released)

	_, err := l.Get(0)
	assert.ErrorIs(t, err, ErrReleased)
	_, err = l.Next()
	assert.ErrorIs(t, err, ErrReleased)
	_, err = l.Position()
	assert.ErrorIs(t, err, ErrReleased)
	assert.ErrorIs(t, l.Set(input.PropWidth, 10), ErrReleased)

	for frame, err := range l.Frames() {
		assert.Nil(t, frame)
		assert.ErrorIs(t, err, ErrReleased)
	}
}

func TestEarlyBreakRestartsFromBeginning(t *testing.T) {
	for _, threaded := range []bool{false, true} {
		l, _, _ := newLoader(t, memory.Generate(8, 1, 1), memory.Config{},
			WithThreading(threaded),
			WithCapacity(2),
			WithRetryInterval(5*time.Millisecond),
		)

		var got []int64
		for frame, err := range l.Frames() {
			require.NoError(t, err)
			got = append(got, frame.Sequence)
			if len(got) == 3 {
				break
			}
		}
		assert.Equal(t, []int64{0, 1, 2}, got, "threaded=%v", threaded)
		assert.Equal(t, "stopped", l.Stats().WorkerState)

		frames := collect(t, l)
		assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7}, sequences(frames), "threaded=%v", threaded)
	}
}

func TestPopTimeoutIsFatal(t *testing.T) {
	l, _, _ := newLoader(t, memory.Generate(3, 1, 1), memory.Config{Delay: 200 * time.Millisecond},
		WithPopTimeout(20*time.Millisecond),
	)

	n := 0
	var iterErr error
	for frame, err := range l.Frames() {
		n++
		if err != nil {
			iterErr = err
			continue
		}
		assert.NotNil(t, frame)
	}

	assert.Equal(t, 1, n)
	assert.ErrorIs(t, iterErr, framequeue.ErrTimeout)
	assert.NoError(t, l.Release())
}

func TestReadErrorEndsThreadedIteration(t *testing.T) {
	inject := func(pos int) error {
		if pos == 2 {
			return errors.New("corrupt packet")
		}
		return nil
	}
	l, _, hook := newLoader(t, memory.Generate(5, 1, 1), memory.Config{Inject: inject})

	frames := collect(t, l)
	assert.Len(t, frames, 2)
	assert.Equal(t, 1, countWarnings(hook, "Source read failed, ending stream"))
	assert.Equal(t, "corrupt packet", l.Stats().Prefetch.LastError)
}

func TestReadErrorSurfacesWithoutThreading(t *testing.T) {
	boom := errors.New("corrupt packet")
	inject := func(pos int) error {
		if pos == 2 {
			return boom
		}
		return nil
	}
	l, _, _ := newLoader(t, memory.Generate(5, 1, 1), memory.Config{Inject: inject}, WithThreading(false))

	var frames []*input.Frame
	var iterErr error
	for frame, err := range l.Frames() {
		if err != nil {
			iterErr = err
			continue
		}
		frames = append(frames, frame)
	}

	assert.Len(t, frames, 2)
	assert.ErrorIs(t, iterErr, boom)
}

func TestNext(t *testing.T) {
	for _, threaded := range []bool{false, true} {
		l, _, _ := newLoader(t, memory.Generate(3, 1, 1), memory.Config{}, WithThreading(threaded))

		for i := 0; i < 3; i++ {
			f, err := l.Next()
			require.NoError(t, err)
			assert.Equal(t, int64(i), f.Sequence)
		}

		_, err := l.Next()
		assert.ErrorIs(t, err, input.ErrEndOfStream, "threaded=%v", threaded)

		// Rewound: the next call starts over
		f, err := l.Next()
		require.NoError(t, err)
		assert.Equal(t, int64(0), f.Sequence)
	}
}

func TestOneIterationAtATime(t *testing.T) {
	l, _, _ := newLoader(t, memory.Generate(3, 1, 1), memory.Config{}, WithThreading(false))

	for _, err := range l.Frames() {
		require.NoError(t, err)

		_, nextErr := l.Next()
		assert.ErrorIs(t, nextErr, ErrIterationInProgress)

		for _, innerErr := range l.Frames() {
			assert.ErrorIs(t, innerErr, ErrIterationInProgress)
		}
	}

	// The session ended, so a new one can start
	assert.Len(t, collect(t, l), 3)
}

func TestSummary(t *testing.T) {
	l, _, _ := newLoader(t, memory.Generate(5, 8, 6), memory.Config{FPS: 25}, WithThreading(false))

	summary := l.Summary()
	for _, want := range []string{"Loader", testLocator, "Threaded", "false", "Transform", "Width", "8", "Height", "6", "Length", "5", "FPS", "25.00", l.ID().String()} {
		assert.Contains(t, summary, want)
	}
	assert.Equal(t, summary, l.String())
}

func TestSizeOverride(t *testing.T) {
	l, _, _ := newLoader(t, memory.Generate(2, 8, 6), memory.Config{}, WithThreading(false), WithSize(64, 48))

	assert.Equal(t, 64, l.Width())
	assert.Equal(t, 48, l.Height())

	require.NoError(t, l.Set(input.PropWidth, 32))
	assert.Equal(t, 32, l.Width())

	assert.ErrorIs(t, l.Set(input.PropFPS, 60), input.ErrUnsupportedProperty)
}

func TestOpenFailure(t *testing.T) {
	boom := errors.New("no such device")
	_, err := New("v4l2:/dev/video9", WithOpener(func(string, logrus.FieldLogger) (input.Source, error) {
		return nil, boom
	}))

	var openErr *input.OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "v4l2:/dev/video9", openErr.Locator)
	assert.ErrorIs(t, err, boom)
}

func TestInvalidOptions(t *testing.T) {
	opener := memory.Opener(memory.Generate(1, 1, 1), memory.Config{})

	_, err := New(testLocator, WithOpener(opener), WithCapacity(0))
	assert.ErrorIs(t, err, framequeue.ErrInvalidCapacity)

	_, err = New(testLocator, WithOpener(opener), WithSize(-1, 10))
	assert.Error(t, err)
}

func TestLogEntriesCarryLoaderFields(t *testing.T) {
	l, _, hook := newLoader(t, memory.Generate(1, 1, 1), memory.Config{}, WithThreading(false))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "Loader opened", entry.Message)
	assert.Equal(t, l.ID().String(), entry.Data["loader_id"])
	assert.Equal(t, testLocator, entry.Data["locator"])
	assert.Equal(t, "loader", entry.Data["component"])
}

func TestSourceLogsCarryLoaderFields(t *testing.T) {
	logger, hook := logtest.NewNullLogger()

	opener := func(locator string, log logrus.FieldLogger) (input.Source, error) {
		log.WithField("component", "camera").Info("Camera opened")
		return memory.New(memory.Generate(1, 1, 1), memory.Config{}), nil
	}
	l, err := New(testLocator, WithOpener(opener), WithLogger(logger), WithThreading(false))
	require.NoError(t, err)
	defer l.Release()

	var found bool
	for _, e := range hook.AllEntries() {
		if e.Message != "Camera opened" {
			continue
		}
		found = true
		assert.Equal(t, l.ID().String(), e.Data["loader_id"])
		assert.Equal(t, testLocator, e.Data["locator"])
		assert.Equal(t, "camera", e.Data["component"])
	}
	assert.True(t, found)
}

// positionCounter counts Position calls made on the source
type positionCounter struct {
	*memory.Source
	calls atomic.Int32
}

func (s *positionCounter) Position() int {
	s.calls.Add(1)
	return s.Source.Position()
}

func TestPositionAndSetDuringPrefetch(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	src := &positionCounter{Source: memory.New(memory.Generate(10, 4, 4), memory.Config{Delay: time.Millisecond})}

	l, err := New(testLocator,
		WithOpener(func(string, logrus.FieldLogger) (input.Source, error) { return src, nil }),
		WithLogger(logger),
		WithCapacity(2),
		WithRetryInterval(5*time.Millisecond),
	)
	require.NoError(t, err)
	defer l.Release()

	calls := src.calls.Load()

	pos, err := l.Position()
	require.NoError(t, err)
	assert.Equal(t, 0, pos)

	for range 2 {
		_, err := l.Next()
		require.NoError(t, err)
	}
	pos, err = l.Position()
	require.NoError(t, err)
	assert.Equal(t, 2, pos)
	assert.Equal(t, calls, src.calls.Load(), "source position read while the worker owns it")

	// The worker cannot finish: it has at most read 5 of 10 frames
	err = l.Set(input.PropWidth, 8)
	assert.ErrorIs(t, err, ErrPrefetching)
	assert.Equal(t, 4, l.Width())

	for {
		_, err := l.Next()
		if errors.Is(err, input.ErrEndOfStream) {
			break
		}
		require.NoError(t, err)
	}

	// Session over, the source is free again
	require.NoError(t, l.Set(input.PropWidth, 8))
	assert.Equal(t, 8, l.Width())
	pos, err = l.Position()
	require.NoError(t, err)
	assert.Equal(t, 0, pos)
}

func TestCancelledContextEndsIterationWithError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, _, _ := newLoader(t, memory.Generate(50, 1, 1), memory.Config{Delay: time.Millisecond},
		WithContext(ctx),
		WithCapacity(2),
		WithRetryInterval(5*time.Millisecond),
	)

	var got int
	var last error
	for frame, err := range l.Frames() {
		if err != nil {
			last = err
			break
		}
		require.NotNil(t, frame)
		got++
		if got == 3 {
			cancel()
		}
	}

	assert.Equal(t, 3, got)
	require.Error(t, last)
	assert.ErrorIs(t, last, context.Canceled)
	assert.NotErrorIs(t, last, input.ErrEndOfStream)

	// Later sessions keep reporting the cancellation
	_, err := l.Next()
	assert.ErrorIs(t, err, context.Canceled)
}
