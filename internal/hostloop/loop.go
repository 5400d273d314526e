// Package hostloop runs all command work on one dedicated goroutine, the host
// thread. Callers on any goroutine hand work to the loop with Invoke and block
// until it has run or their wait bound expires.
package hostloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"
)

var (
	// ErrTimeout is returned when work does not complete within the wait bound.
	ErrTimeout = errors.New("host invoke timed out")
	// ErrStopped is returned for work submitted to, or left queued on, a stopped loop.
	ErrStopped = errors.New("host loop stopped")
	// ErrPanic wraps a panic recovered from work.
	ErrPanic = errors.New("host work panicked")
)

const (
	DefaultQueueSize     = 256
	DefaultFrameInterval = 16 * time.Millisecond
	DefaultTimeout       = 30 * time.Second
)

// Func is a unit of work executed on the host goroutine.
type Func func(ctx context.Context) (any, error)

// Options configures a Loop. Zero values select the defaults.
type Options struct {
	QueueSize     int
	FrameInterval time.Duration
	Timeout       time.Duration
	Logger        *slog.Logger
}

// Stats is a point-in-time view of the loop counters.
type Stats struct {
	Frames        uint64 `json:"frames"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	Executed      uint64 `json:"executed"`
	Cancelled     uint64 `json:"cancelled"`
	Panics        uint64 `json:"panics"`
}

const (
	statePending int32 = iota
	stateRunning
	stateCancelled
	stateDone
)

type outcome struct {
	val any
	err error
}

type item struct {
	seq    uint64
	fn     Func
	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32
	result chan outcome
}

type hostKey struct{}
type seqKey struct{}

// Loop owns the host goroutine. Create with New and start with Run.
type Loop struct {
	timeout       time.Duration
	frameInterval time.Duration
	logger        *slog.Logger

	// enqueue is a one-slot semaphore. Holding it while assigning the
	// sequence number and sending keeps queue order equal to sequence order.
	enqueue chan struct{}
	seq     uint64
	queue   chan *item

	done    chan struct{}
	running atomic.Bool

	frames    atomic.Uint64
	executed  atomic.Uint64
	cancelled atomic.Uint64
	panics    atomic.Uint64
}

// New creates a Loop. Work is queued but not executed until Run is called.
func New(opts Options) *Loop {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = DefaultFrameInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Loop{
		timeout:       opts.Timeout,
		frameInterval: opts.FrameInterval,
		logger:        opts.Logger,
		enqueue:       make(chan struct{}, 1),
		queue:         make(chan *item, opts.QueueSize),
		done:          make(chan struct{}),
	}
}

// Timeout is the default wait bound applied by Invoke.
func (l *Loop) Timeout() time.Duration { return l.timeout }

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Run executes queued work in FIFO order on the calling goroutine until ctx
// is cancelled. Work still queued at that point fails with ErrStopped.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("hostloop: already running")
	}
	ticker := time.NewTicker(l.frameInterval)
	defer ticker.Stop()

	l.logger.Info("host loop started", "queue_capacity", cap(l.queue), "frame_interval", l.frameInterval.String())
	for {
		select {
		case <-ctx.Done():
			l.stop()
			return nil
		case <-ticker.C:
			l.frames.Add(1)
		case it := <-l.queue:
			if ctx.Err() != nil {
				it.reject()
				l.stop()
				return nil
			}
			l.execute(it)
		}
	}
}

func (l *Loop) stop() {
	close(l.done)
	for {
		select {
		case it := <-l.queue:
			it.reject()
		default:
			l.logger.Info("host loop stopped", "frames", l.frames.Load(), "executed", l.executed.Load())
			return
		}
	}
}

func (it *item) reject() {
	if it.state.CompareAndSwap(statePending, stateCancelled) {
		it.cancel()
		it.result <- outcome{err: ErrStopped}
	}
}

func (l *Loop) execute(it *item) {
	if !it.state.CompareAndSwap(statePending, stateRunning) {
		return
	}
	val, err := l.call(it.ctx, it.fn)
	it.state.Store(stateDone)
	it.cancel()
	l.executed.Add(1)
	it.result <- outcome{val: val, err: err}
}

func (l *Loop) call(ctx context.Context, fn Func) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.panics.Add(1)
			l.logger.Error("host work panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			val, err = nil, fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn(ctx)
}

// Invoke runs fn on the host goroutine and waits for its result, bounded by
// the loop's default timeout.
func (l *Loop) Invoke(ctx context.Context, fn Func) (any, error) {
	return l.InvokeWithTimeout(ctx, l.timeout, fn)
}

// InvokeWithTimeout is Invoke with an explicit wait bound. When ctx already
// belongs to this loop's host goroutine, fn runs inline.
//
// On timeout, work that has not started is skipped; work already running has
// its context cancelled and its result discarded.
func (l *Loop) InvokeWithTimeout(ctx context.Context, timeout time.Duration, fn Func) (any, error) {
	if l.owns(ctx) {
		return l.call(ctx, fn)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = l.timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	timeoutErr := fmt.Errorf("%w after %s", ErrTimeout, timeout)

	select {
	case <-l.done:
		return nil, ErrStopped
	default:
	}

	select {
	case l.enqueue <- struct{}{}:
	case <-timer.C:
		return nil, timeoutErr
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, ErrStopped
	}
	l.seq++
	it := &item{
		seq:    l.seq,
		fn:     fn,
		result: make(chan outcome, 1),
	}
	workCtx, cancel := context.WithCancel(ctx)
	workCtx = context.WithValue(workCtx, hostKey{}, l)
	it.ctx = context.WithValue(workCtx, seqKey{}, it.seq)
	it.cancel = cancel

	var enqueueErr error
	select {
	case l.queue <- it:
	case <-timer.C:
		enqueueErr = timeoutErr
	case <-ctx.Done():
		enqueueErr = ctx.Err()
	case <-l.done:
		enqueueErr = ErrStopped
	}
	<-l.enqueue
	if enqueueErr != nil {
		cancel()
		return nil, enqueueErr
	}

	select {
	case out := <-it.result:
		return out.val, out.err
	case <-timer.C:
		return l.abandon(it, timeoutErr)
	case <-ctx.Done():
		return l.abandon(it, ctx.Err())
	case <-l.done:
		select {
		case out := <-it.result:
			return out.val, out.err
		default:
			return l.abandon(it, ErrStopped)
		}
	}
}

func (l *Loop) abandon(it *item, err error) (any, error) {
	if it.state.CompareAndSwap(statePending, stateCancelled) {
		it.cancel()
		l.cancelled.Add(1)
		return nil, err
	}
	select {
	case out := <-it.result:
		return out.val, out.err
	default:
	}
	it.cancel()
	l.cancelled.Add(1)
	return nil, err
}

func (l *Loop) owns(ctx context.Context) bool {
	owner, _ := ctx.Value(hostKey{}).(*Loop)
	return owner == l
}

// OnHost reports whether ctx was handed to work by a host loop, meaning the
// caller is running on a host goroutine.
func OnHost(ctx context.Context) bool {
	_, ok := ctx.Value(hostKey{}).(*Loop)
	return ok
}

// Sequence returns the enqueue sequence number of the work that owns ctx.
func Sequence(ctx context.Context) (uint64, bool) {
	seq, ok := ctx.Value(seqKey{}).(uint64)
	return seq, ok
}

// Frames returns the number of frame ticks since Run started.
func (l *Loop) Frames() uint64 { return l.frames.Load() }

// Stats returns the current counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Frames:        l.frames.Load(),
		QueueDepth:    len(l.queue),
		QueueCapacity: cap(l.queue),
		Executed:      l.executed.Load(),
		Cancelled:     l.cancelled.Load(),
		Panics:        l.panics.Load(),
	}
}
