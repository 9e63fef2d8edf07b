// Package stream implements the subscription lifecycle shared by operation
// handlers and data-source subscriptions: ordered delivery with a single
// message in flight, cancellation from either side, and cleanup that runs
// exactly once however the stream ends.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/pitabwire/opgraph/model"
)

// State is the lifecycle state of a Stream.
type State int32

const (
	// StateCreated: the producer has not started yet.
	StateCreated State = iota
	// StateActive: the producer is running.
	StateActive
	// StateCompleted: the producer finished normally.
	StateCompleted
	// StateCancelled: the consumer or its context ended the stream.
	StateCancelled
	// StateErrored: the producer failed; a terminal error message is delivered.
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further messages can be produced.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// ErrStopped is returned by Emit once the stream no longer accepts messages.
// Producers should return when they see it; returning it is not a failure.
var ErrStopped = errors.New("stream: stopped")

var (
	errClosed   = errors.New("stream: closed by consumer")
	errOnceDone = errors.New("stream: single message delivered")
)

// Message is one element of a stream. A message with a non-nil Error is the
// terminal error event and is always the last message.
type Message struct {
	Data  any
	Error *model.OperationError
}

// Emit hands one message to the consumer. It blocks until the consumer has
// taken the message or the stream is stopped.
type Emit func(data any) error

// Producer generates the messages of a stream. It must return when ctx is
// done or when emit returns an error.
type Producer func(ctx context.Context, emit Emit) error

// Option configures a Stream.
type Option func(*Stream)

// WithName labels the stream in logs.
func WithName(name string) Option {
	return func(s *Stream) { s.name = name }
}

// WithLogger sets the logger used for lifecycle events.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Stream) {
		if logger != nil {
			s.log = logger
		}
	}
}

// Once completes the stream after the first delivered message.
func Once(enabled bool) Option {
	return func(s *Stream) { s.once = enabled }
}

// OnCleanup registers fn to run when the stream ends.
func OnCleanup(fn func()) Option {
	return func(s *Stream) { s.cleanups = append(s.cleanups, fn) }
}

// Stream is a single-consumer, ordered sequence of messages produced by a
// Producer running in its own goroutine. The producer starts on the first
// call to Next.
type Stream struct {
	ctx      context.Context
	cancel   context.CancelCauseFunc
	producer Producer
	out      chan Message
	done     chan struct{}

	name string
	log  *zap.Logger
	once bool

	startOnce    sync.Once
	state        atomic.Int32
	onceSent     atomic.Bool
	errDelivered atomic.Bool
	delivered    atomic.Int64
	err          *model.OperationError

	mu       sync.Mutex
	cleanups []func()
	finished bool
}

// New creates a stream in the Created state. Cancelling ctx cancels the stream.
func New(ctx context.Context, producer Producer, opts ...Option) *Stream {
	sctx, cancel := context.WithCancelCause(ctx)
	s := &Stream{
		ctx:      sctx,
		cancel:   cancel,
		producer: producer,
		out:      make(chan Message),
		done:     make(chan struct{}),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	// A stream cancelled before it ever started still has to clean up.
	context.AfterFunc(sctx, func() {
		s.startOnce.Do(func() { s.finish(nil) })
	})
	return s
}

// Failed returns a stream that delivers err as its only message.
func Failed(ctx context.Context, err error, opts ...Option) *Stream {
	return New(ctx, func(context.Context, Emit) error { return err }, opts...)
}

// Next returns the next message. It returns false once the stream has ended
// and every message, including a terminal error, has been delivered, or when
// ctx is done first.
func (s *Stream) Next(ctx context.Context) (Message, bool) {
	s.start()
	select {
	case m := <-s.out:
		return m, true
	case <-s.done:
		if s.err != nil && s.errDelivered.CompareAndSwap(false, true) {
			return Message{Error: s.err}, true
		}
		return Message{}, false
	case <-ctx.Done():
		return Message{}, false
	}
}

// Close cancels the stream and waits until cleanup has run. It is safe to
// call more than once and from any goroutine.
func (s *Stream) Close() {
	s.cancel(errClosed)
	<-s.done
}

// Done is closed after the stream has ended and cleanup has run.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// State returns the current lifecycle state.
func (s *Stream) State() State {
	return State(s.state.Load())
}

// Err returns the terminal error, or nil if the stream did not fail.
// It is settled once State is terminal, which includes cleanup hooks.
func (s *Stream) Err() *model.OperationError {
	if !s.State().Terminal() {
		return nil
	}
	return s.err
}

// Delivered returns the number of data messages taken by the consumer.
func (s *Stream) Delivered() int64 {
	return s.delivered.Load()
}

// OnCleanup registers fn to run when the stream ends. If the stream has
// already ended, fn runs immediately.
func (s *Stream) OnCleanup(fn func()) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		runCleanup(s.log, fn)
		return
	}
	s.cleanups = append(s.cleanups, fn)
	s.mu.Unlock()
}

func (s *Stream) start() {
	s.startOnce.Do(func() {
		s.state.Store(int32(StateActive))
		go s.run()
	})
}

func (s *Stream) run() {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stream: producer panic: %v", r)
		}
		s.finish(err)
	}()
	err = s.producer(s.ctx, s.emit)
}

func (s *Stream) emit(data any) error {
	if s.ctx.Err() != nil {
		return ErrStopped
	}
	select {
	case s.out <- Message{Data: data}:
		s.delivered.Add(1)
		if s.once {
			s.onceSent.Store(true)
			s.cancel(errOnceDone)
			return ErrStopped
		}
		return nil
	case <-s.ctx.Done():
		return ErrStopped
	}
}

// finish settles the terminal state, runs cleanup in reverse registration
// order and releases waiters. It runs exactly once.
func (s *Stream) finish(err error) {
	cancelled := s.ctx.Err() != nil
	cause := context.Cause(s.ctx)

	var state State
	switch {
	case s.onceSent.Load() || errors.Is(cause, errOnceDone):
		state = StateCompleted
	case err != nil && !errors.Is(err, ErrStopped) && !(cancelled && errors.Is(err, context.Canceled)):
		state = StateErrored
		s.err = terminalError(err)
	case cancelled:
		state = StateCancelled
	default:
		state = StateCompleted
	}
	s.state.Store(int32(state))
	s.cancel(nil)

	s.mu.Lock()
	s.finished = true
	cleanups := s.cleanups
	s.cleanups = nil
	s.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		runCleanup(s.log, cleanups[i])
	}

	fields := []zap.Field{
		zap.String("stream", s.name),
		zap.Stringer("state", state),
		zap.Int64("delivered", s.delivered.Load()),
	}
	if s.err != nil {
		fields = append(fields, zap.Error(s.err))
	}
	s.log.Debug("stream cleanup", fields...)
	close(s.done)
}

func terminalError(err error) *model.OperationError {
	var oe *model.OperationError
	if errors.As(err, &oe) {
		return oe
	}
	return model.NewStreamingError(err)
}

func runCleanup(log *zap.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("stream cleanup panic", zap.Any("panic", r))
		}
	}()
	fn()
}
