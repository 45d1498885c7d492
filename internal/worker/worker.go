// Package worker runs an isolated execution unit: a goroutine that owns its
// state, takes commands through a fire-and-forget inbox and reports through
// an ordered event stream.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrTerminated is what Err returns for a unit stopped by Terminate.
var ErrTerminated = errors.New("worker: terminated")

// eventBuffer bounds how far a unit may run ahead of its reader before Emit
// blocks.
const eventBuffer = 64

// Func is the body of a unit. It returns when ctx is cancelled or it has
// nothing more to do.
type Func[In, Out any] func(ctx context.Context, inbox *Inbox[In], emit Emitter[Out]) error

// Emitter delivers one event in order. It reports false once the unit has
// been terminated and the event was dropped.
type Emitter[Out any] func(Out) bool

// Unit is a running execution unit.
type Unit[In, Out any] struct {
	name   string
	inbox  *Inbox[In]
	events chan Out
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Option configures a unit at Spawn.
type Option[In any] func(*options[In])

type options[In any] struct {
	discard func(In)
}

// OnDiscard registers fn for every message the unit never handled: those
// queued at Terminate or still queued when the body returns. It runs on the
// unit goroutine before Done is closed.
func OnDiscard[In any](fn func(In)) Option[In] {
	return func(o *options[In]) { o.discard = fn }
}

// Spawn starts fn in its own goroutine.
func Spawn[In, Out any](ctx context.Context, name string, fn Func[In, Out], opts ...Option[In]) *Unit[In, Out] {
	var o options[In]
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(ctx)
	u := &Unit[In, Out]{
		name:   name,
		inbox:  newInbox[In](),
		events: make(chan Out, eventBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	emit := func(ev Out) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		select {
		case u.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	go func() {
		defer close(u.done)
		defer close(u.events)
		err := fn(ctx, u.inbox, emit)
		u.inbox.close()
		for _, msg := range u.inbox.drain() {
			if o.discard != nil {
				o.discard(msg)
			}
		}
		if err == nil && ctx.Err() != nil {
			err = ErrTerminated
		}
		if err != nil && !errors.Is(err, ErrTerminated) && !errors.Is(err, context.Canceled) {
			slog.Warn("worker: exited with error", "worker", name, "error", err)
		}
		u.mu.Lock()
		u.err = err
		u.mu.Unlock()
	}()
	return u
}

// Name returns the unit name.
func (u *Unit[In, Out]) Name() string { return u.name }

// Post queues msg without blocking. Messages posted after Terminate are
// dropped.
func (u *Unit[In, Out]) Post(msg In) bool {
	return u.inbox.put(msg)
}

// Events is the unit's ordered event stream. It is closed when the unit
// exits.
func (u *Unit[In, Out]) Events() <-chan Out {
	return u.events
}

// Terminate stops the unit at once. Queued messages are discarded, not
// handled, and events not yet read are no longer delivered.
func (u *Unit[In, Out]) Terminate() {
	u.inbox.close()
	u.cancel()
}

// Done is closed after the unit's goroutine has returned.
func (u *Unit[In, Out]) Done() <-chan struct{} {
	return u.done
}

// Err returns the unit's exit error once Done is closed.
func (u *Unit[In, Out]) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

// Inbox is an unbounded FIFO of commands for a unit.
type Inbox[T any] struct {
	mu     sync.Mutex
	queue  []T
	closed bool
	wake   chan struct{}
}

func newInbox[T any]() *Inbox[T] {
	return &Inbox[T]{wake: make(chan struct{}, 1)}
}

func (b *Inbox[T]) put(msg T) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.queue = append(b.queue, msg)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return true
}

func (b *Inbox[T]) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

// drain empties a closed inbox and returns what was left in it.
func (b *Inbox[T]) drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	left := b.queue
	b.queue = nil
	return left
}

func (b *Inbox[T]) pop() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero T
	if b.closed || len(b.queue) == 0 {
		return zero, false
	}
	msg := b.queue[0]
	b.queue[0] = zero
	b.queue = b.queue[1:]
	return msg, true
}

// Next blocks until a message is available or ctx is done.
func (b *Inbox[T]) Next(ctx context.Context) (T, bool) {
	for {
		if msg, ok := b.pop(); ok {
			return msg, true
		}
		select {
		case <-b.wake:
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}

// Ready is signalled when a message may be waiting. Use it in a select next
// to other sources, then call TryNext until it reports false.
func (b *Inbox[T]) Ready() <-chan struct{} {
	return b.wake
}

// TryNext returns a queued message without blocking.
func (b *Inbox[T]) TryNext() (T, bool) {
	return b.pop()
}
