// Package channel provides ownership-transferring message conduits between
// execution contexts.
//
// A Pair has two endpoints. An endpoint is a move-only handle: Transfer hands
// its Port to exactly one new owner and leaves the endpoint empty, so a port
// can never be held by two contexts. Ports are only reachable through
// Transfer.
package channel

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrTransferred is returned when an endpoint is transferred a second time.
var ErrTransferred = errors.New("channel: endpoint already transferred")

// Pair is a bidirectional conduit with a near and a far end.
type Pair[T any] struct {
	Near *Endpoint[T]
	Far  *Endpoint[T]
}

// NewPair creates a pair whose directions each buffer up to size messages.
func NewPair[T any](name string, size int) Pair[T] {
	nearToFar := make(chan T, size)
	farToNear := make(chan T, size)
	l := &link{name: name, done: make(chan struct{})}
	return Pair[T]{
		Near: &Endpoint[T]{port: &Port[T]{link: l, side: "near", out: nearToFar, in: farToNear}},
		Far:  &Endpoint[T]{port: &Port[T]{link: l, side: "far", out: farToNear, in: nearToFar}},
	}
}

// Endpoint is one side of a pair before it has been handed to an owner.
type Endpoint[T any] struct {
	mu   sync.Mutex
	port *Port[T]
}

// Transfer moves the endpoint's port to the caller. The endpoint is empty
// afterwards.
func (e *Endpoint[T]) Transfer() (*Port[T], error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.port == nil {
		return nil, ErrTransferred
	}
	p := e.port
	e.port = nil
	return p, nil
}

// Transferred reports whether the port has left this endpoint.
func (e *Endpoint[T]) Transferred() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.port == nil
}

type link struct {
	name    string
	once    sync.Once
	done    chan struct{}
	dropped atomic.Uint64
}

// Port is an owned side of a pair.
type Port[T any] struct {
	link *link
	side string
	out  chan<- T
	in   <-chan T
}

// Name returns the pair name and side, e.g. "video/far".
func (p *Port[T]) Name() string {
	return p.link.name + "/" + p.side
}

// Send posts v to the other side without blocking. It reports false when the
// pair is closed or the other side's buffer is full; the message is dropped.
func (p *Port[T]) Send(v T) bool {
	select {
	case <-p.link.done:
		return false
	default:
	}
	select {
	case p.out <- v:
		return true
	default:
		p.link.dropped.Add(1)
		return false
	}
}

// Recv returns the inbound message stream. Select on Done as well: the
// stream is not closed when the pair is.
func (p *Port[T]) Recv() <-chan T {
	return p.in
}

// Done is closed once either side closes the pair.
func (p *Port[T]) Done() <-chan struct{} {
	return p.link.done
}

// Close shuts the whole pair. In-flight messages are discarded.
func (p *Port[T]) Close() {
	p.link.once.Do(func() { close(p.link.done) })
}

// Dropped returns how many sends on this pair were dropped for a full buffer.
func (p *Port[T]) Dropped() uint64 {
	return p.link.dropped.Load()
}
