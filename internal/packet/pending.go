package packet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrReplyTypeMismatch = errors.New("reply type mismatch")
	ErrPendingClosed     = errors.New("pending request abandoned")
)

// ReplyTypeMismatchError is returned to a waiter whose reply arrived with a
// different type than the one it awaited.
type ReplyTypeMismatchError struct {
	ID       uuid.UUID
	Expected Type
	Actual   Type
	Reply    Packet
}

func (e *ReplyTypeMismatchError) Error() string {
	return fmt.Sprintf("reply %s: expected type %d, got %d", e.ID, e.Expected, e.Actual)
}

func (e *ReplyTypeMismatchError) Unwrap() error {
	return ErrReplyTypeMismatch
}

// Future is the pending result of a request.
type Future struct {
	id       uuid.UUID
	expected Type
	owner    *Pending

	once sync.Once
	done chan struct{}
	pkt  Packet
	err  error
}

func (f *Future) ID() uuid.UUID { return f.id }

func (f *Future) complete(p Packet, err error) {
	f.once.Do(func() {
		f.pkt = p
		f.err = err
		close(f.done)
	})
}

// Wait blocks until the reply arrives, the future fails or ctx ends. A
// cancelled wait removes the pending entry.
func (f *Future) Wait(ctx context.Context) (Packet, error) {
	select {
	case <-f.done:
		return f.pkt, f.err
	case <-ctx.Done():
		f.owner.Cancel(f.id)
		return nil, ctx.Err()
	}
}

// Pending tracks outstanding requests by correlation id.
type Pending struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*Future
}

func NewPending() *Pending {
	return &Pending{entries: make(map[uuid.UUID]*Future)}
}

// Await registers interest in a reply of type expected carrying id.
func (p *Pending) Await(expected Type, id uuid.UUID) *Future {
	f := &Future{id: id, expected: expected, owner: p, done: make(chan struct{})}
	p.mu.Lock()
	if prev, ok := p.entries[id]; ok {
		prev.complete(nil, ErrPendingClosed)
	}
	p.entries[id] = f
	p.mu.Unlock()
	return f
}

// Resolve completes the future waiting on pkt's correlation id. It reports
// false when nobody was waiting. A reply of the wrong type fails the
// future and drops the entry.
func (p *Pending) Resolve(pkt Packet) bool {
	id := pkt.CorrelationID()
	p.mu.Lock()
	f, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}

	if pkt.Type() != f.expected {
		f.complete(nil, &ReplyTypeMismatchError{ID: id, Expected: f.expected, Actual: pkt.Type(), Reply: pkt})
		return true
	}
	f.complete(pkt, nil)
	return true
}

// Cancel drops the entry for id without completing it.
func (p *Pending) Cancel(id uuid.UUID) {
	p.mu.Lock()
	delete(p.entries, id)
	p.mu.Unlock()
}

// FailAll fails every outstanding future with err.
func (p *Pending) FailAll(err error) {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[uuid.UUID]*Future)
	p.mu.Unlock()
	for _, f := range entries {
		f.complete(nil, err)
	}
}

func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
