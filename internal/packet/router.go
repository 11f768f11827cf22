package packet

import (
	"context"
	"sync"

	"tickvault/logger"
)

// Replier is the connection a packet arrived on.
type Replier interface {
	ID() string
	Send(ctx context.Context, p Packet) error
}

// Handler reacts to an inbound packet.
type Handler func(ctx context.Context, from Replier, p Packet)

// Router decodes inbound payloads, completes pending requests and invokes
// listeners registered for the packet type.
type Router struct {
	registry *Registry
	pending  *Pending

	mu        sync.RWMutex
	listeners map[Type]Handler

	log *logger.Log
}

func NewRouter(registry *Registry, pending *Pending) *Router {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if pending == nil {
		pending = NewPending()
	}
	return &Router{
		registry:  registry,
		pending:   pending,
		listeners: make(map[Type]Handler),
		log:       logger.GetLogger(),
	}
}

func (r *Router) Registry() *Registry { return r.registry }

func (r *Router) Pending() *Pending { return r.pending }

// On sets the listener for t, replacing any previous one.
func (r *Router) On(t Type, h Handler) {
	r.mu.Lock()
	r.listeners[t] = h
	r.mu.Unlock()
}

// Dispatch handles one inbound payload. Decode errors are returned; the
// caller decides whether the connection survives them.
func (r *Router) Dispatch(ctx context.Context, from Replier, payload []byte) error {
	p, err := r.registry.Decode(payload)
	if err != nil {
		return err
	}

	resolved := r.pending.Resolve(p)

	r.mu.RLock()
	h, ok := r.listeners[p.Type()]
	r.mu.RUnlock()
	if ok {
		h(ctx, from, p)
		return nil
	}

	if !resolved {
		r.log.WithComponent("router").WithFields(logger.Fields{
			"type":           r.registry.Name(p.Type()),
			"correlation_id": p.CorrelationID().String(),
			"conn":           connID(from),
		}).Debug("dropping unsolicited packet")
	}
	return nil
}

func connID(from Replier) string {
	if from == nil {
		return ""
	}
	return from.ID()
}
