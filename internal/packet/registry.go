package packet

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var ErrUnknownType = errors.New("unknown packet type")

type entry struct {
	name string
	new  func() Packet
}

// Registry maps wire codes to packet constructors. Codes are assigned
// explicitly so every process agrees on them.
type Registry struct {
	mu      sync.RWMutex
	entries map[Type]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[Type]entry)}
}

// DefaultRegistry returns a registry with every built-in packet.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TypeHello, "hello", func() Packet { return &Hello{} })
	r.Register(TypeWelcome, "welcome", func() Packet { return &Welcome{} })
	r.Register(TypeRequestMarket, "request_market", func() Packet { return &RequestMarket{} })
	r.Register(TypeMarketData, "market_data", func() Packet { return &MarketData{} })
	r.Register(TypeError, "error", func() Packet { return &ErrorReply{} })
	return r
}

// Register adds a packet kind. Reusing a code panics.
func (r *Registry) Register(t Type, name string, factory func() Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.entries[t]; ok {
		panic(fmt.Sprintf("packet type %d already registered as %s", t, prev.name))
	}
	r.entries[t] = entry{name: name, new: factory}
}

// Name returns the registered name of t.
func (r *Registry) Name(t Type) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[t]; ok {
		return e.name
	}
	return fmt.Sprintf("type_%d", t)
}

// Types lists registered codes in ascending order.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	out := make([]Type, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) create(t Type) (Packet, error) {
	r.mu.RLock()
	e, ok := r.entries[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
	return e.new(), nil
}

type envelope struct {
	Type Type            `json:"type"`
	ID   uuid.UUID       `json:"id"`
	Body json.RawMessage `json:"body"`
}

// Encode serializes p with its type code and correlation id.
func Encode(p Packet) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode packet %d: %w", p.Type(), err)
	}
	return json.Marshal(envelope{Type: p.Type(), ID: p.CorrelationID(), Body: body})
}

// Decode reads the type code first and builds the matching packet.
func (r *Registry) Decode(data []byte) (Packet, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	p, err := r.create(env.Type)
	if err != nil {
		return nil, err
	}
	if len(env.Body) > 0 {
		if err := json.Unmarshal(env.Body, p); err != nil {
			return nil, fmt.Errorf("decode %s body: %w", r.Name(env.Type), err)
		}
	}
	p.SetCorrelationID(env.ID)
	return p, nil
}
