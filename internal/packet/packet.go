package packet

import (
	"github.com/google/uuid"

	"tickvault/internal/market"
)

// Type is the stable wire code of a packet kind.
type Type uint16

const (
	TypeHello         Type = 1
	TypeWelcome       Type = 2
	TypeRequestMarket Type = 3
	TypeMarketData    Type = 4
	TypeError         Type = 5
)

// Packet is a typed message carrying a correlation id. Replies reuse the id
// of the request they answer.
type Packet interface {
	Type() Type
	CorrelationID() uuid.UUID
	SetCorrelationID(id uuid.UUID)
}

// Header holds the correlation id. Concrete packets embed it.
type Header struct {
	ID uuid.UUID `json:"-"`
}

func NewHeader() Header {
	return Header{ID: uuid.New()}
}

func (h *Header) CorrelationID() uuid.UUID {
	return h.ID
}

func (h *Header) SetCorrelationID(id uuid.UUID) {
	h.ID = id
}

// Reply stamps resp with the correlation id of req and returns it.
func Reply(req, resp Packet) Packet {
	resp.SetCorrelationID(req.CorrelationID())
	return resp
}

// Hello opens a client session.
type Hello struct {
	Header
	Node string `json:"node"`
	Role string `json:"role"`
}

func (*Hello) Type() Type { return TypeHello }

// Welcome acknowledges a Hello.
type Welcome struct {
	Header
	Node string `json:"node"`
}

func (*Welcome) Type() Type { return TypeWelcome }

// RequestMarket asks a collector for the market of Symbol. AllMarket selects
// the full history instead of the recent window.
type RequestMarket struct {
	Header
	Symbol    string `json:"symbol"`
	AllMarket bool   `json:"all_market"`
}

func (*RequestMarket) Type() Type { return TypeRequestMarket }

func NewRequestMarket(symbol string, all bool) *RequestMarket {
	return &RequestMarket{Header: NewHeader(), Symbol: symbol, AllMarket: all}
}

// MarketData carries a serialized market and the collector time it was
// assembled at (ms).
type MarketData struct {
	Header
	Market     market.Snapshot `json:"market"`
	LastUpdate int64           `json:"last_update"`
}

func (*MarketData) Type() Type { return TypeMarketData }

// ErrorReply reports a failed request.
type ErrorReply struct {
	Header
	Message string `json:"message"`
}

func (*ErrorReply) Type() Type { return TypeError }
