package distribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tickvault/internal/market"
	"tickvault/internal/packet"
	"tickvault/logger"
)

// ErrRemote wraps failures reported by the collector.
var ErrRemote = errors.New("collector error")

// Requester sends a packet and waits for its reply.
type Requester interface {
	Request(ctx context.Context, p packet.Packet, expect packet.Type) (packet.Packet, error)
}

// Consumer fetches markets from a collector into a local registry.
type Consumer struct {
	requester Requester
	local     *market.Registry
	log       *logger.Log
}

func NewConsumer(requester Requester, local *market.Registry) *Consumer {
	return &Consumer{requester: requester, local: local, log: logger.GetLogger()}
}

// Fetch requests symbol from the collector, merges the reply into the local
// market and returns it sorted.
func (c *Consumer) Fetch(ctx context.Context, symbol string, all bool) (*market.Market, error) {
	start := time.Now()
	reply, err := c.requester.Request(ctx, packet.NewRequestMarket(symbol, all), packet.TypeMarketData)
	if err != nil {
		var mismatch *packet.ReplyTypeMismatchError
		if errors.As(err, &mismatch) {
			if er, ok := mismatch.Reply.(*packet.ErrorReply); ok {
				return nil, fmt.Errorf("fetch %s: %w: %s", symbol, ErrRemote, er.Message)
			}
		}
		return nil, fmt.Errorf("fetch %s: %w", symbol, err)
	}

	md := reply.(*packet.MarketData)
	received := market.FromSnapshot(md.Market)
	local := c.local.GetOrCreate(symbol)
	if err := local.Merge(received); err != nil {
		return nil, err
	}
	local.Sort()

	counts := local.Counts()
	log := c.log.WithComponent("consumer").WithFields(logger.Fields{
		"symbol":      symbol,
		"last_update": md.LastUpdate,
	})
	logger.LogDataFlowEntry(log, "collector", "local_market", counts.Total(), "market")
	logger.LogPerformanceEntry(log, "consumer", "fetch_market", time.Since(start), nil)
	return local, nil
}
