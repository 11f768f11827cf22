package channel

import (
	"context"
	"sync"
	"time"

	"tickvault/logger"
	"tickvault/models"
)

type ChannelStats struct {
	Sent    int64
	Dropped int64
}

// Channels carries live batches from readers to the ingest processor.
// Sends never block: a full buffer drops the batch and counts it.
type Channels struct {
	Batches chan models.Batch

	stats      ChannelStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewChannels(bufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Batches: make(chan models.Batch, bufferSize),
		log:     log,
	}

	log.WithComponent("batch_channels").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("batch channels initialized")

	return c
}

func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Batches)
		c.log.WithComponent("batch_channels").Info("batch channels closed")
	})
}

// Send enqueues b without blocking. It reports false when the batch was
// dropped or ctx is done.
func (c *Channels) Send(ctx context.Context, b models.Batch) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case c.Batches <- b:
		c.statsMutex.Lock()
		c.stats.Sent++
		c.statsMutex.Unlock()
		logger.RecordChannelMessage("batches", b.RecordCount())
		return true
	default:
		c.statsMutex.Lock()
		c.stats.Dropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting logs channel fill and counters every interval.
func (c *Channels) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := c.GetStats()
				c.log.WithComponent("batch_channels").WithFields(logger.Fields{
					"len":     len(c.Batches),
					"cap":     cap(c.Batches),
					"sent":    stats.Sent,
					"dropped": stats.Dropped,
				}).Info("channel stats")
				c.log.LogMetric("batch_channels", "channel_dropped", stats.Dropped, "counter", nil)
			}
		}
	}()
}
