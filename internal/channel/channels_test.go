package channel

import (
	"context"
	"testing"
	"time"

	"tickvault/models"
)

func TestSendDropsWhenFull(t *testing.T) {
	c := NewChannels(1)
	ctx := context.Background()
	if !c.Send(ctx, models.Batch{Symbol: "BTCUSDT"}) {
		t.Fatalf("first send should succeed")
	}
	if c.Send(ctx, models.Batch{Symbol: "BTCUSDT"}) {
		t.Fatalf("second send should be dropped")
	}
	stats := c.GetStats()
	if stats.Sent != 1 || stats.Dropped != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	c.Close()
	c.Close()
}

func TestSendAfterCancel(t *testing.T) {
	c := NewChannels(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if c.Send(ctx, models.Batch{}) {
		t.Fatalf("send after cancel should fail")
	}
}

func TestMetricsReportingStops(t *testing.T) {
	c := NewChannels(1)
	ctx, cancel := context.WithCancel(context.Background())
	c.StartMetricsReporting(ctx, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	cancel()
	c.Close()
}
