package dashboard

import (
	"github.com/prometheus/client_golang/prometheus"

	"tickvault/internal/market"
)

// MarketSource is the read side of a market registry.
type MarketSource interface {
	Symbols() []string
	Get(symbol string) (*market.Market, bool)
}

// marketCollector exports record counts and the last close of every market.
type marketCollector struct {
	source    MarketSource
	records   *prometheus.Desc
	lastClose *prometheus.Desc
}

func newMarketCollector(source MarketSource) *marketCollector {
	return &marketCollector{
		source: source,
		records: prometheus.NewDesc(
			"tickvault_market_records",
			"Records held by a live market.",
			[]string{"symbol", "kind"}, nil,
		),
		lastClose: prometheus.NewDesc(
			"tickvault_market_last_close",
			"Close price of the newest candle.",
			[]string{"symbol"}, nil,
		),
	}
}

func (c *marketCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.records
	ch <- c.lastClose
}

func (c *marketCollector) Collect(ch chan<- prometheus.Metric) {
	for _, symbol := range c.source.Symbols() {
		m, ok := c.source.Get(symbol)
		if !ok {
			continue
		}
		counts := m.Counts()
		ch <- prometheus.MustNewConstMetric(c.records, prometheus.GaugeValue, float64(counts.Trades), symbol, "trades")
		ch <- prometheus.MustNewConstMetric(c.records, prometheus.GaugeValue, float64(counts.Candles), symbol, "candles")
		ch <- prometheus.MustNewConstMetric(c.records, prometheus.GaugeValue, float64(counts.Depths), symbol, "depths")
		if last, ok := m.LastCandle(); ok {
			ch <- prometheus.MustNewConstMetric(c.lastClose, prometheus.GaugeValue, last.Close, symbol)
		}
	}
}
