package models

// Volume holds the volume breakdown of one candle.
type Volume struct {
	QuoteVolume         float64 `json:"quote_volume"`
	BaseVolume          float64 `json:"base_volume"`
	TakerBuyQuoteVolume float64 `json:"taker_buy_quote_volume"`
	SellQuoteVolume     float64 `json:"sell_quote_volume"`
	DeltaUSDT           float64 `json:"delta_usdt"`
	BuyRatio            float64 `json:"buy_ratio"`
}

// NewVolume derives the sell side, delta and buy ratio from the three raw
// volume figures reported by the exchange.
func NewVolume(quote, base, takerBuyQuote float64) Volume {
	sell := quote - takerBuyQuote
	ratio := 0.0
	if quote != 0 {
		ratio = takerBuyQuote / quote
	}
	return Volume{
		QuoteVolume:         quote,
		BaseVolume:          base,
		TakerBuyQuoteVolume: takerBuyQuote,
		SellQuoteVolume:     sell,
		DeltaUSDT:           takerBuyQuote - sell,
		BuyRatio:            ratio,
	}
}

// CandleSimple is a one minute OHLC bar keyed by OpenTime.
type CandleSimple struct {
	OpenTime int64   `json:"open_time"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   Volume  `json:"volume"`
}

// CloseTime returns the last millisecond covered by the candle.
func (c CandleSimple) CloseTime() int64 {
	return c.OpenTime + MinuteMs - 1
}
