package binance

import (
	"strconv"

	futures "github.com/adshao/go-binance/v2/futures"

	"tickvault/models"
)

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func tradesFromREST(in []*futures.Trade) []models.Trade {
	out := make([]models.Trade, 0, len(in))
	for _, t := range in {
		if t == nil {
			continue
		}
		out = append(out, models.Trade{
			ID:           t.ID,
			Time:         t.Time,
			Price:        parseFloat(t.Price),
			Qty:          parseFloat(t.Quantity),
			IsBuyerMaker: t.IsBuyerMaker,
		})
	}
	return out
}

// candlesFromREST converts closed klines. The newest kline is still open
// and is skipped so a later poll can store its final values.
func candlesFromREST(in []*futures.Kline, nowMs int64) []models.CandleSimple {
	out := make([]models.CandleSimple, 0, len(in))
	for _, k := range in {
		if k == nil || k.CloseTime >= nowMs {
			continue
		}
		out = append(out, models.CandleSimple{
			OpenTime: k.OpenTime,
			Open:     parseFloat(k.Open),
			High:     parseFloat(k.High),
			Low:      parseFloat(k.Low),
			Close:    parseFloat(k.Close),
			Volume: models.NewVolume(
				parseFloat(k.QuoteAssetVolume),
				parseFloat(k.Volume),
				parseFloat(k.TakerBuyQuoteAssetVolume),
			),
		})
	}
	return out
}

func depthFromREST(in *futures.DepthResponse, nowMs int64) models.DepthSnapshot {
	date := in.Time
	if date == 0 {
		date = nowMs
	}
	d := models.DepthSnapshot{
		Date: date,
		Bids: make([]models.OrderLevel, 0, len(in.Bids)),
		Asks: make([]models.OrderLevel, 0, len(in.Asks)),
	}
	for _, b := range in.Bids {
		d.Bids = append(d.Bids, models.OrderLevel{Price: parseFloat(b.Price), Qty: parseFloat(b.Quantity)})
	}
	for _, a := range in.Asks {
		d.Asks = append(d.Asks, models.OrderLevel{Price: parseFloat(a.Price), Qty: parseFloat(a.Quantity)})
	}
	return d
}
