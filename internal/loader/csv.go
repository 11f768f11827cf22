package loader

import (
	"strconv"
	"strings"

	"tickvault/models"
)

// skipLine reports blank lines and header rows.
func skipLine(line string) bool {
	if line == "" {
		return true
	}
	c := line[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// parseTradeLine reads id,price,qty,quote_qty,time,is_buyer_maker.
func parseTradeLine(line string) (models.Trade, bool) {
	line = strings.TrimSpace(line)
	if skipLine(line) {
		return models.Trade{}, false
	}
	f := strings.Split(line, ",")
	if len(f) < 6 {
		return models.Trade{}, false
	}
	id, err := strconv.ParseInt(f[0], 10, 64)
	if err != nil {
		return models.Trade{}, false
	}
	price, err := strconv.ParseFloat(f[1], 64)
	if err != nil {
		return models.Trade{}, false
	}
	qty, err := strconv.ParseFloat(f[2], 64)
	if err != nil {
		return models.Trade{}, false
	}
	ts, err := strconv.ParseInt(f[4], 10, 64)
	if err != nil {
		return models.Trade{}, false
	}
	return models.Trade{
		ID:           id,
		Time:         ts,
		Price:        price,
		Qty:          qty,
		IsBuyerMaker: strings.EqualFold(strings.TrimSpace(f[5]), "true"),
	}, true
}

// parseCandleLine reads a 1m kline row: open_time, open, high, low, close,
// volume, close_time, quote_volume, count, taker_buy_volume,
// taker_buy_quote_volume.
func parseCandleLine(line string) (models.CandleSimple, bool) {
	line = strings.TrimSpace(line)
	if skipLine(line) {
		return models.CandleSimple{}, false
	}
	f := strings.Split(line, ",")
	if len(f) < 11 {
		return models.CandleSimple{}, false
	}
	openTime, err := strconv.ParseInt(f[0], 10, 64)
	if err != nil {
		return models.CandleSimple{}, false
	}
	var v [5]float64
	for i, idx := range []int{1, 2, 3, 4, 5} {
		if v[i], err = strconv.ParseFloat(f[idx], 64); err != nil {
			return models.CandleSimple{}, false
		}
	}
	quote, err := strconv.ParseFloat(f[7], 64)
	if err != nil {
		return models.CandleSimple{}, false
	}
	takerBuyQuote, err := strconv.ParseFloat(f[10], 64)
	if err != nil {
		return models.CandleSimple{}, false
	}
	return models.CandleSimple{
		OpenTime: openTime,
		Open:     v[0],
		High:     v[1],
		Low:      v[2],
		Close:    v[3],
		Volume:   models.NewVolume(quote, v[4], takerBuyQuote),
	}, true
}
