package models

// MinuteMs is the width of one candle bucket in milliseconds.
const MinuteMs int64 = 60_000

// DayMs is one day in milliseconds.
const DayMs int64 = 24 * 60 * MinuteMs

// Trade is a single executed trade. ID is the venue trade id and is the
// identity used for deduplication.
type Trade struct {
	ID           int64   `json:"id"`
	Time         int64   `json:"time"`
	Price        float64 `json:"price"`
	Qty          float64 `json:"qty"`
	IsBuyerMaker bool    `json:"is_buyer_maker"`
}

// QuoteQty returns the traded notional.
func (t Trade) QuoteQty() float64 {
	return t.Price * t.Qty
}

// MinuteBucket returns the start of the minute containing ms.
func MinuteBucket(ms int64) int64 {
	return ms / MinuteMs * MinuteMs
}
