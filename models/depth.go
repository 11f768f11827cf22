package models

// OrderLevel is one price level of an order book side.
type OrderLevel struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// DepthSnapshot is a point-in-time order book capture keyed by Date (ms).
// Levels keep exchange order, best price first.
type DepthSnapshot struct {
	Date int64        `json:"date"`
	Bids []OrderLevel `json:"bids"`
	Asks []OrderLevel `json:"asks"`
}

// BestBid returns the top bid level, if any.
func (d DepthSnapshot) BestBid() (OrderLevel, bool) {
	if len(d.Bids) == 0 {
		return OrderLevel{}, false
	}
	return d.Bids[0], true
}

// BestAsk returns the top ask level, if any.
func (d DepthSnapshot) BestAsk() (OrderLevel, bool) {
	if len(d.Asks) == 0 {
		return OrderLevel{}, false
	}
	return d.Asks[0], true
}

// Clone returns a deep copy so callers can hand snapshots across goroutines.
func (d DepthSnapshot) Clone() DepthSnapshot {
	out := DepthSnapshot{Date: d.Date}
	if d.Bids != nil {
		out.Bids = append([]OrderLevel(nil), d.Bids...)
	}
	if d.Asks != nil {
		out.Asks = append([]OrderLevel(nil), d.Asks...)
	}
	return out
}
