package models

import "time"

// Batch is the unit handed from live readers to the ingest processor.
// Any of the three payloads may be empty.
type Batch struct {
	BatchID    string
	Symbol     string
	Source     string
	Trades     []Trade
	Candles    []CandleSimple
	Depth      *DepthSnapshot
	ReceivedAt time.Time
}

// RecordCount returns the number of records carried by the batch.
func (b Batch) RecordCount() int {
	n := len(b.Trades) + len(b.Candles)
	if b.Depth != nil {
		n++
	}
	return n
}
