package writer

import (
	"fmt"
	"os"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	"tickvault/models"
)

// TradeRow is the parquet layout of one trade.
type TradeRow struct {
	ID           int64   `parquet:"name=id, type=INT64"`
	Time         int64   `parquet:"name=time, type=INT64"`
	Price        float64 `parquet:"name=price, type=DOUBLE"`
	Qty          float64 `parquet:"name=qty, type=DOUBLE"`
	IsBuyerMaker bool    `parquet:"name=is_buyer_maker, type=BOOLEAN"`
}

// CandleRow keeps the raw volume figures; derived ones are recomputed on read.
type CandleRow struct {
	OpenTime            int64   `parquet:"name=open_time, type=INT64"`
	Open                float64 `parquet:"name=open, type=DOUBLE"`
	High                float64 `parquet:"name=high, type=DOUBLE"`
	Low                 float64 `parquet:"name=low, type=DOUBLE"`
	Close               float64 `parquet:"name=close, type=DOUBLE"`
	QuoteVolume         float64 `parquet:"name=quote_volume, type=DOUBLE"`
	BaseVolume          float64 `parquet:"name=base_volume, type=DOUBLE"`
	TakerBuyQuoteVolume float64 `parquet:"name=taker_buy_quote_volume, type=DOUBLE"`
}

// DepthRow is one order book level. A snapshot without levels is stored as a
// single row with side "none" so its timestamp survives.
type DepthRow struct {
	Date  int64   `parquet:"name=date, type=INT64"`
	Side  string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Level int32   `parquet:"name=level, type=INT32"`
	Price float64 `parquet:"name=price, type=DOUBLE"`
	Qty   float64 `parquet:"name=qty, type=DOUBLE"`
}

const (
	sideBid  = "bid"
	sideAsk  = "ask"
	sideNone = "none"
)

func tradeRows(in []models.Trade) []TradeRow {
	out := make([]TradeRow, len(in))
	for i, t := range in {
		out[i] = TradeRow{ID: t.ID, Time: t.Time, Price: t.Price, Qty: t.Qty, IsBuyerMaker: t.IsBuyerMaker}
	}
	return out
}

func tradesFromRows(in []TradeRow) []models.Trade {
	out := make([]models.Trade, len(in))
	for i, r := range in {
		out[i] = models.Trade{ID: r.ID, Time: r.Time, Price: r.Price, Qty: r.Qty, IsBuyerMaker: r.IsBuyerMaker}
	}
	return out
}

func candleRows(in []models.CandleSimple) []CandleRow {
	out := make([]CandleRow, len(in))
	for i, c := range in {
		out[i] = CandleRow{
			OpenTime:            c.OpenTime,
			Open:                c.Open,
			High:                c.High,
			Low:                 c.Low,
			Close:               c.Close,
			QuoteVolume:         c.Volume.QuoteVolume,
			BaseVolume:          c.Volume.BaseVolume,
			TakerBuyQuoteVolume: c.Volume.TakerBuyQuoteVolume,
		}
	}
	return out
}

func candlesFromRows(in []CandleRow) []models.CandleSimple {
	out := make([]models.CandleSimple, len(in))
	for i, r := range in {
		out[i] = models.CandleSimple{
			OpenTime: r.OpenTime,
			Open:     r.Open,
			High:     r.High,
			Low:      r.Low,
			Close:    r.Close,
			Volume:   models.NewVolume(r.QuoteVolume, r.BaseVolume, r.TakerBuyQuoteVolume),
		}
	}
	return out
}

func depthRows(in []models.DepthSnapshot) []DepthRow {
	var out []DepthRow
	for _, d := range in {
		if len(d.Bids) == 0 && len(d.Asks) == 0 {
			out = append(out, DepthRow{Date: d.Date, Side: sideNone})
			continue
		}
		for i, l := range d.Bids {
			out = append(out, DepthRow{Date: d.Date, Side: sideBid, Level: int32(i), Price: l.Price, Qty: l.Qty})
		}
		for i, l := range d.Asks {
			out = append(out, DepthRow{Date: d.Date, Side: sideAsk, Level: int32(i), Price: l.Price, Qty: l.Qty})
		}
	}
	return out
}

// depthsFromRows regroups levels by Date, keeping first-seen order of
// snapshots and row order within a side.
func depthsFromRows(in []DepthRow) []models.DepthSnapshot {
	var out []models.DepthSnapshot
	index := make(map[int64]int)
	for _, r := range in {
		i, ok := index[r.Date]
		if !ok {
			i = len(out)
			index[r.Date] = i
			out = append(out, models.DepthSnapshot{Date: r.Date})
		}
		level := models.OrderLevel{Price: r.Price, Qty: r.Qty}
		switch r.Side {
		case sideBid:
			out[i].Bids = append(out[i].Bids, level)
		case sideAsk:
			out[i].Asks = append(out[i].Asks, level)
		}
	}
	return out
}

func compressionCodec(name string) parquet.CompressionCodec {
	switch name {
	case "gzip":
		return parquet.CompressionCodec_GZIP
	case "none":
		return parquet.CompressionCodec_UNCOMPRESSED
	default:
		return parquet.CompressionCodec_SNAPPY
	}
}

// writeRows stores rows in a parquet file at path. Nothing is written for an
// empty slice.
func writeRows[T any](path string, rows []T, codec parquet.CompressionCodec) error {
	if len(rows) == 0 {
		return nil
	}

	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	pw, err := writer.NewParquetWriter(fw, new(T), 4)
	if err != nil {
		fw.Close()
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = codec

	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			fw.Close()
			return fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Close()
}

// readRows loads every row of a parquet file. A missing file reads as empty.
func readRows[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(T), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet reader: %w", err)
	}
	defer pr.ReadStop()

	num := int(pr.GetNumRows())
	if num == 0 {
		return nil, nil
	}
	rows := make([]T, num)
	if err := pr.Read(&rows); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return rows, nil
}
