package cache

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"tickvault/models"
)

const (
	TradeMagic    uint32 = 0x54524431 // "TRD1"
	CandleMagic   uint32 = 0x4B4C4E31 // "KLN1"
	FormatVersion uint32 = 1

	headerSize      = 8
	tradeRecordLen  = 8 + 8 + 8 + 8 + 1
	candleRecordLen = 8 + 10*8
)

// ErrCacheFormat marks a cache entry that cannot be trusted. Readers treat
// it as a miss.
var ErrCacheFormat = errors.New("cache format error")

// FormatError describes why a cache entry was rejected.
type FormatError struct {
	Entry  string
	Reason string
}

func (e *FormatError) Error() string {
	if e.Entry == "" {
		return fmt.Sprintf("cache format error: %s", e.Reason)
	}
	return fmt.Sprintf("cache format error in %s: %s", e.Entry, e.Reason)
}

func (e *FormatError) Unwrap() error {
	return ErrCacheFormat
}

func writeHeader(w io.Writer, magic uint32) error {
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], magic)
	binary.BigEndian.PutUint32(hdr[4:8], FormatVersion)
	_, err := w.Write(hdr[:])
	return err
}

func readHeader(r io.Reader, magic uint32) error {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return &FormatError{Reason: "short header"}
		}
		return err
	}
	if got := binary.BigEndian.Uint32(hdr[0:4]); got != magic {
		return &FormatError{Reason: fmt.Sprintf("magic 0x%08X, want 0x%08X", got, magic)}
	}
	if got := binary.BigEndian.Uint32(hdr[4:8]); got != FormatVersion {
		return &FormatError{Reason: fmt.Sprintf("version %d, want %d", got, FormatVersion)}
	}
	return nil
}

// EncodeTrades writes the trade series with its header.
func EncodeTrades(w io.Writer, trades []models.Trade) error {
	bw := bufio.NewWriter(w)
	if err := writeHeader(bw, TradeMagic); err != nil {
		return err
	}
	var rec [tradeRecordLen]byte
	for _, t := range trades {
		binary.BigEndian.PutUint64(rec[0:8], uint64(t.ID))
		binary.BigEndian.PutUint64(rec[8:16], uint64(t.Time))
		binary.BigEndian.PutUint64(rec[16:24], math.Float64bits(t.Price))
		binary.BigEndian.PutUint64(rec[24:32], math.Float64bits(t.Qty))
		rec[32] = 0
		if t.IsBuyerMaker {
			rec[32] = 1
		}
		if _, err := bw.Write(rec[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// DecodeTrades reads a trade series until the end of r.
func DecodeTrades(r io.Reader) ([]models.Trade, error) {
	br := bufio.NewReader(r)
	if err := readHeader(br, TradeMagic); err != nil {
		return nil, err
	}
	trades := make([]models.Trade, 0)
	var rec [tradeRecordLen]byte
	for {
		ok, err := readRecord(br, rec[:])
		if err != nil {
			return nil, err
		}
		if !ok {
			return trades, nil
		}
		trades = append(trades, models.Trade{
			ID:           int64(binary.BigEndian.Uint64(rec[0:8])),
			Time:         int64(binary.BigEndian.Uint64(rec[8:16])),
			Price:        math.Float64frombits(binary.BigEndian.Uint64(rec[16:24])),
			Qty:          math.Float64frombits(binary.BigEndian.Uint64(rec[24:32])),
			IsBuyerMaker: rec[32] != 0,
		})
	}
}

// EncodeCandles writes the candle series with its header.
func EncodeCandles(w io.Writer, candles []models.CandleSimple) error {
	bw := bufio.NewWriter(w)
	if err := writeHeader(bw, CandleMagic); err != nil {
		return err
	}
	var rec [candleRecordLen]byte
	for _, c := range candles {
		binary.BigEndian.PutUint64(rec[0:8], uint64(c.OpenTime))
		fields := [10]float64{
			c.Open, c.High, c.Low, c.Close,
			c.Volume.QuoteVolume, c.Volume.BaseVolume, c.Volume.TakerBuyQuoteVolume,
			c.Volume.SellQuoteVolume, c.Volume.DeltaUSDT, c.Volume.BuyRatio,
		}
		for i, f := range fields {
			off := 8 + i*8
			binary.BigEndian.PutUint64(rec[off:off+8], math.Float64bits(f))
		}
		if _, err := bw.Write(rec[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// DecodeCandles reads a candle series until the end of r.
func DecodeCandles(r io.Reader) ([]models.CandleSimple, error) {
	br := bufio.NewReader(r)
	if err := readHeader(br, CandleMagic); err != nil {
		return nil, err
	}
	candles := make([]models.CandleSimple, 0)
	var rec [candleRecordLen]byte
	for {
		ok, err := readRecord(br, rec[:])
		if err != nil {
			return nil, err
		}
		if !ok {
			return candles, nil
		}
		var f [10]float64
		for i := range f {
			off := 8 + i*8
			f[i] = math.Float64frombits(binary.BigEndian.Uint64(rec[off : off+8]))
		}
		candles = append(candles, models.CandleSimple{
			OpenTime: int64(binary.BigEndian.Uint64(rec[0:8])),
			Open:     f[0],
			High:     f[1],
			Low:      f[2],
			Close:    f[3],
			Volume: models.Volume{
				QuoteVolume:         f[4],
				BaseVolume:          f[5],
				TakerBuyQuoteVolume: f[6],
				SellQuoteVolume:     f[7],
				DeltaUSDT:           f[8],
				BuyRatio:            f[9],
			},
		})
	}
}

// readRecord fills rec. It reports false at a clean end of stream and a
// FormatError when the stream ends inside a record.
func readRecord(r io.Reader, rec []byte) (bool, error) {
	n, err := io.ReadFull(r, rec)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, io.EOF) && n == 0:
		return false, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		return false, &FormatError{Reason: fmt.Sprintf("truncated record (%d of %d bytes)", n, len(rec))}
	default:
		return false, err
	}
}
