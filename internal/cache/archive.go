package cache

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"tickvault/models"
)

// EntryName returns the name of the cache entry stored inside archivePath.
func EntryName(archivePath string) string {
	base := filepath.Base(archivePath)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".bin"
}

// ReadTrades returns the cached trade series of the archive. The boolean is
// false on a miss: no cache entry, or an entry that fails validation.
func ReadTrades(archivePath string) ([]models.Trade, bool, error) {
	var trades []models.Trade
	hit, err := readEntry(archivePath, func(r io.Reader) error {
		var err error
		trades, err = DecodeTrades(r)
		return err
	})
	return trades, hit, err
}

// ReadCandles is the candle counterpart of ReadTrades.
func ReadCandles(archivePath string) ([]models.CandleSimple, bool, error) {
	var candles []models.CandleSimple
	hit, err := readEntry(archivePath, func(r io.Reader) error {
		var err error
		candles, err = DecodeCandles(r)
		return err
	})
	return candles, hit, err
}

func readEntry(archivePath string, decode func(io.Reader) error) (bool, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return false, fmt.Errorf("open archive %s: %w", archivePath, err)
	}
	defer zr.Close()

	name := EntryName(archivePath)
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return false, fmt.Errorf("open cache entry %s: %w", name, err)
		}
		err = decode(rc)
		rc.Close()
		if errors.Is(err, ErrCacheFormat) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("read cache entry %s: %w", name, err)
		}
		return true, nil
	}
	return false, nil
}

// WriteTrades stores trades as the archive's cache entry, replacing any
// previous one.
func WriteTrades(archivePath string, trades []models.Trade) error {
	return rewrite(archivePath, func(w io.Writer) error { return EncodeTrades(w, trades) })
}

// WriteCandles stores candles as the archive's cache entry.
func WriteCandles(archivePath string, candles []models.CandleSimple) error {
	return rewrite(archivePath, func(w io.Writer) error { return EncodeCandles(w, candles) })
}

// rewrite copies every entry except the cache entry into a temp file next to
// the archive, appends the fresh cache entry and renames the temp file over
// the original.
func rewrite(archivePath string, encode func(io.Writer) error) (err error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", archivePath, err)
	}
	defer zr.Close()

	tmp, err := os.CreateTemp(filepath.Dir(archivePath), filepath.Base(archivePath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	name := EntryName(archivePath)
	zw := zip.NewWriter(tmp)
	for _, f := range zr.File {
		if f.Name == name {
			continue
		}
		if err = zw.Copy(f); err != nil {
			return fmt.Errorf("copy entry %s: %w", f.Name, err)
		}
	}

	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("create cache entry %s: %w", name, err)
	}
	if err = encode(w); err != nil {
		return fmt.Errorf("encode cache entry %s: %w", name, err)
	}
	if err = zw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp archive: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp archive: %w", err)
	}
	zr.Close()
	if err = os.Rename(tmpName, archivePath); err != nil {
		return fmt.Errorf("replace archive: %w", err)
	}
	return nil
}
