package loader

import (
	"fmt"
	"path/filepath"
)

// YearMonth identifies one monthly archive.
type YearMonth struct {
	Year  int
	Month int
}

func (ym YearMonth) String() string {
	return fmt.Sprintf("%04d-%02d", ym.Year, ym.Month)
}

// ParseYearMonth reads a "YYYY-MM" month. An empty string yields
// DefaultReference.
func ParseYearMonth(s string) (YearMonth, error) {
	if s == "" {
		return DefaultReference, nil
	}
	var ym YearMonth
	if _, err := fmt.Sscanf(s, "%4d-%2d", &ym.Year, &ym.Month); err != nil {
		return YearMonth{}, fmt.Errorf("invalid month %q: %w", s, err)
	}
	if ym.Month < 1 || ym.Month > 12 {
		return YearMonth{}, fmt.Errorf("invalid month %q", s)
	}
	return ym, nil
}

// DefaultReference is the most recent month served by the archive source.
var DefaultReference = YearMonth{Year: 2025, Month: 12}

// MonthFor maps a month index onto the calendar. Index 1 is the reference
// month, 2 the month before it and so on; indexes below 1 count as 1.
func MonthFor(ref YearMonth, monthIndex int) YearMonth {
	if monthIndex < 1 {
		monthIndex = 1
	}
	// months since year 0, counting back from the reference
	total := ref.Year*12 + (ref.Month - 1) - (monthIndex - 1)
	return YearMonth{Year: total / 12, Month: total%12 + 1}
}

// Kind selects the archive family.
type Kind int

const (
	KindKlines Kind = iota
	KindTrades
)

func (k Kind) String() string {
	if k == KindTrades {
		return "trades"
	}
	return "klines"
}

// fileTag is the interval part of the archive name.
func (k Kind) fileTag() string {
	if k == KindTrades {
		return "trades"
	}
	return "1m"
}

// ArchiveName returns e.g. BTCUSDT-1m-2025-11.zip.
func ArchiveName(symbol string, kind Kind, ym YearMonth) string {
	return fmt.Sprintf("%s-%s-%04d-%02d.zip", symbol, kind.fileTag(), ym.Year, ym.Month)
}

// ArchivePath returns {dataDir}/{SYMBOL}/{klines|trades}/{name}.
func ArchivePath(dataDir, symbol string, kind Kind, ym YearMonth) string {
	return filepath.Join(dataDir, symbol, kind.String(), ArchiveName(symbol, kind, ym))
}

// ArchiveURL returns the download location of an archive below baseURL.
func ArchiveURL(baseURL, symbol string, kind Kind, ym YearMonth) string {
	dir := fmt.Sprintf("%s/%s/%s", baseURL, kind.String(), symbol)
	if kind == KindKlines {
		dir += "/1m"
	}
	return dir + "/" + ArchiveName(symbol, kind, ym)
}
