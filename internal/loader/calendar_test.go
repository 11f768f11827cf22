package loader

import (
	"path/filepath"
	"testing"
)

func TestMonthFor(t *testing.T) {
	ref := YearMonth{Year: 2025, Month: 12}
	cases := []struct {
		idx  int
		want YearMonth
	}{
		{-3, YearMonth{2025, 12}},
		{0, YearMonth{2025, 12}},
		{1, YearMonth{2025, 12}},
		{2, YearMonth{2025, 11}},
		{12, YearMonth{2025, 1}},
		{13, YearMonth{2024, 12}},
		{25, YearMonth{2023, 12}},
	}
	for _, c := range cases {
		if got := MonthFor(ref, c.idx); got != c.want {
			t.Errorf("MonthFor(%d) = %v, want %v", c.idx, got, c.want)
		}
	}
}

func TestArchiveNaming(t *testing.T) {
	ym := YearMonth{2025, 3}
	if got := ArchiveName("BTCUSDT", KindKlines, ym); got != "BTCUSDT-1m-2025-03.zip" {
		t.Fatalf("kline name = %s", got)
	}
	want := filepath.Join("data", "BTCUSDT", "trades", "BTCUSDT-trades-2025-03.zip")
	if got := ArchivePath("data", "BTCUSDT", KindTrades, ym); got != want {
		t.Fatalf("trade path = %s, want %s", got, want)
	}
	base := "https://data.binance.vision/data/futures/um/monthly"
	if got := ArchiveURL(base, "BTCUSDT", KindKlines, ym); got != base+"/klines/BTCUSDT/1m/BTCUSDT-1m-2025-03.zip" {
		t.Fatalf("kline url = %s", got)
	}
	if got := ArchiveURL(base, "BTCUSDT", KindTrades, ym); got != base+"/trades/BTCUSDT/BTCUSDT-trades-2025-03.zip" {
		t.Fatalf("trade url = %s", got)
	}
}

func TestParseYearMonth(t *testing.T) {
	ym, err := ParseYearMonth("2024-03")
	if err != nil || ym != (YearMonth{2024, 3}) {
		t.Fatalf("got %v err=%v", ym, err)
	}
	if ym, err := ParseYearMonth(""); err != nil || ym != DefaultReference {
		t.Fatalf("empty should give default, got %v err=%v", ym, err)
	}
	for _, bad := range []string{"2024-13", "march", "2024"} {
		if _, err := ParseYearMonth(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
