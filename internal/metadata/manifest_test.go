package metadata

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "trades.parquet"), []byte("PAR1"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := NewManifest("BTCUSDT", time.UnixMilli(1700000000000))
	if err := m.AddFile(dir, "trades.parquet", "trades", 10); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := m.AddFile(dir, "candles.parquet", "candles", 0); err != nil {
		t.Fatalf("AddFile missing: %v", err)
	}
	if len(m.Files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(m.Files))
	}
	if err := m.Write(dir); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, ok, err := Read(dir)
	if err != nil || !ok {
		t.Fatalf("Read: ok=%v err=%v", ok, err)
	}
	if got.SnapshotID != m.SnapshotID || got.Symbol != "BTCUSDT" || got.TimestampMs != 1700000000000 {
		t.Fatalf("unexpected manifest %+v", got)
	}
	if got.Records("trades") != 10 || got.Records("depths") != 0 {
		t.Fatalf("unexpected record counts %+v", got.Files)
	}
	if got.Files[0].FileSize != 4 {
		t.Fatalf("expected size 4, got %d", got.Files[0].FileSize)
	}
}

func TestReadWithoutManifest(t *testing.T) {
	_, ok, err := Read(t.TempDir())
	if err != nil || ok {
		t.Fatalf("expected no manifest, ok=%v err=%v", ok, err)
	}
}

func TestReadInvalidManifest(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("{"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := Read(dir); err == nil {
		t.Fatal("expected error")
	}
}
