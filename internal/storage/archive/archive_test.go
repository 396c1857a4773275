package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/historio/historian/internal/storage/types"
)

func TestWriterBasic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg-0001.parquet")

	w, err := NewWriter(path, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	records := []types.Record{
		{TagID: "boiler.temp", TimestampMs: 1700000000000, Value: 81.5, Quality: types.QualityGood},
		{TagID: "boiler.temp", TimestampMs: 1700000001000, Value: 82.1, Quality: types.QualityGood},
	}

	if err := w.Write(records); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if w.RowCount() != 2 {
		t.Errorf("RowCount = %d, want 2", w.RowCount())
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	stat, err := os.Stat(path)
	if err != nil {
		t.Fatalf("file should exist: %v", err)
	}
	if stat.Size() == 0 {
		t.Error("file should not be empty")
	}
}

func TestWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg-0001.parquet")

	records := []types.Record{
		{TagID: "boiler.temp", TimestampMs: 1700000000000, Value: 81.5, Quality: types.QualityGood},
		{TagID: "boiler.pressure", TimestampMs: 1700000000500, Value: 2.04, Quality: types.QualityUncertain},
		{TagID: "pump.rpm", TimestampMs: 1700000001000, Value: 1480, Quality: types.QualityBad},
	}

	w, err := NewWriter(path, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Write(records); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	if r.NumRows() != int64(len(records)) {
		t.Errorf("NumRows = %d, want %d", r.NumRows(), len(records))
	}

	got, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != len(records) {
		t.Fatalf("read %d records, want %d", len(got), len(records))
	}
	for i := range records {
		if got[i] != records[i] {
			t.Errorf("record %d: got %+v, want %+v", i, got[i], records[i])
		}
	}
}

func TestWriteAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.parquet")

	w, err := NewWriter(path, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err = w.Write([]types.Record{{TagID: "x", TimestampMs: 1}})
	if err != ErrWriterClosed {
		t.Errorf("Write after Close = %v, want ErrWriterClosed", err)
	}
}

func TestWriterAbort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.parquet")

	w, err := NewWriter(path, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Write([]types.Record{{TagID: "x", TimestampMs: 1}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("aborted file should be removed")
	}
}

func TestParseCompressionType(t *testing.T) {
	tests := []struct {
		input string
		want  CompressionType
	}{
		{"snappy", CompressionSnappy},
		{"zstd", CompressionZstd},
		{"lz4", CompressionLZ4},
		{"gzip", CompressionGzip},
		{"none", CompressionNone},
		{"bogus", CompressionZstd},
	}

	for _, tt := range tests {
		if got := ParseCompressionType(tt.input); got != tt.want {
			t.Errorf("ParseCompressionType(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestCompressionRoundTrip(t *testing.T) {
	for _, ct := range []CompressionType{CompressionNone, CompressionSnappy, CompressionZstd, CompressionGzip} {
		path := filepath.Join(t.TempDir(), "seg.parquet")

		opts := DefaultOptions()
		opts.Compression = ct

		w, err := NewWriter(path, opts)
		if err != nil {
			t.Fatalf("NewWriter(%v): %v", ct, err)
		}

		records := make([]types.Record, 500)
		for i := range records {
			records[i] = types.Record{
				TagID:       "boiler.temp",
				TimestampMs: int64(i) * 1000,
				Value:       float64(i%10) + 0.5,
				Quality:     types.QualityGood,
			}
		}
		if err := w.Write(records); err != nil {
			t.Fatalf("Write(%v): %v", ct, err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Close(%v): %v", ct, err)
		}

		r, err := NewReader(path)
		if err != nil {
			t.Fatalf("NewReader(%v): %v", ct, err)
		}
		got, err := r.ReadAll()
		r.Close()
		if err != nil {
			t.Fatalf("ReadAll(%v): %v", ct, err)
		}
		if len(got) != len(records) {
			t.Errorf("compression %v: read %d records, want %d", ct, len(got), len(records))
		}
	}
}
