package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/historio/historian/internal/storage/types"
)

func testRecords(n int, tagID string, startTs int64) []types.Record {
	records := make([]types.Record, n)
	for i := range records {
		records[i] = types.Record{
			TagID:       tagID,
			TimestampMs: startTs + int64(i)*1000,
			Value:       float64(i) * 1.5,
			Quality:     types.QualityGood,
		}
	}
	return records
}

func TestEncodeDecodeRecords(t *testing.T) {
	records := []types.Record{
		{TagID: "boiler.temp", TimestampMs: 1700000000000, Value: 81.5, Quality: types.QualityGood},
		{TagID: "boiler.pressure", TimestampMs: 1700000000500, Value: 2.04, Quality: types.QualityUncertain},
		{TagID: "pump.rpm", TimestampMs: 1700000001000, Value: -12.25, Quality: types.QualityBad},
	}

	payload, err := encodeRecords(records)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := decodeRecords(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(decoded) != len(records) {
		t.Fatalf("decoded %d records, want %d", len(decoded), len(records))
	}
	for i := range records {
		if decoded[i] != records[i] {
			t.Errorf("record %d: got %+v, want %+v", i, decoded[i], records[i])
		}
	}
}

func TestDecodeRecords_Garbage(t *testing.T) {
	if _, err := decodeRecords([]byte{0xde, 0xad, 0xbe, 0xef}); err == nil {
		t.Error("expected error for garbage payload")
	}
}

func TestWriter_AppendAndReplay(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	records := testRecords(100, "boiler.temp", 1700000000000)
	if err := w.Append(records); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Append(testRecords(50, "pump.rpm", 1700000100000)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	replayed, err := ReplayDir(dir)
	if err != nil {
		t.Fatalf("ReplayDir: %v", err)
	}

	if len(replayed) != 150 {
		t.Fatalf("replayed %d records, want 150", len(replayed))
	}
	if replayed[0] != records[0] {
		t.Errorf("first record = %+v, want %+v", replayed[0], records[0])
	}
}

func TestWriter_EmptyAppend(t *testing.T) {
	w, err := NewWriter(t.TempDir(), DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	if err := w.Append(nil); err != nil {
		t.Errorf("empty append should succeed: %v", err)
	}

	stats := w.Stats()
	if stats.EntriesWritten != 0 {
		t.Errorf("entries written = %d, want 0", stats.EntriesWritten)
	}
}

func TestWriter_FileRotation(t *testing.T) {
	dir := t.TempDir()

	opts := DefaultOptions()
	opts.MaxSegmentSize = 512 // Force rotation quickly

	w, err := NewWriter(dir, opts)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	for i := 0; i < 20; i++ {
		if err := w.Append(testRecords(10, "boiler.temp", int64(i)*100000)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	w.Close()

	stats := w.Stats()
	if stats.FilesCreated < 2 {
		t.Errorf("expected multiple wal files, got %d", stats.FilesCreated)
	}

	// All records must survive rotation.
	replayed, err := ReplayDir(dir)
	if err != nil {
		t.Fatalf("ReplayDir: %v", err)
	}
	if len(replayed) != 200 {
		t.Errorf("replayed %d records, want 200", len(replayed))
	}
}

func TestWriter_Reset(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	if err := w.Append(testRecords(10, "boiler.temp", 0)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := w.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	// Old records are gone after reset.
	replayed, err := ReplayDir(dir)
	if err != nil {
		t.Fatalf("ReplayDir: %v", err)
	}
	if len(replayed) != 0 {
		t.Errorf("replayed %d records after reset, want 0", len(replayed))
	}

	// The writer keeps accepting appends.
	if err := w.Append(testRecords(5, "pump.rpm", 0)); err != nil {
		t.Fatalf("Append after reset: %v", err)
	}
	w.Sync()

	replayed, err = ReplayDir(dir)
	if err != nil {
		t.Fatalf("ReplayDir: %v", err)
	}
	if len(replayed) != 5 {
		t.Errorf("replayed %d records, want 5", len(replayed))
	}
}

func TestReplayDir_TruncatedTail(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Append(testRecords(10, "boiler.temp", 0)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Append(testRecords(10, "boiler.temp", 100000)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	w.Close()

	// Simulate a crash mid-write: chop bytes off the end of the file.
	path := w.CurrentPath()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := os.Truncate(path, info.Size()-7); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	replayed, err := ReplayDir(dir)
	if err != nil {
		t.Fatalf("ReplayDir: %v", err)
	}

	// The first intact entry survives; the mangled tail is dropped.
	if len(replayed) != 10 {
		t.Errorf("replayed %d records, want 10", len(replayed))
	}
}

func TestReplayDir_Missing(t *testing.T) {
	records, err := ReplayDir(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("ReplayDir on missing dir: %v", err)
	}
	if records != nil {
		t.Errorf("expected nil records, got %d", len(records))
	}
}

func TestNewReader_BadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0000000000000000.wal")
	if err := os.WriteFile(path, []byte("definitely not a wal file"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := NewReader(path); err == nil {
		t.Error("expected error for bad magic")
	}
}

func BenchmarkWriter_Append(b *testing.B) {
	w, err := NewWriter(b.TempDir(), DefaultOptions())
	if err != nil {
		b.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	records := testRecords(100, "boiler.temp", 0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for j := range records {
			records[j].TimestampMs = int64(i*100+j) * 1000
		}
		w.Append(records)
	}
}
