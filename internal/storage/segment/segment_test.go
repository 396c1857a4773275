package segment

import (
	"testing"

	"github.com/historio/historian/internal/errors"
	"github.com/historio/historian/internal/storage/types"
)

func rec(tagID string, tsMs int64, value float64) types.Record {
	return types.Record{TagID: tagID, TimestampMs: tsMs, Value: value, Quality: types.QualityGood}
}

func TestActiveSegment_InsertOrdering(t *testing.T) {
	s := newActiveSegment(0)

	if err := s.insert(rec("boiler.temp", 1000, 81.5)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.insert(rec("boiler.temp", 2000, 82.0)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Duplicate timestamp
	err := s.insert(rec("boiler.temp", 2000, 82.5))
	if !errors.Is(err, errors.ErrDuplicateTimestamp) {
		t.Errorf("duplicate insert = %v, want ErrDuplicateTimestamp", err)
	}

	// Older timestamp
	err = s.insert(rec("boiler.temp", 1500, 81.7))
	if !errors.Is(err, errors.ErrOutOfOrderSample) {
		t.Errorf("out-of-order insert = %v, want ErrOutOfOrderSample", err)
	}

	// Rejections leave nothing behind.
	if got := s.size(); got != 2 {
		t.Errorf("size = %d, want 2", got)
	}
}

func TestActiveSegment_IndependentPartitions(t *testing.T) {
	s := newActiveSegment(0)

	// Tags keep independent timelines: interleaved timestamps across
	// tags are fine as long as each tag is strictly increasing.
	if err := s.insert(rec("a", 1000, 1)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.insert(rec("b", 500, 2)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.insert(rec("a", 2000, 3)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.insert(rec("b", 600, 4)); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestActiveSegment_Snapshot(t *testing.T) {
	s := newActiveSegment(0)
	for ts := int64(1000); ts <= 10000; ts += 1000 {
		if err := s.insert(rec("boiler.temp", ts, float64(ts))); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	tests := []struct {
		name     string
		from, to int64
		want     int
	}{
		{"full range", 1000, 10000, 10},
		{"inclusive bounds", 3000, 5000, 3},
		{"single instant", 4000, 4000, 1},
		{"between samples", 4100, 4900, 0},
		{"before all", 0, 999, 0},
		{"after all", 10001, 20000, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.snapshot("boiler.temp", tt.from, tt.to)
			if len(got) != tt.want {
				t.Errorf("snapshot(%d, %d) = %d records, want %d", tt.from, tt.to, len(got), tt.want)
			}
		})
	}

	if got := s.snapshot("unknown.tag", 0, 20000); got != nil {
		t.Errorf("snapshot of unknown tag = %d records, want nil", len(got))
	}
}

func TestActiveSegment_SnapshotIsCopy(t *testing.T) {
	s := newActiveSegment(0)
	s.insert(rec("a", 1000, 1))

	snap := s.snapshot("a", 0, 2000)
	snap[0].Value = 999

	again := s.snapshot("a", 0, 2000)
	if again[0].Value != 1 {
		t.Error("snapshot mutation leaked into the segment")
	}
}

func TestActiveSegment_Latest(t *testing.T) {
	s := newActiveSegment(0)

	if _, ok := s.latest("boiler.temp"); ok {
		t.Error("latest on empty segment should report not found")
	}

	s.insert(rec("boiler.temp", 1000, 81.5))
	s.insert(rec("boiler.temp", 2000, 82.0))

	got, ok := s.latest("boiler.temp")
	if !ok {
		t.Fatal("latest should find the record")
	}
	if got.TimestampMs != 2000 || got.Value != 82.0 {
		t.Errorf("latest = %+v, want ts=2000 value=82.0", got)
	}
}

func TestActiveSegment_Drain(t *testing.T) {
	s := newActiveSegment(0)
	s.insert(rec("b", 2000, 2))
	s.insert(rec("a", 1000, 1))
	s.insert(rec("a", 3000, 3))

	records, minTs, maxTs := s.drain()
	if len(records) != 3 {
		t.Fatalf("drained %d records, want 3", len(records))
	}
	if minTs != 1000 || maxTs != 3000 {
		t.Errorf("range = [%d, %d], want [1000, 3000]", minTs, maxTs)
	}
	for i := 1; i < len(records); i++ {
		if records[i].TimestampMs < records[i-1].TimestampMs {
			t.Errorf("drain output not sorted at %d", i)
		}
	}
}

func TestActiveSegment_DrainEmpty(t *testing.T) {
	s := newActiveSegment(0)
	records, _, _ := s.drain()
	if records != nil {
		t.Errorf("drain of empty segment = %d records, want nil", len(records))
	}
}

func TestActiveSegment_InsertReplayed(t *testing.T) {
	s := newActiveSegment(0)

	// Replay tolerates whatever order the log yields.
	s.insertReplayed(rec("a", 2000, 2))
	s.insertReplayed(rec("a", 1000, 1))
	s.insertReplayed(rec("a", 3000, 3))

	snap := s.snapshot("a", 0, 5000)
	if len(snap) != 3 {
		t.Fatalf("snapshot = %d records, want 3", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i].TimestampMs < snap[i-1].TimestampMs {
			t.Errorf("replayed records not sorted at %d", i)
		}
	}
}

func TestSortDedupe(t *testing.T) {
	recs := []types.Record{
		rec("a", 3000, 3),
		rec("a", 1000, 1),
		rec("a", 3000, 99),
		rec("a", 2000, 2),
	}

	out := sortDedupe(recs)
	if len(out) != 3 {
		t.Fatalf("got %d records, want 3", len(out))
	}
	if !isStrictlyAscending(out) {
		t.Error("output not strictly ascending")
	}
	// First occurrence wins on ties.
	if out[2].Value != 3 {
		t.Errorf("tie broken to value %v, want 3", out[2].Value)
	}
}
