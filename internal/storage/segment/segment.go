package segment

import (
	"sort"
	"sync"

	"github.com/historio/historian/internal/errors"
	"github.com/historio/historian/internal/storage/types"
)

// activeSegment is the in-memory segment currently accepting writes for
// one rotation group. Records are partitioned by tag; each partition has
// its own mutex so appends to distinct tags never contend.
type activeSegment struct {
	createdMs int64

	mu         sync.RWMutex // guards the partitions map, not partition contents
	partitions map[string]*partition
}

// partition holds the records of a single tag, sorted by timestamp.
// Timestamps are strictly increasing: the insert path rejects anything
// at or before the newest record.
type partition struct {
	mu      sync.Mutex
	records []types.Record
}

func newActiveSegment(createdMs int64) *activeSegment {
	return &activeSegment{
		createdMs:  createdMs,
		partitions: make(map[string]*partition),
	}
}

func (s *activeSegment) partitionFor(tagID string) *partition {
	s.mu.RLock()
	p, ok := s.partitions[tagID]
	s.mu.RUnlock()
	if ok {
		return p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.partitions[tagID]; ok {
		return p
	}
	p = &partition{}
	s.partitions[tagID] = p
	return p
}

// insert appends a record to its tag partition.
func (s *activeSegment) insert(rec types.Record) error {
	return s.insertDurable(rec, nil)
}

// insertDurable validates the record against the partition's newest
// timestamp, runs durable, then appends. All three steps happen under
// the partition lock, so a record reaches the log only once it is
// certain to be admitted, and every logged record is admitted.
func (s *activeSegment) insertDurable(rec types.Record, durable func() error) error {
	p := s.partitionFor(rec.TagID)

	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.records); n > 0 {
		last := p.records[n-1].TimestampMs
		if rec.TimestampMs == last {
			return errors.NewDuplicate(rec.TagID, rec.TimestampMs)
		}
		if rec.TimestampMs < last {
			return errors.Wrapf(errors.ErrOutOfOrderSample,
				"tag %s: %d <= last %d", rec.TagID, rec.TimestampMs, last)
		}
	}

	if durable != nil {
		if err := durable(); err != nil {
			return err
		}
	}

	p.records = append(p.records, rec)
	return nil
}

// insertReplayed loads a record during WAL replay. Out-of-line entries
// are re-sorted rather than rejected so a damaged log still yields every
// record it holds; the read path repairs any leftover disorder.
func (s *activeSegment) insertReplayed(rec types.Record) {
	p := s.partitionFor(rec.TagID)

	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.records); n > 0 && rec.TimestampMs <= p.records[n-1].TimestampMs {
		p.records = append(p.records, rec)
		sort.Slice(p.records, func(i, j int) bool {
			return p.records[i].TimestampMs < p.records[j].TimestampMs
		})
		return
	}
	p.records = append(p.records, rec)
}

// snapshot returns a copy of the tag's records within [fromMs, toMs].
func (s *activeSegment) snapshot(tagID string, fromMs, toMs int64) []types.Record {
	s.mu.RLock()
	p, ok := s.partitions[tagID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	lo := sort.Search(len(p.records), func(i int) bool {
		return p.records[i].TimestampMs >= fromMs
	})
	hi := sort.Search(len(p.records), func(i int) bool {
		return p.records[i].TimestampMs > toMs
	})
	if lo >= hi {
		return nil
	}

	out := make([]types.Record, hi-lo)
	copy(out, p.records[lo:hi])
	return out
}

// latest returns the newest record for a tag, if any.
func (s *activeSegment) latest(tagID string) (types.Record, bool) {
	s.mu.RLock()
	p, ok := s.partitions[tagID]
	s.mu.RUnlock()
	if !ok {
		return types.Record{}, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.records) == 0 {
		return types.Record{}, false
	}
	return p.records[len(p.records)-1], true
}

// drain returns every record in the segment in global timestamp order
// (ties broken by tag id) along with the covering range. Only called
// under the group's exclusive rotation barrier, when no appends run.
func (s *activeSegment) drain() (records []types.Record, minTs, maxTs int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, p := range s.partitions {
		total += len(p.records)
	}
	if total == 0 {
		return nil, 0, 0
	}

	records = make([]types.Record, 0, total)
	for _, p := range s.partitions {
		records = append(records, p.records...)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].TimestampMs != records[j].TimestampMs {
			return records[i].TimestampMs < records[j].TimestampMs
		}
		return records[i].TagID < records[j].TagID
	})

	return records, records[0].TimestampMs, records[len(records)-1].TimestampMs
}

// size returns the total number of records in the segment.
func (s *activeSegment) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, p := range s.partitions {
		p.mu.Lock()
		total += len(p.records)
		p.mu.Unlock()
	}
	return total
}
