// Package ingestion implements the sample pipeline: policy gating against
// per-tag recording state, appends into the storage engine, and state
// recovery after restarts.
//
// Distinct tags proceed concurrently; samples of the same tag are strictly
// serialized by the tag's own mutex.
package ingestion

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/historio/historian/internal/errors"
	"github.com/historio/historian/internal/logging"
	"github.com/historio/historian/internal/storage/policy"
	"github.com/historio/historian/internal/storage/segment"
	"github.com/historio/historian/internal/storage/types"
)

// Service is the ingestion pipeline.
type Service struct {
	tags    types.TagProvider
	backend segment.Backend
	logger  *slog.Logger

	mu     sync.RWMutex
	states map[string]*tagState

	seeds singleflight.Group

	stats stats
}

// tagState carries one tag's recording state. The mutex serializes all
// processing for the tag; the state pointer is nil until the first record
// (or recovery seed) exists.
type tagState struct {
	mu     sync.Mutex
	seeded bool
	state  *policy.State
}

type stats struct {
	received   atomic.Int64
	recorded   atomic.Int64
	suppressed atomic.Int64
	dropped    atomic.Int64
	outOfOrder atomic.Int64
	unknown    atomic.Int64
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	SamplesReceived   int64
	SamplesRecorded   int64
	SamplesSuppressed int64
	SamplesDropped    int64
	OutOfOrder        int64
	UnknownTags       int64
}

// New creates an ingestion pipeline over the given tag provider and
// storage backend.
func New(tags types.TagProvider, backend segment.Backend) *Service {
	return &Service{
		tags:    tags,
		backend: backend,
		logger:  logging.Component("ingestion"),
		states:  make(map[string]*tagState),
	}
}

func (s *Service) tagStateFor(tagID string) *tagState {
	s.mu.RLock()
	ts, ok := s.states[tagID]
	s.mu.RUnlock()
	if ok {
		return ts
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ts, ok = s.states[tagID]; ok {
		return ts
	}
	ts = &tagState{}
	s.states[tagID] = ts
	return ts
}

// seed recovers a tag's recording state from the newest stored record.
// Concurrent seeds of the same tag collapse into one storage read.
func (s *Service) seed(ctx context.Context, groupID string, ts *tagState, tagID string) error {
	if ts.seeded {
		return nil
	}

	v, err, _ := s.seeds.Do(groupID+"/"+tagID, func() (any, error) {
		rec, ok, err := s.backend.Latest(ctx, groupID, tagID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return (*policy.State)(nil), nil
		}
		return &policy.State{
			LastValue:       rec.Value,
			LastTimestampMs: rec.TimestampMs,
			LastQuality:     rec.Quality,
		}, nil
	})
	if err != nil {
		return err
	}

	ts.state = v.(*policy.State)
	ts.seeded = true
	return nil
}

// Consume runs one sample through the pipeline: gate, append, advance.
// Recording state advances only after the append succeeded; a rejected or
// failed append leaves the state untouched.
func (s *Service) Consume(ctx context.Context, sample types.Sample) error {
	s.stats.received.Add(1)

	tag, ok := s.tags.Lookup(sample.TagID)
	if !ok {
		s.stats.unknown.Add(1)
		return errors.NewUnknownTag(sample.TagID)
	}

	if sample.TimestampMs < 0 {
		s.stats.dropped.Add(1)
		return errors.Wrapf(errors.ErrInvalidTimestamp, "tag %s: %d", sample.TagID, sample.TimestampMs)
	}

	ts := s.tagStateFor(sample.TagID)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if err := s.seed(ctx, tag.GroupID, ts, tag.ID); err != nil {
		s.stats.dropped.Add(1)
		return errors.Wrapf(errors.ErrStorageWrite, "seed state for %s: %v", tag.ID, err)
	}

	// Out-of-order arrivals are flagged but still evaluated; the engine
	// is the one that rejects a non-increasing append.
	if ts.state != nil && sample.TimestampMs <= ts.state.LastTimestampMs {
		s.stats.outOfOrder.Add(1)
		s.logger.Debug("out-of-order sample",
			"tag", sample.TagID,
			"timestamp_ms", sample.TimestampMs,
			"last_recorded_ms", ts.state.LastTimestampMs)
	}

	decision := policy.Evaluate(tag, ts.state, sample)
	if !decision.Record {
		s.stats.suppressed.Add(1)
		return nil
	}

	if err := s.backend.Append(ctx, tag.GroupID, types.RecordFromSample(sample)); err != nil {
		s.stats.dropped.Add(1)
		if errors.IsOrdering(err) {
			s.logger.Debug("append rejected",
				"tag", sample.TagID,
				"timestamp_ms", sample.TimestampMs,
				"error", err)
		} else {
			s.logger.Error("append failed",
				"tag", sample.TagID,
				"timestamp_ms", sample.TimestampMs,
				"error", err)
		}
		return err
	}

	ts.state = &policy.State{
		LastValue:       sample.Value,
		LastTimestampMs: sample.TimestampMs,
		LastQuality:     sample.Quality,
	}
	s.stats.recorded.Add(1)

	return nil
}

// WarmUp eagerly seeds recording state for every configured tag of the
// given groups. Called at startup so the first post-restart sample gates
// against real history instead of counting as first.
func (s *Service) WarmUp(ctx context.Context, groupIDs []string) error {
	seeded := 0
	for _, groupID := range groupIDs {
		for _, tagID := range s.tags.GroupTags(groupID) {
			ts := s.tagStateFor(tagID)
			ts.mu.Lock()
			err := s.seed(ctx, groupID, ts, tagID)
			ts.mu.Unlock()
			if err != nil {
				return errors.Wrapf(errors.ErrStorageWrite, "warm up %s: %v", tagID, err)
			}
			seeded++
		}
	}

	s.logger.Info("recording state warmed up", "tags", seeded)
	return nil
}

// Stats returns a snapshot of pipeline counters.
func (s *Service) Stats() Stats {
	return Stats{
		SamplesReceived:   s.stats.received.Load(),
		SamplesRecorded:   s.stats.recorded.Load(),
		SamplesSuppressed: s.stats.suppressed.Load(),
		SamplesDropped:    s.stats.dropped.Load(),
		OutOfOrder:        s.stats.outOfOrder.Load(),
		UnknownTags:       s.stats.unknown.Load(),
	}
}
