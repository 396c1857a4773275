// Package query answers historical range queries: raw series or
// fixed-bucket downsampling over whatever mix of sealed archives and
// active segment covers the requested window.
package query

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/DataDog/sketches-go/ddsketch"
	"golang.org/x/sync/errgroup"

	"github.com/historio/historian/internal/errors"
	"github.com/historio/historian/internal/logging"
	"github.com/historio/historian/internal/storage/config"
	"github.com/historio/historian/internal/storage/segment"
	"github.com/historio/historian/internal/storage/types"
)

// sketchAccuracy is the relative accuracy of percentile sketches.
const sketchAccuracy = 0.01

// Request describes one historical query.
type Request struct {
	GroupID     string                 `json:"group_id"`
	TagIDs      []string               `json:"tag_ids"`
	FromMs      int64                  `json:"from_ms"`
	ToMs        int64                  `json:"to_ms"`
	Aggregation *types.AggregationSpec `json:"aggregation,omitempty"`

	// Strict aborts the whole query on the first unknown tag instead of
	// recording a per-tag error and continuing.
	Strict bool `json:"strict,omitempty"`
}

// Result carries per-tag series plus everything that went sideways while
// assembling them. A tag present with an empty series genuinely has no
// data in the range; a tag in Errors was not readable at all.
type Result struct {
	Series map[string]types.Series `json:"series"`
	Errors map[string]string       `json:"errors,omitempty"`
	Gaps   []segment.Gap           `json:"gaps,omitempty"`
	Faults []segment.Fault         `json:"faults,omitempty"`
}

// Stats holds query statistics.
type Stats struct {
	QueriesExecuted int64
	QueriesRejected int64
	PointsReturned  int64
	TagErrors       int64
}

type stats struct {
	queriesExecuted atomic.Int64
	queriesRejected atomic.Int64
	pointsReturned  atomic.Int64
	tagErrors       atomic.Int64
}

// Service executes queries against a storage backend.
type Service struct {
	cfg     *config.Config
	tags    types.TagProvider
	backend segment.Backend
	logger  *slog.Logger

	stats stats
}

// New creates a query service.
func New(cfg *config.Config, tags types.TagProvider, backend segment.Backend) *Service {
	return &Service{
		cfg:     cfg,
		tags:    tags,
		backend: backend,
		logger:  logging.Component("query"),
	}
}

// Query executes one request. Validation happens before storage is
// touched; per-tag scans then run concurrently and are cancelled together
// if the context dies.
func (s *Service) Query(ctx context.Context, req Request) (Result, error) {
	result := Result{Series: make(map[string]types.Series, len(req.TagIDs))}

	if req.FromMs > req.ToMs {
		s.stats.queriesRejected.Add(1)
		return result, errors.NewInvalidRange(req.FromMs, req.ToMs)
	}
	if len(req.TagIDs) == 0 {
		s.stats.queriesRejected.Add(1)
		return result, errors.Wrap(errors.ErrInvalidRequest, "no tags requested")
	}
	if req.Aggregation != nil {
		if err := req.Aggregation.Validate(); err != nil {
			s.stats.queriesRejected.Add(1)
			return result, errors.Wrapf(errors.ErrInvalidRequest, "aggregation: %v", err)
		}
	}

	known := make([]string, 0, len(req.TagIDs))
	for _, tagID := range req.TagIDs {
		if _, ok := s.tags.Lookup(tagID); !ok {
			if req.Strict {
				s.stats.queriesRejected.Add(1)
				return result, errors.NewUnknownTag(tagID)
			}
			if result.Errors == nil {
				result.Errors = make(map[string]string)
			}
			result.Errors[tagID] = errors.ErrUnknownTag.Error()
			s.stats.tagErrors.Add(1)
			continue
		}
		known = append(known, tagID)
	}

	if s.cfg.Query.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Query.Timeout)
		defer cancel()
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for _, tagID := range known {
		tagID := tagID
		g.Go(func() error {
			rr, err := s.backend.RangeRead(gctx, req.GroupID, []string{tagID}, req.FromMs, req.ToMs)
			if err != nil {
				return errors.Wrapf(err, "tag %s", tagID)
			}

			series := s.assemble(req, rr.Records[tagID])

			mu.Lock()
			defer mu.Unlock()
			result.Series[tagID] = series
			result.Gaps = mergeGaps(result.Gaps, rr.Gaps)
			result.Faults = append(result.Faults, rr.Faults...)
			s.stats.pointsReturned.Add(int64(len(series)))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.stats.queriesRejected.Add(1)
		return result, err
	}

	s.stats.queriesExecuted.Add(1)
	return result, nil
}

// assemble converts a tag's records into the response series, applying
// aggregation and the per-tag point cap.
func (s *Service) assemble(req Request, recs []types.Record) types.Series {
	var series types.Series
	if req.Aggregation != nil {
		series = aggregate(req.FromMs, *req.Aggregation, recs)
	} else {
		series = make(types.Series, len(recs))
		for i, r := range recs {
			series[i] = types.Point{TimestampMs: r.TimestampMs, Value: r.Value, Quality: r.Quality}
		}
	}

	if max := s.cfg.Query.MaxPoints; max > 0 && len(series) > max {
		series = series[:max]
	}
	if series == nil {
		// A known tag with no data in range is present and empty,
		// distinct from an omitted or failed tag.
		series = types.Series{}
	}
	return series
}

// bucket accumulates one aggregation window.
type bucket struct {
	startMs int64
	count   int64
	sum     float64
	min     float64
	max     float64
	sketch  *ddsketch.DDSketch
}

// aggregate folds ascending records into fixed-width buckets anchored at
// fromMs. Empty buckets yield no point.
func aggregate(fromMs int64, spec types.AggregationSpec, recs []types.Record) types.Series {
	if len(recs) == 0 {
		return nil
	}

	width := spec.BucketWidthMs
	percentile := spec.Reducer.IsPercentile()

	var series types.Series
	var cur *bucket

	flush := func() {
		if cur == nil || cur.count == 0 {
			return
		}
		series = append(series, types.Point{
			TimestampMs: cur.startMs,
			Value:       cur.value(spec.Reducer),
			Quality:     types.QualityGood,
		})
		cur = nil
	}

	for _, r := range recs {
		startMs := fromMs + (r.TimestampMs-fromMs)/width*width
		if cur == nil || cur.startMs != startMs {
			flush()
			cur = &bucket{startMs: startMs, min: r.Value, max: r.Value}
			if percentile {
				cur.sketch, _ = ddsketch.NewDefaultDDSketch(sketchAccuracy)
			}
		}

		cur.count++
		cur.sum += r.Value
		if r.Value < cur.min {
			cur.min = r.Value
		}
		if r.Value > cur.max {
			cur.max = r.Value
		}
		if cur.sketch != nil {
			cur.sketch.Add(r.Value)
		}
	}
	flush()

	return series
}

// value reduces a finished bucket.
func (b *bucket) value(r types.Reducer) float64 {
	switch r {
	case types.ReducerAvg:
		return b.sum / float64(b.count)
	case types.ReducerMin:
		return b.min
	case types.ReducerMax:
		return b.max
	case types.ReducerCount:
		return float64(b.count)
	default:
		if b.sketch != nil {
			if v, err := b.sketch.GetValueAtQuantile(r.Quantile()); err == nil {
				return v
			}
		}
		return 0
	}
}

// mergeGaps appends gaps not already present. Per-tag scans of the same
// group report identical pruning gaps; the result needs each once.
func mergeGaps(existing, incoming []segment.Gap) []segment.Gap {
	for _, g := range incoming {
		dup := false
		for _, e := range existing {
			if e == g {
				dup = true
				break
			}
		}
		if !dup {
			existing = append(existing, g)
		}
	}
	return existing
}

// Stats returns a snapshot of query counters.
func (s *Service) Stats() Stats {
	return Stats{
		QueriesExecuted: s.stats.queriesExecuted.Load(),
		QueriesRejected: s.stats.queriesRejected.Load(),
		PointsReturned:  s.stats.pointsReturned.Load(),
		TagErrors:       s.stats.tagErrors.Load(),
	}
}
