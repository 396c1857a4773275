package storage

import (
	"context"
	"testing"

	"github.com/historio/historian/internal/errors"
	"github.com/historio/historian/internal/storage/config"
	"github.com/historio/historian/internal/storage/query"
	"github.com/historio/historian/internal/storage/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Groups = []config.GroupConfig{
		{
			ID: "line1",
			Tags: []types.Tag{
				{ID: "boiler.temp", Enabled: true},
				{ID: "boiler.pressure", Enabled: true, OnChange: true, Deadband: 1.0},
			},
		},
	}
	return cfg
}

func startService(t *testing.T, cfg *config.Config) *Service {
	t.Helper()
	svc, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { svc.Stop() })
	return svc
}

func TestService_IngestSealQuery(t *testing.T) {
	svc := startService(t, testConfig(t))
	ctx := context.Background()

	for ts := int64(0); ts < 10000; ts += 1000 {
		s := types.Sample{TagID: "boiler.temp", TimestampMs: ts, Value: float64(ts) / 100, Quality: types.QualityGood}
		if err := svc.Ingest(ctx, s); err != nil {
			t.Fatalf("Ingest at %d: %v", ts, err)
		}
	}

	// Seal mid-stream, then keep appending. The query must see both the
	// archived records and the ones still in the active segment.
	if _, err := svc.RotateNow(ctx, "line1"); err != nil {
		t.Fatalf("RotateNow: %v", err)
	}
	for ts := int64(10000); ts < 15000; ts += 1000 {
		s := types.Sample{TagID: "boiler.temp", TimestampMs: ts, Value: float64(ts) / 100, Quality: types.QualityGood}
		if err := svc.Ingest(ctx, s); err != nil {
			t.Fatalf("Ingest at %d: %v", ts, err)
		}
	}

	res, err := svc.Query(ctx, query.Request{
		GroupID: "line1",
		TagIDs:  []string{"boiler.temp"},
		FromMs:  0,
		ToMs:    20000,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	pts := res.Series["boiler.temp"]
	if len(pts) != 15 {
		t.Fatalf("got %d points, want 15", len(pts))
	}
	for i := 1; i < len(pts); i++ {
		if pts[i].TimestampMs <= pts[i-1].TimestampMs {
			t.Fatalf("points not strictly ascending at %d", i)
		}
	}
}

func TestService_PolicySuppression(t *testing.T) {
	svc := startService(t, testConfig(t))
	ctx := context.Background()

	// Within deadband of the first recorded value, so only the first
	// sample of the pair gates through.
	samples := []types.Sample{
		{TagID: "boiler.pressure", TimestampMs: 0, Value: 10.0, Quality: types.QualityGood},
		{TagID: "boiler.pressure", TimestampMs: 1000, Value: 10.5, Quality: types.QualityGood},
	}
	if err := svc.IngestBatch(ctx, samples); err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}

	res, err := svc.Query(ctx, query.Request{
		GroupID: "line1",
		TagIDs:  []string{"boiler.pressure"},
		FromMs:  0,
		ToMs:    5000,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got := len(res.Series["boiler.pressure"]); got != 1 {
		t.Errorf("got %d points, want 1 (deadband suppression)", got)
	}

	stats := svc.Stats()
	if stats.Ingestion.SamplesSuppressed != 1 {
		t.Errorf("SamplesSuppressed = %d, want 1", stats.Ingestion.SamplesSuppressed)
	}
	if stats.Ingestion.SamplesRecorded != 1 {
		t.Errorf("SamplesRecorded = %d, want 1", stats.Ingestion.SamplesRecorded)
	}
}

func TestService_RestartRecoversFromWAL(t *testing.T) {
	cfg := testConfig(t)

	svc := startService(t, cfg)
	ctx := context.Background()
	for ts := int64(0); ts < 5000; ts += 1000 {
		s := types.Sample{TagID: "boiler.temp", TimestampMs: ts, Value: 1.0, Quality: types.QualityGood}
		if err := svc.Ingest(ctx, s); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	svc2 := startService(t, cfg)
	res, err := svc2.Query(ctx, query.Request{
		GroupID: "line1",
		TagIDs:  []string{"boiler.temp"},
		FromMs:  0,
		ToMs:    10000,
	})
	if err != nil {
		t.Fatalf("Query after restart: %v", err)
	}
	if got := len(res.Series["boiler.temp"]); got != 5 {
		t.Errorf("got %d points after restart, want 5", got)
	}
}

func TestService_NotRunning(t *testing.T) {
	svc, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { svc.engine.Close() })

	s := types.Sample{TagID: "boiler.temp", TimestampMs: 1000, Value: 1}
	if err := svc.Ingest(context.Background(), s); !errors.Is(err, errors.ErrNotRunning) {
		t.Errorf("Ingest before Start = %v, want ErrNotRunning", err)
	}
	if _, err := svc.Query(context.Background(), query.Request{GroupID: "line1", TagIDs: []string{"boiler.temp"}, ToMs: 1}); !errors.Is(err, errors.ErrNotRunning) {
		t.Errorf("Query before Start = %v, want ErrNotRunning", err)
	}
}

func TestService_DoubleStart(t *testing.T) {
	svc := startService(t, testConfig(t))
	if err := svc.Start(); !errors.Is(err, errors.ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}
}

func TestService_StopIdempotent(t *testing.T) {
	svc := startService(t, testConfig(t))
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Errorf("second Stop = %v, want nil", err)
	}
}
