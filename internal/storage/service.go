package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/historio/historian/internal/errors"
	"github.com/historio/historian/internal/logging"
	"github.com/historio/historian/internal/storage/archive"
	"github.com/historio/historian/internal/storage/config"
	"github.com/historio/historian/internal/storage/ingestion"
	"github.com/historio/historian/internal/storage/query"
	"github.com/historio/historian/internal/storage/retention"
	"github.com/historio/historian/internal/storage/segment"
	"github.com/historio/historian/internal/storage/types"
)

// Service is the historian core: it wires configuration, the storage
// engine, the ingestion pipeline, retention, and the query engine into
// one lifecycle.
type Service struct {
	config   *config.Config
	registry *ingestion.Registry

	engine    *segment.Engine
	ingestion *ingestion.Service
	retention *retention.Manager
	query     *query.Service

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	startTime time.Time
}

// Stats aggregates counters from every component.
type Stats struct {
	UptimeSeconds int64           `json:"uptime_seconds"`
	Ingestion     ingestion.Stats `json:"ingestion"`
	Engine        segment.Stats   `json:"engine"`
	Retention     retention.Stats `json:"retention"`
	Query         query.Stats     `json:"query"`
}

// New creates the storage service from configuration.
func New(cfg *config.Config) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var offloader *archive.Offloader
	if cfg.Archive.S3.Enabled {
		var err error
		offloader, err = archive.NewOffloader(cfg.Archive.S3)
		if err != nil {
			return nil, fmt.Errorf("create offloader: %w", err)
		}
	}

	engine, err := segment.NewEngine(cfg, offloader)
	if err != nil {
		return nil, fmt.Errorf("open storage engine: %w", err)
	}

	registry := ingestion.NewRegistry(cfg.AllTags())

	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		config:    cfg,
		registry:  registry,
		engine:    engine,
		ingestion: ingestion.New(registry, engine),
		retention: retention.New(cfg, engine, offloader),
		query:     query.New(cfg, registry, engine),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start warms up recording state and launches the background workers.
func (s *Service) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}
	s.startTime = time.Now()

	if err := s.ingestion.WarmUp(s.ctx, s.config.GroupIDs()); err != nil {
		s.running.Store(false)
		return fmt.Errorf("warm up ingestion: %w", err)
	}

	if err := s.retention.Start(); err != nil {
		s.running.Store(false)
		return fmt.Errorf("start retention: %w", err)
	}

	if s.config.WAL.SyncMode == "async" {
		s.wg.Add(1)
		go s.walSyncWorker()
	}

	logging.Info("storage service started",
		"groups", len(s.config.Groups),
		"tags", len(s.config.AllTags()),
		"data_dir", s.config.DataDir)
	return nil
}

// Stop shuts everything down in reverse order of startup. Unsealed
// records stay in the WAL for the next start.
func (s *Service) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	s.wg.Wait()

	var errs []error
	if err := s.retention.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop retention: %w", err))
	}
	if err := s.engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close engine: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("stop errors: %v", errs)
	}
	return nil
}

// walSyncWorker flushes WAL buffers on the configured interval.
func (s *Service) walSyncWorker() {
	defer s.wg.Done()

	interval := s.config.WAL.SyncInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.engine.SyncWALs(); err != nil {
				logging.Error("wal sync failed", "error", err)
			}
		}
	}
}

// Ingest runs one sample through the recording policy and, if it gates
// through, into storage.
func (s *Service) Ingest(ctx context.Context, sample types.Sample) error {
	if !s.running.Load() {
		return errors.ErrNotRunning
	}
	return s.ingestion.Consume(ctx, sample)
}

// IngestBatch runs a batch of samples through the pipeline. Each sample
// fails or succeeds on its own; the first error is returned after the
// whole batch has been attempted.
func (s *Service) IngestBatch(ctx context.Context, samples []types.Sample) error {
	if !s.running.Load() {
		return errors.ErrNotRunning
	}

	var firstErr error
	for _, sample := range samples {
		if err := s.ingestion.Consume(ctx, sample); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Query executes a historical query.
func (s *Service) Query(ctx context.Context, req query.Request) (query.Result, error) {
	if !s.running.Load() {
		return query.Result{}, errors.ErrNotRunning
	}
	return s.query.Query(ctx, req)
}

// RotateNow seals a group's active segment on operator request.
func (s *Service) RotateNow(ctx context.Context, groupID string) (segment.ArchiveRef, error) {
	if !s.running.Load() {
		return segment.ArchiveRef{}, errors.ErrNotRunning
	}
	return s.retention.RotateNow(ctx, groupID)
}

// Registry exposes the tag registry so the configuration collaborator
// can install updated tag definitions at runtime.
func (s *Service) Registry() *ingestion.Registry {
	return s.registry
}

// Stats returns a combined snapshot of all component counters.
func (s *Service) Stats() Stats {
	var uptime int64
	if s.running.Load() {
		uptime = int64(time.Since(s.startTime).Seconds())
	}
	return Stats{
		UptimeSeconds: uptime,
		Ingestion:     s.ingestion.Stats(),
		Engine:        s.engine.Stats(),
		Retention:     s.retention.Stats(),
		Query:         s.query.Stats(),
	}
}
