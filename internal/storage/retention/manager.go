// Package retention drives the segment lifecycle: periodic rotation of
// active segments into sealed archives, optional off-site copies, and
// pruning of archives past the retention horizon.
package retention

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/historio/historian/internal/errors"
	"github.com/historio/historian/internal/logging"
	"github.com/historio/historian/internal/storage/archive"
	"github.com/historio/historian/internal/storage/config"
	"github.com/historio/historian/internal/storage/segment"
)

// Phase is a rotation group's lifecycle state. ACTIVE accepts appends;
// SEALING holds the rotation barrier; SEALED is the instant between a
// finished seal and the fresh active segment taking over.
type Phase int32

const (
	PhaseActive Phase = iota
	PhaseSealing
	PhaseSealed
)

// String returns a human-readable representation of the Phase.
func (p Phase) String() string {
	switch p {
	case PhaseActive:
		return "ACTIVE"
	case PhaseSealing:
		return "SEALING"
	case PhaseSealed:
		return "SEALED"
	default:
		return "UNKNOWN"
	}
}

// Stats holds retention statistics.
type Stats struct {
	SealsCompleted   int64
	SealRetries      int64
	SealFailures     int64
	ArchivesPruned   int64
	OffloadsDone     int64
	OffloadFailures  int64
	LastRotationUnix int64
}

type stats struct {
	sealsCompleted   atomic.Int64
	sealRetries      atomic.Int64
	sealFailures     atomic.Int64
	archivesPruned   atomic.Int64
	offloadsDone     atomic.Int64
	offloadFailures  atomic.Int64
	lastRotationUnix atomic.Int64
}

// Manager owns segment rotation and archive retention for all groups.
type Manager struct {
	cfg       *config.Config
	engine    *segment.Engine
	offloader *archive.Offloader
	logger    *slog.Logger

	mu     sync.Mutex
	phases map[string]Phase

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stats stats
}

// New creates a retention manager. The offloader may be nil, in which
// case archives stay local only.
func New(cfg *config.Config, engine *segment.Engine, offloader *archive.Offloader) *Manager {
	phases := make(map[string]Phase)
	for _, groupID := range engine.GroupIDs() {
		phases[groupID] = PhaseActive
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		cfg:       cfg,
		engine:    engine,
		offloader: offloader,
		logger:    logging.Component("retention"),
		phases:    phases,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the rotation and pruning workers.
func (m *Manager) Start() error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}

	m.wg.Add(1)
	go m.rotationWorker()

	m.wg.Add(1)
	go m.pruneWorker()

	m.logger.Info("retention manager started",
		"rotation_check", m.cfg.Rotation.CheckInterval,
		"retention_check", m.cfg.Retention.CheckInterval)
	return nil
}

// Stop shuts the workers down and waits for in-flight seals to finish.
func (m *Manager) Stop() error {
	if !m.running.CompareAndSwap(true, false) {
		return nil
	}

	m.cancel()
	m.wg.Wait()
	return nil
}

// Phase reports a group's current lifecycle state.
func (m *Manager) Phase(groupID string) Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phases[groupID]
}

func (m *Manager) setPhase(groupID string, p Phase) {
	m.mu.Lock()
	m.phases[groupID] = p
	m.mu.Unlock()
}

// RotateNow seals a group's active segment on operator request. Retries
// barrier timeouts like the periodic path does.
func (m *Manager) RotateNow(ctx context.Context, groupID string) (segment.ArchiveRef, error) {
	return m.sealWithRetry(ctx, groupID)
}

// sealWithRetry drives one rotation through the state machine. Barrier
// timeouts back off exponentially; appends queue behind the barrier
// rather than being dropped, so retrying is safe.
func (m *Manager) sealWithRetry(ctx context.Context, groupID string) (segment.ArchiveRef, error) {
	backoff := m.cfg.Rotation.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	for attempt := 0; ; attempt++ {
		m.setPhase(groupID, PhaseSealing)

		ref, err := m.engine.SealActive(ctx, groupID)
		if err == nil {
			m.setPhase(groupID, PhaseSealed)
			m.stats.sealsCompleted.Add(1)
			m.stats.lastRotationUnix.Store(time.Now().Unix())
			m.offload(ctx, ref)
			m.setPhase(groupID, PhaseActive)
			return ref, nil
		}

		m.setPhase(groupID, PhaseActive)

		if !errors.Is(err, errors.ErrRotationTimeout) || attempt >= m.cfg.Rotation.MaxRetries {
			m.stats.sealFailures.Add(1)
			m.logger.Error("rotation failed",
				"group", groupID,
				"attempts", attempt+1,
				"error", err)
			return segment.ArchiveRef{}, err
		}

		m.stats.sealRetries.Add(1)
		m.logger.Warn("rotation barrier timed out, retrying",
			"group", groupID,
			"attempt", attempt+1,
			"backoff", backoff)

		select {
		case <-ctx.Done():
			return segment.ArchiveRef{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// offload copies a freshly sealed archive off-site. Failures are logged
// and retried by the backlog pass; the local archive is authoritative.
func (m *Manager) offload(ctx context.Context, ref segment.ArchiveRef) {
	if m.offloader == nil || ref.Rows == 0 {
		return
	}

	if err := m.offloader.Upload(ctx, ref.GroupID, ref.Path); err != nil {
		m.stats.offloadFailures.Add(1)
		m.logger.Warn("archive offload failed",
			"group", ref.GroupID,
			"archive", filepath.Base(ref.Path),
			"error", err)
		return
	}

	if err := m.engine.Catalog().MarkOffloaded(ctx, ref.ID); err != nil {
		m.logger.Warn("offload bookkeeping failed",
			"group", ref.GroupID,
			"archive", filepath.Base(ref.Path),
			"error", err)
		return
	}
	m.stats.offloadsDone.Add(1)
}

// offloadBacklog retries archives whose off-site copy failed earlier.
func (m *Manager) offloadBacklog(ctx context.Context) {
	if m.offloader == nil {
		return
	}

	for _, groupID := range m.engine.GroupIDs() {
		refs, err := m.engine.Catalog().NotOffloaded(ctx, groupID)
		if err != nil {
			m.logger.Warn("offload backlog scan failed", "group", groupID, "error", err)
			continue
		}
		for _, ref := range refs {
			m.offload(ctx, ref)
		}
	}
}

// rotationWorker seals groups whose rotation period has elapsed.
func (m *Manager) rotationWorker() {
	defer m.wg.Done()

	interval := m.cfg.Rotation.CheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.rotateDue()
		}
	}
}

// rotateDue checks every group against its rotation period, measured
// from the active segment's creation.
func (m *Manager) rotateDue() {
	nowMs := time.Now().UnixMilli()

	for _, groupID := range m.engine.GroupIDs() {
		createdMs, records, err := m.engine.ActiveInfo(groupID)
		if err != nil {
			continue
		}
		if records == 0 {
			continue
		}

		period := m.cfg.RotationPeriod(groupID)
		if nowMs-createdMs < period.Milliseconds() {
			continue
		}

		if _, err := m.sealWithRetry(m.ctx, groupID); err != nil && m.ctx.Err() == nil {
			m.logger.Error("periodic rotation failed", "group", groupID, "error", err)
		}
	}
}

// pruneWorker deletes archives past the retention horizon and retries
// pending offloads.
func (m *Manager) pruneWorker() {
	defer m.wg.Done()

	interval := m.cfg.Retention.CheckInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.PruneNow(m.ctx)
			m.offloadBacklog(m.ctx)
		}
	}
}

// PruneNow deletes every archive older than each group's retention
// horizon. Returns the total number of archives removed.
func (m *Manager) PruneNow(ctx context.Context) int {
	total := 0
	for _, groupID := range m.engine.GroupIDs() {
		horizon := m.cfg.RetentionHorizon(groupID)
		cutoffMs := time.Now().Add(-horizon).UnixMilli()

		deleted, err := m.engine.DeleteBefore(ctx, groupID, cutoffMs)
		if err != nil {
			m.logger.Error("prune failed", "group", groupID, "error", err)
			continue
		}
		total += deleted
	}

	if total > 0 {
		m.stats.archivesPruned.Add(int64(total))
	}
	return total
}

// Stats returns a snapshot of retention counters.
func (m *Manager) Stats() Stats {
	return Stats{
		SealsCompleted:   m.stats.sealsCompleted.Load(),
		SealRetries:      m.stats.sealRetries.Load(),
		SealFailures:     m.stats.sealFailures.Load(),
		ArchivesPruned:   m.stats.archivesPruned.Load(),
		OffloadsDone:     m.stats.offloadsDone.Load(),
		OffloadFailures:  m.stats.offloadFailures.Load(),
		LastRotationUnix: m.stats.lastRotationUnix.Load(),
	}
}
