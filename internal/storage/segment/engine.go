package segment

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/historio/historian/internal/errors"
	"github.com/historio/historian/internal/logging"
	"github.com/historio/historian/internal/storage/archive"
	"github.com/historio/historian/internal/storage/config"
	"github.com/historio/historian/internal/storage/types"
	"github.com/historio/historian/internal/storage/wal"
)

// Backend is the capability surface the rest of the historian consumes.
// Ingestion appends and recovers state, retention seals and prunes, the
// query engine range-reads.
type Backend interface {
	Append(ctx context.Context, groupID string, rec types.Record) error
	RangeRead(ctx context.Context, groupID string, tagIDs []string, fromMs, toMs int64) (RangeResult, error)
	SealActive(ctx context.Context, groupID string) (ArchiveRef, error)
	DeleteBefore(ctx context.Context, groupID string, cutoffMs int64) (int, error)
	Latest(ctx context.Context, groupID, tagID string) (types.Record, bool, error)
}

// Gap marks a sub-range of a query for which data once existed but has
// been pruned by retention.
type Gap struct {
	FromMs int64  `json:"from_ms"`
	ToMs   int64  `json:"to_ms"`
	Reason string `json:"reason"`
}

// Fault reports a non-fatal storage problem encountered while reading.
// The result still carries whatever data could be assembled.
type Fault struct {
	TagID  string `json:"tag_id,omitempty"`
	Detail string `json:"detail"`
}

// RangeResult is the output of a range read: per-tag records in ascending
// timestamp order plus any gaps and faults encountered along the way.
type RangeResult struct {
	Records map[string][]types.Record
	Gaps    []Gap
	Faults  []Fault
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	Appends          int64
	AppendErrors     int64
	Seals            int64
	RecordsSealed    int64
	ArchivesPruned   int64
	RangeReads       int64
	CorruptionEvents int64
}

type engineStats struct {
	appends          atomic.Int64
	appendErrors     atomic.Int64
	seals            atomic.Int64
	recordsSealed    atomic.Int64
	archivesPruned   atomic.Int64
	rangeReads       atomic.Int64
	corruptionEvents atomic.Int64
}

// groupState holds one rotation group's write path. The RWMutex is the
// rotation barrier: appends and reads hold it shared, sealing holds it
// exclusive.
type groupState struct {
	id     string
	mu     rwBarrier
	active *activeSegment
	wal    *wal.Writer
}

// Engine implements Backend on the local filesystem: WAL-backed active
// segments in memory, sealed Parquet archives on disk, a SQLite catalog
// of archive ranges, and DuckDB for archive scans.
type Engine struct {
	cfg       *config.Config
	catalog   *Catalog
	db        *sql.DB
	offloader *archive.Offloader
	logger    *slog.Logger

	groups map[string]*groupState
	stats  engineStats
}

// NewEngine opens the storage engine: directories are created, the
// catalog is loaded, and each group's WAL is replayed into a fresh
// active segment.
func NewEngine(cfg *config.Config, offloader *archive.Offloader) (*Engine, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	catalog, err := OpenCatalog(cfg.CatalogPath())
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		catalog.Close()
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if cfg.Query.MemoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", cfg.Query.MemoryLimit)); err != nil {
			db.Close()
			catalog.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	e := &Engine{
		cfg:       cfg,
		catalog:   catalog,
		db:        db,
		offloader: offloader,
		logger:    logging.Component("segment.engine"),
		groups:    make(map[string]*groupState),
	}

	for _, groupID := range cfg.GroupIDs() {
		gs, err := e.openGroup(groupID)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("open group %s: %w", groupID, err)
		}
		e.groups[groupID] = gs
	}

	return e, nil
}

// openGroup replays the group's WAL into a fresh active segment and
// attaches a writer continuing where the log left off.
func (e *Engine) openGroup(groupID string) (*groupState, error) {
	walDir := e.cfg.WALDir(groupID)

	replayed, err := wal.ReplayDir(walDir)
	if err != nil {
		return nil, fmt.Errorf("replay wal: %w", err)
	}

	active := newActiveSegment(time.Now().UnixMilli())
	for _, rec := range replayed {
		active.insertReplayed(rec)
	}
	if len(replayed) > 0 {
		e.logger.Info("wal replayed",
			"group", groupID,
			"records", len(replayed))
	}

	w, err := wal.NewWriter(walDir, wal.Options{
		MaxSegmentSize: e.cfg.WAL.MaxSegmentSize,
		SyncMode:       e.cfg.WAL.SyncMode,
		SyncInterval:   e.cfg.WAL.SyncInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}

	return &groupState{
		id:     groupID,
		active: active,
		wal:    w,
	}, nil
}

// Close releases the engine's resources. In-memory records not yet sealed
// survive in the WAL and are replayed on next open.
func (e *Engine) Close() error {
	var firstErr error
	for _, gs := range e.groups {
		if err := gs.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.catalog.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (e *Engine) group(groupID string) (*groupState, error) {
	gs, ok := e.groups[groupID]
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnknownGroup, "%s", groupID)
	}
	return gs, nil
}

// GroupIDs returns the groups the engine manages.
func (e *Engine) GroupIDs() []string {
	ids := make([]string, 0, len(e.groups))
	for id := range e.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActiveInfo reports the creation time and record count of a group's
// active segment. Retention uses the creation time to decide when the
// rotation period has elapsed.
func (e *Engine) ActiveInfo(groupID string) (createdMs int64, records int, err error) {
	gs, err := e.group(groupID)
	if err != nil {
		return 0, 0, err
	}
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	return gs.active.createdMs, gs.active.size(), nil
}

// Append durably stores one record. The partition validates the
// timestamp before anything touches the WAL, so a rejected append
// leaves no trace in the log and cannot resurface on replay.
func (e *Engine) Append(ctx context.Context, groupID string, rec types.Record) error {
	gs, err := e.group(groupID)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	gs.mu.RLock()
	defer gs.mu.RUnlock()

	err = gs.active.insertDurable(rec, func() error {
		if err := gs.wal.Append([]types.Record{rec}); err != nil {
			return errors.Wrapf(errors.ErrStorageWrite, "wal append: %v", err)
		}
		return nil
	})
	if err != nil {
		e.stats.appendErrors.Add(1)
		return err
	}

	e.stats.appends.Add(1)
	return nil
}

// SealActive freezes the group's active segment into an immutable Parquet
// archive, registers it in the catalog, discards the now-redundant WAL,
// and installs a fresh active segment. Appends queue behind the barrier
// for the duration. An empty active segment seals to nothing: the
// returned ref has zero Rows and no error.
func (e *Engine) SealActive(ctx context.Context, groupID string) (ArchiveRef, error) {
	gs, err := e.group(groupID)
	if err != nil {
		return ArchiveRef{}, err
	}

	if err := gs.mu.lockWithTimeout(ctx, e.cfg.Rotation.BarrierTimeout); err != nil {
		return ArchiveRef{}, err
	}
	defer gs.mu.Unlock()

	records, minTs, maxTs := gs.active.drain()
	if len(records) == 0 {
		return ArchiveRef{}, nil
	}

	sealedMs := time.Now().UnixMilli()
	path := filepath.Join(e.cfg.ArchiveDir(groupID),
		fmt.Sprintf("%016d-%016d.parquet", minTs, maxTs))

	w, err := archive.NewWriter(path, archive.Options{
		Compression: archive.ParseCompressionType(e.cfg.Archive.Compression),
	})
	if err != nil {
		return ArchiveRef{}, errors.Wrapf(errors.ErrStorageWrite, "create archive: %v", err)
	}
	if err := w.Write(records); err != nil {
		w.Abort()
		return ArchiveRef{}, errors.Wrapf(errors.ErrStorageWrite, "write archive: %v", err)
	}
	if err := w.Close(); err != nil {
		w.Abort()
		return ArchiveRef{}, errors.Wrapf(errors.ErrStorageWrite, "close archive: %v", err)
	}

	ref := ArchiveRef{
		GroupID:   groupID,
		Path:      path,
		MinTs:     minTs,
		MaxTs:     maxTs,
		Rows:      int64(len(records)),
		CreatedMs: sealedMs,
	}
	id, err := e.catalog.Register(ctx, ref)
	if err != nil {
		os.Remove(path)
		return ArchiveRef{}, errors.Wrapf(errors.ErrStorageWrite, "register archive: %v", err)
	}
	ref.ID = id

	// Archive is durable and indexed; the WAL's copy is redundant now.
	if err := gs.wal.Reset(); err != nil {
		e.logger.Error("wal reset failed, records will replay twice on crash",
			"group", groupID,
			"error", err)
	}

	gs.active = newActiveSegment(sealedMs)

	e.stats.seals.Add(1)
	e.stats.recordsSealed.Add(ref.Rows)
	e.logger.Info("segment sealed",
		"group", groupID,
		"archive", filepath.Base(path),
		"records", ref.Rows,
		"min_ts", minTs,
		"max_ts", maxTs)

	return ref, nil
}

// RangeRead assembles [fromMs, toMs] (inclusive) for the given tags from
// intersecting archives and the active segment. Reads prefer partial data
// over hard failure: pruned ranges surface as Gaps, unreadable archives
// and ordering violations as Faults.
func (e *Engine) RangeRead(ctx context.Context, groupID string, tagIDs []string, fromMs, toMs int64) (RangeResult, error) {
	result := RangeResult{Records: make(map[string][]types.Record, len(tagIDs))}

	gs, err := e.group(groupID)
	if err != nil {
		return result, err
	}
	if fromMs > toMs {
		return result, errors.NewInvalidRange(fromMs, toMs)
	}
	if len(tagIDs) == 0 {
		return result, nil
	}

	e.stats.rangeReads.Add(1)

	pruned, err := e.catalog.PrunedBefore(ctx, groupID)
	if err != nil {
		return result, errors.Wrapf(errors.ErrStorageWrite, "catalog: %v", err)
	}
	if pruned > 0 && fromMs < pruned {
		gapTo := toMs
		if pruned-1 < gapTo {
			gapTo = pruned - 1
		}
		result.Gaps = append(result.Gaps, Gap{
			FromMs: fromMs,
			ToMs:   gapTo,
			Reason: "pruned by retention",
		})
	}

	archives, err := e.catalog.Intersecting(ctx, groupID, fromMs, toMs)
	if err != nil {
		return result, errors.Wrapf(errors.ErrStorageWrite, "catalog: %v", err)
	}

	// Archives are time-disjoint and ordered by range, so appending
	// per-archive results keeps each tag's series ascending.
	for _, ref := range archives {
		if err := e.scanArchive(ctx, ref.Path, tagIDs, fromMs, toMs, result.Records); err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			e.stats.corruptionEvents.Add(1)
			e.logger.Warn("archive scan failed",
				"group", groupID,
				"archive", filepath.Base(ref.Path),
				"error", err)
			result.Faults = append(result.Faults, Fault{
				Detail: fmt.Sprintf("archive %s unreadable", filepath.Base(ref.Path)),
			})
		}
	}

	gs.mu.RLock()
	for _, tagID := range tagIDs {
		if recs := gs.active.snapshot(tagID, fromMs, toMs); len(recs) > 0 {
			result.Records[tagID] = append(result.Records[tagID], recs...)
		}
	}
	gs.mu.RUnlock()

	// Ordering backstop. Archives and active segment should already
	// yield strictly ascending series per tag; a violation means
	// overlapping archives or a corrupt file.
	for tagID, recs := range result.Records {
		if isStrictlyAscending(recs) {
			continue
		}
		e.stats.corruptionEvents.Add(1)
		e.logger.Warn("ordering violation repaired",
			"group", groupID,
			"tag", tagID,
			"records", len(recs))
		result.Records[tagID] = sortDedupe(recs)
		result.Faults = append(result.Faults, Fault{
			TagID:  tagID,
			Detail: "ordering violation repaired; archives may overlap",
		})
	}

	return result, nil
}

// scanArchive reads one archive file through DuckDB, appending matching
// records into out.
func (e *Engine) scanArchive(ctx context.Context, path string, tagIDs []string, fromMs, toMs int64, out map[string][]types.Record) error {
	placeholders := make([]string, len(tagIDs))
	args := make([]any, 0, len(tagIDs)+3)
	args = append(args, path, fromMs, toMs)
	for i, tagID := range tagIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+4)
		args = append(args, tagID)
	}

	query := fmt.Sprintf(`
		SELECT tag_id, timestamp_ms, value, quality
		FROM read_parquet($1)
		WHERE timestamp_ms >= $2
		  AND timestamp_ms <= $3
		  AND tag_id IN (%s)
		ORDER BY tag_id, timestamp_ms
	`, strings.Join(placeholders, ", "))

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var rec types.Record
		var quality int32
		if err := rows.Scan(&rec.TagID, &rec.TimestampMs, &rec.Value, &quality); err != nil {
			return err
		}
		rec.Quality = types.Quality(quality)
		out[rec.TagID] = append(out[rec.TagID], rec)
	}
	return rows.Err()
}

// DeleteBefore prunes every archive lying entirely before cutoffMs and
// advances the group's pruned-before watermark past the deleted data.
// Returns the number of archives removed.
func (e *Engine) DeleteBefore(ctx context.Context, groupID string, cutoffMs int64) (int, error) {
	if _, err := e.group(groupID); err != nil {
		return 0, err
	}

	refs, err := e.catalog.OlderThan(ctx, groupID, cutoffMs)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrStorageWrite, "catalog: %v", err)
	}

	deleted := 0
	var watermark int64
	for _, ref := range refs {
		if err := os.Remove(ref.Path); err != nil && !os.IsNotExist(err) {
			e.logger.Error("archive delete failed",
				"group", groupID,
				"archive", filepath.Base(ref.Path),
				"error", err)
			continue
		}
		if ref.Offloaded && e.offloader != nil {
			if err := e.offloader.Delete(ctx, groupID, filepath.Base(ref.Path)); err != nil {
				e.logger.Warn("offloaded copy delete failed",
					"group", groupID,
					"archive", filepath.Base(ref.Path),
					"error", err)
			}
		}
		if err := e.catalog.Remove(ctx, ref.ID); err != nil {
			return deleted, errors.Wrapf(errors.ErrStorageWrite, "catalog: %v", err)
		}
		deleted++
		if ref.MaxTs+1 > watermark {
			watermark = ref.MaxTs + 1
		}
	}

	if watermark > 0 {
		if err := e.catalog.AdvancePrunedBefore(ctx, groupID, watermark); err != nil {
			return deleted, errors.Wrapf(errors.ErrStorageWrite, "catalog: %v", err)
		}
	}

	if deleted > 0 {
		e.stats.archivesPruned.Add(int64(deleted))
		e.logger.Info("archives pruned",
			"group", groupID,
			"deleted", deleted,
			"cutoff_ms", cutoffMs)
	}

	return deleted, nil
}

// latestScanBatch is how many archives Latest fetches from the catalog
// per page while walking sealed data newest-first.
const latestScanBatch = 64

// Latest returns the newest record for a tag: active segment first, then
// every sealed archive newest-first until one holds the tag.
func (e *Engine) Latest(ctx context.Context, groupID, tagID string) (types.Record, bool, error) {
	gs, err := e.group(groupID)
	if err != nil {
		return types.Record{}, false, err
	}

	gs.mu.RLock()
	rec, ok := gs.active.latest(tagID)
	gs.mu.RUnlock()
	if ok {
		return rec, true, nil
	}

	cursor := int64(math.MaxInt64)
	for {
		refs, err := e.catalog.NewestFirst(ctx, groupID, cursor, latestScanBatch)
		if err != nil {
			return types.Record{}, false, errors.Wrapf(errors.ErrStorageWrite, "catalog: %v", err)
		}
		if len(refs) == 0 {
			return types.Record{}, false, nil
		}

		for _, ref := range refs {
			rec, ok, err := e.latestInArchive(ctx, ref.Path, tagID)
			if err != nil {
				e.logger.Warn("latest scan failed",
					"group", groupID,
					"archive", filepath.Base(ref.Path),
					"error", err)
				continue
			}
			if ok {
				return rec, true, nil
			}
		}

		cursor = refs[len(refs)-1].MaxTs
	}
}

func (e *Engine) latestInArchive(ctx context.Context, path, tagID string) (types.Record, bool, error) {
	row := e.db.QueryRowContext(ctx, `
		SELECT tag_id, timestamp_ms, value, quality
		FROM read_parquet($1)
		WHERE tag_id = $2
		ORDER BY timestamp_ms DESC
		LIMIT 1
	`, path, tagID)

	var rec types.Record
	var quality int32
	err := row.Scan(&rec.TagID, &rec.TimestampMs, &rec.Value, &quality)
	if err == sql.ErrNoRows {
		return types.Record{}, false, nil
	}
	if err != nil {
		return types.Record{}, false, err
	}
	rec.Quality = types.Quality(quality)
	return rec, true, nil
}

// Catalog exposes the archive catalog. Retention uses it to track
// off-site copies.
func (e *Engine) Catalog() *Catalog {
	return e.catalog
}

// SyncWALs flushes every group's WAL buffers. The orchestrator calls this
// on the configured sync interval when the WAL runs in async mode.
func (e *Engine) SyncWALs() error {
	var firstErr error
	for _, gs := range e.groups {
		if err := gs.wal.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Appends:          e.stats.appends.Load(),
		AppendErrors:     e.stats.appendErrors.Load(),
		Seals:            e.stats.seals.Load(),
		RecordsSealed:    e.stats.recordsSealed.Load(),
		ArchivesPruned:   e.stats.archivesPruned.Load(),
		RangeReads:       e.stats.rangeReads.Load(),
		CorruptionEvents: e.stats.corruptionEvents.Load(),
	}
}

func isStrictlyAscending(recs []types.Record) bool {
	for i := 1; i < len(recs); i++ {
		if recs[i].TimestampMs <= recs[i-1].TimestampMs {
			return false
		}
	}
	return true
}

// sortDedupe restores strict ascending order, keeping the first record
// seen for each timestamp.
func sortDedupe(recs []types.Record) []types.Record {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].TimestampMs < recs[j].TimestampMs
	})
	out := recs[:1]
	for _, r := range recs[1:] {
		if r.TimestampMs != out[len(out)-1].TimestampMs {
			out = append(out, r)
		}
	}
	return out
}
