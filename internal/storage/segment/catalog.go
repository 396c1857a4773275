package segment

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// ArchiveRef identifies one sealed archive: a Parquet file and the time
// range it covers. Archives of a group are time-disjoint; the catalog
// keeps them ordered by min_ts.
type ArchiveRef struct {
	ID        int64
	GroupID   string
	Path      string
	MinTs     int64
	MaxTs     int64
	Rows      int64
	CreatedMs int64
	Offloaded bool
}

// Catalog is the SQLite index of sealed archives. It is the engine's
// source of truth for which files cover which time ranges and for the
// per-group pruned-before watermark.
type Catalog struct {
	db *sql.DB
}

const catalogSchema = `
CREATE TABLE IF NOT EXISTS archives (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	group_id    TEXT    NOT NULL,
	path        TEXT    NOT NULL UNIQUE,
	min_ts      INTEGER NOT NULL,
	max_ts      INTEGER NOT NULL,
	rows        INTEGER NOT NULL,
	created_ms  INTEGER NOT NULL,
	offloaded   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_archives_group_range ON archives(group_id, min_ts, max_ts);

CREATE TABLE IF NOT EXISTS groups (
	group_id         TEXT PRIMARY KEY,
	pruned_before_ms INTEGER NOT NULL DEFAULT 0
);
`

// OpenCatalog opens (creating if necessary) the catalog database at path.
func OpenCatalog(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	// SQLite allows one writer; the engine serializes writes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(catalogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init catalog schema: %w", err)
	}

	return &Catalog{db: db}, nil
}

// Close closes the catalog database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Register records a freshly sealed archive and returns its id.
func (c *Catalog) Register(ctx context.Context, ref ArchiveRef) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO archives (group_id, path, min_ts, max_ts, rows, created_ms, offloaded)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		ref.GroupID, ref.Path, ref.MinTs, ref.MaxTs, ref.Rows, ref.CreatedMs)
	if err != nil {
		return 0, fmt.Errorf("register archive: %w", err)
	}
	return res.LastInsertId()
}

// Remove deletes an archive row.
func (c *Catalog) Remove(ctx context.Context, id int64) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM archives WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove archive %d: %w", id, err)
	}
	return nil
}

// MarkOffloaded flags an archive as having an off-site copy.
func (c *Catalog) MarkOffloaded(ctx context.Context, id int64) error {
	_, err := c.db.ExecContext(ctx, `UPDATE archives SET offloaded = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark offloaded %d: %w", id, err)
	}
	return nil
}

// Intersecting returns the group's archives overlapping [fromMs, toMs],
// ordered by covering range.
func (c *Catalog) Intersecting(ctx context.Context, groupID string, fromMs, toMs int64) ([]ArchiveRef, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, group_id, path, min_ts, max_ts, rows, created_ms, offloaded
		 FROM archives
		 WHERE group_id = ? AND max_ts >= ? AND min_ts <= ?
		 ORDER BY min_ts`,
		groupID, fromMs, toMs)
	if err != nil {
		return nil, fmt.Errorf("select intersecting archives: %w", err)
	}
	defer rows.Close()

	return scanRefs(rows)
}

// OlderThan returns the group's archives lying entirely before cutoffMs,
// oldest first.
func (c *Catalog) OlderThan(ctx context.Context, groupID string, cutoffMs int64) ([]ArchiveRef, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, group_id, path, min_ts, max_ts, rows, created_ms, offloaded
		 FROM archives
		 WHERE group_id = ? AND max_ts < ?
		 ORDER BY min_ts`,
		groupID, cutoffMs)
	if err != nil {
		return nil, fmt.Errorf("select prunable archives: %w", err)
	}
	defer rows.Close()

	return scanRefs(rows)
}

// NewestFirst returns up to limit archives of a group whose max_ts falls
// below beforeTs, newest first. Callers page backwards by passing the
// last returned max_ts as the next cursor. Used when recovering a tag's
// latest record from sealed data.
func (c *Catalog) NewestFirst(ctx context.Context, groupID string, beforeTs int64, limit int) ([]ArchiveRef, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, group_id, path, min_ts, max_ts, rows, created_ms, offloaded
		 FROM archives
		 WHERE group_id = ? AND max_ts < ?
		 ORDER BY max_ts DESC
		 LIMIT ?`,
		groupID, beforeTs, limit)
	if err != nil {
		return nil, fmt.Errorf("select newest archives: %w", err)
	}
	defer rows.Close()

	return scanRefs(rows)
}

// NotOffloaded returns the group's archives without an off-site copy.
func (c *Catalog) NotOffloaded(ctx context.Context, groupID string) ([]ArchiveRef, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, group_id, path, min_ts, max_ts, rows, created_ms, offloaded
		 FROM archives
		 WHERE group_id = ? AND offloaded = 0
		 ORDER BY min_ts`,
		groupID)
	if err != nil {
		return nil, fmt.Errorf("select pending offloads: %w", err)
	}
	defer rows.Close()

	return scanRefs(rows)
}

// PrunedBefore reads the group's watermark: every record older than this
// has been deleted by retention.
func (c *Catalog) PrunedBefore(ctx context.Context, groupID string) (int64, error) {
	var ms int64
	err := c.db.QueryRowContext(ctx,
		`SELECT pruned_before_ms FROM groups WHERE group_id = ?`, groupID).Scan(&ms)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read pruned watermark: %w", err)
	}
	return ms, nil
}

// AdvancePrunedBefore raises the group's watermark. It never moves
// backwards.
func (c *Catalog) AdvancePrunedBefore(ctx context.Context, groupID string, cutoffMs int64) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO groups (group_id, pruned_before_ms) VALUES (?, ?)
		 ON CONFLICT(group_id) DO UPDATE SET pruned_before_ms = MAX(pruned_before_ms, excluded.pruned_before_ms)`,
		groupID, cutoffMs)
	if err != nil {
		return fmt.Errorf("advance pruned watermark: %w", err)
	}
	return nil
}

func scanRefs(rows *sql.Rows) ([]ArchiveRef, error) {
	var refs []ArchiveRef
	for rows.Next() {
		var ref ArchiveRef
		var offloaded int
		if err := rows.Scan(&ref.ID, &ref.GroupID, &ref.Path, &ref.MinTs, &ref.MaxTs,
			&ref.Rows, &ref.CreatedMs, &offloaded); err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}
		ref.Offloaded = offloaded != 0
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
