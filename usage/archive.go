package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"encore.dev/storage/sqldb"

	"encore.app/pkg/models"
)

// ArchiveRow is one persisted per-collection usage record.
type ArchiveRow struct {
	ID          int64     `json:"id"`
	Collection  string    `json:"collection"`
	Reads       int64     `json:"reads"`
	Writes      int64     `json:"writes"`
	Deletes     int64     `json:"deletes"`
	CachedReads int64     `json:"cached_reads"`
	SnapshotAt  time.Time `json:"snapshot_at"`
	RequestID   string    `json:"request_id"`
}

// Archiver persists usage snapshots to Postgres so consumption history
// survives process restarts (the in-memory tracker does not).
//
// Design decisions:
// - Append-only rows, one per collection per flush, for cheap time-range sums
// - Deltas are computed by the flusher, not here; rows store window usage
// - Indexed by snapshot time for the dashboard's recent-history queries
type Archiver struct {
	db *sqldb.Database
}

// NewArchiver creates an archiver and ensures its schema exists.
func NewArchiver(db *sqldb.Database) (*Archiver, error) {
	a := &Archiver{db: db}
	if err := a.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize usage archive schema: %w", err)
	}
	return a, nil
}

func (a *Archiver) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS usage_archive (
			id BIGSERIAL PRIMARY KEY,
			collection TEXT NOT NULL,
			reads BIGINT NOT NULL DEFAULT 0,
			writes BIGINT NOT NULL DEFAULT 0,
			deletes BIGINT NOT NULL DEFAULT 0,
			cached_reads BIGINT NOT NULL DEFAULT 0,
			snapshot_at TIMESTAMPTZ NOT NULL,
			request_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_usage_archive_snapshot_at
		ON usage_archive(snapshot_at DESC);

		CREATE INDEX IF NOT EXISTS idx_usage_archive_collection
		ON usage_archive(collection);
	`

	_, err := a.db.Exec(ctx, query)
	return err
}

// Flush persists one snapshot, writing a row per collection with non-zero
// counters. Returns the number of rows written.
func (a *Archiver) Flush(ctx context.Context, snapshot models.UsageSnapshot, requestID string) (int, error) {
	query := `
		INSERT INTO usage_archive
		(collection, reads, writes, deletes, cached_reads, snapshot_at, request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	written := 0
	for name, counts := range snapshot.Collections {
		if counts.IsZero() {
			continue
		}
		_, err := a.db.Exec(ctx, query,
			name,
			counts.Reads,
			counts.Writes,
			counts.Deletes,
			counts.CachedReads,
			snapshot.Timestamp,
			requestID,
		)
		if err != nil {
			return written, fmt.Errorf("failed to archive usage for %s: %w", name, err)
		}
		written++
	}
	return written, nil
}

// GetRecent retrieves recent archive rows with pagination, optionally
// filtered to one collection.
func (a *Archiver) GetRecent(ctx context.Context, limit, offset int, collection string) ([]ArchiveRow, error) {
	var query string
	var args []interface{}

	if collection != "" {
		query = `
			SELECT id, collection, reads, writes, deletes, cached_reads, snapshot_at, request_id
			FROM usage_archive
			WHERE collection = $1
			ORDER BY snapshot_at DESC
			LIMIT $2 OFFSET $3
		`
		args = []interface{}{collection, limit, offset}
	} else {
		query = `
			SELECT id, collection, reads, writes, deletes, cached_reads, snapshot_at, request_id
			FROM usage_archive
			ORDER BY snapshot_at DESC
			LIMIT $1 OFFSET $2
		`
		args = []interface{}{limit, offset}
	}

	rows, err := a.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage archive: %w", err)
	}
	defer rows.Close()

	result := make([]ArchiveRow, 0, limit)
	for rows.Next() {
		var row ArchiveRow
		err := rows.Scan(
			&row.ID,
			&row.Collection,
			&row.Reads,
			&row.Writes,
			&row.Deletes,
			&row.CachedReads,
			&row.SnapshotAt,
			&row.RequestID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archive row: %w", err)
		}
		result = append(result, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage archive: %w", err)
	}

	return result, nil
}

// TotalsSince sums archived usage per collection from the given time.
func (a *Archiver) TotalsSince(ctx context.Context, since time.Time) (map[string]models.UsageCounts, error) {
	query := `
		SELECT collection,
			COALESCE(SUM(reads), 0),
			COALESCE(SUM(writes), 0),
			COALESCE(SUM(deletes), 0),
			COALESCE(SUM(cached_reads), 0)
		FROM usage_archive
		WHERE snapshot_at >= $1
		GROUP BY collection
	`

	rows, err := a.db.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to sum usage archive: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]models.UsageCounts)
	for rows.Next() {
		var name string
		var counts models.UsageCounts
		if err := rows.Scan(&name, &counts.Reads, &counts.Writes, &counts.Deletes, &counts.CachedReads); err != nil {
			return nil, fmt.Errorf("failed to scan archive totals: %w", err)
		}
		totals[name] = counts
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating archive totals: %w", err)
	}

	return totals, nil
}

// LatestSnapshotTime returns the snapshot time of the most recent row, or
// the zero time when the archive is empty.
func (a *Archiver) LatestSnapshotTime(ctx context.Context) (time.Time, error) {
	var latest sql.NullTime
	err := a.db.QueryRow(ctx, `SELECT MAX(snapshot_at) FROM usage_archive`).Scan(&latest)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to read latest snapshot time: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return latest.Time, nil
}

// Cleanup removes archive rows older than the given duration. Run
// periodically to bound table growth.
func (a *Archiver) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	result, err := a.db.Exec(ctx, `DELETE FROM usage_archive WHERE snapshot_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup usage archive: %w", err)
	}
	return result.RowsAffected(), nil
}
