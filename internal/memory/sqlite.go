package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/planwright/internal/compaction"
)

// SQLiteBackend stores records in a single SQLite table. Writes go
// through transactions so version assignment and compaction swaps are
// atomic.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend wraps an open database and creates the schema. The
// caller owns db and closes it.
func NewSQLiteBackend(db *sql.DB) (*SQLiteBackend, error) {
	b := &SQLiteBackend{db: db}
	if err := b.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memory_records (
		user_id     TEXT NOT NULL,
		key         TEXT NOT NULL,
		version     INTEGER NOT NULL,
		payload     TEXT NOT NULL,
		created_at  TEXT NOT NULL,
		summary     INTEGER NOT NULL DEFAULT 0,
		covers_from INTEGER,
		covers_to   INTEGER,
		PRIMARY KEY (user_id, key, version)
	);

	-- Highest version ever assigned per key. Outlives deleted records
	-- so numbering never restarts.
	CREATE TABLE IF NOT EXISTS memory_versions (
		user_id TEXT NOT NULL,
		key     TEXT NOT NULL,
		version INTEGER NOT NULL,
		PRIMARY KEY (user_id, key)
	);
	`
	_, err := b.db.Exec(schema)
	return err
}

// Close is a no-op; the database handle is shared and belongs to the
// caller.
func (b *SQLiteBackend) Close() error {
	return nil
}

// Get returns records with version > since, oldest first.
func (b *SQLiteBackend) Get(ctx context.Context, userID, key string, since int64) ([]Record, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT version, payload, created_at, summary, covers_from, covers_to
		 FROM memory_records
		 WHERE user_id = ? AND key = ? AND version > ?
		 ORDER BY version`,
		userID, key, since,
	)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", userID, key, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r        = Record{UserID: userID, Key: key}
			payload  string
			created  string
			summary  bool
			from, to sql.NullInt64
		)
		if err := rows.Scan(&r.Version, &payload, &created, &summary, &from, &to); err != nil {
			return nil, fmt.Errorf("scan %s/%s: %w", userID, key, err)
		}
		r.Payload = json.RawMessage(payload)
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, created)
		r.Summary = summary
		if from.Valid && to.Valid {
			r.Covers = &compaction.Range{From: from.Int64, To: to.Int64}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Put appends payload at the next version.
func (b *SQLiteBackend) Put(ctx context.Context, userID, key string, payload json.RawMessage, at time.Time) (Record, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var next int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO memory_versions (user_id, key, version)
		 VALUES (?, ?, (SELECT COALESCE(MAX(version), 0) + 1 FROM memory_records WHERE user_id = ? AND key = ?))
		 ON CONFLICT (user_id, key) DO UPDATE SET version = memory_versions.version + 1
		 RETURNING version`,
		userID, key, userID, key,
	).Scan(&next)
	if err != nil {
		return Record{}, fmt.Errorf("next version %s/%s: %w", userID, key, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO memory_records (user_id, key, version, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		userID, key, next, string(payload), at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return Record{}, fmt.Errorf("insert %s/%s v%d: %w", userID, key, next, err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit: %w", err)
	}

	return Record{
		UserID:    userID,
		Key:       key,
		Version:   next,
		Payload:   payload,
		Timestamp: at,
	}, nil
}

// Keys lists the keys holding records for userID.
func (b *SQLiteBackend) Keys(ctx context.Context, userID string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT DISTINCT key FROM memory_records WHERE user_id = ? ORDER BY key`, userID)
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", userID, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key %s: %w", userID, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteRange removes versions from..to inclusive.
func (b *SQLiteBackend) DeleteRange(ctx context.Context, userID, key string, from, to int64) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM memory_records WHERE user_id = ? AND key = ? AND version BETWEEN ? AND ?`,
		userID, key, from, to,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s v%d..v%d: %w", userID, key, from, to, err)
	}
	return nil
}

// Replace overwrites version to with the summary and then deletes
// from..to-1. Both statements share one transaction; the delete is
// never committed without the summary.
func (b *SQLiteBackend) Replace(ctx context.Context, userID, key string, from, to int64, summary json.RawMessage, at time.Time) (Record, error) {
	if from > to {
		return Record{}, fmt.Errorf("replace %s/%s: empty range v%d..v%d", userID, key, from, to)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var coveredFrom sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT covers_from FROM memory_records WHERE user_id = ? AND key = ? AND version = ?`,
		userID, key, from,
	).Scan(&coveredFrom)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Record{}, fmt.Errorf("replace %s/%s: v%d missing", userID, key, from)
	case err != nil:
		return Record{}, fmt.Errorf("replace %s/%s: %w", userID, key, err)
	}
	firstCovered := from
	if coveredFrom.Valid {
		firstCovered = coveredFrom.Int64
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE memory_records
		 SET payload = ?, created_at = ?, summary = 1, covers_from = ?, covers_to = ?
		 WHERE user_id = ? AND key = ? AND version = ?`,
		string(summary), at.UTC().Format(time.RFC3339Nano), firstCovered, to,
		userID, key, to,
	)
	if err != nil {
		return Record{}, fmt.Errorf("write summary %s/%s v%d: %w", userID, key, to, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return Record{}, fmt.Errorf("write summary %s/%s: v%d missing", userID, key, to)
	}

	if from < to {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM memory_records WHERE user_id = ? AND key = ? AND version >= ? AND version < ?`,
			userID, key, from, to,
		)
		if err != nil {
			return Record{}, fmt.Errorf("delete compacted %s/%s: %w", userID, key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit: %w", err)
	}

	return Record{
		UserID:    userID,
		Key:       key,
		Version:   to,
		Payload:   summary,
		Timestamp: at,
		Summary:   true,
		Covers:    &compaction.Range{From: firstCovered, To: to},
	}, nil
}

// Counts reports totals across every user.
func (b *SQLiteBackend) Counts(ctx context.Context) (BackendCounts, error) {
	var c BackendCounts
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT user_id),
		        COUNT(DISTINCT user_id || char(0) || key),
		        COUNT(*),
		        COALESCE(SUM(LENGTH(CAST(payload AS BLOB))), 0)
		 FROM memory_records`,
	).Scan(&c.Users, &c.Keys, &c.Records, &c.Bytes)
	if err != nil {
		return BackendCounts{}, fmt.Errorf("counts: %w", err)
	}
	return c, nil
}
