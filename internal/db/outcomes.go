package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wesm/readcache/internal/meta"
)

// Summary aggregates recorded reads.
type Summary struct {
	Reads       int
	ByMode      map[meta.Mode]int
	FileBytes   int64
	BytesServed int64
	// BytesSaved is file bytes minus output bytes over reads that
	// answered with a marker or a diff.
	BytesSaved int64
}

// Record stores one served read. outputBytes is what the model
// received: the marker or diff text, or the file bytes when the
// content was served in full.
func (db *DB) Record(
	ctx context.Context, sessionID string,
	ev meta.ReadOutcome, outputBytes int,
) error {
	var base, reason sql.NullString
	if ev.BaseHash != "" {
		base = sql.NullString{String: ev.BaseHash, Valid: true}
	}
	if r, ok := ev.Debug["reason"].(string); ok {
		reason = sql.NullString{String: r, Valid: true}
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.writer.ExecContext(ctx, `
		INSERT INTO read_outcomes (
			session_id, path, scope, mode, served_hash,
			base_hash, total_lines, file_bytes, output_bytes,
			reason, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, ev.PathKey, string(ev.ScopeKey), string(ev.Mode),
		ev.ServedHash, base, ev.TotalLines, ev.Bytes, outputBytes,
		reason, db.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("recording read outcome: %w", err)
	}
	return nil
}

// Summary aggregates the reads of sessionID, or of every session
// when sessionID is empty.
func (db *DB) Summary(
	ctx context.Context, sessionID string,
) (Summary, error) {
	rows, err := db.reader.QueryContext(ctx, `
		SELECT mode, COUNT(*),
			COALESCE(SUM(file_bytes), 0),
			COALESCE(SUM(output_bytes), 0),
			COALESCE(SUM(
				CASE WHEN mode IN ('unchanged', 'unchanged_range', 'diff')
				THEN MAX(file_bytes - output_bytes, 0) ELSE 0 END
			), 0)
		FROM read_outcomes
		WHERE ? = '' OR session_id = ?
		GROUP BY mode`,
		sessionID, sessionID,
	)
	if err != nil {
		return Summary{}, fmt.Errorf("querying summary: %w", err)
	}
	defer rows.Close()

	s := Summary{ByMode: make(map[meta.Mode]int)}
	for rows.Next() {
		var (
			mode                string
			n                   int
			file, served, saved int64
		)
		if err := rows.Scan(&mode, &n, &file, &served, &saved); err != nil {
			return Summary{}, fmt.Errorf("scanning summary: %w", err)
		}
		s.ByMode[meta.Mode(mode)] = n
		s.Reads += n
		s.FileBytes += file
		s.BytesServed += served
		s.BytesSaved += saved
	}
	return s, rows.Err()
}

// PruneBefore deletes reads recorded before cutoff and returns how
// many were removed.
func (db *DB) PruneBefore(
	ctx context.Context, cutoff time.Time,
) (int64, error) {
	var n int64
	err := db.Update(func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM read_outcomes WHERE created_at < ?",
			cutoff.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("pruning read outcomes: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// CountBefore returns how many reads PruneBefore(cutoff) would
// delete.
func (db *DB) CountBefore(
	ctx context.Context, cutoff time.Time,
) (int64, error) {
	var n int64
	err := db.reader.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM read_outcomes WHERE created_at < ?",
		cutoff.UnixMilli(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting read outcomes: %w", err)
	}
	return n, nil
}
