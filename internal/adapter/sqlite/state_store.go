package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"cyrange/internal/state"
)

var _ state.Store = (*Store)(nil)

const maxUpdateRetries = 3

const stateColumns = `id, host_id, asset_id, container_id, container_name, image_name,
	desired_status, current_status, health_status, sync_status,
	sync_attempts, max_sync_attempts, sync_error, last_sync_at,
	created_at, updated_at, created_by, version`

// SQL renderings of Record.Converged, NeedsReconciliation and IsFailed.
const (
	convergedSQL = `(desired_status = current_status AND desired_status IN ('RUNNING', 'STOPPED', 'PAUSED'))`
	needsSyncSQL = `(NOT ` + convergedSQL + ` AND sync_status <> 'SYNCING' AND sync_attempts < max_sync_attempts)`
	failedSQL    = `(sync_status = 'FAILED' OR sync_attempts >= max_sync_attempts)`
)

func (s *Store) Insert(ctx context.Context, rec state.Record) error {
	rec.Version = 1
	_, err := s.db.ExecContext(ctx, `INSERT INTO container_states (`+stateColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, stateArgs(rec)...)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("insert record %s: %w", rec.ID, state.ErrConflict)
		}
		return fmt.Errorf("insert record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (state.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM container_states WHERE id = ?`, id)
	rec, err := scanState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.Record{}, fmt.Errorf("get record %s: %w", id, state.ErrNotFound)
		}
		return state.Record{}, fmt.Errorf("get record %s: %w", id, err)
	}
	return rec, nil
}

// Update loads the record, applies mutate and writes it back only if no
// other writer bumped the version in between. A version conflict reloads
// and retries; when mutate fails nothing is written and the loaded record
// is returned with mutate's error.
func (s *Store) Update(ctx context.Context, id string, mutate func(*state.Record) error) (state.Record, error) {
	for range maxUpdateRetries {
		loaded, err := s.Get(ctx, id)
		if err != nil {
			return state.Record{}, err
		}
		next := loaded
		if err := mutate(&next); err != nil {
			return loaded, err
		}
		next.ID = loaded.ID
		next.Version = loaded.Version + 1

		res, err := s.db.ExecContext(ctx, `UPDATE container_states SET
	host_id = ?, asset_id = ?, container_id = ?, container_name = ?, image_name = ?,
	desired_status = ?, current_status = ?, health_status = ?, sync_status = ?,
	sync_attempts = ?, max_sync_attempts = ?, sync_error = ?, last_sync_at = ?,
	created_at = ?, updated_at = ?, created_by = ?, version = ?
WHERE id = ? AND version = ?`, append(stateArgs(next)[1:], next.ID, loaded.Version)...)
		if err != nil {
			return state.Record{}, fmt.Errorf("update record %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return state.Record{}, fmt.Errorf("update record %s: %w", id, err)
		}
		if n == 1 {
			return next, nil
		}
	}
	return state.Record{}, fmt.Errorf("update record %s: %w", id, state.ErrConflict)
}

func (s *Store) List(ctx context.Context, f state.Filter) ([]state.Record, error) {
	var (
		where []string
		args  []any
	)
	eq := func(column, value string) {
		if value != "" {
			where = append(where, column+" = ?")
			args = append(args, value)
		}
	}
	eq("host_id", f.HostID)
	eq("asset_id", f.AssetID)
	eq("container_id", f.ContainerID)
	eq("container_name", f.ContainerName)
	eq("created_by", f.CreatedBy)
	if len(f.Sync) > 0 {
		marks := make([]string, len(f.Sync))
		for i, st := range f.Sync {
			marks[i] = "?"
			args = append(args, st.String())
		}
		where = append(where, "sync_status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.NeedsReconciliation {
		where = append(where, needsSyncSQL)
	}
	if f.Failed {
		where = append(where, failedSQL)
	}
	if !f.SyncingBefore.IsZero() {
		where = append(where, "sync_status = 'SYNCING' AND last_sync_at < ?")
		args = append(args, formatTime(f.SyncingBefore))
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, formatTime(f.UpdatedBefore))
	}
	if !f.CreatedFrom.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(f.CreatedFrom))
	}
	if !f.CreatedTo.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, formatTime(f.CreatedTo))
	}

	query := `SELECT ` + stateColumns + ` FROM container_states`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	out := make([]state.Record, 0)
	for rows.Next() {
		rec, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record rows: %w", err)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM container_states WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("delete record %s: %w", id, state.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteSyncedBefore(ctx context.Context, threshold time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM container_states WHERE sync_status = 'SYNCED' AND updated_at < ?`,
		formatTime(threshold))
	if err != nil {
		return 0, fmt.Errorf("delete synced records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete synced records: %w", err)
	}
	return int(n), nil
}

func (s *Store) Stats(ctx context.Context) (state.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sync_status, health_status, COUNT(*),
	SUM(CASE WHEN `+needsSyncSQL+` THEN 1 ELSE 0 END),
	SUM(CASE WHEN `+failedSQL+` THEN 1 ELSE 0 END)
FROM container_states
GROUP BY sync_status, health_status`)
	if err != nil {
		return state.Stats{}, fmt.Errorf("query record statistics: %w", err)
	}
	defer rows.Close()

	st := state.Stats{
		BySync:   make(map[state.SyncStatus]int),
		ByHealth: make(map[state.HealthStatus]int),
	}
	for rows.Next() {
		var syncRaw, healthRaw string
		var count, needing, failed int
		if err := rows.Scan(&syncRaw, &healthRaw, &count, &needing, &failed); err != nil {
			return state.Stats{}, fmt.Errorf("scan statistics row: %w", err)
		}
		sync, err := state.ParseSyncStatus(syncRaw)
		if err != nil {
			return state.Stats{}, fmt.Errorf("decode sync_status: %w", err)
		}
		health, err := state.ParseHealthStatus(healthRaw)
		if err != nil {
			return state.Stats{}, fmt.Errorf("decode health_status: %w", err)
		}
		st.Total += count
		st.BySync[sync] += count
		st.ByHealth[health] += count
		st.NeedingReconciliation += needing
		st.Failed += failed
	}
	if err := rows.Err(); err != nil {
		return state.Stats{}, fmt.Errorf("iterate statistics rows: %w", err)
	}
	return st, nil
}

func stateArgs(r state.Record) []any {
	return []any{
		r.ID,
		strings.TrimSpace(r.HostID),
		strings.TrimSpace(r.AssetID),
		strings.TrimSpace(r.ContainerID),
		strings.TrimSpace(r.ContainerName),
		strings.TrimSpace(r.ImageName),
		r.Desired.String(),
		r.Current.String(),
		r.Health.String(),
		r.Sync.String(),
		r.SyncAttempts,
		r.MaxSyncAttempts,
		r.SyncError,
		formatTime(r.LastSyncAt),
		formatTime(r.CreatedAt),
		formatTime(r.UpdatedAt),
		r.CreatedBy,
		r.Version,
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanState(row scanner) (state.Record, error) {
	var (
		rec                              state.Record
		desired, current, health, sync   string
		lastSyncAt, createdAt, updatedAt string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.HostID,
		&rec.AssetID,
		&rec.ContainerID,
		&rec.ContainerName,
		&rec.ImageName,
		&desired,
		&current,
		&health,
		&sync,
		&rec.SyncAttempts,
		&rec.MaxSyncAttempts,
		&rec.SyncError,
		&lastSyncAt,
		&createdAt,
		&updatedAt,
		&rec.CreatedBy,
		&rec.Version,
	); err != nil {
		return state.Record{}, err
	}

	var err error
	if rec.Desired, err = state.ParseDesiredStatus(desired); err != nil {
		return state.Record{}, fmt.Errorf("decode desired_status of %s: %w", rec.ID, err)
	}
	if rec.Current, err = state.ParseCurrentStatus(current); err != nil {
		return state.Record{}, fmt.Errorf("decode current_status of %s: %w", rec.ID, err)
	}
	if rec.Health, err = state.ParseHealthStatus(health); err != nil {
		return state.Record{}, fmt.Errorf("decode health_status of %s: %w", rec.ID, err)
	}
	if rec.Sync, err = state.ParseSyncStatus(sync); err != nil {
		return state.Record{}, fmt.Errorf("decode sync_status of %s: %w", rec.ID, err)
	}
	if rec.LastSyncAt, err = parseTime(lastSyncAt, "last_sync_at"); err != nil {
		return state.Record{}, err
	}
	if rec.CreatedAt, err = parseTime(createdAt, "created_at"); err != nil {
		return state.Record{}, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt, "updated_at"); err != nil {
		return state.Record{}, err
	}
	return rec, nil
}

func isConstraintError(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY")
}
