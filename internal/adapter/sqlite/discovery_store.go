package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"cyrange/internal/discovery"
)

var _ discovery.Store = (*DiscoveryStore)(nil)

// DiscoveryStore persists the per-scope container inventory.
type DiscoveryStore struct {
	db *sql.DB
}

func (s *DiscoveryStore) ListScope(ctx context.Context, scopeID string) ([]discovery.Record, error) {
	scopeID = strings.TrimSpace(scopeID)
	if scopeID == "" {
		return nil, discovery.ErrScopeRequired
	}
	rows, err := s.db.QueryContext(ctx, `SELECT scope_id, container_id, asset_id, asset_name, container_name,
	image, status, ports, labels, discovered_at, last_seen_at
FROM container_discovery_records
WHERE scope_id = ?
ORDER BY container_id`, scopeID)
	if err != nil {
		return nil, fmt.Errorf("query discovery records for scope %q: %w", scopeID, err)
	}
	defer rows.Close()

	out := make([]discovery.Record, 0)
	for rows.Next() {
		var rec discovery.Record
		var discoveredAt, lastSeenAt string
		if err := rows.Scan(
			&rec.ScopeID,
			&rec.ContainerID,
			&rec.AssetID,
			&rec.AssetName,
			&rec.ContainerName,
			&rec.Image,
			&rec.Status,
			&rec.Ports,
			&rec.Labels,
			&discoveredAt,
			&lastSeenAt,
		); err != nil {
			return nil, fmt.Errorf("scan discovery record row: %w", err)
		}
		if rec.DiscoveredAt, err = parseTime(discoveredAt, "discovered_at"); err != nil {
			return nil, err
		}
		if rec.LastSeenAt, err = parseTime(lastSeenAt, "last_seen_at"); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate discovery records: %w", err)
	}
	return out, nil
}

// ApplyScopeChanges writes one diff in a single transaction so the stored
// inventory never holds half a probe.
func (s *DiscoveryStore) ApplyScopeChanges(ctx context.Context, scopeID string, ch discovery.Changes) error {
	scopeID = strings.TrimSpace(scopeID)
	if scopeID == "" {
		return discovery.ErrScopeRequired
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin discovery transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	del, err := tx.PrepareContext(ctx, `DELETE FROM container_discovery_records WHERE scope_id = ? AND container_id = ?`)
	if err != nil {
		return fmt.Errorf("prepare discovery delete: %w", err)
	}
	defer del.Close()

	upsert, err := tx.PrepareContext(ctx, `
INSERT INTO container_discovery_records (
	scope_id,
	container_id,
	asset_id,
	asset_name,
	container_name,
	image,
	status,
	ports,
	labels,
	discovered_at,
	last_seen_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(scope_id, container_id) DO UPDATE SET
	asset_id = excluded.asset_id,
	asset_name = excluded.asset_name,
	container_name = excluded.container_name,
	image = excluded.image,
	status = excluded.status,
	ports = excluded.ports,
	labels = excluded.labels,
	last_seen_at = excluded.last_seen_at`)
	if err != nil {
		return fmt.Errorf("prepare discovery upsert: %w", err)
	}
	defer upsert.Close()

	for _, rec := range ch.Removed {
		if _, err := del.ExecContext(ctx, scopeID, rec.ContainerID); err != nil {
			return fmt.Errorf("delete discovery record %q: %w", rec.ContainerID, err)
		}
	}
	for _, group := range [][]discovery.Record{ch.Added, ch.Updated, ch.Refreshed} {
		for _, rec := range group {
			if _, err := upsert.ExecContext(
				ctx,
				scopeID,
				rec.ContainerID,
				rec.AssetID,
				rec.AssetName,
				rec.ContainerName,
				rec.Image,
				rec.Status,
				rec.Ports,
				rec.Labels,
				formatTime(rec.DiscoveredAt),
				formatTime(rec.LastSeenAt),
			); err != nil {
				return fmt.Errorf("upsert discovery record %q: %w", rec.ContainerID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit discovery transaction: %w", err)
	}
	return nil
}

// ListAll returns every stored discovery record ordered by scope and
// container id.
func (s *DiscoveryStore) ListAll(ctx context.Context) ([]discovery.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT scope_id FROM container_discovery_records ORDER BY scope_id`)
	if err != nil {
		return nil, fmt.Errorf("query discovery scopes: %w", err)
	}
	var scopes []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan discovery scope: %w", err)
		}
		scopes = append(scopes, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate discovery scopes: %w", err)
	}

	var out []discovery.Record
	for _, id := range scopes {
		recs, err := s.ListScope(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}
