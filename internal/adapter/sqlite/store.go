package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DBFileName is the database file inside the data directory.
const DBFileName = "cyrange.db"

// timeLayout is fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS container_states (
	id TEXT PRIMARY KEY,
	host_id TEXT NOT NULL,
	asset_id TEXT NOT NULL DEFAULT '',
	container_id TEXT NOT NULL DEFAULT '',
	container_name TEXT NOT NULL DEFAULT '',
	image_name TEXT NOT NULL DEFAULT '',
	desired_status TEXT NOT NULL,
	current_status TEXT NOT NULL,
	health_status TEXT NOT NULL,
	sync_status TEXT NOT NULL,
	sync_attempts INTEGER NOT NULL DEFAULT 0,
	max_sync_attempts INTEGER NOT NULL,
	sync_error TEXT NOT NULL DEFAULT '',
	last_sync_at TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	created_by TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_container_states_host ON container_states(host_id);
CREATE INDEX IF NOT EXISTS idx_container_states_asset ON container_states(asset_id);
CREATE INDEX IF NOT EXISTS idx_container_states_sync ON container_states(sync_status);
CREATE INDEX IF NOT EXISTS idx_container_states_container ON container_states(host_id, container_id);

CREATE TABLE IF NOT EXISTS container_discovery_records (
	scope_id TEXT NOT NULL,
	container_id TEXT NOT NULL,
	asset_id TEXT NOT NULL DEFAULT '',
	asset_name TEXT NOT NULL DEFAULT '',
	container_name TEXT NOT NULL DEFAULT '',
	image TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	ports TEXT NOT NULL DEFAULT '',
	labels TEXT NOT NULL DEFAULT '',
	discovered_at TEXT NOT NULL,
	last_seen_at TEXT NOT NULL,
	PRIMARY KEY(scope_id, container_id)
);
CREATE INDEX IF NOT EXISTS idx_discovery_records_asset ON container_discovery_records(asset_id);`

// Store persists state records and discovery records in one SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize state schema: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenDir opens the database file inside dataDir.
func OpenDir(dataDir string) (*Store, error) {
	return Open(filepath.Join(dataDir, DBFileName))
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Discovery returns the discovery record repository sharing this database.
func (s *Store) Discovery() *DiscoveryStore {
	return &DiscoveryStore{db: s.db}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(raw, column string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode %s %q: %w", column, raw, err)
	}
	return t, nil
}
