// Package journal records launches and their state transitions in a local
// SQLite database so operators can inspect recent runtime activity.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.jetify.com/typeid"
	_ "modernc.org/sqlite"
)

// Record is one launch.
type Record struct {
	ID        string
	AppID     string
	VersionID string
	State     string
	Port      int
	Failure   string
	StartedAt time.Time
	UpdatedAt time.Time
}

type Journal struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Open creates the database and its parent directory if needed.
func Open(ctx context.Context, path string) (*Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("journal path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	j := &Journal{path: path, now: time.Now}
	if err := j.initDB(ctx); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) Path() string {
	return j.path
}

// Start inserts a new launch in the given state and returns its id.
func (j *Journal) Start(ctx context.Context, appID, versionID, state string) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	id, err := generateTypeID("launch")
	if err != nil {
		return "", fmt.Errorf("generate launch id: %w", err)
	}
	db, err := j.open()
	if err != nil {
		return "", err
	}
	defer db.Close()

	now := j.now().UTC().UnixMilli()
	_, err = db.ExecContext(ctx, `
		INSERT INTO launches (
			id,
			app_id,
			version_id,
			state,
			port,
			failure,
			started_at_unix_ms,
			updated_at_unix_ms
		) VALUES (?, ?, ?, ?, 0, '', ?, ?)
	`, id, appID, versionID, state, now, now)
	if err != nil {
		return "", fmt.Errorf("insert launch %s: %w", id, err)
	}
	return id, nil
}

// Transition updates a launch's state. A non-zero port and non-empty failure
// are recorded; zero values leave the stored ones unchanged.
func (j *Journal) Transition(ctx context.Context, id, state string, port int, failure string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	db, err := j.open()
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := db.ExecContext(ctx, `
		UPDATE launches SET
			state = ?,
			port = CASE WHEN ? > 0 THEN ? ELSE port END,
			failure = CASE WHEN ? != '' THEN ? ELSE failure END,
			updated_at_unix_ms = ?
		WHERE id = ?
	`, state, port, port, failure, failure, j.now().UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update launch %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update launch %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("launch %s not found", id)
	}
	return nil
}

// List returns the most recent launches first. A non-positive limit returns
// every launch.
func (j *Journal) List(ctx context.Context, limit int) ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	db, err := j.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT
			id,
			app_id,
			version_id,
			state,
			port,
			failure,
			started_at_unix_ms,
			updated_at_unix_ms
		FROM launches
		ORDER BY started_at_unix_ms DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query launches: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0)
	for rows.Next() {
		var (
			record    Record
			startedAt int64
			updatedAt int64
		)
		if err := rows.Scan(
			&record.ID,
			&record.AppID,
			&record.VersionID,
			&record.State,
			&record.Port,
			&record.Failure,
			&startedAt,
			&updatedAt,
		); err != nil {
			return nil, err
		}
		record.StartedAt = time.UnixMilli(startedAt).UTC()
		record.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		items = append(items, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate launches: %w", err)
	}
	return items, nil
}

func (j *Journal) open() (*sql.DB, error) {
	db, err := sql.Open("sqlite", j.path)
	if err != nil {
		return nil, fmt.Errorf("open launch journal database %q: %w", j.path, err)
	}
	return db, nil
}

func (j *Journal) initDB(ctx context.Context) error {
	db, err := j.open()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS launches (
			id TEXT PRIMARY KEY,
			app_id TEXT NOT NULL,
			version_id TEXT NOT NULL,
			state TEXT NOT NULL,
			port INTEGER NOT NULL,
			failure TEXT NOT NULL,
			started_at_unix_ms INTEGER NOT NULL,
			updated_at_unix_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_launches_app ON launches(app_id);
	`)
	if err != nil {
		return fmt.Errorf("initialise launch journal schema: %w", err)
	}
	return nil
}
