package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/ppiankov/changegate/internal/keylock"
	"github.com/ppiankov/changegate/internal/metrics"
	"github.com/ppiankov/changegate/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS proposals (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	body       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status);
`

// SQLiteStore keeps proposals in a single SQLite database. The full proposal
// is stored as a JSON body; status and timestamps are duplicated into
// columns for filtering and ordering.
type SQLiteStore struct {
	db    *sql.DB
	path  string
	locks keylock.Map
	log   *zap.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string, log *zap.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	// One writer connection avoids SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL", schema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: initialize schema: %w", err)
		}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SQLiteStore{db: db, path: path, log: log.Named("store")}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Create(ctx context.Context, p *model.Proposal) error {
	rec, err := prepare(p)
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(rec.ID)
	defer unlock()

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", rec.ID, err)
	}

	var one int
	err = s.db.QueryRowContext(ctx, "SELECT 1 FROM proposals WHERE id = ?", rec.ID).Scan(&one)
	switch {
	case err == nil:
		return fmt.Errorf("store: create %s: %w", rec.ID, ErrExists)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("store: create %s: %w", rec.ID, err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO proposals (id, status, created_at, updated_at, body) VALUES (?, ?, ?, ?, ?)",
		rec.ID, string(rec.Status), formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt), string(body),
	)
	if err != nil {
		return fmt.Errorf("store: create %s: %w", rec.ID, err)
	}
	metrics.Transitions.WithLabelValues(string(rec.Status)).Inc()
	s.log.Debug("proposal created", zap.String("id", rec.ID), zap.String("status", string(rec.Status)))
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Proposal, error) {
	if err := validateID(id); err != nil {
		return nil, fmt.Errorf("store: get: %w", err)
	}
	return s.read(ctx, id)
}

func (s *SQLiteStore) Update(ctx context.Context, id string, fn func(*model.Proposal) error) (*model.Proposal, error) {
	if err := validateID(id); err != nil {
		return nil, fmt.Errorf("store: update: %w", err)
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	cur, err := s.read(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := mutate(cur, fn)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("store: encode %s: %w", id, err)
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE proposals SET status = ?, updated_at = ?, body = ? WHERE id = ?",
		string(next.Status), formatTime(next.UpdatedAt), string(body), id,
	)
	if err != nil {
		return nil, fmt.Errorf("store: update %s: %w", id, err)
	}
	return next.Clone(), nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*model.Proposal, error) {
	query := "SELECT body FROM proposals"
	var args []any
	if f.Status != "" {
		query += " WHERE status = ?"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var out []*model.Proposal
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("store: list: %w", err)
		}
		var p model.Proposal
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			s.log.Warn("skipping undecodable proposal row", zap.Error(err))
			continue
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) read(ctx context.Context, id string) (*model.Proposal, error) {
	var body string
	err := s.db.QueryRowContext(ctx, "SELECT body FROM proposals WHERE id = ?", id).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: read %s: %w", id, err)
	}
	var p model.Proposal
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", id, err)
	}
	return &p, nil
}

// formatTime uses a fixed-width layout so lexical order matches time order.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}
