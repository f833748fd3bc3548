// Package snapshot provides SQLite-based append-only snapshots of every live
// conversation instance. The database is opened lazily and created on first use.
// If opening the DB or executing queries fails, the store falls back to memory.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"

	"github.com/comigor/llmrelay/internal/history"
	"github.com/comigor/llmrelay/internal/logger"
)

// Entry is the persisted state of one instance.
type Entry struct {
	InstanceID  string            `json:"instance_id"`
	Scope       string            `json:"scope"`
	SessionID   string            `json:"session_id"`
	Model       string            `json:"model"`
	Temperature float64           `json:"temperature"`
	MaxMessages int               `json:"max_messages"`
	MaxTokens   int               `json:"max_tokens"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Messages    []history.Message `json:"messages"`
}

// Snapshot is one committed set of entries.
type Snapshot struct {
	ID      string    `json:"id"`
	TakenAt time.Time `json:"taken_at"`
	Entries []Entry   `json:"entries"`
}

// Conversations returns the messages of every entry keyed by instance id.
func (s Snapshot) Conversations() map[string][]history.Message {
	out := make(map[string][]history.Message, len(s.Entries))
	for _, e := range s.Entries {
		out[e.InstanceID] = history.CloneAll(e.Messages)
	}
	return out
}

// Store appends snapshots to sqlite, keeping an in-memory copy as fallback.
type Store struct {
	path string
	now  func() time.Time
	log  *slog.Logger

	dbOnce  sync.Once
	db      *sql.DB
	initErr error

	mu  sync.Mutex
	mem []Snapshot
}

// NewStore returns a store for the database at path. An empty path keeps
// snapshots in memory only.
func NewStore(path string, log *slog.Logger) *Store {
	return &Store{path: path, now: time.Now, log: logger.Component(log, "snapshot")}
}

// initDB lazily opens the database and creates the table if it doesn't exist.
func (s *Store) initDB() {
	if s.path == "" {
		s.initErr = fmt.Errorf("no snapshot path configured")
		return
	}
	db, err := sql.Open("sqlite", "file:"+s.path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		s.initErr = err
		s.log.Warn("sqlite open failed; using in-memory snapshots", "error", err)
		return
	}
	db.SetMaxOpenConns(1)
	if _, err = db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		taken_at TEXT NOT NULL,
		body TEXT NOT NULL
	);`); err != nil {
		s.initErr = err
		db.Close()
		s.log.Warn("sqlite table creation failed; using in-memory snapshots", "error", err)
		return
	}
	s.db = db
	s.log.Info("sqlite snapshot DB initialized", "path", s.path)
}

func (s *Store) usable() bool {
	s.dbOnce.Do(s.initDB)
	return s.initErr == nil && s.db != nil
}

// Commit appends a snapshot of entries. The in-memory copy is always kept,
// so a sqlite failure is reported but never loses the snapshot for this process.
func (s *Store) Commit(ctx context.Context, entries []Entry) (Snapshot, error) {
	snap := Snapshot{ID: uuid.NewString(), TakenAt: s.now().UTC(), Entries: entries}

	s.mu.Lock()
	s.mem = append(s.mem, snap)
	s.mu.Unlock()

	if !s.usable() {
		return snap, nil
	}
	body, err := json.Marshal(snap.Entries)
	if err != nil {
		return snap, fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO snapshots (id, taken_at, body) VALUES (?,?,?);`,
		snap.ID, snap.TakenAt.Format(time.RFC3339Nano), string(body))
	if err != nil {
		s.log.Error("failed to store snapshot in sqlite; kept in memory", "error", err)
		return snap, fmt.Errorf("store snapshot: %w", err)
	}
	s.log.Debug("snapshot committed", "snapshot_id", snap.ID, "entries", len(entries))
	return snap, nil
}

// Latest returns the most recent snapshot.
func (s *Store) Latest(ctx context.Context) (Snapshot, bool, error) {
	if s.usable() {
		var (
			snap    Snapshot
			takenAt string
			body    string
		)
		err := s.db.QueryRowContext(ctx, `SELECT id, taken_at, body FROM snapshots ORDER BY seq DESC LIMIT 1;`).
			Scan(&snap.ID, &takenAt, &body)
		switch {
		case err == sql.ErrNoRows:
			return Snapshot{}, false, nil
		case err == nil:
			if snap.TakenAt, err = time.Parse(time.RFC3339Nano, takenAt); err != nil {
				return Snapshot{}, false, fmt.Errorf("decode snapshot time: %w", err)
			}
			if err := json.Unmarshal([]byte(body), &snap.Entries); err != nil {
				return Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
			}
			return snap, true, nil
		default:
			s.log.Warn("sqlite read failed; using in-memory snapshots", "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.mem) == 0 {
		return Snapshot{}, false, nil
	}
	return s.mem[len(s.mem)-1], true, nil
}

// Count returns how many snapshots the database holds.
func (s *Store) Count(ctx context.Context) (int, error) {
	if !s.usable() {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.mem), nil
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots;`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Close releases the database handle if one was opened.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
