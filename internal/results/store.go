package results

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/saveenergy/losstest/internal/logging"
	"github.com/saveenergy/losstest/pkg/types"
)

const (
	retentionDays     = 90
	cleanupInterval   = 1 * time.Hour
	DefaultMaxResults = 1000
	DBFileName        = "history.db"
)

// Entry is one stored run. Report holds the full document; the other fields
// are indexed copies used for listing.
type Entry struct {
	ID          string        `json:"id"`
	Target      string        `json:"target"`
	Protocol    string        `json:"protocol"`
	Status      string        `json:"status"`
	Sent        int64         `json:"sent"`
	Received    int64         `json:"received"`
	LossPercent float64       `json:"loss_percent"`
	AvgRTTMs    float64       `json:"avg_rtt_ms"`
	CreatedAt   time.Time     `json:"created_at"`
	Report      *types.Report `json:"report,omitempty"`
}

// Store keeps run history in SQLite.
type Store struct {
	db         *sql.DB
	maxResults int
	stopCh     chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// DefaultDataDir is $LOSSTEST_DATA_DIR, else $XDG_DATA_HOME/losstest, else
// ~/.local/share/losstest.
func DefaultDataDir() string {
	if dir := os.Getenv("LOSSTEST_DATA_DIR"); dir != "" {
		return dir
	}
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "losstest")
}

// Open creates dataDir if needed and opens its history database.
func Open(dataDir string, maxResults int) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return New(filepath.Join(dataDir, DBFileName), maxResults)
}

func New(dbPath string, maxResults int) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(3)
	db.SetMaxIdleConns(2)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// modernc.org/sqlite requires explicit PRAGMAs (not query-string params)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &Store{
		db:         db,
		maxResults: maxResults,
		stopCh:     make(chan struct{}),
	}

	s.cleanup()

	s.wg.Add(1)
	go s.cleanupLoop()

	return s, nil
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		if err := s.db.Close(); err != nil {
			logging.Warn("results store: close failed", logging.Field{Key: "error", Value: err})
		}
	})
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		target TEXT NOT NULL,
		protocol TEXT NOT NULL,
		status TEXT NOT NULL,
		sent INTEGER NOT NULL,
		received INTEGER NOT NULL,
		loss_percent REAL NOT NULL,
		avg_rtt_ms REAL NOT NULL,
		report TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`)
	return err
}

// Save stores r, assigning a fresh ID when it has none, and returns the ID.
func (s *Store) Save(r *types.Report) (string, error) {
	if r == nil {
		return "", errors.New("nil report")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	} else if _, err := uuid.Parse(r.ID); err != nil {
		return "", fmt.Errorf("invalid report id %q: %w", r.ID, err)
	}

	doc, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}

	created := r.EndTime
	if created.IsZero() {
		created = time.Now()
	}
	target := fmt.Sprintf("%s:%d", r.Config.Host, r.Config.Port)

	_, err = s.db.Exec(
		`INSERT INTO runs (id, target, protocol, status, sent, received,
			loss_percent, avg_rtt_ms, report, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, target, string(r.Config.Protocol), string(r.Status),
		r.Summary.Sent, r.Summary.Received, r.Summary.LossPercent, r.Summary.RTT.AvgMs,
		string(doc), created.UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return r.ID, nil
}

// Get returns the entry with its full report, or nil if id is unknown.
func (s *Store) Get(id string) (*Entry, error) {
	var e Entry
	var doc string
	err := s.db.QueryRow(
		`SELECT id, target, protocol, status, sent, received, loss_percent,
			avg_rtt_ms, report, created_at
		FROM runs WHERE id = ?`, id,
	).Scan(&e.ID, &e.Target, &e.Protocol, &e.Status, &e.Sent, &e.Received,
		&e.LossPercent, &e.AvgRTTMs, &doc, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}

	var report types.Report
	if err := json.Unmarshal([]byte(doc), &report); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", id, err)
	}
	e.Report = &report
	return &e, nil
}

// List returns up to limit entries, newest first, without full reports.
func (s *Store) List(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, target, protocol, status, sent, received, loss_percent,
			avg_rtt_ms, created_at
		FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Target, &e.Protocol, &e.Status, &e.Sent,
			&e.Received, &e.LossPercent, &e.AvgRTTMs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) cleanup() {
	cutoff := time.Now().UTC().Add(-retentionDays * 24 * time.Hour)
	res, err := s.db.Exec(`DELETE FROM runs WHERE created_at < ?`, cutoff)
	if err != nil {
		logging.Warn("results cleanup (age) failed", logging.Field{Key: "error", Value: err})
	} else if n, _ := res.RowsAffected(); n > 0 {
		logging.Info("results cleanup: removed expired",
			logging.Field{Key: "count", Value: n})
	}

	// Trim to max count, keeping newest
	if s.maxResults > 0 {
		res, err = s.db.Exec(
			`DELETE FROM runs WHERE id NOT IN (
				SELECT id FROM runs ORDER BY created_at DESC LIMIT ?
			)`, s.maxResults)
		if err != nil {
			logging.Warn("results cleanup (count) failed", logging.Field{Key: "error", Value: err})
		} else if n, _ := res.RowsAffected(); n > 0 {
			logging.Info("results cleanup: trimmed to max",
				logging.Field{Key: "removed", Value: n},
				logging.Field{Key: "max", Value: s.maxResults})
		}
	}
}

func (s *Store) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// Report implements probe.Reporter.
func (s *Store) Report(r *types.Report) error {
	id, err := s.Save(r)
	if err != nil {
		return err
	}
	logging.Debug("run saved", logging.Field{Key: "id", Value: id})
	return nil
}

// Prune runs retention immediately.
func (s *Store) Prune() { s.cleanup() }
