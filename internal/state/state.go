// Package state provides the durable State Store: directive, tiered
// goals, iteration counter, pause flag, chat queue cursor, memory
// config, and the bounded short-term scratch pad. The director is the
// single writer; the HTTP surface is a many-reader.
package state

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirective seeds a fresh state store with no prior directive.
const DefaultDirective = "Act as a helpful, cautious assistant. Await further instruction."

// shortTermCap is the maximum number of short-term notes retained.
// Oldest notes are evicted first once the cap is reached.
const shortTermCap = 50

// shortTermMaxAge is the absolute age past which a note is dropped
// regardless of cap, checked on every maintenance pass.
const shortTermMaxAge = 48 * time.Hour

// Goals holds the three ordered goal tiers.
type Goals struct {
	ShortTerm []string
	MidTerm   []string
	LongTerm  []string
}

// MemoryConfig holds the tunables exposed at PUT /memory/config.
type MemoryConfig struct {
	RetrievalCount     int     // 1-100
	RelevanceThreshold float64 // 0-1
	DecayFactor        float64 // 0.5-1
	MaxContextTokens   int
}

// DefaultMemoryConfig returns the configuration used on first boot.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		RetrievalCount:     8,
		RelevanceThreshold: 0.6,
		DecayFactor:        0.97,
		MaxContextTokens:   8000,
	}
}

// Note is one entry in the short-term scratch pad.
type Note struct {
	Idx       int64
	Content   string
	CreatedAt time.Time
	Iteration int
}

// Snapshot is the durable state loaded at the start of every iteration.
type Snapshot struct {
	Directive    string
	Goals        Goals
	Iteration    int
	Paused       bool
	ChatCursor   string
	MemoryConfig MemoryConfig
}

// Store is the SQLite-backed State Store. All public methods are safe
// for concurrent use.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens (creating if necessary) the state database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state schema: %w", err)
	}
	if err := s.seed(); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed state row: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS state (
		id                    INTEGER PRIMARY KEY CHECK (id = 1),
		directive             TEXT NOT NULL,
		short_term_goals      TEXT NOT NULL DEFAULT '[]',
		mid_term_goals        TEXT NOT NULL DEFAULT '[]',
		long_term_goals       TEXT NOT NULL DEFAULT '[]',
		iteration             INTEGER NOT NULL DEFAULT 0,
		paused                INTEGER NOT NULL DEFAULT 0,
		chat_cursor           TEXT NOT NULL DEFAULT '',
		retrieval_count       INTEGER NOT NULL DEFAULT 8,
		relevance_threshold   REAL NOT NULL DEFAULT 0.6,
		decay_factor          REAL NOT NULL DEFAULT 0.97,
		max_context_tokens    INTEGER NOT NULL DEFAULT 8000
	);

	CREATE TABLE IF NOT EXISTS short_term_notes (
		idx        INTEGER PRIMARY KEY AUTOINCREMENT,
		content    TEXT NOT NULL,
		created_at TEXT NOT NULL,
		iteration  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_notes_created ON short_term_notes(created_at);
	`)
	return err
}

// seed inserts the single state row if it does not already exist.
func (s *Store) seed() error {
	dm := DefaultMemoryConfig()
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO state
			(id, directive, retrieval_count, relevance_threshold, decay_factor, max_context_tokens)
		VALUES (1, ?, ?, ?, ?, ?)`,
		DefaultDirective, dm.RetrievalCount, dm.RelevanceThreshold, dm.DecayFactor, dm.MaxContextTokens,
	)
	return err
}

// Load returns the current durable snapshot.
func (s *Store) Load() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap Snapshot
	var shortJSON, midJSON, longJSON string
	var pausedInt int

	row := s.db.QueryRow(`
		SELECT directive, short_term_goals, mid_term_goals, long_term_goals,
		       iteration, paused, chat_cursor,
		       retrieval_count, relevance_threshold, decay_factor, max_context_tokens
		FROM state WHERE id = 1`)

	if err := row.Scan(
		&snap.Directive, &shortJSON, &midJSON, &longJSON,
		&snap.Iteration, &pausedInt, &snap.ChatCursor,
		&snap.MemoryConfig.RetrievalCount, &snap.MemoryConfig.RelevanceThreshold,
		&snap.MemoryConfig.DecayFactor, &snap.MemoryConfig.MaxContextTokens,
	); err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	snap.Paused = pausedInt != 0
	snap.Goals.ShortTerm = unmarshalList(shortJSON)
	snap.Goals.MidTerm = unmarshalList(midJSON)
	snap.Goals.LongTerm = unmarshalList(longJSON)
	return &snap, nil
}

// SetDirective replaces the durable directive string.
func (s *Store) SetDirective(directive string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE state SET directive = ? WHERE id = 1`, directive)
	return err
}

// SetGoals replaces one or more goal tiers. Nil slices leave the
// corresponding tier unchanged.
func (s *Store) SetGoals(short, mid, long []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if short != nil {
		if _, err := s.db.Exec(`UPDATE state SET short_term_goals = ? WHERE id = 1`, marshalList(short)); err != nil {
			return err
		}
	}
	if mid != nil {
		if _, err := s.db.Exec(`UPDATE state SET mid_term_goals = ? WHERE id = 1`, marshalList(mid)); err != nil {
			return err
		}
	}
	if long != nil {
		if _, err := s.db.Exec(`UPDATE state SET long_term_goals = ? WHERE id = 1`, marshalList(long)); err != nil {
			return err
		}
	}
	return nil
}

// SetMemoryConfig overwrites all four memory settings with the values in
// cfg; a zero-valued field is stored as zero, not kept from the previous
// config. Callers validate ranges before calling this: retrieval_count
// 1-100, relevance_threshold 0-1, decay_factor 0.5-1.
func (s *Store) SetMemoryConfig(cfg MemoryConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE state SET retrieval_count = ?, relevance_threshold = ?,
		                  decay_factor = ?, max_context_tokens = ?
		WHERE id = 1`,
		cfg.RetrievalCount, cfg.RelevanceThreshold, cfg.DecayFactor, cfg.MaxContextTokens,
	)
	return err
}

// SetChatCursor records the ID of the most recently delivered chat
// message, so a restart resumes draining from the right point.
func (s *Store) SetChatCursor(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE state SET chat_cursor = ? WHERE id = 1`, id)
	return err
}

// NextIteration advances the iteration counter and returns the new
// value. Only the director calls this, once per iteration.
func (s *Store) NextIteration() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`UPDATE state SET iteration = iteration + 1 WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("advance iteration: %w", err)
	}
	var n int
	if err := s.db.QueryRow(`SELECT iteration FROM state WHERE id = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("read iteration: %w", err)
	}
	return n, nil
}

// Pause sets the pause flag. This halts execution at the start of the
// *next* iteration, not mid-iteration.
func (s *Store) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE state SET paused = 1 WHERE id = 1`)
	return err
}

// Resume clears the pause flag.
func (s *Store) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE state SET paused = 0 WHERE id = 1`)
	return err
}

// Paused reports the current pause flag.
func (s *Store) Paused() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var p int
	if err := s.db.QueryRow(`SELECT paused FROM state WHERE id = 1`).Scan(&p); err != nil {
		return false, err
	}
	return p != 0, nil
}
