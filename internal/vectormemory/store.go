// Package vectormemory implements the Vector Memory component: an
// embedded similarity store with importance score, TTL, and a
// permanence flag, swept by a periodic maintenance pass.
//
// It wraps two existing pieces of machinery rather than reinventing
// them: internal/embeddings for generating and comparing vectors
// (Ollama-backed, cosine similarity, top-k), and a store modeled on
// internal/facts's SQLite/FTS5-with-LIKE-fallback pattern for the
// metadata half. Unlike internal/facts (mattn/go-sqlite3), this store
// opens its database through modernc.org/sqlite — a second, pure-Go
// SQLite driver wired here so it has a genuine consumer instead of
// riding along unused.
package vectormemory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nugget/aegis/internal/embeddings"
)

// Entry is one vector memory record.
type Entry struct {
	ID           string    `json:"id"`
	Content      string    `json:"content"`
	Embedding    []float32 `json:"embedding,omitempty"`
	Importance   float64   `json:"importance"` // 0-1
	Source       string    `json:"source,omitempty"`
	Permanent    bool      `json:"permanent"`
	CreatedAt    time.Time `json:"created_at"`
	TTLHours     int       `json:"ttl_hours"`
	AccessCount  int       `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed"`
}

// expired reports whether a non-permanent entry has outlived its TTL.
func (e Entry) expired(now time.Time) bool {
	if e.Permanent || e.TTLHours <= 0 {
		return false
	}
	return now.Sub(e.CreatedAt) > time.Duration(e.TTLHours)*time.Hour
}

// Store persists vector memory entries and answers similarity queries.
type Store struct {
	db         *sql.DB
	embedder   *embeddings.Client
	logger     *slog.Logger
	ftsEnabled bool
}

// NewStore opens (creating if necessary) the vector memory database at
// dbPath, using embedder to generate embeddings for new entries and
// synthetic queries.
func NewStore(dbPath string, embedder *embeddings.Client, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open vector memory database: %w", err)
	}
	s := &Store{db: db, embedder: embedder, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate vector memory schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS vector_entries (
		id            TEXT PRIMARY KEY,
		content       TEXT NOT NULL,
		embedding     BLOB,
		importance    REAL NOT NULL,
		source        TEXT,
		permanent     INTEGER NOT NULL DEFAULT 0,
		created_at    TEXT NOT NULL,
		ttl_hours     INTEGER NOT NULL DEFAULT 0,
		access_count  INTEGER NOT NULL DEFAULT 0,
		last_accessed TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_vector_created ON vector_entries(created_at);
	`)
	if err != nil {
		return err
	}
	s.tryEnableFTS()
	return nil
}

// tryEnableFTS mirrors internal/facts's graceful degradation: it creates
// and rebuilds an FTS5 index over entry content, and Remember adds new
// entries to it, when the SQLite build has FTS5. No query reads this
// index: the keyword fallback in Retrieve matches by case-insensitive
// substring over the live entries whether or not FTS5 is available.
func (s *Store) tryEnableFTS() {
	_, err := s.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS vector_fts USING fts5(
			content, content=vector_entries, content_rowid=rowid
		)`)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("FTS5 not available for vector memory, using LIKE fallback", "error", err)
		}
		return
	}
	s.ftsEnabled = true
	_, err = s.db.Exec(`INSERT INTO vector_fts(vector_fts) VALUES('rebuild')`)
	if err != nil && s.logger != nil {
		s.logger.Warn("failed to rebuild vector FTS index", "error", err)
	}
}

// Remember stores a new entry. If embedding is nil and an embedder is
// configured, one is generated from content.
func (s *Store) Remember(ctx context.Context, content string, importance float64, source string, permanent bool, ttlHours int) (*Entry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate entry id: %w", err)
	}

	var vec []float32
	if s.embedder != nil {
		vec, err = s.embedder.Generate(ctx, content)
		if err != nil {
			// Embedding failure degrades to a keyword-searchable entry
			// rather than failing the write outright; the Planner's
			// memory write is not allowed to block an iteration.
			if s.logger != nil {
				s.logger.Warn("embedding generation failed, storing without vector", "error", err)
			}
		}
	}

	now := time.Now().UTC()
	entry := Entry{
		ID:           id.String(),
		Content:      content,
		Embedding:    vec,
		Importance:   clamp01(importance),
		Source:       source,
		Permanent:    permanent,
		CreatedAt:    now,
		TTLHours:     ttlHours,
		AccessCount:  0,
		LastAccessed: now,
	}

	embBytes, err := json.Marshal(entry.Embedding)
	if err != nil {
		return nil, fmt.Errorf("marshal embedding: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO vector_entries
			(id, content, embedding, importance, source, permanent, created_at, ttl_hours, access_count, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Content, embBytes, entry.Importance, entry.Source,
		boolToInt(entry.Permanent), entry.CreatedAt.Format(time.RFC3339Nano), entry.TTLHours,
		entry.AccessCount, entry.LastAccessed.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert vector entry: %w", err)
	}

	if s.ftsEnabled {
		_, _ = s.db.Exec(`INSERT INTO vector_fts(rowid, content) SELECT rowid, content FROM vector_entries WHERE id = ?`, entry.ID)
	}

	return &entry, nil
}

// ScoredEntry is an Entry annotated with the similarity score that
// earned it a place in a Retrieve result, for the Planner's "(%.2f)"
// display of retrieved memories.
type ScoredEntry struct {
	Entry
	Similarity float32
}

// Retrieve returns the top-k entries by cosine similarity to a
// synthetic query string, restricted to similarity >= threshold, for
// the Planner's context-assembly step. Entries accessed
// this way have their access_count/last_accessed bumped. The keyword
// fallback (no embedder, or embedding failure) has no similarity score
// to report and fills it with 1.0 — every keyword match is treated as
// a full hit.
func (s *Store) Retrieve(ctx context.Context, query string, k int, threshold float64) ([]ScoredEntry, error) {
	entries, err := s.allLive()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	if s.embedder == nil {
		return s.retrieveByKeyword(query, entries, k)
	}

	qvec, err := s.embedder.Generate(ctx, query)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("query embedding failed, falling back to keyword retrieval", "error", err)
		}
		return s.retrieveByKeyword(query, entries, k)
	}

	type scored struct {
		entry Entry
		score float32
	}
	var scoredEntries []scored
	for _, e := range entries {
		if len(e.Embedding) == 0 {
			continue
		}
		sim := embeddings.CosineSimilarity(qvec, e.Embedding)
		if float64(sim) >= threshold {
			scoredEntries = append(scoredEntries, scored{entry: e, score: sim})
		}
	}

	// Simple selection of the top k, mirroring embeddings.TopK's
	// selection-sort approach (fine for the small in-memory sets a
	// single agent's vector memory holds).
	for i := 0; i < k && i < len(scoredEntries); i++ {
		max := i
		for j := i + 1; j < len(scoredEntries); j++ {
			if scoredEntries[j].score > scoredEntries[max].score {
				max = j
			}
		}
		scoredEntries[i], scoredEntries[max] = scoredEntries[max], scoredEntries[i]
	}
	if len(scoredEntries) > k {
		scoredEntries = scoredEntries[:k]
	}

	result := make([]ScoredEntry, 0, len(scoredEntries))
	for _, se := range scoredEntries {
		s.touch(se.entry.ID)
		result = append(result, ScoredEntry{Entry: se.entry, Similarity: se.score})
	}
	return result, nil
}

func (s *Store) retrieveByKeyword(query string, entries []Entry, k int) ([]ScoredEntry, error) {
	var matched []ScoredEntry
	lower := strings.ToLower(query)
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Content), lower) {
			matched = append(matched, ScoredEntry{Entry: e, Similarity: 1.0})
		}
		if len(matched) >= k {
			break
		}
	}
	for _, e := range matched {
		s.touch(e.ID)
	}
	return matched, nil
}

func (s *Store) touch(id string) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, _ = s.db.Exec(`UPDATE vector_entries SET access_count = access_count + 1, last_accessed = ? WHERE id = ?`, now, id)
}

// allLive returns every non-expired entry, used internally by
// Retrieve and by the maintenance pass.
func (s *Store) allLive() ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, content, embedding, importance, source, permanent, created_at, ttl_hours, access_count, last_accessed
		FROM vector_entries`)
	if err != nil {
		return nil, fmt.Errorf("query vector entries: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		if !e.expired(now) {
			entries = append(entries, e)
		}
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var embBytes []byte
	var createdAt, lastAccessed string
	var permanentInt int

	if err := row.Scan(&e.ID, &e.Content, &embBytes, &e.Importance, &e.Source,
		&permanentInt, &createdAt, &e.TTLHours, &e.AccessCount, &lastAccessed); err != nil {
		return Entry{}, fmt.Errorf("scan vector entry: %w", err)
	}
	e.Permanent = permanentInt != 0
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	e.LastAccessed, _ = time.Parse(time.RFC3339Nano, lastAccessed)
	if len(embBytes) > 0 {
		_ = json.Unmarshal(embBytes, &e.Embedding)
	}
	return e, nil
}

// RunMaintenance applies one maintenance pass: non-permanent
// importances decay by decayFactor, and entries with importance below
// threshold whose age exceeds their TTL are deleted. Permanent entries
// are never touched: permanent means TTL is ignored entirely.
func (s *Store) RunMaintenance(decayFactor, importanceThreshold float64) (decayed, deleted int, err error) {
	entries, err := s.allLiveIncludingExpired()
	if err != nil {
		return 0, 0, err
	}

	now := time.Now().UTC()
	tx, err := s.db.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("begin maintenance tx: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		if e.Permanent {
			continue
		}
		newImportance := e.Importance * decayFactor
		if newImportance < importanceThreshold && e.expired(now) {
			if _, err := tx.Exec(`DELETE FROM vector_entries WHERE id = ?`, e.ID); err != nil {
				return decayed, deleted, fmt.Errorf("delete decayed entry: %w", err)
			}
			deleted++
			continue
		}
		if _, err := tx.Exec(`UPDATE vector_entries SET importance = ? WHERE id = ?`, newImportance, e.ID); err != nil {
			return decayed, deleted, fmt.Errorf("decay entry: %w", err)
		}
		decayed++
	}

	if err := tx.Commit(); err != nil {
		return decayed, deleted, fmt.Errorf("commit maintenance tx: %w", err)
	}
	return decayed, deleted, nil
}

func (s *Store) allLiveIncludingExpired() ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, content, embedding, importance, source, permanent, created_at, ttl_hours, access_count, last_accessed
		FROM vector_entries`)
	if err != nil {
		return nil, fmt.Errorf("query vector entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Reinforce resets an entry's importance to max(current, value), the
// "re-reinforced" exemption from otherwise-monotonic decay.
func (s *Store) Reinforce(id string, value float64) error {
	_, err := s.db.Exec(`UPDATE vector_entries SET importance = MAX(importance, ?) WHERE id = ?`, clamp01(value), id)
	return err
}

// Count returns the number of live (non-expired) entries, for
// /memory/stats.
func (s *Store) Count() (int, error) {
	entries, err := s.allLive()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
