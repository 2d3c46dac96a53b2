package state

import "time"

// AddNote appends a short-term note and enforces the FIFO cap:
// |notes| <= 50 after every insert.
func (s *Store) AddNote(content string, iteration int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.Exec(
		`INSERT INTO short_term_notes (content, created_at, iteration) VALUES (?, ?, ?)`,
		content, now, iteration,
	); err != nil {
		return err
	}
	return s.evictOverCapLocked()
}

// evictOverCapLocked drops the oldest notes until the cap is met.
// Caller must hold s.mu.
func (s *Store) evictOverCapLocked() error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM short_term_notes`).Scan(&count); err != nil {
		return err
	}
	if count <= shortTermCap {
		return nil
	}
	excess := count - shortTermCap
	_, err := s.db.Exec(`
		DELETE FROM short_term_notes WHERE idx IN (
			SELECT idx FROM short_term_notes ORDER BY idx ASC LIMIT ?
		)`, excess)
	return err
}

// ExpireOldNotes drops any note older than 48h. The director runs this
// both as part of its periodic maintenance pass and on every
// iteration's note cleanup.
func (s *Store) ExpireOldNotes() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-shortTermMaxAge).Format(time.RFC3339Nano)
	res, err := s.db.Exec(`DELETE FROM short_term_notes WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListNotes returns notes most-recent-first, matching the Planner's
// context-assembly order.
func (s *Store) ListNotes() ([]Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT idx, content, created_at, iteration FROM short_term_notes ORDER BY idx DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var n Note
		var createdAt string
		if err := rows.Scan(&n.Idx, &n.Content, &createdAt, &n.Iteration); err != nil {
			return nil, err
		}
		n.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// NoteCount returns the current number of retained notes, used by
// tests asserting the short-term cap property.
func (s *Store) NoteCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM short_term_notes`).Scan(&count)
	return count, err
}
