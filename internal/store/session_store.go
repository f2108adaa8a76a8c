package store

import (
	"fmt"
	"log/slog"
	"sync"

	"gorm.io/gorm"
)

// SessionStore persists session records. Mutations are serialized behind mu,
// independently of the event store's writer.
type SessionStore struct {
	mu     sync.Mutex
	db     *gorm.DB
	logger *slog.Logger
}

// NewSessionStore returns a SessionStore over db.
func NewSessionStore(db *gorm.DB, logger *slog.Logger) *SessionStore {
	return &SessionStore{db: db, logger: logger}
}

// InsertSession writes one session row. Idempotent by session id; a replayed
// insert never clears flags set after the first write.
func (s *SessionStore) InsertSession(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := insertNew(s.db, sess); err != nil {
		return fmt.Errorf("insert session %s: %w", sess.ID, err)
	}
	return nil
}

// Session returns the session with the given id, or nil if absent.
func (s *SessionStore) Session(id string) (*Session, error) {
	var sess Session
	err := s.db.Where("id = ?", id).Limit(1).Find(&sess).Error
	if err != nil {
		return nil, err
	}
	if sess.ID == "" {
		return nil, nil
	}
	return &sess, nil
}

// MarkCrashed sets crashed and needs_reporting on the session. Crashed is
// monotonic, so this never clears either flag.
func (s *SessionStore) MarkCrashed(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Model(&Session{}).
		Where("id = ?", id).
		Updates(map[string]any{"crashed": true, "needs_reporting": true}).Error
}

// SetNeedsReporting updates the session's reporting flag.
func (s *SessionStore) SetNeedsReporting(id string, needsReporting bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Model(&Session{}).
		Where("id = ?", id).
		Update("needs_reporting", needsReporting).Error
}

// OldestSession returns the id of the oldest stored session, or "" when the
// store is empty.
func (s *SessionStore) OldestSession() (string, error) {
	var sess Session
	err := s.db.Order("created_at ASC").Limit(1).Find(&sess).Error
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}

// OldestSessions returns up to n session ids, oldest first, excluding the
// current session. Used for oldest-first eviction under storage pressure.
func (s *SessionStore) OldestSessions(n int, excludeID string) ([]string, error) {
	var ids []string
	q := s.db.Model(&Session{}).Order("created_at ASC").Limit(n)
	if excludeID != "" {
		q = q.Where("id <> ?", excludeID)
	}
	err := q.Pluck("id", &ids).Error
	return ids, err
}

// SessionsToDelete returns sessions whose events will never be exported
// (needs_reporting = false), excluding the current session.
func (s *SessionStore) SessionsToDelete(excludeID string) ([]string, error) {
	var ids []string
	q := s.db.Model(&Session{}).Where("needs_reporting = ?", false)
	if excludeID != "" {
		q = q.Where("id <> ?", excludeID)
	}
	err := q.Pluck("id", &ids).Error
	return ids, err
}

// CountSessions returns the number of stored sessions.
func (s *SessionStore) CountSessions() (int64, error) {
	var n int64
	err := s.db.Model(&Session{}).Count(&n).Error
	return n, err
}

// DeleteSessions removes the given session rows. The caller is responsible
// for deleting their events through the event store first.
func (s *SessionStore) DeleteSessions(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Where("id IN ?", ids).Delete(&Session{}).Error
}
