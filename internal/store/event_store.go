package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"
)

// EventSize pairs an unbatched event id with its precomputed attachment
// size, in the order the batch creator should consider it.
type EventSize struct {
	ID             string
	AttachmentSize int64
}

// EventStore persists events, attachments and batch records. All mutations
// are serialized behind mu; batch assignment runs selection-visible state
// changes inside a single transaction under the same lock, so no event can be
// selected into two batches.
type EventStore struct {
	mu     sync.Mutex
	db     *gorm.DB
	logger *slog.Logger
}

// NewEventStore returns an EventStore over db.
func NewEventStore(db *gorm.DB, logger *slog.Logger) *EventStore {
	return &EventStore{db: db, logger: logger}
}

// InsertEvent writes one event and its attachments. Idempotent by event id: a
// duplicate insert leaves the stored row untouched, so crash replay never
// disturbs an event that was batched in the meantime.
func (s *EventStore) InsertEvent(ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Transaction(func(tx *gorm.DB) error {
		attachments := ev.Attachments
		ev.Attachments = nil
		if err := insertNew(tx, ev); err != nil {
			return fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
		ev.Attachments = attachments
		for i := range attachments {
			attachments[i].EventID = ev.ID
			if err := insertNew(tx, &attachments[i]); err != nil {
				return fmt.Errorf("insert attachment %s: %w", attachments[i].ID, err)
			}
		}
		return nil
	})
}

// InsertEvents writes a group of events in one transaction. Used by the
// signal queue drain.
func (s *EventStore) InsertEvents(events []*Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, ev := range events {
			attachments := ev.Attachments
			ev.Attachments = nil
			if err := insertNew(tx, ev); err != nil {
				return fmt.Errorf("insert event %s: %w", ev.ID, err)
			}
			ev.Attachments = attachments
			for i := range attachments {
				attachments[i].EventID = ev.ID
				if err := insertNew(tx, &attachments[i]); err != nil {
					return fmt.Errorf("insert attachment %s: %w", attachments[i].ID, err)
				}
			}
		}
		return nil
	})
}

// Events returns the events for the given ids in timestamp order, with
// attachments preloaded. Missing ids are silently omitted.
func (s *EventStore) Events(ids []string) ([]Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var events []Event
	err := s.db.Where("id IN ?", ids).
		Order("timestamp ASC").
		Preload("Attachments").
		Find(&events).Error
	return events, err
}

// EventsForSessions returns all events belonging to the given sessions, used
// when composing a session timeline or crash context.
func (s *EventStore) EventsForSessions(sessionIDs []string) ([]Event, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}
	var events []Event
	err := s.db.Where("session_id IN ?", sessionIDs).
		Order("timestamp ASC").
		Find(&events).Error
	return events, err
}

// UnbatchedEventsWithAttachmentSize lists reportable events that have no
// batch yet, up to limit. ascending chooses small-attachments-first
// (maximize event count per batch) versus large-first (drain big attachments
// quickly). sessionID, when non-empty, scopes the query to one session.
func (s *EventStore) UnbatchedEventsWithAttachmentSize(limit int, ascending bool, sessionID string) ([]EventSize, error) {
	order := "attachment_size DESC, timestamp ASC"
	if ascending {
		order = "attachment_size ASC, timestamp ASC"
	}
	q := s.db.Model(&Event{}).
		Select("id", "attachment_size").
		Where("batch_id IS NULL AND needs_reporting = ?", true)
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}
	var sizes []EventSize
	err := q.Order(order).Limit(limit).Find(&sizes).Error
	return sizes, err
}

// AssignBatch stamps batchID onto the given events and records the batch row
// in the same transaction, so a process death between batching and export
// leaves a resumable batch. Events that already carry a batch id are not
// touched; the error reports a partial assignment so the caller can drop the
// batch rather than export another batch's events.
func (s *EventStore) AssignBatch(batchID string, eventIDs []string, createdAt time.Time) error {
	if len(eventIDs) == 0 {
		return fmt.Errorf("assign batch %s: empty event set", batchID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Event{}).
			Where("id IN ? AND batch_id IS NULL", eventIDs).
			Update("batch_id", batchID)
		if res.Error != nil {
			return fmt.Errorf("assign batch %s: %w", batchID, res.Error)
		}
		if res.RowsAffected != int64(len(eventIDs)) {
			return fmt.Errorf("assign batch %s: %d of %d events already batched",
				batchID, int64(len(eventIDs))-res.RowsAffected, len(eventIDs))
		}
		raw, err := json.Marshal(eventIDs)
		if err != nil {
			return fmt.Errorf("assign batch %s: encode event ids: %w", batchID, err)
		}
		if err := upsert(tx, &Batch{ID: batchID, EventIDs: raw, CreatedAt: createdAt}); err != nil {
			return fmt.Errorf("assign batch %s: record batch: %w", batchID, err)
		}
		return nil
	})
}

// PendingBatches returns previously created, not yet confirmed-sent batches,
// oldest first, with their member event ids decoded.
func (s *EventStore) PendingBatches() ([]PendingBatch, error) {
	var rows []Batch
	if err := s.db.Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	pending := make([]PendingBatch, 0, len(rows))
	for _, row := range rows {
		var ids []string
		if err := json.Unmarshal(row.EventIDs, &ids); err != nil {
			s.logger.Warn("store: dropping batch with corrupt event id list", "batch_id", row.ID, "error", err)
			continue
		}
		pending = append(pending, PendingBatch{BatchID: row.ID, EventIDs: ids})
	}
	return pending, nil
}

// PendingBatch is a stored batch awaiting export.
type PendingBatch struct {
	BatchID  string
	EventIDs []string
}

// DeleteEvents removes the given events and their attachments.
func (s *EventStore) DeleteEvents(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("event_id IN ?", ids).Delete(&Attachment{}).Error; err != nil {
			return fmt.Errorf("delete attachments: %w", err)
		}
		if err := tx.Where("id IN ?", ids).Delete(&Event{}).Error; err != nil {
			return fmt.Errorf("delete events: %w", err)
		}
		return nil
	})
}

// DeleteEventsForSessions removes all events (and attachments) belonging to
// the given sessions. Used by retention.
func (s *EventStore) DeleteEventsForSessions(sessionIDs []string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&Event{}).Where("session_id IN ?", sessionIDs).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("event_id IN ?", ids).Delete(&Attachment{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&Event{}).Error
	})
}

// DeleteEventsOlderThan removes events whose timestamp precedes cutoff,
// regardless of batch state. Attachments go with them.
func (s *EventStore) DeleteEventsOlderThan(cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&Event{}).Where("timestamp < ?", cutoff).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("event_id IN ?", ids).Delete(&Attachment{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&Event{}).Error
	})
}

// DeleteBatch removes a batch record once its events are confirmed sent (or
// the batch went stale).
func (s *EventStore) DeleteBatch(batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Where("id = ?", batchID).Delete(&Batch{}).Error
}

// SetNeedsReportingForSession flips the reporting flag on every event of one
// session. Called when a crash retroactively makes an unsampled session
// exportable.
func (s *EventStore) SetNeedsReportingForSession(sessionID string, needsReporting bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Model(&Event{}).
		Where("session_id = ?", sessionID).
		Update("needs_reporting", needsReporting).Error
}
