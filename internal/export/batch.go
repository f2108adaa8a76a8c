// Package export groups stored events into size-bounded batches and delivers
// them to the backend, with retry driven by the periodic exporter's clock
// rather than per-batch retry state.
package export

import (
	"fmt"
	"log/slog"

	"tracepoint/internal/config"
	"tracepoint/internal/identity"
	"tracepoint/internal/store"
	"tracepoint/internal/timeutil"
)

// BatchResult identifies a newly created batch and its members.
type BatchResult struct {
	BatchID  string
	EventIDs []string
}

// BatchCreator selects unbatched events under the configured count and
// attachment-byte bounds and assigns them a fresh batch id. The underlying
// store guarantees no event lands in two batches.
type BatchCreator struct {
	logger *slog.Logger
	ids    identity.IDProvider
	time   timeutil.TimeProvider
	cfg    *config.Provider
	events *store.EventStore
}

// NewBatchCreator wires a BatchCreator.
func NewBatchCreator(ids identity.IDProvider, tp timeutil.TimeProvider, cfg *config.Provider,
	events *store.EventStore, logger *slog.Logger) *BatchCreator {
	return &BatchCreator{logger: logger, ids: ids, time: tp, cfg: cfg, events: events}
}

// Create builds one batch. sessionID scopes selection to a single session
// (the crash path); empty selects globally. Returns nil when no events
// qualify: a batch must contain at least one event. On the session-scoped
// crash path a single event is taken even if its attachments alone exceed
// the byte budget, so a crashed session always yields at least a degenerate
// batch.
func (b *BatchCreator) Create(sessionID string) (*BatchResult, error) {
	maxEvents := b.cfg.MaxEventsInBatch()
	budget := b.cfg.MaxAttachmentSizeInBatchBytes()

	candidates, err := b.events.UnbatchedEventsWithAttachmentSize(maxEvents, true, sessionID)
	if err != nil {
		return nil, fmt.Errorf("select unbatched events: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var picked []string
	var total int64
	for _, c := range candidates {
		// Never split an event's attachments: stop at the first event
		// that would overflow either bound.
		if len(picked) >= maxEvents || total+c.AttachmentSize > budget {
			break
		}
		picked = append(picked, c.ID)
		total += c.AttachmentSize
	}

	if len(picked) == 0 {
		if sessionID == "" {
			return nil, nil
		}
		// Crash path: export the single over-budget event rather than
		// stranding the crashed session on the device forever.
		picked = append(picked, candidates[0].ID)
		b.logger.Warn("batch: over-budget event forced into crash batch",
			"event_id", candidates[0].ID, "attachment_size", candidates[0].AttachmentSize)
	}

	batchID := b.ids.NewID()
	if err := b.events.AssignBatch(batchID, picked, b.time.Now()); err != nil {
		return nil, fmt.Errorf("assign batch: %w", err)
	}
	b.logger.Debug("batch: created", "batch_id", batchID, "events", len(picked), "attachment_bytes", total)
	return &BatchResult{BatchID: batchID, EventIDs: picked}, nil
}
