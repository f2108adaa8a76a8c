package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"tracepoint/internal/metrics"
	"tracepoint/internal/store"
)

// AttachmentMeta is the attachment metadata carried in a batch payload.
type AttachmentMeta struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// EventEnvelope is one event as sent to the backend.
type EventEnvelope struct {
	ID                    string           `json:"id"`
	SessionID             string           `json:"session_id"`
	Timestamp             time.Time        `json:"timestamp"`
	Type                  string           `json:"type"`
	Payload               json.RawMessage  `json:"payload,omitempty"`
	Attributes            map[string]any   `json:"attributes,omitempty"`
	UserDefinedAttributes map[string]any   `json:"user_defined_attributes,omitempty"`
	Attachments           []AttachmentMeta `json:"attachments,omitempty"`
	UserTriggered         bool             `json:"user_triggered"`
}

// BatchPayload is one export request body.
type BatchPayload struct {
	BatchID string          `json:"batch_id"`
	Events  []EventEnvelope `json:"events"`
}

// NetworkClient delivers a batch to the backend. Any non-2xx response or
// transport error must surface as an error.
type NetworkClient interface {
	SendBatch(ctx context.Context, batch BatchPayload) error
}

// Exporter drives one export cycle: pending batches from earlier runs first,
// then at most one freshly created batch. Commit is delete-on-full-success
// only, so an attempt abandoned mid-flight is simply retried next cycle.
type Exporter struct {
	logger  *slog.Logger
	events  *store.EventStore
	creator *BatchCreator
	client  NetworkClient
	metrics *metrics.Metrics

	// inFlight enforces at most one export cycle per process.
	inFlight atomic.Bool
}

// NewExporter wires an Exporter.
func NewExporter(events *store.EventStore, creator *BatchCreator, client NetworkClient,
	m *metrics.Metrics, logger *slog.Logger) *Exporter {
	return &Exporter{logger: logger, events: events, creator: creator, client: client, metrics: m}
}

// Export runs one full cycle. A cycle already in flight causes this one to
// be skipped; the next tick re-discovers anything left behind. The cycle
// stops at the first delivery failure so an unreachable backend is hit once
// per tick, not once per batch.
func (e *Exporter) Export(ctx context.Context) {
	if !e.inFlight.CompareAndSwap(false, true) {
		e.logger.Debug("export: cycle already in flight, skipping")
		return
	}
	defer e.inFlight.Store(false)

	pending, err := e.events.PendingBatches()
	if err != nil {
		e.logger.Warn("export: listing pending batches failed", "error", err)
		return
	}
	for _, b := range pending {
		if err := e.exportBatch(ctx, b.BatchID, b.EventIDs); err != nil {
			return
		}
	}

	result, err := e.creator.Create("")
	if err != nil {
		e.logger.Warn("export: batch creation failed", "error", err)
		return
	}
	if result == nil {
		return
	}
	_ = e.exportBatch(ctx, result.BatchID, result.EventIDs)
}

// ExportSession persists a batch scoped to one session and attempts to send
// it immediately. Used on the crash path: even if the send loses the race
// against process death, the stored batch is resumed on next start. The send
// is skipped when a normal cycle is in flight.
func (e *Exporter) ExportSession(ctx context.Context, sessionID string) {
	result, err := e.creator.Create(sessionID)
	if err != nil {
		e.logger.Warn("export: crash batch creation failed", "session_id", sessionID, "error", err)
		return
	}
	if result == nil {
		return
	}
	if !e.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer e.inFlight.Store(false)
	_ = e.exportBatch(ctx, result.BatchID, result.EventIDs)
}

func (e *Exporter) exportBatch(ctx context.Context, batchID string, eventIDs []string) error {
	events, err := e.events.Events(eventIDs)
	if err != nil {
		e.logger.Warn("export: loading batch events failed", "batch_id", batchID, "error", err)
		return err
	}
	if len(events) == 0 {
		// A concurrent retention sweep deleted the members; the batch is
		// stale and dropped rather than retried.
		e.logger.Info("export: dropping stale batch", "batch_id", batchID)
		if err := e.events.DeleteBatch(batchID); err != nil {
			e.logger.Warn("export: deleting stale batch failed", "batch_id", batchID, "error", err)
		}
		return nil
	}

	payload := BatchPayload{BatchID: batchID, Events: make([]EventEnvelope, 0, len(events))}
	for _, ev := range events {
		env := EventEnvelope{
			ID:                    ev.ID,
			SessionID:             ev.SessionID,
			Timestamp:             ev.Timestamp,
			Type:                  ev.Type,
			Payload:               json.RawMessage(ev.Payload),
			Attributes:            ev.Attributes,
			UserDefinedAttributes: ev.UserDefinedAttributes,
			UserTriggered:         ev.UserTriggered,
		}
		for _, a := range ev.Attachments {
			env.Attachments = append(env.Attachments, AttachmentMeta{
				ID: a.ID, Name: a.Name, Type: a.Type, Size: a.Size,
			})
		}
		payload.Events = append(payload.Events, env)
	}

	if err := e.client.SendBatch(ctx, payload); err != nil {
		// Leave the batch and its events untouched; the next cycle
		// retries the same batch id against the same event set.
		e.logger.Warn("export: delivery failed, will retry next cycle", "batch_id", batchID, "error", err)
		e.metrics.ExportFailures.Inc()
		return fmt.Errorf("send batch %s: %w", batchID, err)
	}

	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	if err := e.events.DeleteEvents(ids); err != nil {
		e.logger.Warn("export: deleting exported events failed", "batch_id", batchID, "error", err)
		return nil
	}
	if err := e.events.DeleteBatch(batchID); err != nil {
		e.logger.Warn("export: deleting batch record failed", "batch_id", batchID, "error", err)
		return nil
	}
	e.metrics.BatchesExported.Inc()
	e.metrics.EventsExported.Add(float64(len(ids)))
	e.logger.Debug("export: batch delivered", "batch_id", batchID, "events", len(ids))
	return nil
}
