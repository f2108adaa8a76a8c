// Package config resolves the pipeline's effective configuration. Hardcoded
// defaults are overlaid by a disk-cached remote snapshot, which in turn is
// overlaid by a snapshot fetched from the network during this process's
// lifetime. Precedence is strict and per field: network > cached > default.
package config

import "time"

// Config holds the effective knobs for batching, export, session lifecycle,
// sampling and ingestion validation. See Default for the shipped values.
type Config struct {
	// MaxEventsInBatch caps the number of events in one export batch.
	MaxEventsInBatch int

	// MaxAttachmentSizeInBatchBytes caps the cumulative attachment bytes
	// in one export batch.
	MaxAttachmentSizeInBatchBytes int64

	// EventsBatchingInterval is the periodic exporter's tick interval.
	EventsBatchingInterval time.Duration

	// RequestTimeout bounds each export and config-fetch HTTP request.
	RequestTimeout time.Duration

	// SessionEndThreshold is the background duration after which the next
	// foreground transition starts a new session.
	SessionEndThreshold time.Duration

	// SessionSamplingRate is the probability, in [0.0, 1.0], that a
	// non-crashed session's events are retained for export.
	SessionSamplingRate float64

	// User-defined attribute limits. Events violating any of these are
	// dropped entirely at ingestion.
	MaxUserDefinedAttributesPerEvent   int
	MaxUserDefinedAttributeKeyLength   int
	MaxUserDefinedAttributeValueLength int

	// Custom event name validation.
	MaxEventNameLength   int
	CustomEventNameRegex string

	// In-memory signal queue between producers and the store writer.
	MaxSignalQueueSize       int
	SignalQueueFlushInterval time.Duration

	// Retention bounds for the on-device store.
	MaxSessionsInStore int
	RetentionPeriod    time.Duration
}

// Default returns the hardcoded configuration used until a cached or network
// snapshot is available.
func Default() Config {
	return Config{
		MaxEventsInBatch:                   500,
		MaxAttachmentSizeInBatchBytes:      3_000_000,
		EventsBatchingInterval:             30 * time.Second,
		RequestTimeout:                     30 * time.Second,
		SessionEndThreshold:                20 * time.Minute,
		SessionSamplingRate:                1.0,
		MaxUserDefinedAttributesPerEvent:   100,
		MaxUserDefinedAttributeKeyLength:   256,
		MaxUserDefinedAttributeValueLength: 256,
		MaxEventNameLength:                 64,
		CustomEventNameRegex:               "^[a-zA-Z0-9_-]+$",
		MaxSignalQueueSize:                 30,
		SignalQueueFlushInterval:           3 * time.Second,
		MaxSessionsInStore:                 50,
		RetentionPeriod:                    15 * 24 * time.Hour,
	}
}

// RemoteConfig is a configuration snapshot as delivered by the backend or
// loaded from the disk cache. Every field is a pointer so that a field absent
// from the snapshot falls through to the next precedence level; a fetch is
// all-or-nothing, but individual fields may be omitted by the server.
type RemoteConfig struct {
	MaxEventsInBatch                   *int     `json:"max_events_in_batch,omitempty"`
	MaxAttachmentSizeInBatchBytes      *int64   `json:"max_attachment_size_in_batch_bytes,omitempty"`
	EventsBatchingIntervalMs           *int64   `json:"events_batching_interval_ms,omitempty"`
	RequestTimeoutMs                   *int64   `json:"request_timeout_ms,omitempty"`
	SessionEndThresholdMs              *int64   `json:"session_end_threshold_ms,omitempty"`
	SessionSamplingRate                *float64 `json:"session_sampling_rate,omitempty"`
	MaxUserDefinedAttributesPerEvent   *int     `json:"max_user_defined_attributes_per_event,omitempty"`
	MaxUserDefinedAttributeKeyLength   *int     `json:"max_user_defined_attribute_key_length,omitempty"`
	MaxUserDefinedAttributeValueLength *int     `json:"max_user_defined_attribute_value_length,omitempty"`
	MaxEventNameLength                 *int     `json:"max_event_name_length,omitempty"`
	CustomEventNameRegex               *string  `json:"custom_event_name_regex,omitempty"`
	MaxSignalQueueSize                 *int     `json:"max_signal_queue_size,omitempty"`
	SignalQueueFlushIntervalMs         *int64   `json:"signal_queue_flush_interval_ms,omitempty"`
	MaxSessionsInStore                 *int     `json:"max_sessions_in_store,omitempty"`
	RetentionPeriodHours               *int64   `json:"retention_period_hours,omitempty"`
}
