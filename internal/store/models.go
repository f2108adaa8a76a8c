// Package store is the durable, concurrency-safe persistence layer for the
// pipeline: sessions, events, attachments, batch records, and a small
// key-value area for the cached config and installation id. All mutations on
// a given store are serialized behind that store's writer lock; the events
// and sessions stores may be written concurrently with each other.
package store

import (
	"time"

	"gorm.io/datatypes"
)

// Event type values stored in the Event.Type column.
const (
	TypeCrash            = "crash"
	TypeGestureClick     = "gesture_click"
	TypeGestureLongClick = "gesture_long_click"
	TypeGestureScroll    = "gesture_scroll"
	TypeLifecycleApp     = "lifecycle_app"
	TypeLifecycleScreen  = "lifecycle_screen"
	TypeNetworkChange    = "network_change"
	TypeCPUUsage         = "cpu_usage"
	TypeMemoryUsage      = "memory_usage"
	TypeColdLaunch       = "cold_launch"
	TypeWarmLaunch       = "warm_launch"
	TypeHotLaunch        = "hot_launch"
	TypeCustom           = "custom"
	TypeScreenView       = "screen_view"
	TypeSpan             = "span"
)

// Session is one bounded span of app usage sharing a single identifier.
// Exactly one session is current at any time; session rows are retired only
// by the retention worker, never by an explicit close.
type Session struct {
	ID string `gorm:"primaryKey;size:64"`

	CreatedAt time.Time `gorm:"index"`

	// ProcessID is the OS pid the session was created in, used to tell a
	// continued session from one belonging to a dead process.
	ProcessID int

	// Crashed is monotonic: it moves false -> true and never back.
	Crashed bool `gorm:"index"`

	// NeedsReporting is the sampling decision made once at creation. A
	// crash forces it to true regardless of the sampled value.
	NeedsReporting bool `gorm:"index"`
}

// Event is one discrete signal instance. Events are append-only and
// idempotent by ID; the batch id is assigned at most once.
type Event struct {
	ID        string `gorm:"primaryKey;size:64"`
	SessionID string `gorm:"index;not null"`

	Timestamp time.Time `gorm:"index"`
	Type      string    `gorm:"size:64;index"`

	// Payload is the type-tagged body; its schema depends on Type.
	Payload datatypes.JSON `gorm:"type:json"`

	// Attributes are system-computed (device, OS, network, installation,
	// user id), written by the attribute processors at ingestion.
	Attributes datatypes.JSONMap `gorm:"type:json"`

	// UserDefinedAttributes are caller-supplied and validated against the
	// configured count and length limits before the event is stored.
	UserDefinedAttributes datatypes.JSONMap `gorm:"type:json"`

	UserTriggered bool

	// AttachmentSize is the total attachment bytes, precomputed so batch
	// creation can bin-pack without loading attachment rows.
	AttachmentSize int64 `gorm:"not null;default:0"`

	// BatchID is nil until the event is selected into a batch; it is never
	// reassigned afterwards.
	BatchID *string `gorm:"index"`

	// NeedsReporting is inherited from the session at write time and
	// updated in bulk when the session's reporting decision changes.
	NeedsReporting bool `gorm:"index"`

	Attachments []Attachment `gorm:"foreignKey:EventID"`
}

// Attachment is a named blob (or file reference) associated with one event.
type Attachment struct {
	ID      string `gorm:"primaryKey;size:64"`
	EventID string `gorm:"index;not null"`

	Name string `gorm:"size:256"`
	Type string `gorm:"size:64"`
	Size int64

	// Path points at a file on disk; Blob holds inline bytes. Exactly one
	// of the two is set.
	Path string `gorm:"size:512"`
	Blob []byte
}

// Batch records a created batch so export can resume after a process death:
// if the process dies after batching but before export, the batch is retried
// from this row rather than re-batched. Membership is immutable.
type Batch struct {
	ID string `gorm:"primaryKey;size:64"`

	// EventIDs is the ordered list of member event ids, as JSON.
	EventIDs datatypes.JSON `gorm:"type:json"`

	CreatedAt time.Time `gorm:"index"`
}

// KVEntry backs the small key-value area used for the cached config snapshot
// and the installation id.
type KVEntry struct {
	Key       string `gorm:"primaryKey;size:128"`
	Value     string
	UpdatedAt time.Time
}
