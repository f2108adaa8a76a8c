package ingest

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"

	"tracepoint/internal/attribute"
	"tracepoint/internal/config"
	"tracepoint/internal/metrics"
	"tracepoint/internal/store"
)

type fakeIDs struct {
	n int
}

func (f *fakeIDs) NewID() string {
	f.n++
	return fmt.Sprintf("id-%d", f.n)
}

type fakeTime struct {
	now time.Time
}

func (f *fakeTime) Now() time.Time       { return f.now }
func (f *fakeTime) ElapsedMillis() int64 { return 0 }

type fakeSessions struct {
	id        string
	reporting bool
}

func (f *fakeSessions) SessionID() string    { return f.id }
func (f *fakeSessions) NeedsReporting() bool { return f.reporting }

func newProcessor(t *testing.T, defaults config.Config, attrs []attribute.Processor) (*Processor, *store.EventStore) {
	t.Helper()
	db, err := store.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := store.NewEventStore(db, logger)
	cfg := config.NewProvider(defaults, nil, nil, logger)
	p := NewProcessor(cfg, events, &fakeSessions{id: "session-1", reporting: true},
		&fakeIDs{}, &fakeTime{now: time.Now().UTC()}, attrs, metrics.New(), logger)
	return p, events
}

func drainAll(t *testing.T, p *Processor) {
	t.Helper()
	p.Start()
	p.Stop()
}

func TestProcessor_TrackStampsSessionAndTimestamp(t *testing.T) {
	p, events := newProcessor(t, config.Default(), nil)

	if err := p.Track(Signal{Type: store.TypeGestureClick}); err != nil {
		t.Fatalf("Track: %v", err)
	}
	drainAll(t, p)

	got, err := events.EventsForSessions([]string{"session-1"})
	if err != nil {
		t.Fatalf("EventsForSessions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].SessionID != "session-1" {
		t.Errorf("SessionID = %q, want session-1", got[0].SessionID)
	}
	if got[0].Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
	if !got[0].NeedsReporting {
		t.Error("event did not inherit session reporting decision")
	}
}

func TestProcessor_ExplicitSessionOverride(t *testing.T) {
	p, events := newProcessor(t, config.Default(), nil)

	if err := p.Track(Signal{Type: store.TypeCustom, Name: "replayed", SessionID: "previous-session"}); err != nil {
		t.Fatalf("Track: %v", err)
	}
	drainAll(t, p)

	got, err := events.EventsForSessions([]string{"previous-session"})
	if err != nil {
		t.Fatalf("EventsForSessions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d events for overridden session, want 1", len(got))
	}
}

func TestProcessor_ValidationDropsWholeEvent(t *testing.T) {
	longValue := strings.Repeat("v", 300)
	tests := []struct {
		name string
		sig  Signal
	}{
		{name: "missing type", sig: Signal{}},
		{name: "custom without name", sig: Signal{Type: store.TypeCustom}},
		{name: "name too long", sig: Signal{Type: store.TypeCustom, Name: strings.Repeat("a", 65)}},
		{name: "name bad characters", sig: Signal{Type: store.TypeCustom, Name: "not allowed!"}},
		{name: "value too long", sig: Signal{
			Type:                  store.TypeGestureClick,
			UserDefinedAttributes: map[string]any{"k": longValue},
		}},
		{name: "key too long", sig: Signal{
			Type:                  store.TypeGestureClick,
			UserDefinedAttributes: map[string]any{strings.Repeat("k", 257): "v"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, events := newProcessor(t, config.Default(), nil)

			if err := p.Track(tt.sig); err == nil {
				t.Fatal("Track accepted an invalid signal")
			}
			drainAll(t, p)

			got, err := events.EventsForSessions([]string{"session-1"})
			if err != nil {
				t.Fatalf("EventsForSessions: %v", err)
			}
			if len(got) != 0 {
				t.Errorf("invalid event partially stored: %d rows", len(got))
			}
		})
	}
}

func TestProcessor_TooManyUserAttributes(t *testing.T) {
	defaults := config.Default()
	defaults.MaxUserDefinedAttributesPerEvent = 2
	p, _ := newProcessor(t, defaults, nil)

	attrs := map[string]any{"a": 1, "b": 2, "c": 3}
	if err := p.Track(Signal{Type: store.TypeGestureClick, UserDefinedAttributes: attrs}); err == nil {
		t.Fatal("Track accepted an event over the attribute count limit")
	}
}

func TestProcessor_AttributeProcessorOrder(t *testing.T) {
	device := &attribute.DeviceAttributes{OSName: "android", OSVersion: "15"}
	user := &attribute.UserAttributes{}
	user.SetUserID("user-7")
	installation := &attribute.InstallationAttributes{InstallationID: "install-1"}
	p, events := newProcessor(t, config.Default(), []attribute.Processor{device, user, installation})

	if err := p.Track(Signal{Type: store.TypeScreenView, Name: "home"}); err != nil {
		t.Fatalf("Track: %v", err)
	}
	drainAll(t, p)

	got, err := events.EventsForSessions([]string{"session-1"})
	if err != nil || len(got) != 1 {
		t.Fatalf("EventsForSessions: %v (%d rows)", err, len(got))
	}
	attrs := got[0].Attributes
	if attrs["os_name"] != "android" {
		t.Errorf("os_name = %v, want android", attrs["os_name"])
	}
	if attrs["user_id"] != "user-7" {
		t.Errorf("user_id = %v, want user-7", attrs["user_id"])
	}
	if attrs["installation_id"] != "install-1" {
		t.Errorf("installation_id = %v, want install-1", attrs["installation_id"])
	}
}

func TestProcessor_AttachmentSizePrecomputed(t *testing.T) {
	p, events := newProcessor(t, config.Default(), nil)

	sig := Signal{
		Type: store.TypeGestureClick,
		Attachments: []Attachment{
			{Name: "layout", Type: "application/json", Bytes: []byte(`{"tree":[]}`)},
			{Name: "screenshot", Type: "image/png", Size: 2048, Path: "/tmp/shot.png"},
		},
	}
	if err := p.Track(sig); err != nil {
		t.Fatalf("Track: %v", err)
	}
	drainAll(t, p)

	got, err := events.EventsForSessions([]string{"session-1"})
	if err != nil || len(got) != 1 {
		t.Fatalf("EventsForSessions: %v (%d rows)", err, len(got))
	}
	want := int64(len(`{"tree":[]}`)) + 2048
	if got[0].AttachmentSize != want {
		t.Errorf("AttachmentSize = %d, want %d", got[0].AttachmentSize, want)
	}
}

func TestProcessor_QueueOverflowDropsWithoutBlocking(t *testing.T) {
	defaults := config.Default()
	defaults.MaxSignalQueueSize = 2
	p, _ := newProcessor(t, defaults, nil)

	// The drain goroutine is not running; the third enqueue must fail
	// fast instead of blocking the producer.
	done := make(chan struct{})
	var lastErr error
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			lastErr = p.Track(Signal{Type: store.TypeCPUUsage})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Track blocked on a full queue")
	}
	if lastErr == nil {
		t.Error("overflowing Track returned nil, want drop error")
	}
}

func TestProcessor_CrashWritesThroughQueue(t *testing.T) {
	p, events := newProcessor(t, config.Default(), nil)

	// No drain goroutine: a crash must still reach the store.
	if err := p.Track(Signal{Type: store.TypeCrash, Payload: map[string]any{"signal": "SIGSEGV"}}); err != nil {
		t.Fatalf("Track(crash): %v", err)
	}

	got, err := events.EventsForSessions([]string{"session-1"})
	if err != nil {
		t.Fatalf("EventsForSessions: %v", err)
	}
	if len(got) != 1 || got[0].Type != store.TypeCrash {
		t.Fatalf("crash event not written through: %d rows", len(got))
	}
	if !got[0].NeedsReporting {
		t.Error("crash event must always be reportable")
	}
}
