package export

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"

	"tracepoint/internal/config"
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

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type batchFixture struct {
	events  *store.EventStore
	creator *BatchCreator
}

func newBatchFixture(t *testing.T, defaults config.Config) *batchFixture {
	t.Helper()
	db, err := store.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	logger := testLogger()
	events := store.NewEventStore(db, logger)
	cfg := config.NewProvider(defaults, nil, nil, logger)
	return &batchFixture{
		events:  events,
		creator: NewBatchCreator(&fakeIDs{}, &fakeTime{now: time.Now().UTC()}, cfg, events, logger),
	}
}

func (f *batchFixture) insert(t *testing.T, id, sessionID string, ts time.Time, attachmentSize int64) {
	t.Helper()
	err := f.events.InsertEvent(&store.Event{
		ID:             id,
		SessionID:      sessionID,
		Timestamp:      ts,
		Type:           store.TypeGestureClick,
		AttachmentSize: attachmentSize,
		NeedsReporting: true,
	})
	if err != nil {
		t.Fatalf("InsertEvent(%s): %v", id, err)
	}
}

func TestBatchCreator_SplitsOnEventCount(t *testing.T) {
	defaults := config.Default()
	defaults.MaxEventsInBatch = 3
	defaults.MaxAttachmentSizeInBatchBytes = 1000
	f := newBatchFixture(t, defaults)

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		f.insert(t, fmt.Sprintf("e%d", i), "s1", base.Add(time.Duration(i)*time.Second), 10)
	}

	first, err := f.creator.Create("")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if first == nil || len(first.EventIDs) != 3 {
		t.Fatalf("first batch = %+v, want 3 events", first)
	}
	for i, id := range first.EventIDs {
		if want := fmt.Sprintf("e%d", i); id != want {
			t.Errorf("first batch[%d] = %s, want %s (oldest first)", i, id, want)
		}
	}

	second, err := f.creator.Create("")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if second == nil || len(second.EventIDs) != 2 {
		t.Fatalf("second batch = %+v, want remaining 2 events", second)
	}

	third, err := f.creator.Create("")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if third != nil {
		t.Errorf("third Create = %+v, want nil once everything is batched", third)
	}
}

func TestBatchCreator_StopsAtAttachmentBudget(t *testing.T) {
	defaults := config.Default()
	defaults.MaxAttachmentSizeInBatchBytes = 1000
	f := newBatchFixture(t, defaults)

	base := time.Now().UTC()
	f.insert(t, "e0", "s1", base, 400)
	f.insert(t, "e1", "s1", base.Add(time.Second), 400)
	f.insert(t, "e2", "s1", base.Add(2*time.Second), 400)

	got, err := f.creator.Create("")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got == nil || len(got.EventIDs) != 2 {
		t.Fatalf("batch = %+v, want 2 events within the 1000-byte budget", got)
	}
}

func TestBatchCreator_SingleOverBudgetEventReturnsNil(t *testing.T) {
	defaults := config.Default()
	defaults.MaxAttachmentSizeInBatchBytes = 1000
	f := newBatchFixture(t, defaults)

	f.insert(t, "big", "s1", time.Now().UTC(), 2000)

	got, err := f.creator.Create("")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got != nil {
		t.Fatalf("Create = %+v, want nil for an over-budget event", got)
	}

	// The event must remain unbatched and eligible for a later attempt.
	rows, err := f.events.UnbatchedEventsWithAttachmentSize(10, true, "")
	if err != nil {
		t.Fatalf("UnbatchedEventsWithAttachmentSize: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "big" {
		t.Errorf("unbatched rows = %+v, want the over-budget event still unbatched", rows)
	}
}

func TestBatchCreator_CrashPathForcesOverBudgetEvent(t *testing.T) {
	defaults := config.Default()
	defaults.MaxAttachmentSizeInBatchBytes = 1000
	f := newBatchFixture(t, defaults)

	f.insert(t, "crash-ev", "crashed-session", time.Now().UTC(), 2000)

	got, err := f.creator.Create("crashed-session")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got == nil || len(got.EventIDs) != 1 || got.EventIDs[0] != "crash-ev" {
		t.Fatalf("crash batch = %+v, want the over-budget event forced in", got)
	}
}

func TestBatchCreator_SessionScopeExcludesOtherSessions(t *testing.T) {
	f := newBatchFixture(t, config.Default())

	base := time.Now().UTC()
	f.insert(t, "mine", "s1", base, 0)
	f.insert(t, "other", "s2", base.Add(time.Second), 0)

	got, err := f.creator.Create("s1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got == nil || len(got.EventIDs) != 1 || got.EventIDs[0] != "mine" {
		t.Fatalf("session-scoped batch = %+v, want only events from s1", got)
	}
}

func TestBatchCreator_EmptyStoreReturnsNil(t *testing.T) {
	f := newBatchFixture(t, config.Default())

	got, err := f.creator.Create("")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got != nil {
		t.Errorf("Create on empty store = %+v, want nil", got)
	}
}
