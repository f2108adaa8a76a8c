package config

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeKV struct {
	m map[string]string
}

func newFakeKV() *fakeKV { return &fakeKV{m: map[string]string{}} }

func (f *fakeKV) Get(key string) (string, bool, error) {
	v, ok := f.m[key]
	return v, ok, nil
}

func (f *fakeKV) Put(key, value string) error {
	f.m[key] = value
	return nil
}

type fakeFetcher struct {
	rc  *RemoteConfig
	err error
}

func (f *fakeFetcher) FetchConfig(ctx context.Context) (*RemoteConfig, error) {
	return f.rc, f.err
}

func intPtr(v int) *int         { return &v }
func i64Ptr(v int64) *int64     { return &v }
func f64Ptr(v float64) *float64 { return &v }
func strPtr(v string) *string   { return &v }

func TestProvider_DefaultsWhenNothingFetched(t *testing.T) {
	p := NewProvider(Default(), nil, nil, testLogger())

	if got := p.MaxEventsInBatch(); got != 500 {
		t.Errorf("MaxEventsInBatch = %d, want default 500", got)
	}
	if got := p.SessionSamplingRate(); got != 1.0 {
		t.Errorf("SessionSamplingRate = %v, want default 1.0", got)
	}
	if got := p.EventsBatchingInterval(); got != 30*time.Second {
		t.Errorf("EventsBatchingInterval = %v, want 30s", got)
	}
}

func TestProvider_CachedSnapshotOverridesDefaults(t *testing.T) {
	kv := newFakeKV()
	raw, _ := json.Marshal(&RemoteConfig{MaxEventsInBatch: intPtr(50)})
	kv.m[cachedConfigKey] = string(raw)

	p := NewProvider(Default(), kv, nil, testLogger())

	if got := p.MaxEventsInBatch(); got != 50 {
		t.Errorf("MaxEventsInBatch = %d, want cached 50", got)
	}
	// A field absent from the cached snapshot falls through to default.
	if got := p.SessionSamplingRate(); got != 1.0 {
		t.Errorf("SessionSamplingRate = %v, want default 1.0", got)
	}
}

func TestProvider_NetworkOverridesCachedPerField(t *testing.T) {
	kv := newFakeKV()
	raw, _ := json.Marshal(&RemoteConfig{
		MaxEventsInBatch:    intPtr(50),
		SessionSamplingRate: f64Ptr(0.5),
	})
	kv.m[cachedConfigKey] = string(raw)

	fetcher := &fakeFetcher{rc: &RemoteConfig{MaxEventsInBatch: intPtr(10)}}
	p := NewProvider(Default(), kv, fetcher, testLogger())
	p.Refresh(context.Background())

	// Field present in the network snapshot wins.
	if got := p.MaxEventsInBatch(); got != 10 {
		t.Errorf("MaxEventsInBatch = %d, want network 10", got)
	}
	// Field absent from the network snapshot falls back to cached.
	if got := p.SessionSamplingRate(); got != 0.5 {
		t.Errorf("SessionSamplingRate = %v, want cached 0.5", got)
	}
}

func TestProvider_RefreshFailureKeepsCurrentConfig(t *testing.T) {
	fetcher := &fakeFetcher{err: context.DeadlineExceeded}
	p := NewProvider(Default(), newFakeKV(), fetcher, testLogger())

	p.Refresh(context.Background())

	if got := p.MaxEventsInBatch(); got != 500 {
		t.Errorf("MaxEventsInBatch = %d, want default 500 after failed fetch", got)
	}
}

func TestProvider_RefreshWritesCache(t *testing.T) {
	kv := newFakeKV()
	fetcher := &fakeFetcher{rc: &RemoteConfig{
		EventsBatchingIntervalMs: i64Ptr(5000),
		CustomEventNameRegex:     strPtr("^[a-z]+$"),
	}}
	p := NewProvider(Default(), kv, fetcher, testLogger())
	p.Refresh(context.Background())

	if got := p.EventsBatchingInterval(); got != 5*time.Second {
		t.Errorf("EventsBatchingInterval = %v, want 5s", got)
	}
	if got := p.CustomEventNameRegex(); got != "^[a-z]+$" {
		t.Errorf("CustomEventNameRegex = %q, want fetched pattern", got)
	}

	// A new provider over the same KV starts from the cached snapshot.
	p2 := NewProvider(Default(), kv, nil, testLogger())
	if got := p2.EventsBatchingInterval(); got != 5*time.Second {
		t.Errorf("EventsBatchingInterval after restart = %v, want cached 5s", got)
	}
}

func TestProvider_CorruptCacheIsIgnored(t *testing.T) {
	kv := newFakeKV()
	kv.m[cachedConfigKey] = "{not json"

	p := NewProvider(Default(), kv, nil, testLogger())

	if got := p.MaxEventsInBatch(); got != 500 {
		t.Errorf("MaxEventsInBatch = %d, want default 500 with corrupt cache", got)
	}
}
