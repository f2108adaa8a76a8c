package config

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

const cachedConfigKey = "remote_config"

// KV is the key-value surface used to cache the last fetched snapshot.
type KV interface {
	Get(key string) (string, bool, error)
	Put(key, value string) error
}

// Fetcher retrieves a full configuration snapshot from the backend. A fetch
// is all-or-nothing; partial responses are not merged across fetches.
type Fetcher interface {
	FetchConfig(ctx context.Context) (*RemoteConfig, error)
}

// Provider resolves each configuration field with strict precedence:
// network-fetched value, then disk-cached value, then hardcoded default.
// All accessors are safe for concurrent use.
type Provider struct {
	mu       sync.RWMutex
	defaults Config
	cached   *RemoteConfig
	network  *RemoteConfig

	kv      KV
	fetcher Fetcher
	logger  *slog.Logger
}

// NewProvider builds a Provider over the given defaults. The cached snapshot
// is read synchronously so the pipeline can start with the previously fetched
// configuration; the trade-off is one disk read at construction. kv and
// fetcher may be nil, in which case caching and refresh are disabled.
func NewProvider(defaults Config, kv KV, fetcher Fetcher, logger *slog.Logger) *Provider {
	p := &Provider{
		defaults: defaults,
		kv:       kv,
		fetcher:  fetcher,
		logger:   logger,
	}
	if kv != nil {
		if raw, ok, err := kv.Get(cachedConfigKey); err != nil {
			logger.Warn("config: reading cached snapshot failed", "error", err)
		} else if ok {
			var rc RemoteConfig
			if err := json.Unmarshal([]byte(raw), &rc); err != nil {
				logger.Warn("config: cached snapshot is corrupt, ignoring", "error", err)
			} else {
				p.cached = &rc
			}
		}
	}
	return p
}

// Refresh fetches a fresh snapshot from the backend and, on success, makes it
// the network-level configuration and rewrites the disk cache. Failures are
// logged and leave the current resolution untouched; Refresh never blocks any
// other operation beyond its own request timeout.
func (p *Provider) Refresh(ctx context.Context) {
	if p.fetcher == nil {
		return
	}
	rc, err := p.fetcher.FetchConfig(ctx)
	if err != nil {
		p.logger.Warn("config: network fetch failed, keeping current config", "error", err)
		return
	}
	if rc == nil {
		return
	}

	p.mu.Lock()
	p.network = rc
	p.mu.Unlock()

	if p.kv != nil {
		raw, err := json.Marshal(rc)
		if err == nil {
			err = p.kv.Put(cachedConfigKey, string(raw))
		}
		if err != nil {
			p.logger.Warn("config: caching snapshot failed", "error", err)
		}
	}
	p.logger.Info("config: applied network snapshot")
}

// snapshots returns the network and cached snapshots under the read lock.
func (p *Provider) snapshots() (network, cached *RemoteConfig) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.network, p.cached
}

// pick resolves one field: the extractor is applied to the network snapshot,
// then the cached one; the first non-nil pointer wins, else def is returned.
func pick[T any](network, cached *RemoteConfig, get func(*RemoteConfig) *T, def T) T {
	if network != nil {
		if v := get(network); v != nil {
			return *v
		}
	}
	if cached != nil {
		if v := get(cached); v != nil {
			return *v
		}
	}
	return def
}

func (p *Provider) MaxEventsInBatch() int {
	n, c := p.snapshots()
	return pick(n, c, func(r *RemoteConfig) *int { return r.MaxEventsInBatch }, p.defaults.MaxEventsInBatch)
}

func (p *Provider) MaxAttachmentSizeInBatchBytes() int64 {
	n, c := p.snapshots()
	return pick(n, c, func(r *RemoteConfig) *int64 { return r.MaxAttachmentSizeInBatchBytes }, p.defaults.MaxAttachmentSizeInBatchBytes)
}

func (p *Provider) EventsBatchingInterval() time.Duration {
	n, c := p.snapshots()
	ms := pick(n, c, func(r *RemoteConfig) *int64 { return r.EventsBatchingIntervalMs }, p.defaults.EventsBatchingInterval.Milliseconds())
	return time.Duration(ms) * time.Millisecond
}

func (p *Provider) RequestTimeout() time.Duration {
	n, c := p.snapshots()
	ms := pick(n, c, func(r *RemoteConfig) *int64 { return r.RequestTimeoutMs }, p.defaults.RequestTimeout.Milliseconds())
	return time.Duration(ms) * time.Millisecond
}

func (p *Provider) SessionEndThreshold() time.Duration {
	n, c := p.snapshots()
	ms := pick(n, c, func(r *RemoteConfig) *int64 { return r.SessionEndThresholdMs }, p.defaults.SessionEndThreshold.Milliseconds())
	return time.Duration(ms) * time.Millisecond
}

func (p *Provider) SessionSamplingRate() float64 {
	n, c := p.snapshots()
	return pick(n, c, func(r *RemoteConfig) *float64 { return r.SessionSamplingRate }, p.defaults.SessionSamplingRate)
}

func (p *Provider) MaxUserDefinedAttributesPerEvent() int {
	n, c := p.snapshots()
	return pick(n, c, func(r *RemoteConfig) *int { return r.MaxUserDefinedAttributesPerEvent }, p.defaults.MaxUserDefinedAttributesPerEvent)
}

func (p *Provider) MaxUserDefinedAttributeKeyLength() int {
	n, c := p.snapshots()
	return pick(n, c, func(r *RemoteConfig) *int { return r.MaxUserDefinedAttributeKeyLength }, p.defaults.MaxUserDefinedAttributeKeyLength)
}

func (p *Provider) MaxUserDefinedAttributeValueLength() int {
	n, c := p.snapshots()
	return pick(n, c, func(r *RemoteConfig) *int { return r.MaxUserDefinedAttributeValueLength }, p.defaults.MaxUserDefinedAttributeValueLength)
}

func (p *Provider) MaxEventNameLength() int {
	n, c := p.snapshots()
	return pick(n, c, func(r *RemoteConfig) *int { return r.MaxEventNameLength }, p.defaults.MaxEventNameLength)
}

func (p *Provider) CustomEventNameRegex() string {
	n, c := p.snapshots()
	return pick(n, c, func(r *RemoteConfig) *string { return r.CustomEventNameRegex }, p.defaults.CustomEventNameRegex)
}

func (p *Provider) MaxSignalQueueSize() int {
	n, c := p.snapshots()
	return pick(n, c, func(r *RemoteConfig) *int { return r.MaxSignalQueueSize }, p.defaults.MaxSignalQueueSize)
}

func (p *Provider) SignalQueueFlushInterval() time.Duration {
	n, c := p.snapshots()
	ms := pick(n, c, func(r *RemoteConfig) *int64 { return r.SignalQueueFlushIntervalMs }, p.defaults.SignalQueueFlushInterval.Milliseconds())
	return time.Duration(ms) * time.Millisecond
}

func (p *Provider) MaxSessionsInStore() int {
	n, c := p.snapshots()
	return pick(n, c, func(r *RemoteConfig) *int { return r.MaxSessionsInStore }, p.defaults.MaxSessionsInStore)
}

func (p *Provider) RetentionPeriod() time.Duration {
	n, c := p.snapshots()
	hours := pick(n, c, func(r *RemoteConfig) *int64 { return r.RetentionPeriodHours }, int64(p.defaults.RetentionPeriod/time.Hour))
	return time.Duration(hours) * time.Hour
}
