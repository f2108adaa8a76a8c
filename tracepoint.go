// Package tracepoint is the on-device telemetry pipeline of a mobile
// observability SDK: platform collectors hand it discrete signals (crashes,
// gestures, lifecycle transitions, performance samples, custom events,
// spans); it assigns them to a session, persists them durably, groups them
// into size-bounded batches and exports the batches to a backend with retry
// and cleanup, while the host application keeps running and may die at any
// moment.
//
// There is no process-wide singleton: the host integration layer constructs
// a Pipeline, owns its lifetime, and calls Stop on shutdown.
package tracepoint

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"tracepoint/internal/attribute"
	"tracepoint/internal/config"
	"tracepoint/internal/crash"
	"tracepoint/internal/export"
	"tracepoint/internal/identity"
	"tracepoint/internal/ingest"
	"tracepoint/internal/metrics"
	"tracepoint/internal/session"
	"tracepoint/internal/store"
	"tracepoint/internal/timeutil"
)

// Event types accepted by Track.
const (
	TypeCrash            = store.TypeCrash
	TypeGestureClick     = store.TypeGestureClick
	TypeGestureLongClick = store.TypeGestureLongClick
	TypeGestureScroll    = store.TypeGestureScroll
	TypeLifecycleApp     = store.TypeLifecycleApp
	TypeLifecycleScreen  = store.TypeLifecycleScreen
	TypeNetworkChange    = store.TypeNetworkChange
	TypeCPUUsage         = store.TypeCPUUsage
	TypeMemoryUsage      = store.TypeMemoryUsage
	TypeColdLaunch       = store.TypeColdLaunch
	TypeWarmLaunch       = store.TypeWarmLaunch
	TypeHotLaunch        = store.TypeHotLaunch
	TypeCustom           = store.TypeCustom
	TypeScreenView       = store.TypeScreenView
	TypeSpan             = store.TypeSpan
)

const (
	databaseFile  = "tracepoint.db"
	crashFile     = "crash.jsonl"
	retentionTick = time.Hour
)

// Attachment is a named blob or file reference tracked with an event.
type Attachment struct {
	Name  string
	Type  string
	Size  int64
	Path  string
	Bytes []byte
}

// Signal is one occurrence handed to Track.
type Signal struct {
	Type                  string
	Name                  string
	Payload               any
	Timestamp             time.Time
	UserDefinedAttributes map[string]any
	Attachments           []Attachment

	// SessionID overrides the current session; leave empty outside crash
	// reconstruction.
	SessionID     string
	UserTriggered bool
}

// Pipeline is the constructed session + durable queue + batching + export
// subsystem.
type Pipeline struct {
	logger *slog.Logger

	db        *gorm.DB
	events    *store.EventStore
	sessions  *store.SessionStore
	kv        *store.KVStore
	cfg       *config.Provider
	ids       identity.IDProvider
	time      timeutil.TimeProvider
	manager   *session.Manager
	processor *ingest.Processor
	exporter  *export.Exporter
	periodic  *export.PeriodicExporter
	retention *store.Retention
	sink      *crash.Sink
	metrics   *metrics.Metrics

	network *attribute.NetworkAttributes
	user    *attribute.UserAttributes
}

// New constructs and starts a Pipeline: opens the stores, reconciles crash
// records from the previous run, starts the initial session, and launches
// the signal queue, periodic exporter and retention worker.
func New(opts Options) (*Pipeline, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.APIURL == "" {
		return nil, fmt.Errorf("tracepoint: APIURL is required")
	}

	storagePath := opts.StoragePath
	if storagePath == "" {
		storagePath = "tracepoint-data"
	}
	if err := os.MkdirAll(storagePath, 0o700); err != nil {
		return nil, fmt.Errorf("tracepoint: create storage dir: %w", err)
	}

	dial := opts.Dialector
	if dial == nil {
		dial = sqlite.Open(filepath.Join(storagePath, databaseFile))
	}
	db, err := store.Open(dial)
	if err != nil {
		return nil, fmt.Errorf("tracepoint: %w", err)
	}

	defaults := config.Default()
	if opts.SessionSamplingRate != nil {
		defaults.SessionSamplingRate = *opts.SessionSamplingRate
	}
	if opts.MaxEventsInBatch > 0 {
		defaults.MaxEventsInBatch = opts.MaxEventsInBatch
	}
	if opts.BatchingInterval > 0 {
		defaults.EventsBatchingInterval = opts.BatchingInterval
	}

	kv := store.NewKVStore(db)
	fetcher := config.NewHTTPFetcher(opts.APIURL, opts.APIKey, defaults.RequestTimeout)
	cfg := config.NewProvider(defaults, kv, fetcher, logger)

	ids := identity.NewUUIDProvider()
	tp := timeutil.NewSystemTime()
	m := metrics.New()

	events := store.NewEventStore(db, logger)
	sessions := store.NewSessionStore(db, logger)

	installationID, err := identity.InstallationID(kv, ids)
	if err != nil {
		logger.Warn("tracepoint: installation id unavailable", "error", err)
	}
	networkAttrs := &attribute.NetworkAttributes{}
	userAttrs := &attribute.UserAttributes{}
	userAttrs.SetUserID(opts.UserID)
	processors := []attribute.Processor{
		&attribute.DeviceAttributes{
			OSName:       opts.Device.OSName,
			OSVersion:    opts.Device.OSVersion,
			Manufacturer: opts.Device.Manufacturer,
			Model:        opts.Device.Model,
			Locale:       opts.Device.Locale,
			AppVersion:   opts.Device.AppVersion,
		},
		networkAttrs,
		userAttrs,
		&attribute.InstallationAttributes{InstallationID: installationID},
	}

	sampler := session.NewSampler(session.NewRandomizer())
	manager := session.NewManager(ids, tp, cfg, sessions, events, kv, sampler, logger)
	processor := ingest.NewProcessor(cfg, events, manager, ids, tp, processors, m, logger)

	sink, err := crash.Open(filepath.Join(storagePath, crashFile), logger)
	if err != nil {
		return nil, fmt.Errorf("tracepoint: %w", err)
	}

	creator := export.NewBatchCreator(ids, tp, cfg, events, logger)
	client := export.NewHTTPClient(opts.APIURL, opts.APIKey, cfg)
	exporter := export.NewExporter(events, creator, client, m, logger)
	periodic := export.NewPeriodicExporter(cfg, exporter, logger)
	retention := store.NewRetention(events, sessions, cfg, manager.SessionID, logger)

	p := &Pipeline{
		logger:    logger,
		db:        db,
		events:    events,
		sessions:  sessions,
		kv:        kv,
		cfg:       cfg,
		ids:       ids,
		time:      tp,
		manager:   manager,
		processor: processor,
		exporter:  exporter,
		periodic:  periodic,
		retention: retention,
		sink:      sink,
		metrics:   m,
		network:   networkAttrs,
		user:      userAttrs,
	}

	// Replay crashes from the previous run before the new session starts,
	// so the prior session is marked crashed and its events become
	// exportable.
	p.reconcileCrashes()

	manager.Start()
	processor.Start()
	periodic.Start()
	retention.Start(retentionTick)

	// Best-effort config refresh; a failed or absent fetch never blocks
	// anything.
	go cfg.Refresh(context.Background())

	return p, nil
}

// Track ingests one signal. Validation failures drop the signal and return
// an advisory error; nothing ever propagates a panic or fatal error into the
// host.
func (p *Pipeline) Track(sig Signal) error {
	attachments := make([]ingest.Attachment, 0, len(sig.Attachments))
	for _, a := range sig.Attachments {
		attachments = append(attachments, ingest.Attachment{
			Name: a.Name, Type: a.Type, Size: a.Size, Path: a.Path, Bytes: a.Bytes,
		})
	}
	return p.processor.Track(ingest.Signal{
		Type:                  sig.Type,
		Name:                  sig.Name,
		Payload:               sig.Payload,
		Timestamp:             sig.Timestamp,
		UserDefinedAttributes: sig.UserDefinedAttributes,
		Attachments:           attachments,
		SessionID:             sig.SessionID,
		UserTriggered:         sig.UserTriggered,
	})
}

// TrackCrash records a crash synchronously: the record is written to the
// pre-opened crash file first, then the session is marked crashed and a
// best-effort immediate export of the crashed session is attempted. Safe to
// call while the process is dying.
func (p *Pipeline) TrackCrash(payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("crash: payload not encodable", "error", err)
		raw = []byte("{}")
	}
	rec := crash.Record{
		EventID:   p.ids.NewID(),
		SessionID: p.manager.SessionID(),
		Timestamp: p.time.Now(),
		Payload:   raw,
	}
	if err := p.sink.Write(rec); err != nil {
		p.logger.Warn("crash: writing crash file failed", "error", err)
	}

	p.manager.MarkCurrentSessionCrashed()
	if err := p.insertCrashEvent(rec); err != nil {
		p.logger.Warn("crash: persisting crash event failed, will reconcile on next start", "error", err)
	}
	p.metrics.EventsTracked.WithLabelValues(TypeCrash).Inc()
	p.periodic.ExportCrashSession(rec.SessionID)
}

// insertCrashEvent writes the crash event keyed by the record's event id, so
// a crash-time write and the next start's reconciliation stay idempotent.
func (p *Pipeline) insertCrashEvent(rec crash.Record) error {
	attrs := map[string]any{}
	attribute.Apply(attrs, []attribute.Processor{p.network, p.user})
	return p.events.InsertEvent(&store.Event{
		ID:             rec.EventID,
		SessionID:      rec.SessionID,
		Timestamp:      rec.Timestamp,
		Type:           store.TypeCrash,
		Payload:        datatypes.JSON(rec.Payload),
		Attributes:     attrs,
		NeedsReporting: true,
	})
}

// reconcileCrashes replays crash records left by previous runs into the
// normal event stream.
func (p *Pipeline) reconcileCrashes() {
	records, err := p.sink.Drain()
	if err != nil {
		p.logger.Warn("crash: draining crash file failed", "error", err)
	}
	for _, rec := range records {
		p.manager.MarkPreviousSessionCrashed(rec.SessionID)
		if err := p.insertCrashEvent(rec); err != nil {
			p.logger.Warn("crash: reconciling crash event failed", "event_id", rec.EventID, "error", err)
		}
	}
	if len(records) > 0 {
		p.logger.Info("crash: reconciled crash records from previous run", "count", len(records))
	}
}

// OnForeground tells the pipeline the app entered the foreground. A new
// session starts here when the background stay exceeded the configured
// threshold. Returns the session id current after the transition.
func (p *Pipeline) OnForeground() string {
	return p.manager.OnForeground()
}

// OnBackground tells the pipeline the app entered the background and flushes
// pending data before a potential process death.
func (p *Pipeline) OnBackground() {
	p.manager.OnBackground()
	p.periodic.OnAppBackground()
}

// SessionID returns the current session id.
func (p *Pipeline) SessionID() string {
	return p.manager.SessionID()
}

// SetUserID updates the user identifier stamped on subsequent events.
func (p *Pipeline) SetUserID(id string) {
	p.user.SetUserID(id)
}

// SetNetworkState updates the connectivity attributes stamped on subsequent
// events; called by the platform's network-change collector.
func (p *Pipeline) SetNetworkState(networkType, provider string) {
	p.network.SetNetwork(networkType, provider)
}

// Registry exposes the pipeline's prometheus registry for scraping.
func (p *Pipeline) Registry() *prometheus.Registry {
	return p.metrics.Registry
}

// Stop drains the signal queue, halts the workers, makes a final best-effort
// export bounded by ctx, and closes the store and crash file.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.periodic.Stop()
	p.processor.Stop()
	p.retention.Stop()

	p.exporter.Export(ctx)

	if err := p.sink.Close(); err != nil {
		p.logger.Warn("tracepoint: closing crash file failed", "error", err)
	}
	sqlDB, err := p.db.DB()
	if err != nil {
		return fmt.Errorf("tracepoint: unwrap db: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("tracepoint: close db: %w", err)
	}
	return nil
}
