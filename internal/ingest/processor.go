// Package ingest is the pipeline's ingestion front door. Collectors on
// arbitrary threads hand signals to Track; the processor validates them,
// stamps session id, timestamp and attributes, and moves them to the event
// store through a bounded queue so producers never block. Crash signals
// bypass the queue and write through synchronously.
package ingest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"gorm.io/datatypes"

	"tracepoint/internal/attribute"
	"tracepoint/internal/config"
	"tracepoint/internal/identity"
	"tracepoint/internal/metrics"
	"tracepoint/internal/store"
	"tracepoint/internal/timeutil"
)

// SessionSource is what ingest needs from the session manager.
type SessionSource interface {
	SessionID() string
	NeedsReporting() bool
}

// Attachment is an ingest-side attachment descriptor.
type Attachment struct {
	Name  string
	Type  string
	Size  int64
	Path  string
	Bytes []byte
}

// Signal is one tracked occurrence before it becomes a stored event.
type Signal struct {
	Type string

	// Name identifies custom and screen-view events; validated against
	// the configured regex and length limit for custom events.
	Name string

	// Payload is marshaled to JSON as the type-tagged event body.
	Payload any

	// Timestamp defaults to now when zero.
	Timestamp time.Time

	UserDefinedAttributes map[string]any
	Attachments           []Attachment

	// SessionID defaults to the current session. An explicit override
	// exists only for crash reconstruction across process restarts.
	SessionID string

	UserTriggered bool
}

// Processor validates and persists signals.
type Processor struct {
	logger   *slog.Logger
	cfg      *config.Provider
	events   *store.EventStore
	sessions SessionSource
	ids      identity.IDProvider
	time     timeutil.TimeProvider
	attrs    []attribute.Processor
	metrics  *metrics.Metrics

	queue chan *store.Event
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	reMu        sync.Mutex
	namePattern string
	nameRe      *regexp.Regexp
}

// NewProcessor wires the ingestion front door. The queue is sized from
// config at construction; Start launches the drain goroutine.
func NewProcessor(cfg *config.Provider, events *store.EventStore, sessions SessionSource,
	ids identity.IDProvider, tp timeutil.TimeProvider, attrs []attribute.Processor,
	m *metrics.Metrics, logger *slog.Logger) *Processor {
	return &Processor{
		logger:   logger,
		cfg:      cfg,
		events:   events,
		sessions: sessions,
		ids:      ids,
		time:     tp,
		attrs:    attrs,
		metrics:  m,
		queue:    make(chan *store.Event, cfg.MaxSignalQueueSize()),
		stop:     make(chan struct{}),
	}
}

// Track validates sig and hands it to the store. Validation failures drop
// the whole event with a diagnostic log; nothing here may propagate a
// failure into the host application, so the returned error is advisory.
func (p *Processor) Track(sig Signal) error {
	if err := p.validate(&sig); err != nil {
		p.logger.Warn("ingest: dropping invalid event", "type", sig.Type, "error", err)
		p.metrics.EventsDropped.WithLabelValues("invalid").Inc()
		return err
	}

	ev, err := p.buildEvent(&sig)
	if err != nil {
		p.logger.Warn("ingest: dropping unencodable event", "type", sig.Type, "error", err)
		p.metrics.EventsDropped.WithLabelValues("encoding").Inc()
		return err
	}

	// Crash events write through: the process may be about to die and the
	// queue may never drain again.
	if sig.Type == store.TypeCrash {
		if err := p.events.InsertEvent(ev); err != nil {
			p.logger.Warn("ingest: persisting crash event failed", "event_id", ev.ID, "error", err)
			return err
		}
		p.metrics.EventsTracked.WithLabelValues(sig.Type).Inc()
		return nil
	}

	select {
	case p.queue <- ev:
		p.metrics.EventsTracked.WithLabelValues(sig.Type).Inc()
		return nil
	default:
		p.logger.Warn("ingest: signal queue full, dropping event", "type", sig.Type)
		p.metrics.EventsDropped.WithLabelValues("queue_full").Inc()
		return fmt.Errorf("signal queue full")
	}
}

// Start launches the drain goroutine, which flushes queued events to the
// store when enough accumulate or on the configured interval.
func (p *Processor) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.cfg.SignalQueueFlushInterval())
		defer ticker.Stop()

		var pending []*store.Event
		flush := func() {
			if len(pending) == 0 {
				return
			}
			if err := p.events.InsertEvents(pending); err != nil {
				p.logger.Warn("ingest: flushing signal queue failed", "count", len(pending), "error", err)
			}
			pending = pending[:0]
		}

		for {
			select {
			case ev := <-p.queue:
				pending = append(pending, ev)
				if len(pending) >= cap(p.queue) {
					flush()
				}
			case <-ticker.C:
				flush()
			case <-p.stop:
				// Drain whatever is still queued before exiting.
				for {
					select {
					case ev := <-p.queue:
						pending = append(pending, ev)
					default:
						flush()
						return
					}
				}
			}
		}
	}()
}

// Stop flushes and halts the drain goroutine.
func (p *Processor) Stop() {
	p.once.Do(func() { close(p.stop) })
	p.wg.Wait()
}

func (p *Processor) validate(sig *Signal) error {
	if sig.Type == "" {
		return fmt.Errorf("missing event type")
	}

	if sig.Type == store.TypeCustom {
		if sig.Name == "" {
			return fmt.Errorf("custom event has no name")
		}
		if max := p.cfg.MaxEventNameLength(); len(sig.Name) > max {
			return fmt.Errorf("event name exceeds %d characters", max)
		}
		re, err := p.nameRegexp()
		if err != nil {
			return fmt.Errorf("event name pattern: %w", err)
		}
		if !re.MatchString(sig.Name) {
			return fmt.Errorf("event name %q does not match %s", sig.Name, re.String())
		}
	}

	if n, max := len(sig.UserDefinedAttributes), p.cfg.MaxUserDefinedAttributesPerEvent(); n > max {
		return fmt.Errorf("%d user-defined attributes exceed the limit of %d", n, max)
	}
	maxKey := p.cfg.MaxUserDefinedAttributeKeyLength()
	maxVal := p.cfg.MaxUserDefinedAttributeValueLength()
	for k, v := range sig.UserDefinedAttributes {
		if len(k) > maxKey {
			return fmt.Errorf("attribute key %q exceeds %d characters", k, maxKey)
		}
		if s, ok := v.(string); ok && len(s) > maxVal {
			return fmt.Errorf("attribute value for %q exceeds %d characters", k, maxVal)
		}
	}
	return nil
}

// nameRegexp compiles the configured name pattern, reusing the compiled form
// until the pattern changes under a config refresh.
func (p *Processor) nameRegexp() (*regexp.Regexp, error) {
	pattern := p.cfg.CustomEventNameRegex()
	p.reMu.Lock()
	defer p.reMu.Unlock()
	if p.nameRe != nil && p.namePattern == pattern {
		return p.nameRe, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	p.namePattern = pattern
	p.nameRe = re
	return re, nil
}

func (p *Processor) buildEvent(sig *Signal) (*store.Event, error) {
	body := sig.Payload
	if sig.Name != "" {
		// Named events (custom, screen view) carry the name inside the
		// type-tagged body.
		if body == nil {
			body = map[string]any{"name": sig.Name}
		} else {
			body = map[string]any{"name": sig.Name, "data": sig.Payload}
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	sessionID := sig.SessionID
	if sessionID == "" {
		sessionID = p.sessions.SessionID()
	}
	ts := sig.Timestamp
	if ts.IsZero() {
		ts = p.time.Now()
	}

	attrs := map[string]any{}
	attribute.Apply(attrs, p.attrs)

	var attachments []store.Attachment
	var attachmentSize int64
	for _, a := range sig.Attachments {
		size := a.Size
		if size == 0 && len(a.Bytes) > 0 {
			size = int64(len(a.Bytes))
		}
		attachmentSize += size
		attachments = append(attachments, store.Attachment{
			ID:   p.ids.NewID(),
			Name: a.Name,
			Type: a.Type,
			Size: size,
			Path: a.Path,
			Blob: a.Bytes,
		})
	}

	return &store.Event{
		ID:                    p.ids.NewID(),
		SessionID:             sessionID,
		Timestamp:             ts,
		Type:                  sig.Type,
		Payload:               datatypes.JSON(payload),
		Attributes:            attrs,
		UserDefinedAttributes: datatypes.JSONMap(sig.UserDefinedAttributes),
		UserTriggered:         sig.UserTriggered,
		AttachmentSize:        attachmentSize,
		NeedsReporting:        p.sessions.NeedsReporting() || sig.Type == store.TypeCrash,
		Attachments:           attachments,
	}, nil
}
