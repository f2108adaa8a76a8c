package store

import (
	"log/slog"
	"sync"
	"time"

	"tracepoint/internal/config"
)

// Retention deletes sessions and events that are fully exported, will never
// be exported, or exceed the retention policy, and evicts oldest sessions
// when the store grows past its session cap. The current session is always
// exempt.
type Retention struct {
	events   *EventStore
	sessions *SessionStore
	cfg      *config.Provider
	logger   *slog.Logger

	// currentSession reports the live session id so it is never evicted.
	currentSession func() string

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewRetention builds the retention worker.
func NewRetention(events *EventStore, sessions *SessionStore, cfg *config.Provider, currentSession func() string, logger *slog.Logger) *Retention {
	return &Retention{
		events:         events,
		sessions:       sessions,
		cfg:            cfg,
		logger:         logger,
		currentSession: currentSession,
		stop:           make(chan struct{}),
	}
}

// RunOnce performs a single retention pass.
func (r *Retention) RunOnce(now time.Time) error {
	current := r.currentSession()

	// Sessions that will never be exported: delete their events first,
	// then the session rows.
	ids, err := r.sessions.SessionsToDelete(current)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		if err := r.events.DeleteEventsForSessions(ids); err != nil {
			return err
		}
		if err := r.sessions.DeleteSessions(ids); err != nil {
			return err
		}
		r.logger.Debug("retention: deleted unreportable sessions", "count", len(ids))
	}

	// Policy expiry: anything older than the retention period goes,
	// batched or not.
	cutoff := now.Add(-r.cfg.RetentionPeriod())
	if err := r.events.DeleteEventsOlderThan(cutoff); err != nil {
		return err
	}

	// Oldest-first eviction under storage pressure.
	count, err := r.sessions.CountSessions()
	if err != nil {
		return err
	}
	if limit := int64(r.cfg.MaxSessionsInStore()); count > limit {
		evict, err := r.sessions.OldestSessions(int(count-limit), current)
		if err != nil {
			return err
		}
		if len(evict) > 0 {
			if err := r.events.DeleteEventsForSessions(evict); err != nil {
				return err
			}
			if err := r.sessions.DeleteSessions(evict); err != nil {
				return err
			}
			r.logger.Debug("retention: evicted oldest sessions", "count", len(evict))
		}
	}
	return nil
}

// Start launches the background goroutine that runs a cleanup pass once at
// startup and then on the given interval.
func (r *Retention) Start(interval time.Duration) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		if err := r.RunOnce(time.Now().UTC()); err != nil {
			r.logger.Warn("retention cleanup failed at startup", "error", err)
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case t := <-ticker.C:
				if err := r.RunOnce(t.UTC()); err != nil {
					r.logger.Warn("retention cleanup failed", "error", err)
				}
			case <-r.stop:
				return
			}
		}
	}()
}

// Stop halts the worker and waits for the in-flight pass to finish.
func (r *Retention) Stop() {
	r.once.Do(func() { close(r.stop) })
	r.wg.Wait()
}
