package export

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tracepoint/internal/config"
)

// PeriodicExporter triggers export cycles on a fixed interval and at the
// lifecycle boundaries where local data is most at risk: app background
// (process may be killed) and crash (process is dying now). It is the only
// driver of the exporter; ingestion never exports synchronously.
type PeriodicExporter struct {
	logger   *slog.Logger
	cfg      *config.Provider
	exporter *Exporter

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewPeriodicExporter wires the timer-driven export loop.
func NewPeriodicExporter(cfg *config.Provider, exporter *Exporter, logger *slog.Logger) *PeriodicExporter {
	return &PeriodicExporter{
		logger:   logger,
		cfg:      cfg,
		exporter: exporter,
		stop:     make(chan struct{}),
	}
}

// Start launches the export ticker. The interval is re-read from config on
// every tick so a refreshed batching interval takes effect without restart.
func (p *PeriodicExporter) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			interval := p.cfg.EventsBatchingInterval()
			timer := time.NewTimer(interval)
			select {
			case <-timer.C:
				p.exporter.Export(context.Background())
			case <-p.stop:
				timer.Stop()
				return
			}
		}
	}()
}

// Stop halts the ticker. A cycle already in flight is allowed to finish or
// be abandoned; idempotent retry on next start is the recovery mechanism.
func (p *PeriodicExporter) Stop() {
	p.once.Do(func() { close(p.stop) })
	p.wg.Wait()
}

// OnAppBackground flushes opportunistically before potential process death.
func (p *PeriodicExporter) OnAppBackground() {
	go p.exporter.Export(context.Background())
}

// ExportCrashSession makes a best-effort synchronous attempt to batch and
// ship the crashed session before or alongside app termination.
func (p *PeriodicExporter) ExportCrashSession(sessionID string) {
	p.exporter.ExportSession(context.Background(), sessionID)
}
