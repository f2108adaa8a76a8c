// Command tracepoint-demo runs the pipeline against a loopback collector so
// the whole path (ingestion, batching, export, config fetch, retention) can
// be exercised without a real backend. It also serves the pipeline's own
// prometheus counters on /metrics.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fasthttp/router"
	"github.com/joho/godotenv"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/valyala/fasthttp"

	"tracepoint"
)

type demoConfig struct {
	ListenAddr  string
	APIKey      string
	StoragePath string
	Interval    time.Duration
}

func loadConfig() demoConfig {
	cfg := demoConfig{
		ListenAddr:  getenv("DEMO_LISTEN_ADDR", ":8091"),
		APIKey:      getenv("DEMO_API_KEY", "demo-key"),
		StoragePath: getenv("DEMO_STORAGE_PATH", "tracepoint-data"),
		Interval:    2 * time.Second,
	}
	if v := os.Getenv("DEMO_SIGNAL_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Interval = time.Duration(ms) * time.Millisecond
		}
	}
	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	_ = godotenv.Load()
	cfg := loadConfig()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// The collector starts before the pipeline so the initial config fetch
	// succeeds; /metrics reads the pipeline through an atomic handoff.
	var pipeline atomic.Pointer[tracepoint.Pipeline]

	r := router.New()

	// Loopback collector: accepts exported batches and hands out a config
	// snapshot that shortens the batching interval for the demo.
	r.POST("/v1/batches", func(ctx *fasthttp.RequestCtx) {
		var batch struct {
			BatchID string            `json:"batch_id"`
			Events  []json.RawMessage `json:"events"`
		}
		if err := json.Unmarshal(ctx.PostBody(), &batch); err != nil {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			return
		}
		logger.Info("collector: batch received", "batch_id", batch.BatchID, "events", len(batch.Events))
		ctx.SetStatusCode(fasthttp.StatusAccepted)
	})
	r.GET("/v1/config", func(ctx *fasthttp.RequestCtx) {
		interval := int64(5000)
		maxEvents := 25
		snapshot := map[string]any{
			"events_batching_interval_ms": interval,
			"max_events_in_batch":         maxEvents,
		}
		body, _ := json.Marshal(snapshot)
		ctx.SetContentType("application/json")
		ctx.SetBody(body)
	})
	r.GET("/metrics", func(ctx *fasthttp.RequestCtx) {
		p := pipeline.Load()
		if p == nil {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			return
		}
		families, err := p.Registry().Gather()
		if err != nil {
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
			return
		}
		// Skip families with no samples yet so the output stays compact.
		filtered := make([]*dto.MetricFamily, 0, len(families))
		for _, mf := range families {
			if len(mf.GetMetric()) == 0 {
				continue
			}
			filtered = append(filtered, mf)
		}
		var buf bytes.Buffer
		encoder := expfmt.NewEncoder(&buf, expfmt.FmtText)
		for _, mf := range filtered {
			if err := encoder.Encode(mf); err != nil {
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				return
			}
		}
		ctx.SetContentType(string(expfmt.FmtText))
		ctx.SetBody(buf.Bytes())
	})

	go func() {
		if err := fasthttp.ListenAndServe(cfg.ListenAddr, r.Handler); err != nil {
			logger.Error("collector server failed", "error", err)
			os.Exit(1)
		}
	}()

	p, err := tracepoint.New(tracepoint.Options{
		APIURL:      "http://localhost" + cfg.ListenAddr,
		APIKey:      cfg.APIKey,
		StoragePath: cfg.StoragePath,
		Logger:      logger,
		Device: tracepoint.DeviceInfo{
			OSName:     "demo",
			OSVersion:  "1.0",
			Model:      "loopback",
			AppVersion: "0.1.0",
		},
	})
	if err != nil {
		logger.Error("pipeline construction failed", "error", err)
		os.Exit(1)
	}
	pipeline.Store(p)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	logger.Info("demo: generating signals", "listen", cfg.ListenAddr)

	i := 0
loop:
	for {
		select {
		case <-ticker.C:
			i++
			_ = p.Track(tracepoint.Signal{
				Type: tracepoint.TypeCustom,
				Name: "demo_tick",
				Payload: map[string]any{
					"sequence": i,
				},
				UserDefinedAttributes: map[string]any{"source": "demo"},
				UserTriggered:         true,
			})
			if i%5 == 0 {
				_ = p.Track(tracepoint.Signal{
					Type:    tracepoint.TypeMemoryUsage,
					Payload: map[string]any{"rss_bytes": 1 << 20},
				})
			}
		case <-stop:
			break loop
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		logger.Error("pipeline shutdown failed", "error", err)
	}
}
