// Command streamcore launches the real-time data distribution service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"

	"github.com/quantpulse/streamcore/config"
	"github.com/quantpulse/streamcore/internal/broadcast"
	"github.com/quantpulse/streamcore/internal/feed"
	"github.com/quantpulse/streamcore/internal/fetch"
	"github.com/quantpulse/streamcore/internal/observability"
	"github.com/quantpulse/streamcore/internal/registry"
	"github.com/quantpulse/streamcore/internal/supervisor"
	"github.com/quantpulse/streamcore/lib/telemetry"
)

const (
	loggerPrefix             = "streamcore "
	feedTaskName             = "quote-poller"
	httpShutdownTimeout      = 5 * time.Second
	supervisorStopTimeout    = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second
)

func main() {
	cfgPath, debug := parseFlags()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(logger, debug))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, sources=%d", cfg.Environment, len(cfg.Feed.Sources))

	shutdownTelemetry, err := initTelemetry(ctx, logger, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	sup := supervisor.New(cfg.Supervisor)
	executor := fetch.NewExecutor(cfg.Fetch, nil)
	reg := registry.New()
	server := broadcast.NewServer(cfg.Broadcast, reg, sup, executor)
	if err := server.Start(); err != nil {
		logger.Fatalf("start broadcast server: %v", err)
	}
	if err := server.StartStreaming(cfg.Broadcast.StreamInterval); err != nil {
		logger.Fatalf("start performance streaming: %v", err)
	}

	if len(cfg.Feed.Sources) > 0 {
		poller := feed.NewPoller(cfg.Feed, executor, server)
		if err := poller.Start(sup, feedTaskName); err != nil {
			logger.Fatalf("start quote poller: %v", err)
		}
		logger.Printf("quote poller started: interval=%s", cfg.Feed.Interval)
	} else {
		logger.Print("no feed sources configured; skipping quote poller")
	}

	httpServer := buildHTTPServer(cfg.Server, server, sup)
	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		logger.Printf("listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("http server error: %v", err)
			cancel()
		}
	})

	logger.Print("streamcore started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")
	shutdownStart := time.Now()

	httpCtx, httpCancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	if err := httpServer.Shutdown(httpCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	httpCancel()

	server.StopStreaming()
	server.Close()
	sup.ShutdownAll(supervisorStopTimeout)
	lifecycle.Wait()

	telemetryCtx, telemetryCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	if err := shutdownTelemetry(telemetryCtx); err != nil {
		logger.Printf("telemetry shutdown: %v", err)
	}
	telemetryCancel()

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (string, bool) {
	cfgPath := flag.String("config", "", "Path to configuration file (default: config/streamcore.yaml)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()
	return *cfgPath, *debug
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.TelemetryConfig) (func(context.Context) error, error) {
	_, shutdown, err := telemetry.Init(ctx, telemetry.Settings{
		Enabled:  cfg.Enabled,
		Endpoint: cfg.Endpoint,
		Interval: cfg.Interval,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if cfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s", cfg.Endpoint)
	} else {
		logger.Print("telemetry disabled")
	}
	return shutdown, nil
}

func buildHTTPServer(cfg config.ServerConfig, server *broadcast.Server, sup *supervisor.Supervisor) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/ws", server.Handler())
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, server.GetStats())
	})
	mux.HandleFunc("/tasks", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, sup.Tasks())
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observability.Log().Error("encode response", observability.Field{Key: "error", Value: err.Error()})
	}
}
