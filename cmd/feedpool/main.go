package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"feedpool/internal/cfg"
	"feedpool/internal/events"
	"feedpool/internal/metrics"
	"feedpool/internal/pool"
	"feedpool/internal/probe"
	"feedpool/internal/stats"
	"feedpool/internal/storage"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Optional .env for local runs
	_ = godotenv.Load()

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize components
	bus := events.NewBus()
	m := metrics.New()
	detachMetrics := m.Observe(bus)
	defer detachMetrics()

	store := initializeStorage(c)
	if store != nil {
		defer store.Close()
		detachRecorder := storage.NewRecorder(store).Attach(bus)
		defer detachRecorder()
	}

	p := buildPool(c, bus)

	agg := stats.New(p, bus, c.StatsInterval)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		agg.Run(ctx)
	}()

	if len(c.ProbeTargets) > 0 {
		targets := make([]probe.Target, len(c.ProbeTargets))
		for i, t := range c.ProbeTargets {
			targets[i] = probe.Target{Name: t.Name, URL: t.URL}
		}
		prober := probe.New(bus, targets, c.ProbeInterval, c.RESTTimeout)
		wg.Add(1)
		go func() {
			defer wg.Done()
			prober.Run(ctx)
		}()
	}

	startMetricsServer(ctx, c, p, agg)

	// Bring all feeds up; individual failures keep retrying in the background
	for id, err := range p.ConnectAll(ctx) {
		if err != nil {
			log.Warn().Err(err).Str("connection", id).Msg("initial connect failed, retrying in background")
		}
	}
	log.Info().Int("connections", p.Len()).Msg("feed pool started")

	waitForShutdown(ctx, cancel, &wg, p)
}

// initializeStorage opens history storage if DATA_PATH is configured
func initializeStorage(c cfg.Settings) *storage.Store {
	if c.DataPath != "" {
		store, err := storage.New(c.DataPath)
		if err != nil {
			log.Warn().Err(err).Msg("storage initialization failed, continuing without persistence")
			return nil
		}
		return store
	}
	return nil
}

// buildPool constructs the pool and registers the configured connections
func buildPool(c cfg.Settings, bus *events.Bus) *pool.Pool {
	dialer := &pool.WSDialer{
		PingInterval: c.Ping,
		StaleAfter:   c.StaleAfter,
	}
	timings := pool.Timings{
		HandshakeTimeout: c.HandshakeTimeout,
		TeardownTimeout:  c.TeardownTimeout,
		BackoffMin:       c.BackoffMin,
		BackoffMax:       c.BackoffMax,
		MaxRetries:       c.MaxRetries,
		RateWindow:       c.RateWindow,
	}
	p := pool.New(bus, dialer, timings)

	for _, conn := range c.Connections {
		subs := make([]pool.Subscription, len(conn.Subscriptions))
		for i, s := range conn.Subscriptions {
			subs[i] = pool.Subscription{Channel: s.Channel, Symbols: s.Symbols, Params: s.Params}
		}
		if _, err := p.Add(pool.ConnConfig{
			ID:            conn.ID,
			Name:          conn.Name,
			Exchange:      conn.Exchange,
			URL:           conn.URL,
			Subscriptions: subs,
		}); err != nil {
			log.Fatal().Err(err).Str("connection", conn.ID).Msg("failed to register connection")
		}
	}
	return p
}

// startMetricsServer starts the HTTP server exposing metrics, health, and
// statistics endpoints
func startMetricsServer(ctx context.Context, c cfg.Settings, p *pool.Pool, agg *stats.Aggregator) {
	go func() {
		mux := http.NewServeMux()

		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		})

		mux.Handle("/metrics", promhttp.Handler())

		mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(agg.Current()); err != nil {
				log.Error().Err(err).Msg("failed to encode statistics")
			}
		})

		mux.HandleFunc("/connections", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(p.Statistics().Connections); err != nil {
				log.Error().Err(err).Msg("failed to encode connections")
			}
		})

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", c.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		go func() {
			<-ctx.Done()
			if err := server.Shutdown(context.Background()); err != nil {
				log.Error().Err(err).Msg("failed to shutdown metrics server")
			}
		}()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

// waitForShutdown waits for shutdown signals and handles graceful shutdown
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup, p *pool.Pool) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context canceled")
	}

	log.Info().Msg("shutting down gracefully...")

	// Tear the feeds down before cancelling the background goroutines so the
	// final transitions still reach the aggregator and recorder
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	p.DisconnectAll(shutdownCtx)
	shutdownCancel()

	cancel()

	// Wait for all goroutines to finish with timeout
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all goroutines stopped")
	case <-time.After(10 * time.Second):
		log.Warn().Msg("shutdown timeout, forcing exit")
	}
}
