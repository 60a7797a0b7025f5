// Package main runs the computation core as a long-lived service:
// - Streaming: shared tick connection, per-subscription candle aggregation
// - History: seeds each series from the chart endpoint before going live
// - Pricing: oracle price feed subscriptions with cached latest prices
// - PnL: periodic revaluation of tracked positions against live prices
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"perp-trading-core/internal/candles"
	"perp-trading-core/internal/domain"
	"perp-trading-core/internal/history"
	"perp-trading-core/internal/observability"
	"perp-trading-core/internal/pnl"
	"perp-trading-core/internal/pricefeed"
	"perp-trading-core/internal/storage"
	chstore "perp-trading-core/internal/storage/clickhouse"
	"perp-trading-core/internal/storage/memory"
	"perp-trading-core/internal/storage/migrations"
	pgstore "perp-trading-core/internal/storage/postgres"
	"perp-trading-core/internal/stream"
)

// Server wires the streaming, history, pricing and PnL components together.
type Server struct {
	symbols     []string
	resolutions []candles.Resolution
	feedIDs     []string
	traders     []string
	pnlInterval time.Duration

	candleStore   storage.CandleStore
	positionStore storage.PositionStore
	registry      *stream.Registry
	loader        *history.Loader
	prices        *pricefeed.Client

	log     zerolog.Logger
	started time.Time

	mu            sync.Mutex
	lastPnlRun    time.Time
	pnlRuns       int
	barsPersisted int
}

func main() {
	// Load .env file if exists
	loadEnvFile()

	// Parse flags (env vars as defaults)
	tickEndpoint := flag.String("tick-endpoint", os.Getenv("TICK_ENDPOINT"), "Streaming trade tick endpoint (NDJSON over HTTP)")
	historyEndpoint := flag.String("history-endpoint", os.Getenv("HISTORY_ENDPOINT"), "Chart history endpoint base URL")
	pricefeedEndpoint := flag.String("pricefeed-endpoint", envOr("PRICEFEED_ENDPOINT", "wss://hermes.pyth.network/ws"), "Oracle price feed WebSocket endpoint")
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL/ClickHouse")
	symbols := flag.String("symbols", envOr("SYMBOLS", "Crypto.BTC/USD"), "Comma-separated channel symbols to track")
	resolutions := flag.String("resolutions", envOr("RESOLUTIONS", "1"), "Comma-separated candle resolutions (1, 5, 240, D, 1W)")
	feedIDs := flag.String("feed-ids", os.Getenv("FEED_IDS"), "Comma-separated oracle feed IDs, in pair-index order")
	traders := flag.String("traders", os.Getenv("TRADERS"), "Comma-separated trader addresses whose positions are revalued")
	pnlInterval := flag.Duration("pnl-interval", 5*time.Second, "Position revaluation interval")
	metricsAddr := flag.String("metrics-addr", ":9090", "Prometheus metrics HTTP address")

	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	// Validate required flags
	if *tickEndpoint == "" {
		logger.Fatal().Msg("--tick-endpoint is required")
	}
	if !*useMemory && (*postgresDSN == "" || *clickhouseDSN == "") {
		logger.Fatal().Msg("--postgres-dsn and --clickhouse-dsn are required (use --use-memory for in-memory storage)")
	}

	symbolList := splitList(*symbols)
	if len(symbolList) == 0 {
		logger.Fatal().Msg("no symbols specified")
	}
	resolutionList, err := parseResolutions(*resolutions)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid --resolutions")
	}

	ctx, cancel := context.WithCancel(context.Background())

	candleStore, positionStore, cleanup, err := createStores(ctx, *postgresDSN, *clickhouseDSN, *useMemory)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create stores")
	}
	defer cleanup()

	server := &Server{
		symbols:       symbolList,
		resolutions:   resolutionList,
		feedIDs:       splitList(*feedIDs),
		traders:       splitList(*traders),
		pnlInterval:   *pnlInterval,
		candleStore:   candleStore,
		positionStore: positionStore,
		registry: stream.NewRegistry(
			stream.NewHTTPTickSource(*tickEndpoint, nil, logger.With().Str("component", "stream").Logger()),
			nil,
			logger.With().Str("component", "stream").Logger(),
		),
		log:     logger,
		started: time.Now(),
	}

	if *historyEndpoint != "" {
		server.loader = history.NewLoader(*historyEndpoint, nil, logger.With().Str("component", "history").Logger())
	}

	if *pricefeedEndpoint != "" && len(server.feedIDs) > 0 {
		prices, err := pricefeed.NewClient(ctx, *pricefeedEndpoint, nil,
			logger.With().Str("component", "pricefeed").Logger(), nil)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to price feed")
		}
		if err := prices.Subscribe(server.feedIDs...); err != nil {
			logger.Fatal().Err(err).Msg("failed to subscribe to price feeds")
		}
		server.prices = prices
	}

	// Channel to signal completion
	done := make(chan error, 1)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")
		cancel()

		select {
		case sig := <-sigCh:
			logger.Warn().Str("signal", sig.String()).Msg("forcing immediate shutdown")
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Warn().Msg("graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	go server.startHTTPServer(*metricsAddr)

	err = server.Run(ctx)
	done <- err
	cancel()

	if err != nil && err != context.Canceled {
		logger.Fatal().Err(err).Msg("server error")
	}

	logger.Info().Msg("shutdown complete")
}

// createStores creates the candle and position stores.
func createStores(ctx context.Context, postgresDSN, clickhouseDSN string, useMemory bool) (storage.CandleStore, storage.PositionStore, func(), error) {
	if useMemory {
		return memory.NewCandleStore(), memory.NewPositionStore(), func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, postgresDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("run postgres migrations: %w", err)
	}

	chConn, err := migrations.RunClickhouseMigrations(ctx, clickhouseDSN)
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("run clickhouse migrations: %w", err)
	}

	cleanup := func() {
		chConn.Close()
		pool.Close()
	}

	return chstore.NewCandleStore(chConn), pgstore.NewPositionStore(pool), cleanup, nil
}

// Run seeds history, subscribes every series and keeps positions revalued
// until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info().Strs("symbols", s.symbols).Msg("starting server")

	for _, symbol := range s.symbols {
		for _, resolution := range s.resolutions {
			lastBar := s.seedHistory(ctx, symbol, resolution)
			s.subscribe(symbol, resolution, lastBar)
		}
	}

	if s.prices != nil && len(s.traders) > 0 {
		go s.runPnlLoop(ctx)
	}

	<-ctx.Done()

	s.registry.Close()
	if s.prices != nil {
		s.prices.Close()
	}
	return ctx.Err()
}

// seedHistory pulls the most recent page of bars for one series into the
// candle store and returns the newest bar, so the live aggregator extends it
// instead of opening a fresh bucket mid-candle.
func (s *Server) seedHistory(ctx context.Context, symbol string, resolution candles.Resolution) *domain.Candle {
	if s.loader == nil {
		return nil
	}

	from, to := s.loader.Range(resolution, history.DefaultPageBars)
	bars, err := s.loader.Fetch(ctx, symbol, resolution, from, to)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Str("resolution", string(resolution)).
			Msg("history seed failed, starting from live ticks only")
		return nil
	}
	if len(bars) == 0 {
		return nil
	}

	for i := range bars {
		s.persistBar(symbol, resolution, bars[i])
	}

	last := bars[len(bars)-1]
	s.log.Info().Str("symbol", symbol).Str("resolution", string(resolution)).
		Int("bars", len(bars)).Msg("seeded history")
	return &last
}

// subscribe registers one series with the stream registry. Every bar update
// is written through to the candle store.
func (s *Server) subscribe(symbol string, resolution candles.Resolution, lastBar *domain.Candle) {
	subscriberID := fmt.Sprintf("%s|%s", symbol, resolution)

	s.registry.Subscribe(symbol, subscriberID, resolution, lastBar, func(bar domain.Candle, action candles.Action) {
		s.persistBar(symbol, resolution, bar)
	})
}

// persistBar writes one bar through to the candle store.
func (s *Server) persistBar(symbol string, resolution candles.Resolution, bar domain.Candle) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	err := s.candleStore.Upsert(ctx, symbol, resolution, &bar)
	observability.RecordDBQuery("candles", "upsert", time.Since(start).Seconds(), err)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Str("resolution", string(resolution)).
			Int64("timestamp_ms", bar.TimestampMs).Msg("failed to persist bar")
		return
	}

	s.mu.Lock()
	s.barsPersisted++
	s.mu.Unlock()
}

// runPnlLoop periodically revalues every tracked trader's positions against
// the latest oracle prices.
func (s *Server) runPnlLoop(ctx context.Context) {
	s.log.Info().Strs("traders", s.traders).Dur("interval", s.pnlInterval).Msg("starting pnl loop")

	ticker := time.NewTicker(s.pnlInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.revaluePositions(ctx)
		}
	}
}

// revaluePositions recomputes PnL for all tracked positions once.
func (s *Server) revaluePositions(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.lastPnlRun = time.Now()
		s.pnlRuns++
		s.mu.Unlock()
	}()

	for _, trader := range s.traders {
		positions, err := s.positionStore.GetByTrader(ctx, trader)
		if err != nil {
			s.log.Warn().Err(err).Str("trader", trader).Msg("failed to load positions")
			continue
		}

		for _, p := range positions {
			price, ok := s.latestPrice(p.PairIndex)
			if !ok {
				observability.RecordPnlComputation(true)
				continue
			}

			result := pnl.Compute(*p, price)
			if result == nil {
				observability.RecordPnlComputation(true)
				continue
			}
			observability.RecordPnlComputation(false)

			liq := pnl.LiquidationForPosition(*p)
			s.log.Debug().
				Str("position", p.ID).
				Float64("price", price).
				Float64("net_pnl", result.NetPnl).
				Float64("net_pnl_percent", result.NetPnlPercent).
				Float64("liquidation_price", liq).
				Msg("position revalued")
		}
	}
}

// latestPrice maps a pair index to its oracle feed and returns the cached price.
func (s *Server) latestPrice(pairIndex int) (float64, bool) {
	if s.prices == nil || pairIndex < 0 || pairIndex >= len(s.feedIDs) {
		return 0, false
	}
	return s.prices.Latest(s.feedIDs[pairIndex])
}

// startHTTPServer starts the HTTP server for health/metrics/status.
func (s *Server) startHTTPServer(addr string) {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.Handle("/metrics", observability.Handler())

	mux.HandleFunc("/status", s.handleStatus)

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		s.log.Error().Err(err).Msg("HTTP server error")
	}
}

// StatusResponse is the JSON response for /status endpoint.
type StatusResponse struct {
	Status        string    `json:"status"`
	Uptime        string    `json:"uptime"`
	Symbols       []string  `json:"symbols"`
	Subscribers   int       `json:"subscribers"`
	BarsPersisted int       `json:"bars_persisted"`
	LastPnlRun    time.Time `json:"last_pnl_run,omitempty"`
	PnlRuns       int       `json:"pnl_runs"`
}

// handleStatus returns server status as JSON.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	resp := StatusResponse{
		Status:        "running",
		Uptime:        time.Since(s.started).String(),
		Symbols:       s.symbols,
		Subscribers:   s.registry.SubscriberCount(),
		BarsPersisted: s.barsPersisted,
		LastPnlRun:    s.lastPnlRun,
		PnlRuns:       s.pnlRuns,
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// splitList splits a comma-separated flag value, dropping empty entries.
func splitList(value string) []string {
	var result []string
	for _, v := range strings.Split(value, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			result = append(result, v)
		}
	}
	return result
}

// parseResolutions validates a comma-separated resolution list.
func parseResolutions(value string) ([]candles.Resolution, error) {
	var result []candles.Resolution
	for _, v := range splitList(value) {
		r := candles.Resolution(v)
		if !r.Valid() {
			return nil, fmt.Errorf("unknown resolution %q", v)
		}
		result = append(result, r)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("no resolutions specified")
	}
	return result, nil
}

// envOr returns the environment variable's value, or fallback when unset.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadEnvFile loads environment variables from .env file if it exists.
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return // File doesn't exist, use system env vars
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Don't override existing env vars
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
