package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/green-1-three/mudmaps/internal/api"
	"github.com/green-1-three/mudmaps/internal/config"
	"github.com/green-1-three/mudmaps/internal/db"
	"github.com/green-1-three/mudmaps/internal/geo"
	"github.com/green-1-three/mudmaps/internal/matcher"
	"github.com/green-1-three/mudmaps/internal/metrics"
	"github.com/green-1-three/mudmaps/internal/pipeline"
	"github.com/green-1-three/mudmaps/internal/queue"
	"github.com/green-1-three/mudmaps/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "reprocess":
		runReprocess()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: mudmapsd <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve       Start the processing worker and read API")
	fmt.Println("  migrate     Run database migrations")
	fmt.Println("  reprocess   Re-run segment activation from cached polylines")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
	fmt.Println("  --device <id>     Device to reprocess (reprocess only)")
	fmt.Println("  --hours <n>       Reprocess window in hours (reprocess only)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting mudmapsd",
		zap.Int("api_port", cfg.API.Port),
		zap.Int("workers", cfg.Processing.Workers),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database.
	pool, err := db.NewPool(ctx, cfg.DB.DSN(), cfg.DB.PoolMax)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	st := store.New(pool, time.Duration(cfg.DB.TxTimeoutSeconds)*time.Second, logger.Named("store"))

	// Connect to the device queue.
	q, err := queue.New(ctx, cfg.Queue.URL, time.Duration(cfg.Queue.PopTimeoutSeconds)*time.Second, logger.Named("queue"))
	if err != nil {
		logger.Fatal("failed to connect to queue", zap.Error(err))
	}
	defer q.Close()

	// Devices stranded inflight by a previous crash would never be offered
	// again; clear the set before taking work.
	if err := q.Reset(ctx); err != nil {
		logger.Warn("resetting inflight set", zap.Error(err))
	}

	mc, err := matcher.NewClient(cfg.Matcher.BaseURL,
		time.Duration(cfg.Matcher.TimeoutMs)*time.Millisecond, cfg.Matcher.CacheSize,
		logger.Named("matcher"))
	if err != nil {
		logger.Fatal("failed to create matcher client", zap.Error(err))
	}

	// --- Processing pipeline ---
	proc := pipeline.NewDeviceProcessor(st, mc, pipeline.ProcessorConfig{
		Batch: pipeline.BatchConfig{
			SizeMax:      cfg.Processing.BatchSizeMax,
			Window:       time.Duration(cfg.Processing.WindowMinutesMax) * time.Minute,
			MinMovementM: cfg.Processing.MinMovementMeters,
			ConnectGap:   time.Duration(cfg.Processing.ConnectGapMinutesMax) * time.Minute,
		},
		MaxRetries: cfg.Processing.MaxRetries,
	}, logger.Named("processor"))

	worker := pipeline.NewWorker(q, st, proc, cfg.Processing.Workers,
		time.Duration(cfg.Processing.StatsIntervalMs)*time.Millisecond, logger.Named("worker"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	logger.Info("worker started", zap.Int("loops", cfg.Processing.Workers))

	// --- HTTP server ---
	apiServer := api.NewServer(cfg.API, st, pool, q, logger.Named("http"))
	if err := apiServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("worker and HTTP server started")

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	// Graceful shutdown.
	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting HTTP traffic first.
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Cancel context to stop the worker loops; in-flight devices release
	// themselves on the way out.
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("worker drained gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, worker may not have finished")
	}

	logger.Info("mudmapsd stopped")
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations", zap.String("database", cfg.DB.Database))

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DB.DSN(), cfg.DB.PoolMax)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

// runReprocess replays segment activation from the polyline cache. The
// monotone advance and the unique update rows make it a no-op on segments
// that already saw these polylines.
func runReprocess() {
	args := os.Args[2:]
	cfg, logger := loadConfig(args)
	defer logger.Sync()

	device := ""
	hours := cfg.API.DefaultHours
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--device":
			if i+1 < len(args) {
				device = args[i+1]
				i++
			}
		case "--hours":
			if i+1 < len(args) {
				n, err := strconv.Atoi(args[i+1])
				if err != nil || n <= 0 {
					fmt.Fprintf(os.Stderr, "invalid --hours: %s\n", args[i+1])
					os.Exit(1)
				}
				hours = n
				i++
			}
		}
	}
	if device == "" {
		fmt.Fprintln(os.Stderr, "reprocess requires --device")
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DB.DSN(), cfg.DB.PoolMax)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	st := store.New(pool, time.Duration(cfg.DB.TxTimeoutSeconds)*time.Second, logger.Named("store"))
	activator := pipeline.NewSegmentActivator(st, logger.Named("activator"))

	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)
	polylines, err := st.PolylinesSince(ctx, device, cutoff)
	if err != nil {
		logger.Fatal("loading cached polylines", zap.Error(err))
	}
	logger.Info("reprocessing polylines",
		zap.String("device_id", device),
		zap.Int("hours", hours),
		zap.Int("polylines", len(polylines)),
	)

	reactivated, advanced := 0, 0
	for _, p := range polylines {
		points, err := geo.DecodePolyline(p.EncodedPolyline)
		if err != nil || len(points) < 2 {
			logger.Warn("skipping undecodable polyline", zap.Int64("polyline_id", p.ID), zap.Error(err))
			continue
		}
		summary, err := activator.Activate(ctx, p.ID, p.DeviceID,
			geo.LineStringWKT(points),
			geo.BearingDegrees(points[0], points[len(points)-1]),
			p.EndTime)
		if err != nil {
			logger.Error("reactivating polyline", zap.Int64("polyline_id", p.ID), zap.Error(err))
			continue
		}
		reactivated++
		advanced += summary.Advanced
	}

	logger.Info("reprocess complete",
		zap.Int("reactivated", reactivated),
		zap.Int("segments_advanced", advanced),
	)
}
