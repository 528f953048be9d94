package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sfalkner/gridobs/internal/align"
	"github.com/sfalkner/gridobs/internal/api"
	"github.com/sfalkner/gridobs/internal/config"
	"github.com/sfalkner/gridobs/internal/grid"
	"github.com/sfalkner/gridobs/internal/station"
	"github.com/sfalkner/gridobs/internal/storage/sqlite"
	"github.com/sfalkner/gridobs/internal/websocket"
	"github.com/sfalkner/gridobs/internal/wgrib2"
	"github.com/sfalkner/gridobs/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	// Load configuration with fallback logic
	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting gridobs server", logger.String("version", Version))

	// The external grid tool is a hard requirement for all grid operations,
	// so a missing executable aborts startup.
	tool, err := wgrib2.NewClient(cfg.GridTool.Path,
		time.Duration(cfg.GridTool.TimeoutSecs)*time.Second, log)
	if err != nil {
		log.Error("Grid extraction tool unavailable", logger.Error(err))
		os.Exit(1)
	}

	// Create WebSocket server for progress events
	wsServer := websocket.NewServer(log)
	go wsServer.Run()

	ctx := context.Background()

	// Build the grid index
	gridIndex := grid.NewIndex(tool, grid.IndexOptions{
		MaxForecastMinutes: cfg.Grid.MaxForecastMinutes,
		Workers:            cfg.Grid.Workers,
		Progress:           wsServer.BroadcastProgress,
	}, log)
	if err := gridIndex.LoadFolder(ctx, cfg.Grid.Dir); err != nil {
		log.Error("Failed to load grid data", logger.Error(err))
		os.Exit(1)
	}

	// Build the station index
	stationIndex := station.NewIndex(log)
	if err := stationIndex.LoadFolder(ctx, cfg.Stations.Dir); err != nil {
		log.Error("Failed to load station data", logger.Error(err))
		os.Exit(1)
	}

	// Create query engines
	gridEngine := grid.NewEngine(gridIndex, tool, grid.EngineOptions{
		BatchSize:          cfg.Grid.BatchSize,
		MaxDivergenceHours: cfg.Grid.EffectiveMaxDivergenceHours(),
		IDWPower:           cfg.Grid.IDWPower,
	}, log)
	stationEngine := station.NewEngine(stationIndex, log)

	// Initialize run storage
	store, err := sqlite.New(cfg.Storage.SQLiteBasePath, log)
	if err != nil {
		log.Error("Failed to initialize storage", logger.Error(err))
		os.Exit(1)
	}
	defer store.Close()

	// Create the alignment combiner
	combiner := align.NewCombiner(gridIndex, gridEngine, stationIndex, stationEngine,
		store, wsServer.BroadcastProgress, log)

	// Create API handler and router
	handler := api.NewHandler(gridIndex, gridEngine, stationIndex, stationEngine,
		combiner, store, wsServer, cfg, log)
	router := api.NewRouter(handler, cfg, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
	}

	go func() {
		log.Info("HTTP server listening", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server failed", logger.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down", logger.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", logger.Error(err))
	}

	log.Info("Shutdown complete")
}
