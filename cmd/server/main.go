package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/panchuko/panchuko/internal/api"
	"github.com/panchuko/panchuko/internal/config"
	"github.com/panchuko/panchuko/internal/hub"
	"github.com/panchuko/panchuko/internal/store"
	"github.com/panchuko/panchuko/internal/ws"
)

func main() {
	var (
		configPath = pflag.String("config", "", "path to YAML config file")
		listenAddr = pflag.String("listen", "", "listen address (overrides config)")
		dbPath     = pflag.String("db", "", "sqlite database path (overrides config)")
		staticDir  = pflag.String("static", "", "static asset directory (overrides config)")
	)
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("loading config", "error", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *staticDir != "" {
		cfg.StaticDir = *staticDir
	}

	st, err := store.New(cfg.DBPath, logger)
	if err != nil {
		logger.Error("initializing store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	maintainer := store.NewMaintainer(st, store.DefaultMaintainerConfig())
	maintainer.Start()
	defer maintainer.Stop()

	h := hub.New(logger)
	apiHandler := api.New(st, h, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/resource/", apiHandler.ResourceRouter)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWS(h, logger, w, r)
	})
	mux.HandleFunc("/health", apiHandler.HealthHandler)
	mux.HandleFunc("/stats", apiHandler.StatsHandler)

	if cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))
	}

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: corsMiddleware(mux),
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	logger.Info("server starting",
		"addr", cfg.ListenAddr,
		"db", cfg.DBPath,
		"static", cfg.StaticDir)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Credential")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
