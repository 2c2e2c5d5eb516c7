package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"socialchat/internal/auth"
	"socialchat/internal/chat"
	"socialchat/internal/config"
	"socialchat/internal/database"
	"socialchat/internal/handler"
	"socialchat/internal/history"
	"socialchat/internal/liveness"
	"socialchat/internal/logger"
	"socialchat/internal/metrics"
	"socialchat/internal/registry"
)

func main() {
	// .envファイルを読み込み
	envErr := godotenv.Load()

	// 環境変数を読み込み
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Env, cfg.LogLevel)
	defer log.Sync()
	if envErr != nil {
		log.Warn("⚠️  .env file not found, using environment only", zap.Error(envErr))
	}

	if err := run(cfg, log); err != nil {
		log.Fatal("❌ server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	reg := registry.New(registry.Options{Logger: log, Metrics: m})

	var archiver chat.Archiver
	archiveDone := make(chan struct{})
	close(archiveDone)
	archiveCtx, stopArchive := context.WithCancel(context.Background())
	defer stopArchive()

	// データベース接続を初期化 (optional archive)
	if cfg.ArchiveEnabled() {
		db, err := database.Init(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.Close()
		if err := database.EnsureSchema(ctx, db); err != nil {
			return err
		}
		archive := database.NewArchive(db, database.DefaultQueueSize, log, m)
		archiver = archive
		archiveDone = make(chan struct{})
		go func() {
			defer close(archiveDone)
			archive.Run(archiveCtx)
		}()
		log.Info("✅ database connection established", zap.String("database", cfg.DBName))
	}

	svc := chat.New(chat.Options{
		History:  history.New(cfg.HistoryCapacity),
		Registry: reg,
		Archiver: archiver,
		Logger:   log,
		Metrics:  m,
	})

	// ハンドラー初期化
	h := handler.New(cfg, svc, auth.NewVerifier(cfg.JWTSecret), log, m)

	// Liveness sweep
	monitor := liveness.New(reg, cfg.LivenessInterval, log, m)
	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		monitor.Run(monitorCtx)
	}()

	router := h.SetupRouter()

	// CORS対応
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Content-Length"},
		MaxAge:           300,
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           c.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Println("========================================")
	fmt.Println("  Social Chat Realtime Server")
	fmt.Println("========================================")
	fmt.Printf("  Environment: %s\n", cfg.Env)
	fmt.Printf("  Server: http://localhost:%s\n", cfg.ServerPort)
	fmt.Printf("  Realtime: ws://localhost:%s/realtime?token=<jwt>\n", cfg.ServerPort)
	fmt.Printf("  Polling: http://localhost:%s/api/messages (every %s)\n", cfg.ServerPort, cfg.PollInterval)
	fmt.Printf("  Liveness sweep: %s\n", monitor.Interval())
	if cfg.ArchiveEnabled() {
		fmt.Printf("  Archive: %s@%s:%s/%s\n", cfg.DBUser, cfg.DBHost, cfg.DBPort, cfg.DBName)
	}
	fmt.Printf("  Allowed Origins: %v\n", cfg.AllowedOrigins)
	fmt.Println("========================================")

	serveErr := make(chan error, 1)
	go func() {
		log.Info("🚀 server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			stopMonitor()
			return err
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	stopMonitor()
	<-monitorDone

	// Hijacked sockets are not tracked by http.Server, so close them first.
	h.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}

	stopArchive()
	select {
	case <-archiveDone:
	case <-shutdownCtx.Done():
		log.Warn("archive flush timed out")
	}

	log.Info("👋 server stopped")
	return nil
}
