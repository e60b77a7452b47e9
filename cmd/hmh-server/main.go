package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/api"
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/config"
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/sqlitefn"
	"github.com/sahithikokkula/sqlite-hyperminhash/pkg/storage"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hmh-server: %v\n", err)
		os.Exit(2)
	}
	logger, err := cfg.Log.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "hmh-server: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	// Functions must exist before the first connection is opened.
	if err := sqlitefn.Register(logger); err != nil {
		return fmt.Errorf("register sql functions: %w", err)
	}

	logger.Info("using database", zap.String("path", cfg.DBPath))
	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open sqlite db: %w", err)
	}
	defer db.Close()

	// Pragmas for better performance
	for _, p := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=NORMAL;"} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			logger.Warn("pragma failed", zap.String("pragma", p), zap.Error(err))
		}
	}

	if err := sqlitefn.CheckVersion(ctx, db); err != nil {
		return err
	}
	if err := storage.EnsureMetaTables(ctx, db); err != nil {
		return fmt.Errorf("ensure meta tables: %w", err)
	}

	r := mux.NewRouter()
	api.RegisterRoutes(r, db, api.Options{
		Logger:       logger.Named("api"),
		QueryTimeout: cfg.Server.QueryTimeout,
	})

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      c.Handler(r),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("hmh server listening", zap.String("addr", "http://localhost:"+cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
