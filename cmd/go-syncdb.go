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

	"go.uber.org/zap"

	"github.com/adfharrison1/go-syncdb/pkg/auth"
	"github.com/adfharrison1/go-syncdb/pkg/config"
	"github.com/adfharrison1/go-syncdb/pkg/domain"
	"github.com/adfharrison1/go-syncdb/pkg/server"
	"github.com/adfharrison1/go-syncdb/pkg/session"
	"github.com/adfharrison1/go-syncdb/pkg/storage"
	"github.com/adfharrison1/go-syncdb/pkg/storage/mongo"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		os.Exit(runToken(os.Args[2:]))
	}
	os.Exit(runServer(os.Args[1:]))
}

func usage(fs *flag.FlagSet) func() {
	return func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\ngo-syncdb is a real-time multi-tenant document sync server.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -jwt-secret s3cret                              # File storage in ./data\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config syncdb.yaml -listen :9090               # Settings from a file\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -backend mongo -mongo-uri mongodb://localhost   # MongoDB storage\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s token -jwt-secret s3cret -workspace acme        # Issue a client token\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nSafety Note:\n")
		fmt.Fprintf(os.Stderr, "  With -durability none, commits since the last checkpoint are lost on a crash.\n")
	}
}

func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, error) {
	flags := config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return nil, err
	}
	flags.Apply(cfg)
	return cfg, nil
}

func newLogger(debug bool) (*zap.SugaredLogger, error) {
	var logger *zap.Logger
	var err error
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// openBackend returns the configured backend and a function releasing it.
func openBackend(cfg *config.Config, logger *zap.SugaredLogger) (domain.Backend, func() error, error) {
	switch cfg.Backend {
	case "mongo":
		backend := mongo.NewBackend(cfg.MongoURI,
			mongo.WithDatabasePrefix(cfg.MongoDBPrefix),
			mongo.WithLogger(logger.Named("mongo")),
		)
		return backend, func() error { return nil }, nil
	default:
		durability, err := storage.ParseDurability(cfg.Durability)
		if err != nil {
			return nil, nil, err
		}
		engine, err := storage.NewEngine(cfg.DataDir,
			storage.WithDurability(durability),
			storage.WithCheckpointInterval(cfg.CheckpointInterval),
			storage.WithLogger(logger.Named("storage")),
		)
		if err != nil {
			return nil, nil, err
		}
		return engine, engine.Close, nil
	}
}

func runServer(args []string) int {
	fs := flag.NewFlagSet("go-syncdb", flag.ContinueOnError)
	fs.Usage = usage(fs)
	cfg, err := loadConfig(fs, args)
	if err == flag.ErrHelp {
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer logger.Sync()

	backend, closeBackend, err := openBackend(cfg, logger)
	if err != nil {
		logger.Errorf("Failed to open %s backend: %v", cfg.Backend, err)
		return 1
	}
	defer func() {
		if err := closeBackend(); err != nil {
			logger.Errorf("Failed to close backend: %v", err)
		}
	}()
	logger.Infof("Using %s backend", cfg.Backend)
	if cfg.Backend == "file" && cfg.Durability == "none" {
		logger.Warn("Durability none: commits are only safe after a checkpoint")
	}

	reg := server.NewRegistry(backend, auth.NewVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer),
		server.WithLogger(logger.Named("server")),
		server.WithSessionOptions(
			session.WithLogger(logger.Named("session")),
			session.WithDurableDomains(cfg.DurableDomains...),
		),
		server.WithSendBuffer(cfg.SendBuffer),
		server.WithWriteTimeout(cfg.WriteTimeout),
		server.WithPingInterval(cfg.PingInterval),
	)

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: reg.Router(),
	}

	// Start server in a goroutine
	failed := make(chan error, 1)
	go func() {
		logger.Infof("Starting go-syncdb server on %s", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			failed <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info("Shutting down server...")
	case err := <-failed:
		logger.Errorf("Server failed to start: %v", err)
		return 1
	}

	// Give outstanding requests a deadline for completion
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	code := 0
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
		code = 1
	}
	// Hijacked websocket connections are not covered by httpServer.Shutdown.
	if err := reg.Shutdown(ctx); err != nil {
		logger.Errorf("Sessions forced to shutdown: %v", err)
		code = 1
	}

	logger.Info("Server exited")
	return code
}

// runToken prints a signed token for a workspace, for local clients and tests.
func runToken(args []string) int {
	fs := flag.NewFlagSet("go-syncdb token", flag.ContinueOnError)
	workspace := fs.String("workspace", "", "Workspace (tenant) the token grants access to")
	email := fs.String("email", "", "Email recorded in the token")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	cfg, err := loadConfig(fs, args)
	if err == flag.ErrHelp {
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if cfg.JWTSecret == "" || *workspace == "" {
		fmt.Fprintln(os.Stderr, "token requires -jwt-secret and -workspace")
		return 2
	}

	token, err := auth.NewVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer).Issue(*email, *workspace, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println(token)
	return 0
}
