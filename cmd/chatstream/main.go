package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/floegence/chatstream/internal/chat"
	"github.com/floegence/chatstream/internal/config"
	"github.com/floegence/chatstream/internal/httpapi"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("chatstream %s (%s)\n", Version, Commit)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `chatstream

Usage:
  chatstream run [flags]
  chatstream version

Commands:
  run         Run the chat server using the local config file.
  version     Print build information.

`)
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	defaultCfg, _ := config.DefaultConfigPath()
	cfgPath := fs.String("config", defaultCfg, "Config file path")
	listen := fs.String("listen", "", "Listen address override (host:port)")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if strings.TrimSpace(*listen) != "" {
		cfg.Listen = strings.TrimSpace(*listen)
	}

	logger, err := newLogger(cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	svc, err := chat.New(chat.Options{
		Logger:          logger,
		StateDir:        cfg.StateDir,
		Config:          cfg,
		TurnMaxWallTime: time.Duration(cfg.Stream.TurnMaxWallTimeSec) * time.Second,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init chat service: %v\n", err)
		os.Exit(1)
	}

	srv, err := httpapi.New(httpapi.Options{
		Logger:  logger,
		Listen:  cfg.Listen,
		Chat:    svc,
		Version: Version,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init http server: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "server failed to start: %v\n", err)
		os.Exit(1)
	}

	<-ctx.Done()
	_ = srv.Close()
	// Let in-flight streams reach a terminal state before the store closes.
	if err := svc.Close(); err != nil {
		logger.Warn("chat service shutdown", "err", err)
	}
}

func newLogger(format string, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	case "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
