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

	"github.com/spf13/pflag"

	"github.com/sheerbytes/robin/internal/config"
	"github.com/sheerbytes/robin/internal/logging"
	"github.com/sheerbytes/robin/internal/relay"
	"github.com/sheerbytes/robin/internal/termio"
)

const serverVersion = "v0.1.0"

func main() {
	termio.Init()
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(termio.Stdout(), serverVersion)
		termio.Flush()
		return
	}
	cfg, err := config.ParseServerConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(termio.Stderr(), err)
		termio.Flush()
		os.Exit(2)
	}
	logger := logging.New("robinserv", cfg.LogLevel, cfg.LogFormat)

	hub := relay.NewHub()
	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: relay.NewServer(hub, relay.ServerOptions{
			MaxMessageBytes: cfg.MaxMessageBytes,
			QueueSize:       cfg.QueueSize,
			MaxConns:        cfg.MaxConns,
			IdleTimeout:     cfg.IdleTimeout,
			Logger:          logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("relay listening", "addr", cfg.Addr, "max_message_bytes", cfg.MaxMessageBytes, "queue", cfg.QueueSize)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		termio.Flush()
		os.Exit(1)
	}
	stats := hub.Stats()
	logger.Info("relay stopped", "published", stats.Published, "dropped", stats.Dropped)
	termio.Flush()
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
