// Package receiver implements "robin recv".
package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/sheerbytes/robin/internal/config"
	"github.com/sheerbytes/robin/internal/contentenc"
	"github.com/sheerbytes/robin/internal/fileio"
	"github.com/sheerbytes/robin/internal/logging"
	"github.com/sheerbytes/robin/internal/progress"
	"github.com/sheerbytes/robin/internal/termio"
	"github.com/sheerbytes/robin/internal/transfer"
	"github.com/sheerbytes/robin/internal/transport"
)

// Run parses args and receives files until interrupted. It exits the
// process on failure.
func Run(args []string) {
	cfg, err := config.ParseRecvConfig(args)
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(termio.Stderr(), err)
		termio.Flush()
		os.Exit(2)
	}

	logger := logging.New("robin-recv", cfg.LogLevel, cfg.LogFormat)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	src, err := Open(ctx, cfg, logger)
	if err != nil {
		stop()
		logger.Error("open transport failed", "error", err)
		termio.Flush()
		os.Exit(1)
	}
	_, err = Receive(ctx, cfg, src, logger, termio.Stdout(), termio.IsTerminal(termio.StdoutFile()))
	src.Close()
	stop()
	if err != nil {
		logger.Error("receive failed", "error", err)
		termio.Flush()
		os.Exit(1)
	}
	termio.Flush()
}

// Open creates the frame source named by cfg. For UDP with a STUN server
// configured, the public address is probed on the listening socket before
// any frame is read.
func Open(ctx context.Context, cfg config.RecvConfig, logger *slog.Logger) (transport.Source, error) {
	switch cfg.Transport {
	case config.TransportQUIC:
		r, err := transport.ListenQUIC(ctx, transport.QUICOptions{Addr: cfg.Listen, Logger: logger})
		if err != nil {
			return nil, err
		}
		logger.Info("listening", "transport", cfg.Transport, "addr", r.Addr())
		return r, nil
	case config.TransportRelay:
		r, err := transport.DialRelaySubscriber(ctx, transport.RelayOptions{URL: cfg.RelayURL, Channel: cfg.Channel, Logger: logger})
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		r, err := transport.ListenUDP(ctx, transport.UDPOptions{
			Bind:        cfg.Listen,
			Group:       cfg.Group,
			Interface:   cfg.Interface,
			BufferBytes: cfg.BufferBytes,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("listening", "transport", cfg.Transport, "addr", r.LocalAddr().String(), "group", cfg.Group,
			"buffer", transport.FormatBufferSize(cfg.BufferBytes))
		if cfg.STUNServer != "" {
			servers := splitServers(cfg.STUNServer)
			if addr, err := transport.ProbePublicAddr(ctx, r.Conn(), servers, 0, logger); err != nil {
				logger.Warn("public address probe failed", "error", err)
			} else {
				logger.Info("senders outside this network can target the public address", "public", addr.String())
			}
		}
		return r, nil
	}
}

// Receive feeds frames from src into a transfer.Receiver from a single
// goroutine and writes completed files to cfg.OutDir. It returns the number
// of files saved once ctx is cancelled or cfg.ExitAfter files are saved.
func Receive(ctx context.Context, cfg config.RecvConfig, src transport.Source, logger *slog.Logger, out io.Writer, tty bool) (int, error) {
	reporter := progress.NewRecvReporter(out, tty)
	recv := transfer.NewReceiver(
		transfer.WithMaxSlots(cfg.MaxSlots),
		transfer.WithSlotTTL(cfg.SlotTTL),
		transfer.WithMaxTransferLength(cfg.MaxBytes),
		transfer.WithReceiveObserver(reporter),
		transfer.WithReceiverLogger(logger),
	)

	saved := 0
	onComplete := func(meta transfer.Meta, data []byte) {
		path, sum, err := store(cfg.OutDir, meta, data, cfg.MaxBytes)
		if err != nil {
			logger.Error("failed to save transfer", "meta", meta, "error", err)
			return
		}
		saved++
		logger.Info("file saved", "path", path, "blake3", sum)
	}

	var rejected uint64
	for {
		frame, err := src.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("receiver stopped", "saved", saved, "rejected_frames", rejected)
				return saved, nil
			}
			return saved, err
		}
		outcome, err := recv.Recv(frame, onComplete)
		switch outcome {
		case transfer.Rejected:
			rejected++
			logger.Debug("frame rejected", "error", err)
		case transfer.Completed:
			if cfg.ExitAfter > 0 && saved >= cfg.ExitAfter {
				logger.Info("received requested number of files", "saved", saved)
				return saved, nil
			}
		}
	}
}

// store undoes the content encoding and writes the file. It returns the
// path and checksum of the decoded content.
func store(dir string, meta transfer.Meta, data []byte, limit uint64) (string, string, error) {
	content, err := contentenc.Decode(meta.Encoding, data, limit)
	if err != nil {
		return "", "", err
	}
	path, err := fileio.WriteReceived(dir, meta.Filename, content)
	if err != nil {
		return "", "", err
	}
	return path, fileio.Checksum(content), nil
}

func splitServers(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
