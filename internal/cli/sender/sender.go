// Package sender implements "robin send".
package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/sheerbytes/robin/internal/coder"
	"github.com/sheerbytes/robin/internal/config"
	"github.com/sheerbytes/robin/internal/contentenc"
	"github.com/sheerbytes/robin/internal/fileio"
	"github.com/sheerbytes/robin/internal/logging"
	"github.com/sheerbytes/robin/internal/progress"
	"github.com/sheerbytes/robin/internal/termio"
	"github.com/sheerbytes/robin/internal/transfer"
	"github.com/sheerbytes/robin/internal/transport"
)

// Run parses args and sends one file. It exits the process on failure.
func Run(args []string) {
	cfg, err := config.ParseSendConfig(args)
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(termio.Stderr(), err)
		termio.Flush()
		os.Exit(2)
	}

	logger := logging.New("robin-send", cfg.LogLevel, cfg.LogFormat)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = Send(ctx, cfg, logger, termio.Stdout(), termio.IsTerminal(termio.StdoutFile()))
	stop()
	if err != nil {
		logger.Error("send failed", "error", err)
		termio.Flush()
		os.Exit(1)
	}
	termio.Flush()
}

// Send transmits cfg.Path until ctx is cancelled or cfg.Passes repair
// passes have been sent. Cancellation is a normal way to stop and is not
// reported as an error.
func Send(ctx context.Context, cfg config.SendConfig, logger *slog.Logger, out io.Writer, tty bool) error {
	encoding, err := contentenc.Parse(cfg.Encoding)
	if err != nil {
		return err
	}
	data, err := fileio.ReadSource(cfg.Path, coder.MaxTransferLength)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	payload, err := contentenc.Encode(encoding, data)
	if err != nil {
		return err
	}
	if uint64(len(payload)) > coder.MaxTransferLength {
		return fmt.Errorf("%w: encoded size %d", fileio.ErrTooLarge, len(payload))
	}
	name := cfg.Name
	if name == "" {
		name = filepath.Base(cfg.Path)
	}
	logger.Info("source loaded",
		"file", name,
		"bytes", len(data),
		"encoding", encoding,
		"encoded_bytes", len(payload),
		"blake3", fileio.Checksum(data))

	symbolSize := cfg.SymbolSize
	if cfg.Transport == config.TransportQUIC && symbolSize > transport.MaxQUICSymbolSize {
		logger.Warn("symbol size too large for QUIC datagrams, clamping", "requested", symbolSize, "used", transport.MaxQUICSymbolSize)
		symbolSize = transport.MaxQUICSymbolSize
	}

	sink, err := openSink(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sink.Close()

	reporter := progress.NewSendReporter(out, tty)
	s := transfer.NewSender(transfer.SenderConfig{
		Systematic:        cfg.Systematic,
		InitialRepairs:    cfg.InitialRepairs,
		ResidualBatchSize: cfg.BatchSize,
		StartingOffset:    cfg.StartOffset,
		Shuffle:           cfg.Shuffle,
		SymbolSize:        symbolSize,
		Seed:              cfg.Seed,
	},
		transfer.WithEncoding(encoding),
		transfer.WithMaxPasses(cfg.Passes),
		transfer.WithSendObserver(reporter),
		transfer.WithSenderLogger(logger),
	)

	emit := transport.Paced(ctx, cfg.RatePPS, sink.Send)
	err = s.Send(ctx, name, payload, transfer.Emitter(emit))
	reporter.Finish()
	if err != nil && ctx.Err() != nil {
		logger.Info("send interrupted", "file", name)
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("send finished", "file", name, "passes", cfg.Passes)
	return nil
}

func openSink(ctx context.Context, cfg config.SendConfig, logger *slog.Logger) (transport.Sink, error) {
	switch cfg.Transport {
	case config.TransportQUIC:
		s, err := transport.DialQUIC(ctx, transport.QUICOptions{Addr: cfg.Dest, Logger: logger})
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.TransportRelay:
		s, err := transport.DialRelayPublisher(ctx, transport.RelayOptions{URL: cfg.RelayURL, Channel: cfg.Channel, Logger: logger})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := transport.DialUDP(ctx, transport.UDPOptions{
			Bind:         cfg.Bind,
			Dest:         cfg.Dest,
			Broadcast:    cfg.Broadcast,
			MulticastTTL: cfg.MulticastTTL,
			BufferBytes:  cfg.BufferBytes,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("sending over udp", "local", s.LocalAddr().String(), "dest", cfg.Dest,
			"buffer", transport.FormatBufferSize(cfg.BufferBytes))
		return s, nil
	}
}
