// Package probe implements "robin probe", which prints the public address
// a receiver behind NAT would be reached at.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/sheerbytes/robin/internal/config"
	"github.com/sheerbytes/robin/internal/logging"
	"github.com/sheerbytes/robin/internal/termio"
	"github.com/sheerbytes/robin/internal/transport"
)

// Run parses args, probes and prints the mapped address.
func Run(args []string) {
	fs := pflag.NewFlagSet("probe", pflag.ContinueOnError)
	bind := fs.String("bind", fmt.Sprintf(":%d", config.DefaultPort), "local UDP address to probe from")
	stun := fs.StringSlice("stun", transport.DefaultSTUNServers, "STUN servers (host:port)")
	timeout := fs.Duration("timeout", 2*time.Second, "per-server timeout")
	logLevel := fs.String("log-level", "warn", "log level (debug, info, warn, error)")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: robin probe [flags]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	logger := logging.New("robin-probe", *logLevel, "text")
	ctx, cancel := context.WithTimeout(context.Background(), *timeout*time.Duration(len(*stun)+1))
	defer cancel()
	if err := Probe(ctx, termio.Stdout(), *bind, *stun, *timeout, logger); err != nil {
		logger.Error("probe failed", "error", err)
		termio.Flush()
		cancel()
		os.Exit(1)
	}
	termio.Flush()
}

// Probe binds bind and writes "local -> public" to out.
func Probe(ctx context.Context, out io.Writer, bind string, servers []string, timeout time.Duration, logger *slog.Logger) error {
	laddr, err := net.ResolveUDPAddr("udp", bind)
	if err != nil {
		return fmt.Errorf("resolve bind address: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	public, err := transport.ProbePublicAddr(ctx, conn, servers, timeout, logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s -> %s\n", conn.LocalAddr(), public)
	if local, ok := conn.LocalAddr().(*net.UDPAddr); ok && local.Port != public.Port {
		fmt.Fprintln(out, "port is remapped by NAT; senders must target the public address")
	}
	return nil
}

