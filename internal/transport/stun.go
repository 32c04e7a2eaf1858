package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/stun"
)

// DefaultSTUNServers are queried when no server is configured.
var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

const defaultSTUNTimeout = 500 * time.Millisecond

var ErrNoPublicAddr = errors.New("all STUN servers failed")

// ProbePublicAddr asks STUN servers for the public address of conn. It
// reads from conn directly, so it must run before anything else starts
// reading from the socket. Packets that are not the expected STUN response
// are discarded.
func ProbePublicAddr(ctx context.Context, conn *net.UDPConn, servers []string, timeout time.Duration, logger *slog.Logger) (*net.UDPAddr, error) {
	if len(servers) == 0 {
		servers = DefaultSTUNServers
	}
	if timeout <= 0 {
		timeout = defaultSTUNTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	defer conn.SetReadDeadline(time.Time{})

	for _, server := range servers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		addrs, err := resolveSTUNAddrs(ctx, strings.TrimPrefix(server, "stun:"))
		if err != nil {
			logger.Warn("invalid STUN server", "server", server, "error", err)
			continue
		}
		for _, addr := range addrs {
			logger.Debug("sending STUN request", "server", addr.String())
			mapped, err := stunRoundTrip(ctx, conn, addr, timeout)
			if err != nil {
				logger.Debug("STUN request failed", "server", addr.String(), "error", err)
				continue
			}
			logger.Info("public address resolved", "addr", mapped, "server", server)
			return mapped, nil
		}
	}
	return nil, ErrNoPublicAddr
}

func stunRoundTrip(ctx context.Context, conn *net.UDPConn, server *net.UDPAddr, timeout time.Duration) (*net.UDPAddr, error) {
	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := conn.WriteToUDP(req.Raw, server); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil, err
		}
		if !stun.IsMessage(buf[:n]) {
			continue
		}
		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			continue
		}
		if res.TransactionID != req.TransactionID {
			continue
		}
		var xorAddr stun.XORMappedAddress
		if err := xorAddr.GetFrom(res); err == nil {
			return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
		}
		var mappedAddr stun.MappedAddress
		if err := mappedAddr.GetFrom(res); err != nil {
			return nil, fmt.Errorf("STUN response without mapped address: %w", err)
		}
		return &net.UDPAddr{IP: mappedAddr.IP, Port: mappedAddr.Port}, nil
	}
}

func resolveSTUNAddrs(ctx context.Context, addrStr string) ([]*net.UDPAddr, error) {
	host, portStr, err := net.SplitHostPort(addrStr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IPs for %s", host)
	}
	addrs := make([]*net.UDPAddr, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, &net.UDPAddr{IP: ip.IP, Port: port})
	}
	return addrs, nil
}
