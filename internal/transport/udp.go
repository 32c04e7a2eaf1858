package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/sheerbytes/robin/internal/bufpool"
	"github.com/sheerbytes/robin/internal/transfer"
)

// UDPOptions configures the UDP transport.
type UDPOptions struct {
	// Bind is the local address. Senders default to an ephemeral port.
	Bind string
	// Dest is the unicast, broadcast or multicast destination (senders).
	Dest string
	// Broadcast enables SO_BROADCAST (senders).
	Broadcast bool
	// MulticastTTL is the hop limit for multicast destinations (senders).
	MulticastTTL int
	// Group is a multicast group to join (receivers).
	Group string
	// Interface restricts the multicast join to one interface by name.
	Interface string
	// BufferBytes sizes the socket buffer, 0 keeps the system default.
	BufferBytes int
	Logger      *slog.Logger
}

func (o UDPOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// UDPSender writes frames to a fixed destination.
type UDPSender struct {
	conn *net.UDPConn
	dest *net.UDPAddr
}

// DialUDP opens a socket for sending to opts.Dest.
func DialUDP(ctx context.Context, opts UDPOptions) (*UDPSender, error) {
	dest, err := net.ResolveUDPAddr("udp", opts.Dest)
	if err != nil {
		return nil, fmt.Errorf("resolve destination: %w", err)
	}
	bind := opts.Bind
	if bind == "" {
		bind = ":0"
	}
	network := "udp"
	if dest.IP.To4() != nil {
		network = "udp4"
	}
	lc := net.ListenConfig{Control: socketControl(false, opts.Broadcast)}
	pc, err := lc.ListenPacket(ctx, network, bind)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", bind, err)
	}
	conn := pc.(*net.UDPConn)
	logger := opts.logger()

	if dest.IP.IsMulticast() && opts.MulticastTTL > 0 {
		if err := setMulticastTTL(conn, dest.IP, opts.MulticastTTL); err != nil {
			logger.Warn("multicast ttl not applied", "error", err)
		}
	}
	if opts.BufferBytes > 0 {
		res := TuneUDPBuffers(conn, 0, opts.BufferBytes)
		logger.Debug("udp send buffer", "requested", FormatBufferSize(res.RequestedWrite), "status", res.Status, "error", res.Err)
	}
	logger.Info("udp sender ready", "local", conn.LocalAddr(), "dest", dest, "broadcast", opts.Broadcast)
	return &UDPSender{conn: conn, dest: dest}, nil
}

// Send writes one frame as one datagram.
func (s *UDPSender) Send(frame []byte) error {
	_, err := s.conn.WriteToUDP(frame, s.dest)
	return err
}

func (s *UDPSender) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *UDPSender) Close() error {
	return s.conn.Close()
}

func setMulticastTTL(conn *net.UDPConn, group net.IP, ttl int) error {
	if group.To4() != nil {
		return ipv4.NewPacketConn(conn).SetMulticastTTL(ttl)
	}
	return ipv6.NewPacketConn(conn).SetMulticastHopLimit(ttl)
}

// UDPReceiver reads datagrams from a bound socket.
type UDPReceiver struct {
	conn *net.UDPConn
	pool *bufpool.Pool
}

// ListenUDP binds opts.Bind and joins opts.Group when set.
func ListenUDP(ctx context.Context, opts UDPOptions) (*UDPReceiver, error) {
	var group net.IP
	network := "udp"
	if opts.Group != "" {
		group = net.ParseIP(opts.Group)
		if group == nil || !group.IsMulticast() {
			return nil, fmt.Errorf("%q is not a multicast group", opts.Group)
		}
		if group.To4() != nil {
			network = "udp4"
		} else {
			network = "udp6"
		}
	}
	lc := net.ListenConfig{Control: socketControl(group != nil, false)}
	pc, err := lc.ListenPacket(ctx, network, opts.Bind)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", opts.Bind, err)
	}
	conn := pc.(*net.UDPConn)
	logger := opts.logger()

	if group != nil {
		joined, err := joinGroup(conn, group, opts.Interface)
		if err != nil {
			conn.Close()
			return nil, err
		}
		logger.Info("joined multicast group", "group", group, "interfaces", joined)
	}
	if opts.BufferBytes > 0 {
		res := TuneUDPBuffers(conn, opts.BufferBytes, 0)
		logger.Debug("udp receive buffer", "requested", FormatBufferSize(res.RequestedRead), "status", res.Status, "error", res.Err)
	}
	logger.Info("udp receiver listening", "local", conn.LocalAddr())
	return &UDPReceiver{conn: conn, pool: bufpool.New(transfer.MaxFrameSize)}, nil
}

// joinGroup joins group on the named interface, or on every up
// multicast-capable interface when name is empty.
func joinGroup(conn *net.UDPConn, group net.IP, name string) ([]string, error) {
	var ifaces []net.Interface
	if name != "" {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("interface %s: %w", name, err)
		}
		ifaces = []net.Interface{*iface}
	} else {
		all, err := net.Interfaces()
		if err != nil {
			return nil, fmt.Errorf("list interfaces: %w", err)
		}
		for _, iface := range all {
			if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagMulticast != 0 {
				ifaces = append(ifaces, iface)
			}
		}
	}

	addr := &net.UDPAddr{IP: group}
	var joined []string
	var errs []error
	for i := range ifaces {
		var err error
		if group.To4() != nil {
			err = ipv4.NewPacketConn(conn).JoinGroup(&ifaces[i], addr)
		} else {
			err = ipv6.NewPacketConn(conn).JoinGroup(&ifaces[i], addr)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ifaces[i].Name, err))
			continue
		}
		joined = append(joined, ifaces[i].Name)
	}
	if len(joined) == 0 {
		return nil, fmt.Errorf("join %s: %w", group, errors.Join(append(errs, errors.New("no usable interface"))...))
	}
	return joined, nil
}

// Receive blocks for the next datagram. Cancelling ctx unblocks it.
func (r *UDPReceiver) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = r.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := r.pool.Get()
	defer r.pool.Put(buf)
	n, _, err := r.conn.ReadFromUDP(buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			_ = r.conn.SetReadDeadline(time.Time{})
			return nil, ctxErr
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, nil
}

// Conn exposes the socket, for the public address probe.
func (r *UDPReceiver) Conn() *net.UDPConn {
	return r.conn
}

func (r *UDPReceiver) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}

func (r *UDPReceiver) Close() error {
	return r.conn.Close()
}
