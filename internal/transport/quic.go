package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// ALPNProtocol identifies the robin datagram protocol during the QUIC
	// handshake.
	ALPNProtocol = "robin-datagram-v1"

	// MaxQUICSymbolSize keeps a framed fragment inside the datagram budget
	// of a minimum-size QUIC packet.
	MaxQUICSymbolSize = 960

	defaultQUICIdleTimeout = 30 * time.Second
)

// QUICOptions configures the QUIC datagram transport.
type QUICOptions struct {
	// Addr is the remote address (senders) or local address (receivers).
	Addr        string
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

func (o QUICOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (o QUICOptions) config() *quic.Config {
	idle := o.IdleTimeout
	if idle == 0 {
		idle = defaultQUICIdleTimeout
	}
	cfg, _ := BuildQUICConfig(&quic.Config{DisablePathMTUDiscovery: true}, idle)
	return cfg
}

// ServerTLSConfig returns a TLS config with a fresh self-signed
// certificate. The transport authenticates nothing; frames carry their
// own integrity check.
func ServerTLSConfig() (*tls.Config, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

// ClientTLSConfig returns a TLS config that accepts any server certificate.
func ClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
	}
}

func selfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"robin"}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

// QUICSender sends frames as DATAGRAM frames on one QUIC connection.
type QUICSender struct {
	conn *quic.Conn
}

// DialQUIC connects to a QUIC receiver.
func DialQUIC(ctx context.Context, opts QUICOptions) (*QUICSender, error) {
	logger := opts.logger()
	conn, err := quic.DialAddr(ctx, opts.Addr, ClientTLSConfig(), opts.config())
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", opts.Addr, err)
	}
	logger.Info("quic connection established", "remote", conn.RemoteAddr(), "local", conn.LocalAddr())
	return &QUICSender{conn: conn}, nil
}

// Send queues one frame as a datagram. It fails if the peer did not
// negotiate datagram support or the frame does not fit in a packet.
func (s *QUICSender) Send(frame []byte) error {
	return s.conn.SendDatagram(frame)
}

func (s *QUICSender) Close() error {
	return s.conn.CloseWithError(0, "transfer finished")
}

// QUICReceiver accepts any number of senders and merges their datagrams
// into one stream.
type QUICReceiver struct {
	ln     *quic.Listener
	frames chan []byte
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// ListenQUIC starts a QUIC listener on opts.Addr.
func ListenQUIC(ctx context.Context, opts QUICOptions) (*QUICReceiver, error) {
	tlsConf, err := ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(opts.Addr, tlsConf, opts.config())
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", opts.Addr, err)
	}
	rctx, cancel := context.WithCancel(ctx)
	r := &QUICReceiver{
		ln:     ln,
		frames: make(chan []byte, 1024),
		logger: opts.logger(),
		ctx:    rctx,
		cancel: cancel,
	}
	r.logger.Info("quic receiver listening", "local", ln.Addr())
	r.wg.Add(1)
	go r.acceptLoop()
	return r, nil
}

func (r *QUICReceiver) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.ln.Accept(r.ctx)
		if err != nil {
			if r.ctx.Err() == nil {
				r.logger.Debug("quic accept stopped", "error", err)
			}
			return
		}
		r.logger.Info("quic sender connected", "remote", conn.RemoteAddr())
		r.wg.Add(1)
		go r.readLoop(conn)
	}
}

func (r *QUICReceiver) readLoop(conn *quic.Conn) {
	defer r.wg.Done()
	for {
		frame, err := conn.ReceiveDatagram(r.ctx)
		if err != nil {
			if r.ctx.Err() == nil {
				r.logger.Info("quic sender gone", "remote", conn.RemoteAddr(), "reason", err)
			}
			conn.CloseWithError(0, "")
			return
		}
		select {
		case r.frames <- frame:
		case <-r.ctx.Done():
			conn.CloseWithError(0, "receiver closed")
			return
		}
	}
}

// Receive returns the next datagram from any connected sender.
func (r *QUICReceiver) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-r.frames:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.ctx.Done():
		return nil, ErrClosed
	}
}

// Addr returns the listening address.
func (r *QUICReceiver) Addr() string {
	return r.ln.Addr().String()
}

func (r *QUICReceiver) Close() error {
	var err error
	r.once.Do(func() {
		r.cancel()
		err = r.ln.Close()
		r.wg.Wait()
	})
	return err
}
