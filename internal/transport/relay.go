package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/robin/internal/relay"
)

const (
	relayWriteTimeout = 10 * time.Second
	relayPingInterval = 20 * time.Second
)

var relayDialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// RelayOptions configures a relay connection.
type RelayOptions struct {
	// URL is the relay server base URL (http, https, ws or wss).
	URL     string
	Channel string
	Logger  *slog.Logger
}

// RelayURL builds the websocket URL for a channel and role.
func RelayURL(base, channel, role string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("relay url %q: unsupported scheme %q", base, u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + relay.WSPath
	q := u.Query()
	q.Set("channel", channel)
	q.Set("role", role)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// RelayConn is a publisher or subscriber connection to a relay server.
type RelayConn struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	frames  chan []byte
	readErr error
	done    chan struct{}
	stop    chan struct{}
	once    sync.Once
}

// DialRelayPublisher connects as a publisher; use Send.
func DialRelayPublisher(ctx context.Context, opts RelayOptions) (*RelayConn, error) {
	return dialRelay(ctx, opts, relay.RolePublish)
}

// DialRelaySubscriber connects as a subscriber; use Receive.
func DialRelaySubscriber(ctx context.Context, opts RelayOptions) (*RelayConn, error) {
	return dialRelay(ctx, opts, relay.RoleSubscribe)
}

func dialRelay(ctx context.Context, opts RelayOptions, role string) (*RelayConn, error) {
	wsURL, err := RelayURL(opts.URL, opts.Channel, role)
	if err != nil {
		return nil, err
	}
	conn, resp, err := relayDialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("relay upgrade failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			return nil, fmt.Errorf("relay upgrade failed (%d)", resp.StatusCode)
		}
		return nil, fmt.Errorf("relay dial: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &RelayConn{
		conn:   conn,
		logger: logger,
		frames: make(chan []byte, 1024),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	logger.Info("relay connected", "url", wsURL, "role", role)
	return c, nil
}

// readLoop feeds subscribers and notices the server closing on publishers.
func (c *RelayConn) readLoop() {
	defer close(c.done)
	for {
		kind, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		select {
		case c.frames <- msg:
		case <-c.stop:
			return
		}
	}
}

func (c *RelayConn) pingLoop() {
	ticker := time.NewTicker(relayPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(relayWriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Send publishes one frame.
func (c *RelayConn) Send(frame []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("relay: %w", ErrClosed)
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Receive returns the next frame relayed to a subscriber.
func (c *RelayConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.frames:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		// Drain what arrived before the connection went away.
		select {
		case frame := <-c.frames:
			return frame, nil
		default:
		}
		return nil, fmt.Errorf("relay: %w: %v", ErrClosed, c.readErr)
	}
}

// Close says goodbye to the server and closes the connection.
func (c *RelayConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.stop)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
		<-c.done
	})
	return err
}
