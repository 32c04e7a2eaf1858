package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Connection roles, passed as the role query parameter of WSPath.
const (
	RolePublish   = "pub"
	RoleSubscribe = "sub"
)

const (
	WSPath     = "/ws"
	HealthPath = "/health"

	writeTimeout = 10 * time.Second
)

// ServerOptions configures a Server.
type ServerOptions struct {
	// MaxMessageBytes bounds a single published frame.
	MaxMessageBytes int64
	// QueueSize is the per-subscriber queue length in frames.
	QueueSize int
	// MaxConns caps concurrent websocket connections, 0 for no limit.
	MaxConns int
	// IdleTimeout closes connections that send nothing (pings included)
	// for this long. Zero disables it.
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

// Server is the relay HTTP handler.
type Server struct {
	hub      *Hub
	opts     ServerOptions
	logger   *slog.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	conns    *connLimiter
	nextID   atomic.Uint64
}

// NewServer returns a relay server backed by hub.
func NewServer(hub *Hub, opts ServerOptions) *Server {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 65536
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		hub:    hub,
		opts:   opts,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		mux:   http.NewServeMux(),
		conns: newConnLimiter(opts.MaxConns),
	}
	s.mux.HandleFunc(HealthPath, s.handleHealth)
	s.mux.HandleFunc(WSPath, s.handleWS)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		OK bool `json:"ok"`
		Stats
	}{OK: true, Stats: s.hub.Stats()})
}

func sendError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	role := r.URL.Query().Get("role")
	if channel == "" {
		sendError(w, http.StatusBadRequest, "missing channel")
		return
	}
	if role != RolePublish && role != RoleSubscribe {
		sendError(w, http.StatusBadRequest, fmt.Sprintf("role must be %q or %q", RolePublish, RoleSubscribe))
		return
	}

	if !s.conns.Acquire() {
		sendError(w, http.StatusServiceUnavailable, "too many connections")
		return
	}
	defer s.conns.Release()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.opts.MaxMessageBytes)

	var writeMu sync.Mutex
	s.keepAlive(conn, &writeMu)

	id := fmt.Sprintf("%s-%d", role, s.nextID.Add(1))
	logger := s.logger.With("channel", channel, "conn", id, "remote", r.RemoteAddr)
	logger.Info("relay client connected", "role", role)
	defer logger.Info("relay client disconnected")

	if role == RoleSubscribe {
		unsubscribe := s.hub.Subscribe(channel, id, s.opts.QueueSize, func(frame []byte) error {
			writeMu.Lock()
			defer writeMu.Unlock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			return conn.WriteMessage(websocket.BinaryMessage, frame)
		})
		defer unsubscribe()
	}

	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error", "error", err)
			}
			return
		}
		if s.opts.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		}
		if role != RolePublish || kind != websocket.BinaryMessage {
			continue
		}
		if _, dropped := s.hub.Publish(channel, msg); dropped > 0 {
			logger.Debug("slow subscribers missed a frame", "dropped", dropped)
		}
	}
}

func (s *Server) keepAlive(conn *websocket.Conn, writeMu *sync.Mutex) {
	idle := s.opts.IdleTimeout
	if idle <= 0 {
		return
	}
	conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(idle))
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(idle))
		writeMu.Lock()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
		writeMu.Unlock()
		return err
	})
}
