package signaling

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/geoshare/internal/auth"
	"github.com/wilsonzlin/aero/proxy/geoshare/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/geoshare/internal/origin"
	"github.com/wilsonzlin/aero/proxy/geoshare/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/geoshare/internal/ratelimit"
)

// Subprotocol is negotiated when the client offers it.
const Subprotocol = "echo-protocol"

// Query parameters read from the upgrade request.
const (
	QueryParamID     = "id"
	QueryParamAPIKey = auth.QueryParamAPIKey
)

// Rejection reasons, returned as plain-text HTTP bodies before any upgrade.
const (
	ReasonOriginNotAllowed = "Origin not allowed"
	ReasonInvalidAPIKey    = "Invalid API key"
	ReasonInvalidClientID  = "Invalid client id"
)

const (
	defaultMaxMessageBytes      = int64(64 * 1024)
	defaultMaxMessagesPerSecond = 50
	defaultIdleTimeout          = 60 * time.Second
	defaultPingInterval         = 20 * time.Second
)

type Config struct {
	// Path the relay is mounted at. Defaults to "/".
	Path string

	// Origins defaults to allowing every origin.
	Origins origin.Policy
	// Verifier checks the apiKey query parameter. Nil disables the check.
	Verifier auth.Verifier

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	PingInterval         time.Duration
	IdleTimeout          time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Clock   ratelimit.Clock
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = "/"
	}
	if c.Verifier == nil {
		c.Verifier = auth.AllowAll{}
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}
	if c.MaxMessagesPerSecond <= 0 {
		c.MaxMessagesPerSecond = defaultMaxMessagesPerSecond
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.IdleTimeout {
		c.PingInterval = min(defaultPingInterval, c.IdleTimeout/2)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = ratelimit.RealClock{}
	}
	return c
}

// Server is the signaling relay. It owns its Registry; nothing is global.
type Server struct {
	cfg      Config
	log      *slog.Logger
	registry *Registry
	upgrader websocket.Upgrader
	closed   atomic.Bool
}

func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		registry: NewRegistry(),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{Subprotocol},
			// Origins are checked against the policy before Upgrade is called.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	pattern := "GET " + s.cfg.Path
	if s.cfg.Path == "/" {
		pattern = "GET /{$}"
	}
	mux.Handle(pattern, s)
}

func (s *Server) Registry() *Registry {
	return s.registry
}

// Close disconnects every registered client and refuses new ones.
func (s *Server) Close() {
	s.closed.Store(true)
	for _, c := range s.registry.drain() {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	if _, ok := s.cfg.Origins.Check(r.Header.Get("Origin"), r.Host); !ok {
		s.cfg.Metrics.Inc(metrics.RejectedOrigin)
		s.log.Debug("relay connection rejected", "reason", ReasonOriginNotAllowed, "remote_addr", r.RemoteAddr)
		http.Error(w, ReasonOriginNotAllowed, http.StatusForbidden)
		return
	}

	q := r.URL.Query()
	cred, _ := auth.CredentialFromQuery(q)
	if err := s.cfg.Verifier.Verify(cred); err != nil {
		s.cfg.Metrics.Inc(metrics.RejectedAPIKey)
		s.log.Debug("relay connection rejected", "reason", ReasonInvalidAPIKey, "remote_addr", r.RemoteAddr)
		http.Error(w, ReasonInvalidAPIKey, http.StatusForbidden)
		return
	}

	fp, err := protocol.ParseFingerprint(q.Get(QueryParamID))
	if err != nil {
		s.cfg.Metrics.Inc(metrics.RejectedClientID)
		s.log.Debug("relay connection rejected", "reason", ReasonInvalidClientID, "remote_addr", r.RemoteAddr)
		http.Error(w, ReasonInvalidClientID, http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		return
	}

	c := newConn(uuid.NewString(), fp, ws)
	if !s.admit(c) {
		s.log.Debug("relay connection refused during shutdown", "fingerprint", fp.Short(), "conn_id", c.ID)
		return
	}
	s.cfg.Metrics.Inc(metrics.ConnectionsOpened)
	s.log.Info("relay connection opened", "fingerprint", fp.Short(), "conn_id", c.ID, "remote_addr", r.RemoteAddr)

	s.serveConn(c)
}

// admit registers c, closing the connection it replaces. A Close that ran
// during the upgrade wins and c is closed instead.
func (s *Server) admit(c *Conn) bool {
	if prev := s.registry.Register(c.Fingerprint, c); prev != nil {
		s.cfg.Metrics.Inc(metrics.ConnectionReplaced)
		s.log.Info("relay connection replaced", "fingerprint", c.Fingerprint.Short(), "conn_id", prev.ID, "replaced_by", c.ID)
		prev.closeWith(CloseReplaced, closeReasonReplace)
	}
	if s.closed.Load() {
		s.registry.Remove(c.Fingerprint, c)
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		return false
	}
	return true
}

func (s *Server) serveConn(c *Conn) {
	done := make(chan struct{})
	defer func() {
		close(done)
		s.registry.Remove(c.Fingerprint, c)
		c.Close()
		s.cfg.Metrics.Inc(metrics.ConnectionsClosed)
		s.log.Info("relay connection closed", "fingerprint", c.Fingerprint.Short(), "conn_id", c.ID)
	}()

	idle := s.cfg.IdleTimeout
	_ = c.ws.SetReadDeadline(time.Now().Add(idle))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(idle))
	})
	go s.keepalive(c, done)

	limiter := ratelimit.NewPerSecond(s.cfg.Clock, s.cfg.MaxMessagesPerSecond)

	for {
		msgType, reader, err := c.ws.NextReader()
		if err != nil {
			if isTimeout(err) {
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(idle))

		if msgType != websocket.TextMessage {
			s.cfg.Metrics.Inc(metrics.DroppedNonText)
			continue
		}

		msg, err := readLimited(reader, s.cfg.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				s.cfg.Metrics.Inc(metrics.ClosedTooLarge)
				s.log.Info("relay message too large", "fingerprint", c.Fingerprint.Short(), "conn_id", c.ID, "limit", s.cfg.MaxMessageBytes)
				c.closeWith(websocket.CloseMessageTooBig, "message too large")
			}
			return
		}

		// Limit after reading so the frame is consumed from the socket.
		if !limiter.Allow(1) {
			s.cfg.Metrics.Inc(metrics.DroppedRateLimited)
			s.log.Debug("relay message rate limited", "fingerprint", c.Fingerprint.Short(), "conn_id", c.ID)
			continue
		}

		s.route(c, msg)
	}
}

func (s *Server) route(from *Conn, msg []byte) {
	env, err := protocol.ParseEnvelope(msg)
	if err != nil {
		s.cfg.Metrics.Inc(metrics.DroppedMalformed)
		s.log.Debug("relay dropped malformed envelope", "fingerprint", from.Fingerprint.Short(), "conn_id", from.ID, "size", len(msg), "err", err)
		return
	}

	target, ok := s.registry.Lookup(env.To)
	if !ok {
		s.cfg.Metrics.Inc(metrics.DroppedUnroutable)
		s.log.Debug("relay dropped unroutable envelope", "from", env.From.Short(), "to", env.To.Short(), "size", len(msg))
		return
	}

	if err := target.Send(msg); err != nil {
		s.cfg.Metrics.Inc(metrics.ForwardWriteFailure)
		s.log.Debug("relay forward failed", "to", env.To.Short(), "conn_id", target.ID, "err", err)
		return
	}
	s.cfg.Metrics.Inc(metrics.EnvelopesForwarded)
	s.log.Debug("relay forwarded envelope", "from", env.From.Short(), "to", env.To.Short(), "size", len(msg))
}

func (s *Server) keepalive(c *Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
