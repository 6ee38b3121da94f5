package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/pliu/tandem/internal/apperr"
	"github.com/pliu/tandem/internal/auth"
	"github.com/pliu/tandem/internal/chat"
	"github.com/pliu/tandem/internal/middleware"
)

type Config struct {
	// AuthTimeout bounds token verification and the identity lookup.
	AuthTimeout time.Duration
	// EventTimeout bounds the handling of a single inbound event.
	EventTimeout time.Duration
	// EventsPerSecond and Burst limit inbound frames per connection; zero
	// disables limiting.
	EventsPerSecond float64
	Burst           int
	SendBuffer      int
	// AllowedOrigins empty accepts any origin.
	AllowedOrigins []string
}

func (c *Config) defaults() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 5 * time.Second
	}
	if c.EventTimeout <= 0 {
		c.EventTimeout = 10 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 20
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
}

// Server authenticates websocket handshakes and runs a session per
// connection.
type Server struct {
	svc      *chat.Service
	verifier middleware.TokenVerifier
	cfg      Config
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

func NewServer(svc *chat.Service, verifier middleware.TokenVerifier, cfg Config, log *logrus.Entry) *Server {
	cfg.defaults()
	s := &Server{svc: svc, verifier: verifier, cfg: cfg, log: log}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ServeWs authenticates the handshake before upgrading. A request without a
// valid token or a known identity is refused with 401 and leaves no state.
func (s *Server) ServeWs(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.AuthTimeout)
	defer cancel()

	claims, err := s.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		s.refuse(w, err)
		return
	}
	user, err := s.svc.Lookup(ctx, claims.UserID)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeNotFound {
			err = apperr.Unauthorized("unknown user")
		}
		s.refuse(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	client := &Client{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, s.cfg.SendBuffer),
		done:    make(chan struct{}),
		timeout: s.cfg.EventTimeout,
	}
	if s.cfg.EventsPerSecond > 0 {
		client.limiter = rate.NewLimiter(rate.Limit(s.cfg.EventsPerSecond), s.cfg.Burst)
	}
	client.log = s.log.WithFields(logrus.Fields{"conn": client.id, "user": user.ID})
	client.session = s.svc.NewSession(client)
	if err := client.session.Authenticate(user); err != nil {
		client.log.WithError(err).Error("session authentication failed")
		conn.Close()
		return
	}
	client.log.Info("connected")

	go client.writePump()
	go client.readPump()
}

func (s *Server) refuse(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	status := http.StatusUnauthorized
	if code == apperr.CodeUnavailable {
		status = http.StatusServiceUnavailable
	}
	s.log.WithError(err).WithField("code", code).Info("websocket handshake refused")
	http.Error(w, apperr.PublicMessage(err), status)
}
