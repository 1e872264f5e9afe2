package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"order-relay/domain"
	"order-relay/membership"
	"order-relay/relay"
)

const announcementMaxSize = 256 * 1024 // 256 KiB

// Relay is the event protocol the websocket endpoint drives.
type Relay interface {
	Connect(c membership.Conn)
	Disconnect(c membership.Conn)
	Handle(ctx context.Context, c membership.Conn, msg []byte)
	Announce(ctx context.Context, event string, data json.RawMessage) error
}

// StatsSource reports membership counts for the health endpoint.
type StatsSource interface {
	Stats() membership.Stats
}

type Options struct {
	// AllowedOrigin is matched against the websocket handshake Origin
	// header. "*" accepts any origin.
	AllowedOrigin string
	SendBuffer    int
	// AnnounceToken guards POST /api/announcements. The route is not
	// registered when empty.
	AnnounceToken string
}

// Server owns the live websocket sessions.
type Server struct {
	relay    Relay
	stats    StatsSource
	opts     Options
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	wg      sync.WaitGroup
}

func NewServer(rl Relay, stats StatsSource, opts Options, logger *log.Logger) *Server {
	s := &Server{
		relay:   rl,
		stats:   stats,
		opts:    opts,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Register wires up the relay endpoints on the given Echo instance.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/socket", s.serveSocket)
	e.GET("/healthz", s.healthz)
	if s.opts.AnnounceToken != "" {
		e.POST("/api/announcements", s.handleAnnouncement)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.opts.AllowedOrigin == "*" {
		return true
	}
	origin := r.Header.Get(echo.HeaderOrigin)
	return origin == "" || origin == s.opts.AllowedOrigin
}

func (s *Server) track(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients == nil {
		return false
	}
	s.clients[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *client) {
	s.mu.Lock()
	if s.clients != nil {
		delete(s.clients, c)
	}
	s.mu.Unlock()
	s.wg.Done()
}

// CloseConnections closes every live session, rejects new ones and waits
// until each has been disconnected from the relay.
func (s *Server) CloseConnections() {
	s.mu.Lock()
	clients := s.clients
	s.clients = nil
	s.mu.Unlock()
	for c := range clients {
		c.close()
	}
	s.wg.Wait()
}

func (s *Server) serveSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		s.logger.WithError(err).Debug("websocket upgrade failed")
		return nil
	}
	cl := newClient(ws, s.opts.SendBuffer)
	if !s.track(cl) {
		cl.close()
		return nil
	}
	defer s.untrack(cl)

	s.relay.Connect(cl)
	go cl.writePump()
	defer func() {
		cl.close()
		s.relay.Disconnect(cl)
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Handlers run to completion even if the peer goes away mid-frame.
	ctx := context.WithoutCancel(c.Request().Context())
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.WithError(err).WithField("connection", cl.ID()).Debug("websocket closed unexpectedly")
			}
			return nil
		}
		s.relay.Handle(ctx, cl, msg)
	}
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, s.stats.Stats())
}

// handleAnnouncement accepts new-order and new-reservation announcements from
// backend services and forwards them to the admin room.
func (s *Server) handleAnnouncement(c echo.Context) error {
	authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] != s.opts.AnnounceToken {
		return c.NoContent(http.StatusUnauthorized)
	}

	lr := io.LimitReader(c.Request().Body, announcementMaxSize)
	var f domain.Frame
	if err := sonic.ConfigStd.NewDecoder(lr).Decode(&f); err != nil {
		return c.String(http.StatusBadRequest, "invalid body")
	}

	if err := s.relay.Announce(c.Request().Context(), f.Event, f.Data); err != nil {
		var verr *domain.ValidationError
		if errors.Is(err, relay.ErrUnknownAnnouncement) || errors.As(err, &verr) {
			return c.String(http.StatusBadRequest, err.Error())
		}
		s.logger.WithError(err).WithField("event", f.Event).Error("announcement failed")
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.NoContent(http.StatusAccepted)
}
