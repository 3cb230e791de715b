// Package ws is the bidirectional channel of the relay: one websocket
// session per connected device.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pliu/dmrelay/internal/middleware"
	"github.com/pliu/dmrelay/internal/relay"
)

type Config struct {
	SendBuffer     int
	MaxMessageSize int64
	WriteWait      time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	// AllowedOrigins restricts the Origin header on upgrade. Empty allows any.
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		SendBuffer:     64,
		MaxMessageSize: 16 * 1024,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   54 * time.Second,
	}
}

type Hub struct {
	relay    *relay.Service
	limiter  *middleware.RateLimiter
	log      *zap.Logger
	cfg      Config
	upgrader websocket.Upgrader
}

// NewHub builds the websocket entry point. limiter may be nil.
func NewHub(svc *relay.Service, limiter *middleware.RateLimiter, cfg Config, log *zap.Logger) *Hub {
	def := DefaultConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{relay: svc, limiter: limiter, log: log, cfg: cfg}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range h.cfg.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// ServeWs upgrades an authenticated request and registers the session with
// the presence registry.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.String("user", userID), zap.Error(err))
		return
	}

	client := newClient(h, conn, uuid.NewString(), userID)
	h.relay.Registry().Register(context.Background(), client)
	client.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected))
	h.log.Debug("websocket connected", zap.String("user", userID), zap.String("handle", client.id))

	go client.writePump()
	go client.readPump()
}
