// Package gateway exposes the chat coordinator over WebSocket. Each
// connection is bound to one tenant when it is opened; its frames are
// translated into coordinator calls and outbound events are written back by a
// dedicated writer goroutine.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/capitalize-ai/chat-delivery/internal/chaterr"
	"github.com/capitalize-ai/chat-delivery/internal/model"
	"github.com/capitalize-ai/chat-delivery/internal/tenant"
	"github.com/capitalize-ai/chat-delivery/pkg/logger"
	"github.com/capitalize-ai/chat-delivery/pkg/metrics"
)

const (
	// TenantHeader carries the tenant of a connection.
	TenantHeader = "X-Tenant-ID"
	// TenantQueryParam is the fallback for clients that cannot set headers.
	TenantQueryParam = "tenant_id"

	maxFramePayloadBytes   = 64 * 1024
	maxDecodeErrorsPerConn = 3
	flushTimeout           = time.Second
)

var (
	errPeerClosed = errors.New("connection closed")
	errQueueFull  = errors.New("outbound queue full")
)

// Config tunes the gateway.
type Config struct {
	DefaultTenant      string
	SendBuffer         int
	MaxFramesPerSecond int
}

// Server accepts WebSocket connections.
type Server struct {
	tenants *tenant.Context
	cfg     Config
	logger  *logger.Logger
}

// NewServer creates a gateway serving the tenants of tenants.
func NewServer(tenants *tenant.Context, cfg Config, log *logger.Logger) *Server {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.MaxFramesPerSecond <= 0 {
		cfg.MaxFramesPerSecond = 50
	}
	return &Server{tenants: tenants, cfg: cfg, logger: log}
}

// ServeHTTP resolves the tenant and upgrades the request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenantID := s.tenantOf(r)
	services, err := s.tenants.Services(tenantID)
	if err != nil {
		ce := chaterr.As(err)
		status := http.StatusInternalServerError
		if ce.Kind == chaterr.KindValidation {
			status = http.StatusBadRequest
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(model.ErrorPayload{Message: ce.Message, Code: string(ce.Kind), Fields: ce.Fields})
		return
	}

	ws := websocket.Server{
		Handler: func(conn *websocket.Conn) {
			s.handleConn(conn, services)
		},
	}
	ws.ServeHTTP(w, r)
}

func (s *Server) tenantOf(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(TenantHeader)); id != "" {
		return id
	}
	if id := strings.TrimSpace(r.URL.Query().Get(TenantQueryParam)); id != "" {
		return id
	}
	return s.cfg.DefaultTenant
}

type inboundFrame struct {
	Event     model.EventName `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type outboundFrame struct {
	Event     model.EventName `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Data      any             `json:"data,omitempty"`
}

// peer is the outbound side of one connection. Emit never blocks: when the
// queue is full the event is dropped and the recipient counts as unreachable.
type peer struct {
	conn      *websocket.Conn
	out       chan outboundFrame
	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(conn *websocket.Conn, buffer int) *peer {
	return &peer{
		conn: conn,
		out:  make(chan outboundFrame, buffer),
		done: make(chan struct{}),
	}
}

func (p *peer) Emit(event model.Event) error {
	select {
	case <-p.done:
		return errPeerClosed
	default:
	}

	select {
	case p.out <- outboundFrame{Event: event.Name, RequestID: event.RequestID, Data: event.Payload}:
		return nil
	case <-p.done:
		return errPeerClosed
	default:
		return errQueueFull
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// writeLoop sends queued frames until the peer closes, then flushes what is
// left so a final error reaches the client before the socket goes away.
func (p *peer) writeLoop(log *logger.Logger) {
	for {
		select {
		case <-p.done:
			p.flush()
			return
		case frame := <-p.out:
			if err := websocket.JSON.Send(p.conn, frame); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				p.close()
				return
			}
		}
	}
}

func (p *peer) flush() {
	_ = p.conn.SetWriteDeadline(time.Now().Add(flushTimeout))
	for {
		select {
		case frame := <-p.out:
			if err := websocket.JSON.Send(p.conn, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Server) handleConn(conn *websocket.Conn, services *tenant.Services) {
	conn.MaxPayloadBytes = maxFramePayloadBytes
	// Hijacked connections keep the HTTP server's timeouts.
	_ = conn.SetDeadline(time.Time{})
	connID := uuid.NewString()
	log := s.logger.WithTenant(services.TenantID).With(zap.String("connection_id", connID))

	p := newPeer(conn, s.cfg.SendBuffer)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		p.writeLoop(log)
	}()

	metrics.IncrementWSConnections()
	log.Debug("websocket connected", zap.String("remote_addr", conn.Request().RemoteAddr))

	defer func() {
		services.Coordinator.Disconnect(connID)
		p.close()
		<-writerDone
		_ = conn.Close()
		metrics.DecrementWSConnections()
		log.Debug("websocket disconnected")
	}()

	// In-flight work is not cancelled when the client goes away.
	ctx := context.WithoutCancel(conn.Request().Context())
	c := &connection{
		id:       connID,
		peer:     p,
		services: services,
		logger:   log,
	}

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var raw []byte
		if err := websocket.Message.Receive(conn, &raw); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("websocket read failed", zap.Error(err))
			}
			return
		}

		select {
		case <-p.done:
			return
		default:
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > s.cfg.MaxFramesPerSecond {
			log.Warn("closing connection over frame rate limit")
			c.reply("", model.EventError, model.ErrorPayload{Message: "rate limit exceeded", Code: string(chaterr.KindValidation)})
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
			decodeErrors++
			c.reply("", model.EventError, model.ErrorPayload{Message: "invalid frame", Code: string(chaterr.KindValidation)})
			if decodeErrors >= maxDecodeErrorsPerConn {
				log.Warn("closing connection after repeated invalid frames")
				return
			}
			continue
		}
		decodeErrors = 0

		c.handle(ctx, frame)
	}
}
