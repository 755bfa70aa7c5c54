package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/boardsync/internal/collab"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultPingInterval    = 30 * time.Second
	defaultPongWait        = 60 * time.Second
	defaultWriteWait       = 10 * time.Second
	defaultPollWait        = 25 * time.Second
	defaultPollIdleTimeout = 90 * time.Second
	defaultMaxFrameBytes   = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origins are enforced by the CORS policy and the session cookie.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func withRealtimeDefaults(cfg RealtimeConfig) RealtimeConfig {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = cfg.PingInterval * 2
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = defaultPollWait
	}
	if cfg.PollIdleTimeout <= cfg.PollWait {
		cfg.PollIdleTimeout = cfg.PollWait + defaultPollIdleTimeout
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = defaultMaxFrameBytes
	}
	return cfg
}

// socketConn serializes writes to one websocket; gorilla allows a single writer.
type socketConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	writeWait time.Duration
	closeOnce sync.Once
}

func (s *socketConn) write(messageType int, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ws.SetWriteDeadline(time.Now().Add(s.writeWait)); err != nil {
		return err
	}
	return s.ws.WriteMessage(messageType, payload)
}

func (s *socketConn) closeWith(code int, reason string) {
	s.writeMu.Lock()
	_ = s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(s.writeWait))
	s.writeMu.Unlock()
	s.close()
}

func (s *socketConn) close() {
	s.closeOnce.Do(func() {
		_ = s.ws.Close()
	})
}

func (h *Handler) handleWebSocket(c *gin.Context) {
	session, ok := sessionFromContext(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	connID, err := h.hub.NextConnectionID()
	if err != nil {
		h.logger.Error("failed to allocate connection id", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "connection_unavailable"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Info("websocket upgrade failed", zap.Error(err))
		return
	}
	socket := &socketConn{ws: ws, writeWait: h.realtime.WriteWait}

	outbox, err := h.hub.Register(connID, session)
	if err != nil {
		h.logger.Error("failed to register websocket connection", zap.String("connection_id", connID.String()), zap.Error(err))
		socket.closeWith(websocket.CloseInternalServerErr, "registration failed")
		return
	}
	h.sockets.Store(connID, socket)
	logger := h.logger.With(zap.String("connection_id", connID.String()), zap.String("user_id", session.UserID.String()))
	logger.Info("websocket connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(socket, outbox, logger)
	}()

	h.readPump(c.Request.Context(), socket, connID, logger)

	h.sockets.Delete(connID)
	h.hub.Unregister(connID)
	socket.close()
	<-writerDone
	logger.Info("websocket disconnected")
}

// readPump feeds inbound frames to the hub until the peer goes away, the read
// deadline lapses, or the hub asks for the connection to be dropped.
func (h *Handler) readPump(ctx context.Context, socket *socketConn, connID collab.ConnectionID, logger *zap.Logger) {
	ws := socket.ws
	ws.SetReadLimit(h.realtime.MaxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(h.realtime.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.realtime.PongWait))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				logger.Debug("websocket closed by peer")
			case errors.As(err, &netErr) && netErr.Timeout():
				logger.Info("websocket read deadline exceeded")
			default:
				logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.realtime.PongWait))

		if err := h.hub.HandleFrame(ctx, connID, data); err != nil {
			if errors.Is(err, collab.ErrInternal) || errors.Is(err, collab.ErrUnknownConnection) {
				logger.Warn("dropping websocket connection", zap.Error(err))
				socket.closeWith(websocket.CloseInternalServerErr, "connection dropped")
				return
			}
		}
	}
}

// writePump drains the outbox and keeps the peer alive with pings. A closed
// outbox means the hub tore the connection down.
func (h *Handler) writePump(socket *socketConn, outbox *collab.Outbox, logger *zap.Logger) {
	ticker := time.NewTicker(h.realtime.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-outbox.Frames():
			if !ok {
				socket.closeWith(websocket.CloseGoingAway, "connection closed")
				return
			}
			if err := socket.write(websocket.TextMessage, frame); err != nil {
				logger.Debug("websocket write failed", zap.Error(err))
				socket.close()
				return
			}
		case <-ticker.C:
			if err := socket.write(websocket.PingMessage, nil); err != nil {
				logger.Debug("websocket ping failed", zap.Error(err))
				socket.close()
				return
			}
		}
	}
}
