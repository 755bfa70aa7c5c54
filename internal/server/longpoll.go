package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/boardsync/internal/auth"
	"github.com/MarcoPoloResearchLab/boardsync/internal/collab"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	pollTokenParam    = "token"
	maxFramesPerPoll  = 128
	minPollSweepEvery = time.Second
)

var (
	errUnknownPollSession = errors.New("poll session not found")
	errPollSessionClosed  = errors.New("poll session closed")
)

type pollSession struct {
	connID   collab.ConnectionID
	userID   collab.UserID
	outbox   *collab.Outbox
	receive  sync.Mutex
	lastSeen time.Time
}

// pollSessions keeps the long-poll connections. A session lives as long as
// its client keeps polling; idle sessions are unregistered by the sweeper.
type pollSessions struct {
	mu       sync.Mutex
	sessions map[collab.ConnectionID]*pollSession

	hub    *collab.Hub
	tokens PollTokenManager
	cfg    RealtimeConfig
	clock  func() time.Time
	logger *zap.Logger
}

func newPollSessions(hub *collab.Hub, tokens PollTokenManager, cfg RealtimeConfig, logger *zap.Logger) *pollSessions {
	return &pollSessions{
		sessions: make(map[collab.ConnectionID]*pollSession),
		hub:      hub,
		tokens:   tokens,
		cfg:      cfg,
		clock:    time.Now,
		logger:   logger,
	}
}

func (p *pollSessions) open(ctx context.Context, session collab.Session) (collab.ConnectionID, string, int64, error) {
	connID, err := p.hub.NextConnectionID()
	if err != nil {
		return "", "", 0, err
	}
	token, expiresIn, err := p.tokens.IssuePollToken(ctx, auth.PollGrant{
		ConnectionID: connID.String(),
		UserID:       session.UserID.String(),
	})
	if err != nil {
		return "", "", 0, err
	}
	outbox, err := p.hub.Register(connID, session)
	if err != nil {
		return "", "", 0, err
	}

	p.mu.Lock()
	p.sessions[connID] = &pollSession{
		connID:   connID,
		userID:   session.UserID,
		outbox:   outbox,
		lastSeen: p.clock(),
	}
	p.mu.Unlock()
	return connID, token, expiresIn, nil
}

// lookup validates the poll token and returns its live session.
func (p *pollSessions) lookup(token string) (*pollSession, error) {
	grant, err := p.tokens.ValidatePollToken(token)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	session, ok := p.sessions[collab.ConnectionID(grant.ConnectionID)]
	if !ok || session.userID.String() != grant.UserID {
		return nil, errUnknownPollSession
	}
	session.lastSeen = p.clock()
	return session, nil
}

// drain waits up to the poll wait for the first frame and then takes whatever
// else is already queued.
func (p *pollSessions) drain(ctx context.Context, session *pollSession) ([]json.RawMessage, error) {
	session.receive.Lock()
	defer session.receive.Unlock()

	timer := time.NewTimer(p.cfg.PollWait)
	defer timer.Stop()

	frames := make([]json.RawMessage, 0, 8)
	select {
	case frame, ok := <-session.outbox.Frames():
		if !ok {
			return nil, errPollSessionClosed
		}
		frames = append(frames, frame)
	case <-timer.C:
		return frames, nil
	case <-ctx.Done():
		return frames, nil
	}

	for len(frames) < maxFramesPerPoll {
		select {
		case frame, ok := <-session.outbox.Frames():
			if !ok {
				return frames, nil
			}
			frames = append(frames, frame)
		default:
			return frames, nil
		}
	}
	return frames, nil
}

func (p *pollSessions) close(connID collab.ConnectionID) bool {
	p.mu.Lock()
	_, ok := p.sessions[connID]
	delete(p.sessions, connID)
	p.mu.Unlock()
	if ok {
		p.hub.Unregister(connID)
	}
	return ok
}

func (p *pollSessions) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// sweep unregisters sessions that stopped polling or whose outbox the hub closed.
func (p *pollSessions) sweep() int {
	var expired []collab.ConnectionID
	p.mu.Lock()
	now := p.clock()
	for connID, session := range p.sessions {
		if now.Sub(session.lastSeen) >= p.cfg.PollIdleTimeout || session.outbox.Closed() {
			expired = append(expired, connID)
		}
	}
	p.mu.Unlock()

	for _, connID := range expired {
		if p.close(connID) {
			p.logger.Info("poll session expired", zap.String("connection_id", connID.String()))
		}
	}
	return len(expired)
}

func (p *pollSessions) run(ctx context.Context) {
	interval := p.cfg.PollIdleTimeout / 2
	if interval < minPollSweepEvery {
		interval = minPollSweepEvery
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.closeAll()
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *pollSessions) closeAll() {
	p.mu.Lock()
	connIDs := make([]collab.ConnectionID, 0, len(p.sessions))
	for connID := range p.sessions {
		connIDs = append(connIDs, connID)
	}
	p.mu.Unlock()
	for _, connID := range connIDs {
		p.close(connID)
	}
}

type pollOpenResponse struct {
	ConnectionID string `json:"connectionId"`
	Token        string `json:"token"`
	ExpiresIn    int64  `json:"expiresIn"`
	PollWaitMS   int64  `json:"pollWaitMs"`
}

func (h *Handler) handlePollOpen(c *gin.Context) {
	session, ok := sessionFromContext(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	connID, token, expiresIn, err := h.polls.open(c.Request.Context(), session)
	if err != nil {
		h.logger.Error("failed to open poll session", zap.String("user_id", session.UserID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "poll_unavailable"})
		return
	}
	h.logger.Info("poll session opened",
		zap.String("connection_id", connID.String()),
		zap.String("user_id", session.UserID.String()))
	c.JSON(http.StatusOK, pollOpenResponse{
		ConnectionID: connID.String(),
		Token:        token,
		ExpiresIn:    expiresIn,
		PollWaitMS:   h.realtime.PollWait.Milliseconds(),
	})
}

func (h *Handler) handlePollReceive(c *gin.Context) {
	session, ok := h.pollSessionFromRequest(c)
	if !ok {
		return
	}
	frames, err := h.polls.drain(c.Request.Context(), session)
	if errors.Is(err, errPollSessionClosed) {
		h.polls.close(session.connID)
		c.JSON(http.StatusGone, gin.H{"error": "connection_closed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"frames": frames})
}

func (h *Handler) handlePollSend(c *gin.Context) {
	session, ok := h.pollSessionFromRequest(c)
	if !ok {
		return
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, h.realtime.MaxFrameBytes+1))
	if err != nil || int64(len(raw)) > h.realtime.MaxFrameBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_frame"})
		return
	}
	if err := h.hub.HandleFrame(c.Request.Context(), session.connID, raw); err != nil {
		if errors.Is(err, collab.ErrInternal) || errors.Is(err, collab.ErrUnknownConnection) {
			h.polls.close(session.connID)
			c.JSON(http.StatusGone, gin.H{"error": "connection_closed"})
			return
		}
		// The error frame is delivered on the next poll.
		c.JSON(http.StatusAccepted, gin.H{"status": "rejected", "code": collab.ErrorCode(err, "")})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *Handler) handlePollClose(c *gin.Context) {
	session, ok := h.pollSessionFromRequest(c)
	if !ok {
		return
	}
	h.polls.close(session.connID)
	c.Status(http.StatusNoContent)
}

func (h *Handler) pollSessionFromRequest(c *gin.Context) (*pollSession, bool) {
	token := strings.TrimSpace(c.Query(pollTokenParam))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_poll_token"})
		return nil, false
	}
	session, err := h.polls.lookup(token)
	if errors.Is(err, errUnknownPollSession) {
		c.AbortWithStatusJSON(http.StatusGone, gin.H{"error": "connection_closed"})
		return nil, false
	}
	if err != nil {
		h.logger.Info("poll token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil, false
	}
	return session, true
}
