package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/boardsync/internal/auth"
	"github.com/MarcoPoloResearchLab/boardsync/internal/collab"
	"github.com/MarcoPoloResearchLab/boardsync/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// stubSessions treats the bearer value as the user id; "expired" and
// "garbage" simulate validator failures.
type stubSessions struct{}

func (stubSessions) ValidateRequest(r *http.Request) (auth.SessionClaims, error) {
	header := r.Header.Get("Authorization")
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}
	switch token {
	case "":
		return auth.SessionClaims{}, auth.ErrMissingSessionToken
	case "expired":
		return auth.SessionClaims{}, auth.ErrExpiredSessionToken
	case "garbage":
		return auth.SessionClaims{}, errors.New("signature mismatch")
	}
	return auth.SessionClaims{UserID: token, UserDisplayName: strings.ToUpper(token)}, nil
}

type stubProfiles struct {
	err error
}

func (s stubProfiles) ResolveProfile(claims auth.SessionClaims) (users.Profile, error) {
	if s.err != nil {
		return users.Profile{}, s.err
	}
	return users.Profile{UserID: claims.UserID, DisplayName: claims.UserDisplayName}, nil
}

type testServer struct {
	handler *Handler
	hub     *collab.Hub
	server  *httptest.Server
	tokens  *auth.TokenIssuer
}

func newTestServer(t *testing.T, deps Dependencies) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if deps.Hub == nil {
		deps.Hub = collab.NewHub(collab.HubConfig{})
	}
	if deps.Sessions == nil {
		deps.Sessions = stubSessions{}
	}
	if deps.Profiles == nil {
		deps.Profiles = stubProfiles{}
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("poll-secret"),
		Issuer:        "boardsync",
		Audience:      "boardsync-poll",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}
	if deps.PollTokens == nil {
		deps.PollTokens = tokens
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Realtime.PollWait == 0 {
		deps.Realtime.PollWait = 200 * time.Millisecond
	}

	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		handler.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &testServer{handler: handler, hub: deps.Hub, server: server, tokens: tokens}
}

func (s *testServer) get(t *testing.T, path, user string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	if user != "" {
		request.Header.Set("Authorization", "Bearer "+user)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func (s *testServer) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/realtime/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+user)
	conn, response, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

type wireFrame struct {
	Event     string          `json:"event"`
	BoardID   string          `json:"boardId"`
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data"`
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
}

// awaitEvent reads frames until one with the given event arrives.
func awaitEvent(t *testing.T, conn *websocket.Conn, event string) wireFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			t.Fatalf("failed to set read deadline: %v", err)
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		var frame wireFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("failed to decode frame %s: %v", data, err)
		}
		if frame.Event == event {
			return frame
		}
	}
}

func eventually(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}
