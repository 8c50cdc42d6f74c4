package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity/trinity/internal/common/config"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/db"
	"github.com/trinity/trinity/internal/events/bus"
	"github.com/trinity/trinity/internal/user"
	v1 "github.com/trinity/trinity/pkg/api/v1"
	ws "github.com/trinity/trinity/pkg/websocket"
)

type fixture struct {
	server   *httptest.Server
	hub      *Hub
	eventBus bus.EventBus
	token    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn, err := db.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	userStore, err := user.NewStore(conn, conn)
	require.NoError(t, err)
	users, err := user.NewService(userStore, config.AuthConfig{JWTSecret: "test-secret"}, logger.Default())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = users.Register(ctx, &v1.CreateUserRequest{Username: "alice", Password: "correct horse"})
	require.NoError(t, err)
	tokenResp, err := users.Authenticate(ctx, "alice", "correct horse")
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(logger.Default())
	hub := NewHub(logger.Default())
	require.NoError(t, hub.AttachBus(eventBus))

	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(runCtx)

	router := gin.New()
	handler := NewHandler(hub, users, logger.Default())
	router.GET("/ws", handler.HandleConnection)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &fixture{server: server, hub: hub, eventBus: eventBus, token: tokenResp.AccessToken}
}

func (f *fixture) dial(t *testing.T) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?token=" + f.token
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func subscribeFrame(t *testing.T, agentName string) []byte {
	t.Helper()
	payload, err := json.Marshal(ws.SubscribePayload{AgentName: agentName})
	require.NoError(t, err)
	frame, err := json.Marshal(ws.Message{
		Type:    ws.MessageTypeRequest,
		Event:   ws.ActionSubscribeAgent,
		Payload: payload,
	})
	require.NoError(t, err)
	return frame
}

func readFrame(t *testing.T, conn *gorillaws.Conn, timeout time.Duration) (*ws.Message, error) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	// Frames may be newline-batched; the first is enough here.
	if i := strings.IndexByte(string(raw), '\n'); i > 0 {
		raw = raw[:i]
	}
	var msg ws.Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return &msg, nil
}

func TestRejectsMissingToken(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	_, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSubscribedClientReceivesAgentEvents(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, subscribeFrame(t, "research-agent")))

	// The hub processes the subscribe asynchronously.
	require.Eventually(t, func() bool {
		err := f.eventBus.Publish(context.Background(), bus.SubjectActivity,
			bus.NewEvent("activity.started", "activity", map[string]interface{}{
				"agent_name": "research-agent",
			}))
		if err != nil {
			return false
		}
		msg, err := readFrame(t, conn, 500*time.Millisecond)
		return err == nil && msg.Event == "activity.started"
	}, 5*time.Second, 100*time.Millisecond)
}

func TestUnsubscribedClientReceivesNothing(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, subscribeFrame(t, "other-agent")))
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, f.eventBus.Publish(context.Background(), bus.SubjectActivity,
		bus.NewEvent("activity.started", "activity", map[string]interface{}{
			"agent_name": "research-agent",
		})))

	_, err := readFrame(t, conn, 500*time.Millisecond)
	assert.Error(t, err)
}

func TestUnknownActionReturnsError(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	frame, err := json.Marshal(ws.Message{Type: ws.MessageTypeRequest, Event: "bogus.action"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, frame))

	msg, err := readFrame(t, conn, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, ws.MessageTypeError, msg.Type)
}
