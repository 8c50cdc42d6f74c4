package websocket

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/user"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Token auth, not origin, gates the socket.
		return true
	},
}

// TokenParser verifies a user token before the upgrade.
type TokenParser interface {
	ParseToken(token string) (*user.Identity, error)
}

// Handler upgrades HTTP connections into hub clients.
type Handler struct {
	hub    *Hub
	tokens TokenParser
	logger *logger.Logger
}

// NewHandler creates the WebSocket handler.
func NewHandler(hub *Hub, tokens TokenParser, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		tokens: tokens,
		logger: log.WithFields(zap.String("component", "ws-handler")),
	}
}

// HandleConnection authenticates, upgrades, and runs the client pumps.
// Browsers cannot set headers on WebSocket requests, so the token also
// comes as a query parameter.
func (h *Handler) HandleConnection(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	identity, err := h.tokens.ParseToken(token)
	if err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("upgrade failed", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("websocket connected",
		zap.String("client_id", clientID),
		zap.String("username", identity.Username),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	client := NewClient(clientID, identity.Username, conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump()
}
