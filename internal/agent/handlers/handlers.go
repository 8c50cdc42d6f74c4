// Package handlers exposes agent management over HTTP: CRUD, container
// control, the permission surface, credential transfer, logs, and stats.
package handlers

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/trinity/trinity/internal/agent/credentials"
	"github.com/trinity/trinity/internal/agent/lifecycle"
	"github.com/trinity/trinity/internal/agent/permissions"
	"github.com/trinity/trinity/internal/agent/transport"
	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/httpmw"
	"github.com/trinity/trinity/internal/common/logger"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// maxConcurrentStats bounds the engine stats fan-out.
const maxConcurrentStats = 4

// StatsEngine is the observability slice of the container runtime.
type StatsEngine interface {
	StatsOnce(ctx context.Context, containerID string) (*v1.AgentStats, error)
	GetContainerLogs(ctx context.Context, containerID string, tail string) (io.ReadCloser, error)
}

// CredentialTransport is the slice of the agent transport used for
// credential transfer.
type CredentialTransport interface {
	InjectCredentials(ctx context.Context, agentName, mcpKey string, files map[string]string) (*transport.InjectResponse, error)
	ReadCredentials(ctx context.Context, agentName, mcpKey string, paths []string) (*transport.ReadResponse, error)
}

// SettingsStore persists platform key/value settings. Satisfied by the agent
// store.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// UserDirectory resolves account records for admin gating. Satisfied by the
// user service.
type UserDirectory interface {
	Get(ctx context.Context, username string) (*v1.User, error)
}

// Handler wires agent management into HTTP.
type Handler struct {
	manager     *lifecycle.Manager
	permissions *permissions.Resolver
	stats       StatsEngine
	transport   CredentialTransport
	codec       *credentials.Codec
	settings    SettingsStore
	users       UserDirectory
	logger      *logger.Logger
}

// NewHandler creates the agent handler.
func NewHandler(manager *lifecycle.Manager, perms *permissions.Resolver, stats StatsEngine, tr CredentialTransport, codec *credentials.Codec, settings SettingsStore, users UserDirectory, log *logger.Logger) *Handler {
	return &Handler{
		manager:     manager,
		permissions: perms,
		stats:       stats,
		transport:   tr,
		codec:       codec,
		settings:    settings,
		users:       users,
		logger:      log,
	}
}

// RegisterRoutes registers agent routes on the authenticated group.
func (h *Handler) RegisterRoutes(authed *gin.RouterGroup) {
	authed.POST("/agents", h.create)
	authed.GET("/agents", h.list)
	authed.GET("/agents/stats", h.allStats)
	authed.GET("/agents/:name", h.get)
	authed.PATCH("/agents/:name", h.update)
	authed.DELETE("/agents/:name", h.delete)

	authed.POST("/agents/:name/start", h.start)
	authed.POST("/agents/:name/stop", h.stop)
	authed.POST("/agents/:name/restart", h.restart)
	authed.POST("/agents/:name/reinitialize", h.reinitialize)
	authed.GET("/agents/:name/logs", h.logs)
	authed.GET("/agents/:name/stats", h.agentStats)

	authed.GET("/agents/:name/permissions", h.permissionSet)
	authed.POST("/agents/:name/permissions", h.grant)
	authed.DELETE("/agents/:name/permissions/:target", h.revoke)

	authed.POST("/agents/:name/credentials/import", h.importCredentials)
	authed.POST("/agents/:name/credentials/export", h.exportCredentials)

	authed.GET("/settings/:key", h.getSetting)
	authed.PUT("/settings/:key", h.putSetting)
}

func (h *Handler) create(c *gin.Context) {
	var req v1.CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, h.logger, apperrors.BadRequest("invalid payload"))
		return
	}
	agent, err := h.manager.Create(c.Request.Context(), httpmw.CurrentUser(c), &req)
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (h *Handler) list(c *gin.Context) {
	agents, err := h.manager.List(c.Request.Context())
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (h *Handler) get(c *gin.Context) {
	agent, err := h.manager.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *Handler) update(c *gin.Context) {
	if err := h.requireOwner(c); err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	var req v1.UpdateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, h.logger, apperrors.BadRequest("invalid payload"))
		return
	}
	agent, err := h.manager.UpdateFlags(c.Request.Context(), c.Param("name"), &req)
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (h *Handler) delete(c *gin.Context) {
	if err := h.requireOwner(c); err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	if err := h.manager.Delete(c.Request.Context(), c.Param("name")); err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) start(c *gin.Context) {
	h.containerOp(c, h.manager.Start)
}

func (h *Handler) stop(c *gin.Context) {
	h.containerOp(c, h.manager.Stop)
}

func (h *Handler) restart(c *gin.Context) {
	h.containerOp(c, h.manager.Restart)
}

func (h *Handler) reinitialize(c *gin.Context) {
	h.containerOp(c, h.manager.Reinitialize)
}

func (h *Handler) containerOp(c *gin.Context, op func(context.Context, string) error) {
	if err := h.requireOwner(c); err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	if err := op(c.Request.Context(), c.Param("name")); err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) logs(c *gin.Context) {
	tail := c.DefaultQuery("tail", "200")
	reader, err := h.stats.GetContainerLogs(c.Request.Context(), c.Param("name"), tail)
	if err != nil {
		httpmw.RespondError(c, h.logger, apperrors.NotFound("agent container", c.Param("name")))
		return
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		httpmw.RespondError(c, h.logger, apperrors.InternalError("read logs", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": string(raw)})
}

func (h *Handler) agentStats(c *gin.Context) {
	stats, err := h.stats.StatsOnce(c.Request.Context(), c.Param("name"))
	if err != nil {
		httpmw.RespondError(c, h.logger, apperrors.NotFound("agent container", c.Param("name")))
		return
	}
	stats.AgentName = c.Param("name")
	c.JSON(http.StatusOK, stats)
}

// allStats samples every agent concurrently with a bounded worker pool so a
// large fleet cannot exhaust the engine API.
func (h *Handler) allStats(c *gin.Context) {
	agents, err := h.manager.List(c.Request.Context())
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}

	var mu sync.Mutex
	results := make([]*v1.AgentStats, 0, len(agents))

	group, ctx := errgroup.WithContext(c.Request.Context())
	group.SetLimit(maxConcurrentStats)
	for _, agent := range agents {
		if agent.Status != v1.ContainerStatusRunning {
			continue
		}
		name := agent.Name
		group.Go(func() error {
			stats, err := h.stats.StatsOnce(ctx, name)
			if err != nil {
				// A single unreadable container must not fail the sweep.
				return nil
			}
			stats.AgentName = name
			mu.Lock()
			results = append(results, stats)
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	c.JSON(http.StatusOK, gin.H{"stats": results})
}

func (h *Handler) permissionSet(c *gin.Context) {
	set, err := h.permissions.PermissionSet(c.Request.Context(), c.Param("name"))
	if err != nil {
		httpmw.RespondError(c, h.logger, apperrors.InternalError("permission set", err))
		return
	}
	c.JSON(http.StatusOK, set)
}

type grantRequest struct {
	Target        string `json:"target" binding:"required"`
	Bidirectional bool   `json:"bidirectional"`
}

func (h *Handler) grant(c *gin.Context) {
	if err := h.requireOwner(c); err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, h.logger, apperrors.BadRequest("invalid payload"))
		return
	}

	source := c.Param("name")
	var err error
	if req.Bidirectional {
		err = h.permissions.GrantBidirectional(c.Request.Context(), source, req.Target)
	} else {
		err = h.permissions.Grant(c.Request.Context(), source, req.Target)
	}
	if err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) revoke(c *gin.Context) {
	if err := h.requireOwner(c); err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	if err := h.permissions.Revoke(c.Request.Context(), c.Param("name"), c.Param("target")); err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type importRequest struct {
	// Envelope is the sealed credential file produced by export.
	Envelope string `json:"envelope" binding:"required"`
}

// importCredentials unseals an envelope and injects its files into the
// running agent container. Plaintext never lands on disk.
func (h *Handler) importCredentials(c *gin.Context) {
	if err := h.requireOwner(c); err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, h.logger, apperrors.BadRequest("invalid payload"))
		return
	}

	files, err := h.codec.Decrypt([]byte(req.Envelope))
	if err != nil {
		httpmw.RespondError(c, h.logger, apperrors.BadRequest("envelope cannot be opened with the configured key"))
		return
	}
	asStrings := make(map[string]string, len(files))
	for path, body := range files {
		asStrings[path] = string(body)
	}

	resp, err := h.transport.InjectCredentials(c.Request.Context(), c.Param("name"), "", asStrings)
	if err != nil {
		httpmw.RespondError(c, h.logger, apperrors.AgentUnreachable(c.Param("name"), err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"files_written": resp.FilesWritten})
}

type exportRequest struct {
	Paths []string `json:"paths" binding:"required"`
}

// exportCredentials reads credential files out of the agent container and
// returns them sealed in an envelope.
func (h *Handler) exportCredentials(c *gin.Context) {
	if err := h.requireOwner(c); err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	var req exportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, h.logger, apperrors.BadRequest("invalid payload"))
		return
	}

	resp, err := h.transport.ReadCredentials(c.Request.Context(), c.Param("name"), "", req.Paths)
	if err != nil {
		httpmw.RespondError(c, h.logger, apperrors.AgentUnreachable(c.Param("name"), err))
		return
	}

	files := make(map[string][]byte, len(resp.Files))
	for path, body := range resp.Files {
		files[path] = []byte(body)
	}
	envelope, err := h.codec.Encrypt(files)
	if err != nil {
		httpmw.RespondError(c, h.logger, apperrors.InternalError("seal credentials", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"envelope": string(envelope)})
}

// requireOwner restricts mutations to the agent's owner. The system owner
// may manage everything.
// getSetting reports whether a platform setting is present. Values are never
// echoed back; the settings table holds tokens.
func (h *Handler) getSetting(c *gin.Context) {
	if err := h.requireAdmin(c); err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	value, err := h.settings.GetSetting(c.Request.Context(), c.Param("key"))
	if err != nil {
		httpmw.RespondError(c, h.logger, apperrors.InternalError("get setting", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": c.Param("key"), "set": value != ""})
}

func (h *Handler) putSetting(c *gin.Context) {
	if err := h.requireAdmin(c); err != nil {
		httpmw.RespondError(c, h.logger, err)
		return
	}
	var req struct {
		Value string `json:"value"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httpmw.RespondError(c, h.logger, apperrors.BadRequest("invalid payload"))
		return
	}
	if err := h.settings.SetSetting(c.Request.Context(), c.Param("key"), req.Value); err != nil {
		httpmw.RespondError(c, h.logger, apperrors.InternalError("set setting", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": c.Param("key"), "set": req.Value != ""})
}

func (h *Handler) requireAdmin(c *gin.Context) error {
	user, err := h.users.Get(c.Request.Context(), httpmw.CurrentUser(c))
	if err != nil {
		return err
	}
	if !user.IsAdmin {
		return apperrors.Forbidden("admin privileges required")
	}
	return nil
}

func (h *Handler) requireOwner(c *gin.Context) error {
	agent, err := h.manager.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		return err
	}
	user := httpmw.CurrentUser(c)
	if user != agent.OwnerUsername && user != lifecycle.SystemOwner {
		return apperrors.Forbidden("only the agent's owner may do this")
	}
	return nil
}
