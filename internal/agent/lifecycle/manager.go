// Package lifecycle creates, supervises, and tears down agent containers.
// The container engine's labels are the authoritative agent index; the
// control-plane row enriches it with ownership and behavior flags.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/agent/credentials"
	"github.com/trinity/trinity/internal/agent/docker"
	"github.com/trinity/trinity/internal/agent/permissions"
	"github.com/trinity/trinity/internal/agent/store"
	"github.com/trinity/trinity/internal/agent/template"
	"github.com/trinity/trinity/internal/agent/transport"
	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/config"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/mcp"
	"github.com/trinity/trinity/internal/schedule"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

const (
	// SystemAgentName is the reserved platform agent created at boot.
	SystemAgentName = "trinity-system"
	// SystemOwner owns platform-managed resources.
	SystemOwner = "system"

	// firstSSHPort is used when no agent has a port yet.
	firstSSHPort = 2289

	// settingGitHubPAT is the settings key holding the token for private
	// template clones.
	settingGitHubPAT = "github_pat"

	stopTimeout = 10 * time.Second

	// envelopeKeyName is the entry holding the agent's outbound MCP key
	// inside its sealed envelope.
	envelopeKeyName = "mcp_key"

	// agentProcessPattern matches the LLM process inside the container.
	agentProcessPattern = "claude"
	// processKillGrace is how long a signalled process gets to exit on
	// SIGINT before SIGKILL.
	processKillGrace = 5 * time.Second

	// readOnlyHookFile registers the file-write interception hook inside
	// the agent workspace.
	readOnlyHookFile = ".trinity/hooks/read-only.json"
)

// readOnlyHook is the hook-registration payload the agent runtime loads to
// intercept file-write tools.
type readOnlyHook struct {
	Hook     string   `json:"hook"`
	Action   string   `json:"action"`
	Patterns []string `json:"patterns"`
}

// systemFiles are the platform meta-prompt and skill files kept in the
// system agent's workspace. Re-written on every boot so edits inside the
// container never drift from the platform's contract.
var systemFiles = map[string]string{
	"TRINITY.md": `# Trinity System Agent

You are the platform agent for this Trinity installation. You manage the
agent fleet on behalf of users: creating agents from templates, granting
permissions, and dispatching work to other agents through the control plane
API reachable at $CONTROL_PLANE_URL with your MCP key.

Prefer delegating domain work to specialized agents over doing it yourself.
`,
	"skills/delegation.md": `# Delegation

To hand work to another agent, POST the task to
/api/v1/internal/agents/{name}/task with your MCP key as the bearer token.
A 403 means no permission edge exists; ask the owner to grant one before
retrying. A 409 means the target is busy; queue with wait_if_busy instead
of polling.
`,
}

// agentNamePattern is the DNS-compatible container name contract.
var agentNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// ContainerEngine is the container runtime surface the manager drives.
// Satisfied by the docker client; faked in tests.
type ContainerEngine interface {
	PullImage(ctx context.Context, imageName string) error
	CreateContainer(ctx context.Context, cfg docker.ContainerConfig) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RestartContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	Inspect(ctx context.Context, nameOrID string) (*docker.ContainerInfo, error)
	ContainerExists(ctx context.Context, name string) (bool, error)
	ListContainers(ctx context.Context, labels map[string]string) ([]docker.ContainerInfo, error)
	Exec(ctx context.Context, containerID string, argv []string, user string) (*docker.ExecResult, error)
}

// HealthChecker probes an agent's readiness endpoint. Satisfied by the
// transport client.
type HealthChecker interface {
	Health(ctx context.Context, agentName, mcpKey string) (*transport.HealthResponse, error)
}

// ActivityTracker records lifecycle events on the timeline.
type ActivityTracker interface {
	Track(ctx context.Context, req *v1.TrackActivityRequest) (*v1.Activity, error)
}

// Manager owns the agent lifecycle.
type Manager struct {
	engine      ContainerEngine
	store       *store.Store
	permissions *permissions.Resolver
	keys        *mcp.Service
	schedules   *schedule.Service
	activities  ActivityTracker
	templates   *template.Resolver
	codec       *credentials.Codec
	health      HealthChecker
	config      config.AgentConfig
	logger      *logger.Logger
}

// Deps bundles the manager's collaborators.
type Deps struct {
	Engine      ContainerEngine
	Store       *store.Store
	Permissions *permissions.Resolver
	Keys        *mcp.Service
	Schedules   *schedule.Service
	Activities  ActivityTracker
	Templates   *template.Resolver
	Codec       *credentials.Codec
	Health      HealthChecker
	Config      config.AgentConfig
}

// NewManager creates the lifecycle manager.
func NewManager(deps Deps, log *logger.Logger) *Manager {
	return &Manager{
		engine:      deps.Engine,
		store:       deps.Store,
		permissions: deps.Permissions,
		keys:        deps.Keys,
		schedules:   deps.Schedules,
		activities:  deps.Activities,
		templates:   deps.Templates,
		codec:       deps.Codec,
		health:      deps.Health,
		config:      deps.Config,
		logger:      log.WithFields(zap.String("component", "lifecycle")),
	}
}

// Create provisions a new agent: template staging, credential rendering,
// container creation with hardening, readiness wait, then registration with
// default permissions and an MCP key. A failure after the container exists
// rolls everything back.
func (m *Manager) Create(ctx context.Context, owner string, req *v1.CreateAgentRequest) (*v1.Agent, error) {
	if err := m.validateName(ctx, req.Name, false); err != nil {
		return nil, err
	}
	return m.create(ctx, owner, req, false)
}

func (m *Manager) create(ctx context.Context, owner string, req *v1.CreateAgentRequest, isSystem bool) (*v1.Agent, error) {
	log := m.logger.WithFields(zap.String("agent_name", req.Name))

	// Template resolution. An empty template means a bare agent on the
	// default image.
	var resolved *template.Resolved
	workspace := filepath.Join(m.config.WorkspaceDir, req.Name)
	if req.Template != "" {
		if err := os.MkdirAll(workspace, 0o755); err != nil {
			return nil, apperrors.InternalError("create workspace", err)
		}
		var err error
		resolved, err = m.templates.Resolve(ctx, req.Template, workspace, m.githubPAT(ctx))
		if err != nil {
			m.cleanupWorkspace(req.Name)
			return nil, apperrors.ValidationError("template", err.Error())
		}
		if err := resolved.Render(req.Credentials); err != nil {
			m.cleanupWorkspace(req.Name)
			return nil, apperrors.InternalError("render template", err)
		}
	} else if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, apperrors.InternalError("create workspace", err)
	}

	// Credentials at rest: the plaintext map is sealed into the envelope
	// file inside the workspace and never stored elsewhere.
	if len(req.Credentials) > 0 && m.codec != nil {
		files := make(map[string][]byte, len(req.Credentials))
		for key, value := range req.Credentials {
			files[key] = []byte(value)
		}
		sealed, err := m.codec.Encrypt(files)
		if err != nil {
			m.cleanupWorkspace(req.Name)
			return nil, apperrors.InternalError("seal credentials", err)
		}
		if err := os.WriteFile(filepath.Join(workspace, credentials.EnvelopeFile), sealed, 0o600); err != nil {
			m.cleanupWorkspace(req.Name)
			return nil, apperrors.InternalError("write credential envelope", err)
		}
	}

	sshPort, err := m.allocateSSHPort(ctx)
	if err != nil {
		m.cleanupWorkspace(req.Name)
		return nil, err
	}

	image := m.config.DefaultImage
	agentType := "claude"
	resources := v1.Resources{CPUs: m.config.DefaultCPUs, Memory: m.config.DefaultMemory}
	if resolved != nil {
		if resolved.Manifest.Image != "" {
			image = resolved.Manifest.Image
		}
		if resolved.Manifest.AgentType != "" {
			agentType = resolved.Manifest.AgentType
		}
		if resolved.Manifest.Resources != nil {
			if resolved.Manifest.Resources.CPUs > 0 {
				resources.CPUs = resolved.Manifest.Resources.CPUs
			}
			if resolved.Manifest.Resources.Memory != "" {
				resources.Memory = resolved.Manifest.Resources.Memory
			}
		}
	}
	if req.Resources != nil {
		if req.Resources.CPUs > 0 {
			resources.CPUs = req.Resources.CPUs
		}
		if req.Resources.Memory != "" {
			resources.Memory = req.Resources.Memory
		}
	}

	if err := m.engine.PullImage(ctx, image); err != nil {
		log.Warn("image pull failed, container create may still succeed from cache", zap.Error(err))
	}

	// The agent's own key is minted before the container exists so it can
	// ride in on the environment; the plaintext is sealed for later
	// outbound calls and never stored in the clear.
	token, err := m.mintAgentKey(ctx, owner, req.Name, isSystem)
	if err != nil {
		m.cleanupWorkspace(req.Name)
		return nil, err
	}
	env := []string{
		"AGENT_NAME=" + req.Name,
		"CONTROL_PLANE_URL=" + m.config.ControlPlaneURL,
	}
	if token != "" {
		env = append(env, "TRINITY_MCP_KEY="+token)
	}

	containerID, err := m.engine.CreateContainer(ctx, docker.ContainerConfig{
		Name:  req.Name,
		Image: image,
		Env:   env,
		Mounts: []docker.MountConfig{
			{Source: workspace, Target: "/workspace"},
		},
		NetworkMode: "",
		Labels:      docker.AgentLabels(req.Name, agentType, req.Template, sshPort, isSystem),
		CPUs:        resources.CPUs,
		Memory:      resources.Memory,
		SSHPort:     sshPort,
		IsSystem:    isSystem,
	})
	if err != nil {
		m.cleanupKeys(req.Name)
		m.cleanupWorkspace(req.Name)
		return nil, apperrors.InternalError("create container", err)
	}

	rollback := func() {
		rbCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if rmErr := m.engine.RemoveContainer(rbCtx, containerID, true); rmErr != nil {
			log.Error("rollback container removal failed", zap.Error(rmErr))
		}
		m.cleanupKeys(req.Name)
		m.cleanupWorkspace(req.Name)
	}

	if err := m.engine.StartContainer(ctx, containerID); err != nil {
		rollback()
		return nil, apperrors.InternalError("start container", err)
	}

	if err := m.waitHealthy(ctx, req.Name); err != nil {
		log.Warn("agent did not report healthy in time", zap.Error(err))
		// The container keeps running; readiness lag is not fatal.
	}

	autonomy := isSystem
	if req.Autonomy != nil {
		autonomy = *req.Autonomy
	}

	record := &store.AgentRecord{
		Name:             req.Name,
		OwnerUsername:    owner,
		TemplateID:       req.Template,
		IsSystem:         isSystem,
		AutonomyEnabled:  autonomy,
		ReadOnlyPatterns: "[]",
		SSHPort:          sshPort,
		CPUs:             resources.CPUs,
		Memory:           resources.Memory,
		MCPKeyEnvelope:   m.sealKey(token),
	}
	if err := m.store.Create(ctx, record); err != nil {
		rollback()
		return nil, apperrors.InternalError("register agent", err)
	}
	if err := m.syncReadOnlyHook(record); err != nil {
		log.Warn("read-only hook sync failed", zap.Error(err))
	}

	// New agents may talk to their owner's existing agents and vice versa.
	siblings, err := m.ownerSiblings(ctx, owner, req.Name)
	if err != nil {
		log.Warn("sibling lookup failed, skipping default permissions", zap.Error(err))
	} else if err := m.permissions.ApplyOwnerDefaults(ctx, req.Name, siblings); err != nil {
		log.Warn("default permissions failed", zap.Error(err))
	}

	m.track(ctx, req.Name, v1.ActivityAgentCreated, owner)
	log.Info("agent created",
		zap.String("owner", owner),
		zap.String("template", req.Template),
		zap.Int("ssh_port", sshPort),
		zap.Bool("is_system", isSystem),
	)

	agent := record.ToAPI()
	agent.Status = v1.ContainerStatusRunning
	return agent, nil
}

// mintAgentKey issues the agent's key for control-plane callbacks and
// returns the plaintext token. The system agent's key carries the
// privileged scope; an already-present system key yields an empty token.
func (m *Manager) mintAgentKey(ctx context.Context, owner, agentName string, isSystem bool) (string, error) {
	if isSystem {
		resp, _, err := m.keys.EnsureSystemKey(ctx, owner, agentName)
		if err != nil {
			return "", apperrors.InternalError("mint system key", err)
		}
		return resp.Token, nil
	}
	resp, err := m.keys.Mint(ctx, owner, agentName, v1.MCPScopeUser)
	if err != nil {
		return "", apperrors.InternalError("mint agent key", err)
	}
	return resp.Token, nil
}

// sealKey wraps the plaintext token in the credential envelope. An empty
// token or a missing codec seals to nothing.
func (m *Manager) sealKey(token string) string {
	if token == "" || m.codec == nil {
		return ""
	}
	sealed, err := m.codec.Encrypt(map[string][]byte{envelopeKeyName: []byte(token)})
	if err != nil {
		m.logger.Warn("seal mcp key failed", zap.Error(err))
		return ""
	}
	return string(sealed)
}

// OutboundKey unseals the agent's circulating MCP key for calls into its
// container. Empty when no key circulates.
func (m *Manager) OutboundKey(ctx context.Context, agentName string) (string, error) {
	record, err := m.store.Get(ctx, agentName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", apperrors.NotFound("agent", agentName)
		}
		return "", apperrors.InternalError("get agent", err)
	}
	if record.MCPKeyEnvelope == "" || m.codec == nil {
		return "", nil
	}
	files, err := m.codec.Decrypt([]byte(record.MCPKeyEnvelope))
	if err != nil {
		return "", apperrors.InternalError("unseal mcp key", err)
	}
	return string(files[envelopeKeyName]), nil
}

func (m *Manager) cleanupKeys(agentName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.keys.DeleteForAgent(ctx, agentName); err != nil {
		m.logger.Warn("key cleanup failed",
			zap.String("agent_name", agentName), zap.Error(err))
	}
}

// InterruptAgentProcess sends SIGINT to the LLM process inside the agent's
// container, waits for it to exit, and escalates to SIGKILL after the grace
// period. A missing container or process is not an error.
func (m *Manager) InterruptAgentProcess(ctx context.Context, agentName string) error {
	exists, err := m.engine.ContainerExists(ctx, agentName)
	if err != nil {
		return apperrors.InternalError("inspect container", err)
	}
	if !exists {
		return nil
	}

	res, err := m.engine.Exec(ctx, agentName, []string{"pkill", "-INT", "-f", agentProcessPattern}, "")
	if err != nil {
		return apperrors.InternalError("signal agent process", err)
	}
	if res.ExitCode != 0 {
		// pkill found nothing to signal.
		return nil
	}

	deadline := time.Now().Add(processKillGrace)
	for time.Now().Before(deadline) {
		res, err := m.engine.Exec(ctx, agentName, []string{"pgrep", "-f", agentProcessPattern}, "")
		if err != nil {
			return apperrors.InternalError("poll agent process", err)
		}
		if res.ExitCode != 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	m.logger.Warn("agent process survived interrupt, escalating",
		zap.String("agent_name", agentName))
	if _, err := m.engine.Exec(ctx, agentName, []string{"pkill", "-KILL", "-f", agentProcessPattern}, ""); err != nil {
		return apperrors.InternalError("kill agent process", err)
	}
	return nil
}

// syncReadOnlyHook materializes the read-only flag as a hook-registration
// file in the workspace. The agent runtime loads it to block file-write
// tools against the configured glob patterns; disabling the flag removes
// the file.
func (m *Manager) syncReadOnlyHook(record *store.AgentRecord) error {
	path := filepath.Join(m.config.WorkspaceDir, record.Name, readOnlyHookFile)
	if !record.ReadOnlyMode {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return apperrors.InternalError("remove read-only hook", err)
		}
		return nil
	}

	var patterns []string
	if record.ReadOnlyPatterns != "" {
		if err := json.Unmarshal([]byte(record.ReadOnlyPatterns), &patterns); err != nil {
			m.logger.Warn("malformed read-only patterns, blocking everything",
				zap.String("agent_name", record.Name), zap.Error(err))
		}
	}
	if len(patterns) == 0 {
		patterns = []string{"**"}
	}

	raw, err := json.Marshal(readOnlyHook{Hook: "pre_write", Action: "block", Patterns: patterns})
	if err != nil {
		return apperrors.InternalError("marshal read-only hook", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperrors.InternalError("create hook dir", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return apperrors.InternalError("write read-only hook", err)
	}
	return nil
}

// Delete tears an agent down: container, workspace, schedules, permission
// edges, MCP keys, and the registration row. Activities are kept for the
// owner's timeline.
func (m *Manager) Delete(ctx context.Context, agentName string) error {
	record, err := m.store.Get(ctx, agentName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.NotFound("agent", agentName)
		}
		return apperrors.InternalError("get agent", err)
	}
	if record.IsSystem {
		return apperrors.Forbidden("the system agent cannot be deleted")
	}

	log := m.logger.WithFields(zap.String("agent_name", agentName))

	exists, err := m.engine.ContainerExists(ctx, agentName)
	if err != nil {
		return apperrors.InternalError("inspect container", err)
	}
	if exists {
		if err := m.engine.StopContainer(ctx, agentName, stopTimeout); err != nil {
			log.Warn("container stop failed, forcing removal", zap.Error(err))
		}
		if err := m.engine.RemoveContainer(ctx, agentName, true); err != nil {
			return apperrors.InternalError("remove container", err)
		}
	}

	m.cleanupWorkspace(agentName)

	// Cascade: best-effort per store, each logged on failure so a partial
	// cascade is visible rather than silent.
	if err := m.schedules.DeleteForAgent(ctx, agentName); err != nil {
		log.Error("schedule cascade failed", zap.Error(err))
	}
	if err := m.permissions.Cascade(ctx, agentName); err != nil {
		log.Error("permission cascade failed", zap.Error(err))
	}
	if err := m.keys.DeleteForAgent(ctx, agentName); err != nil {
		log.Error("key cascade failed", zap.Error(err))
	}
	if err := m.store.Delete(ctx, agentName); err != nil {
		return apperrors.InternalError("delete agent row", err)
	}

	m.track(ctx, agentName, v1.ActivityAgentDeleted, record.OwnerUsername)
	log.Info("agent deleted")
	return nil
}

// Start starts a stopped agent container. The read-only hook is re-synced
// first so flag changes made while stopped take effect.
func (m *Manager) Start(ctx context.Context, agentName string) error {
	record, err := m.store.Get(ctx, agentName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.NotFound("agent", agentName)
		}
		return apperrors.InternalError("get agent", err)
	}
	if err := m.syncReadOnlyHook(record); err != nil {
		m.logger.Warn("read-only hook sync failed",
			zap.String("agent_name", agentName), zap.Error(err))
	}
	if err := m.engine.StartContainer(ctx, agentName); err != nil {
		return apperrors.InternalError("start container", err)
	}
	return nil
}

// Stop stops a running agent container.
func (m *Manager) Stop(ctx context.Context, agentName string) error {
	if err := m.requireAgent(ctx, agentName); err != nil {
		return err
	}
	if err := m.engine.StopContainer(ctx, agentName, stopTimeout); err != nil {
		return apperrors.InternalError("stop container", err)
	}
	return nil
}

// Restart restarts an agent container.
func (m *Manager) Restart(ctx context.Context, agentName string) error {
	if err := m.requireAgent(ctx, agentName); err != nil {
		return err
	}
	if err := m.engine.RestartContainer(ctx, agentName, stopTimeout); err != nil {
		return apperrors.InternalError("restart container", err)
	}
	return nil
}

// UpdateFlags applies behavior flag changes and re-syncs the read-only hook.
func (m *Manager) UpdateFlags(ctx context.Context, agentName string, req *v1.UpdateAgentRequest) (*v1.Agent, error) {
	if err := m.store.UpdateFlags(ctx, agentName, req); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("agent", agentName)
		}
		return nil, apperrors.InternalError("update agent", err)
	}
	record, err := m.store.Get(ctx, agentName)
	if err != nil {
		return nil, apperrors.InternalError("get agent", err)
	}
	if err := m.syncReadOnlyHook(record); err != nil {
		m.logger.Warn("read-only hook sync failed",
			zap.String("agent_name", agentName), zap.Error(err))
	}
	return m.Get(ctx, agentName)
}

// Get returns one agent enriched with live container status.
func (m *Manager) Get(ctx context.Context, agentName string) (*v1.Agent, error) {
	record, err := m.store.Get(ctx, agentName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("agent", agentName)
		}
		return nil, apperrors.InternalError("get agent", err)
	}
	agent := record.ToAPI()
	agent.Status = m.containerStatus(ctx, agentName)
	return agent, nil
}

// List returns all agents enriched with live container status. The engine's
// labeled containers are the index; rows without a container show as stopped.
func (m *Manager) List(ctx context.Context) ([]*v1.Agent, error) {
	records, err := m.store.List(ctx)
	if err != nil {
		return nil, apperrors.InternalError("list agents", err)
	}

	statuses := map[string]v1.ContainerStatus{}
	containers, err := m.engine.ListContainers(ctx, docker.AgentFilter())
	if err != nil {
		m.logger.Warn("container list failed, statuses degraded", zap.Error(err))
	} else {
		for _, info := range containers {
			statuses[info.Labels[docker.LabelAgentName]] = info.Status
		}
	}

	agents := make([]*v1.Agent, 0, len(records))
	for _, record := range records {
		agent := record.ToAPI()
		if status, ok := statuses[record.Name]; ok {
			agent.Status = status
		} else {
			agent.Status = v1.ContainerStatusStopped
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// EnsureSystemAgent makes the platform agent whole at boot: the registration
// and container when missing, a running container, fresh workspace prompt
// files, and the system-scoped key.
func (m *Manager) EnsureSystemAgent(ctx context.Context) error {
	exists, err := m.store.Exists(ctx, SystemAgentName)
	if err != nil {
		return apperrors.InternalError("check system agent", err)
	}
	if !exists {
		m.logger.Info("creating system agent")
		if _, err := m.create(ctx, SystemOwner, &v1.CreateAgentRequest{Name: SystemAgentName}, true); err != nil {
			return err
		}
		return m.injectSystemFiles(SystemAgentName)
	}

	if err := m.injectSystemFiles(SystemAgentName); err != nil {
		m.logger.Warn("system file injection failed", zap.Error(err))
	}
	if m.containerStatus(ctx, SystemAgentName) != v1.ContainerStatusRunning {
		if err := m.engine.StartContainer(ctx, SystemAgentName); err != nil {
			m.logger.Warn("system agent start failed", zap.Error(err))
		}
	}
	resp, minted, err := m.keys.EnsureSystemKey(ctx, SystemOwner, SystemAgentName)
	if err != nil {
		return apperrors.InternalError("ensure system key", err)
	}
	if minted {
		// Freshly minted plaintext replaces whatever envelope was lost.
		if sealed := m.sealKey(resp.Token); sealed != "" {
			if err := m.store.SetMCPKeyEnvelope(ctx, SystemAgentName, sealed); err != nil {
				m.logger.Warn("persist system key envelope failed", zap.Error(err))
			}
		}
	}
	return nil
}

// Reinitialize rebuilds an agent's runtime in place: the workspace is
// cleared and re-staged from the agent's template, the platform files are
// re-injected for the system agent, and the container restarts on the fresh
// mount. Sealed credentials are not retained; a new import restores them.
func (m *Manager) Reinitialize(ctx context.Context, agentName string) error {
	record, err := m.store.Get(ctx, agentName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.NotFound("agent", agentName)
		}
		return apperrors.InternalError("get agent", err)
	}

	log := m.logger.WithFields(zap.String("agent_name", agentName))
	workspace := filepath.Join(m.config.WorkspaceDir, agentName)
	if err := os.RemoveAll(workspace); err != nil {
		return apperrors.InternalError("clear workspace", err)
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return apperrors.InternalError("create workspace", err)
	}

	if record.TemplateID != "" {
		resolved, err := m.templates.Resolve(ctx, record.TemplateID, workspace, m.githubPAT(ctx))
		if err != nil {
			return apperrors.ValidationError("template", err.Error())
		}
		if err := resolved.Render(nil); err != nil {
			return apperrors.InternalError("render template", err)
		}
	}
	if record.IsSystem {
		if err := m.injectSystemFiles(agentName); err != nil {
			return apperrors.InternalError("inject system files", err)
		}
	}

	if err := m.engine.RestartContainer(ctx, agentName, stopTimeout); err != nil {
		return apperrors.InternalError("restart container", err)
	}
	if err := m.waitHealthy(ctx, agentName); err != nil {
		log.Warn("agent did not report healthy after reinitialize", zap.Error(err))
	}

	log.Info("agent reinitialized")
	return nil
}

// injectSystemFiles writes the platform prompt files into a workspace,
// overwriting whatever is there.
func (m *Manager) injectSystemFiles(agentName string) error {
	workspace := filepath.Join(m.config.WorkspaceDir, agentName)
	for name, body := range systemFiles {
		path := filepath.Join(workspace, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return apperrors.InternalError("create prompt dir", err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return apperrors.InternalError("write prompt file", err)
		}
	}
	return nil
}

// githubPAT reads the stored token for private template clones. A missing or
// unreadable setting degrades to anonymous clones.
func (m *Manager) githubPAT(ctx context.Context) string {
	pat, err := m.store.GetSetting(ctx, settingGitHubPAT)
	if err != nil {
		m.logger.Warn("github pat lookup failed", zap.Error(err))
		return ""
	}
	return pat
}

func (m *Manager) validateName(ctx context.Context, name string, isSystem bool) error {
	if !agentNamePattern.MatchString(name) {
		return apperrors.ValidationError("name", "must be a DNS-compatible name (lowercase letters, digits, hyphens)")
	}
	if !isSystem && name == SystemAgentName {
		return apperrors.ValidationError("name", "reserved for the platform")
	}
	exists, err := m.store.Exists(ctx, name)
	if err != nil {
		return apperrors.InternalError("check agent name", err)
	}
	if exists {
		return apperrors.Conflict(fmt.Sprintf("agent '%s' already exists", name))
	}
	// The engine is checked separately: a labeled container may survive a
	// lost registration row.
	inUse, err := m.engine.ContainerExists(ctx, name)
	if err != nil {
		return apperrors.InternalError("check container name", err)
	}
	if inUse {
		return apperrors.Conflict(fmt.Sprintf("container '%s' already exists", name))
	}
	return nil
}

// allocateSSHPort hands out host ports monotonically: one past the highest
// allocated port, starting from the configured base. Ports are never reused
// while any row holds a higher one, which keeps known_hosts entries stable.
func (m *Manager) allocateSSHPort(ctx context.Context) (int, error) {
	max, err := m.store.MaxSSHPort(ctx)
	if err != nil {
		return 0, apperrors.InternalError("allocate ssh port", err)
	}
	base := m.config.BaseSSHPort
	if base <= 0 {
		base = firstSSHPort
	}
	if max < base-1 {
		return base, nil
	}
	return max + 1, nil
}

func (m *Manager) waitHealthy(ctx context.Context, agentName string) error {
	if m.health == nil {
		return nil
	}
	timeout := time.Duration(m.config.HealthTimeout) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := m.health.Health(ctx, agentName, ""); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return fmt.Errorf("agent %s not healthy after %s", agentName, timeout)
}

func (m *Manager) requireAgent(ctx context.Context, agentName string) error {
	exists, err := m.store.Exists(ctx, agentName)
	if err != nil {
		return apperrors.InternalError("check agent", err)
	}
	if !exists {
		return apperrors.NotFound("agent", agentName)
	}
	return nil
}

func (m *Manager) ownerSiblings(ctx context.Context, owner, exclude string) ([]string, error) {
	records, err := m.store.ListByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, record := range records {
		if record.Name != exclude {
			names = append(names, record.Name)
		}
	}
	return names, nil
}

func (m *Manager) containerStatus(ctx context.Context, agentName string) v1.ContainerStatus {
	info, err := m.engine.Inspect(ctx, agentName)
	if err != nil {
		return v1.ContainerStatusStopped
	}
	return info.Status
}

func (m *Manager) track(ctx context.Context, agentName string, activityType v1.ActivityType, triggeredBy string) {
	if m.activities == nil {
		return
	}
	if _, err := m.activities.Track(ctx, &v1.TrackActivityRequest{
		AgentName:    agentName,
		ActivityType: string(activityType),
		TriggeredBy:  triggeredBy,
	}); err != nil {
		m.logger.Warn("lifecycle activity track failed",
			zap.String("agent_name", agentName), zap.Error(err))
	}
}

func (m *Manager) cleanupWorkspace(agentName string) {
	workspace := filepath.Join(m.config.WorkspaceDir, agentName)
	if err := os.RemoveAll(workspace); err != nil {
		m.logger.Warn("workspace cleanup failed",
			zap.String("agent_name", agentName), zap.Error(err))
	}
}
