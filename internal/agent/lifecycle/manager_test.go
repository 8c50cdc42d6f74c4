package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity/trinity/internal/agent/credentials"
	"github.com/trinity/trinity/internal/agent/docker"
	"github.com/trinity/trinity/internal/agent/permissions"
	"github.com/trinity/trinity/internal/agent/store"
	"github.com/trinity/trinity/internal/agent/template"
	apperrors "github.com/trinity/trinity/internal/common/errors"
	"github.com/trinity/trinity/internal/common/config"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/db"
	"github.com/trinity/trinity/internal/mcp"
	"github.com/trinity/trinity/internal/schedule"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// fakeEngine is an in-memory container runtime.
type fakeEngine struct {
	mu         sync.Mutex
	containers map[string]*docker.ContainerInfo
	configs    map[string]docker.ContainerConfig
	failCreate bool
	failStart  bool

	// execCalls records every in-container command; processAlive drives
	// the pkill/pgrep responses.
	execCalls    [][]string
	processAlive bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		containers: map[string]*docker.ContainerInfo{},
		configs:    map[string]docker.ContainerConfig{},
	}
}

func (f *fakeEngine) PullImage(context.Context, string) error { return nil }

func (f *fakeEngine) CreateContainer(_ context.Context, cfg docker.ContainerConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return "", fmt.Errorf("engine refused")
	}
	id := "ctr-" + cfg.Name
	f.containers[cfg.Name] = &docker.ContainerInfo{
		ID: id, Name: cfg.Name, Image: cfg.Image,
		Status: v1.ContainerStatusStopped, Labels: cfg.Labels,
	}
	f.configs[cfg.Name] = cfg
	return id, nil
}

func (f *fakeEngine) find(nameOrID string) *docker.ContainerInfo {
	for _, info := range f.containers {
		if info.Name == nameOrID || info.ID == nameOrID {
			return info
		}
	}
	return nil
}

func (f *fakeEngine) StartContainer(_ context.Context, nameOrID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart {
		return fmt.Errorf("engine refused start")
	}
	info := f.find(nameOrID)
	if info == nil {
		return fmt.Errorf("no such container")
	}
	info.Status = v1.ContainerStatusRunning
	return nil
}

func (f *fakeEngine) StopContainer(_ context.Context, nameOrID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info := f.find(nameOrID); info != nil {
		info.Status = v1.ContainerStatusStopped
	}
	return nil
}

func (f *fakeEngine) RestartContainer(_ context.Context, nameOrID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info := f.find(nameOrID); info != nil {
		info.Status = v1.ContainerStatusRunning
	}
	return nil
}

func (f *fakeEngine) RemoveContainer(_ context.Context, nameOrID string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info := f.find(nameOrID); info != nil {
		delete(f.containers, info.Name)
		delete(f.configs, info.Name)
	}
	return nil
}

func (f *fakeEngine) Inspect(_ context.Context, nameOrID string) (*docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info := f.find(nameOrID); info != nil {
		copied := *info
		return &copied, nil
	}
	return nil, fmt.Errorf("no such container")
}

func (f *fakeEngine) ContainerExists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[name]
	return ok, nil
}

func (f *fakeEngine) Exec(_ context.Context, _ string, argv []string, _ string) (*docker.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execCalls = append(f.execCalls, argv)
	switch argv[0] {
	case "pkill":
		alive := f.processAlive
		f.processAlive = false
		if alive {
			return &docker.ExecResult{ExitCode: 0}, nil
		}
		return &docker.ExecResult{ExitCode: 1}, nil
	case "pgrep":
		if f.processAlive {
			return &docker.ExecResult{ExitCode: 0}, nil
		}
		return &docker.ExecResult{ExitCode: 1}, nil
	}
	return &docker.ExecResult{ExitCode: 0}, nil
}

func (f *fakeEngine) ListContainers(context.Context, map[string]string) ([]docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []docker.ContainerInfo
	for _, info := range f.containers {
		out = append(out, *info)
	}
	return out, nil
}

type testEnv struct {
	manager *Manager
	engine  *fakeEngine
	store   *store.Store
	keys    *mcp.Service
	perms   *permissions.Resolver
	workDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	agentStore, err := store.New(conn, conn)
	require.NoError(t, err)
	perms, err := permissions.NewResolver(conn, conn, SystemAgentName, logger.Default())
	require.NoError(t, err)
	keyStore, err := mcp.NewStore(conn, conn)
	require.NoError(t, err)
	keys := mcp.NewService(keyStore, logger.Default())
	schedStore, err := schedule.NewStore(conn, conn)
	require.NoError(t, err)
	schedules := schedule.NewService(schedStore, agentStore, logger.Default())

	codec, err := credentials.NewCodecFromConfig(config.CredentialsConfig{}, logger.Default())
	require.NoError(t, err)

	workDir := t.TempDir()
	templateDir := t.TempDir()
	engine := newFakeEngine()

	manager := NewManager(Deps{
		Engine:      engine,
		Store:       agentStore,
		Permissions: perms,
		Keys:        keys,
		Schedules:   schedules,
		Templates:   template.NewResolver(templateDir, logger.Default()),
		Codec:       codec,
		Health:      nil, // skip readiness polling in tests
		Config: config.AgentConfig{
			WorkspaceDir:  workDir,
			TemplateDir:   templateDir,
			DefaultImage:  "trinity/agent:latest",
			BaseSSHPort:   2289,
			DefaultCPUs:   2,
			DefaultMemory: "2g",
		},
	}, logger.Default())

	return &testEnv{manager: manager, engine: engine, store: agentStore, keys: keys, perms: perms, workDir: workDir}
}

func TestCreateAgent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	agent, err := env.manager.Create(ctx, "alice", &v1.CreateAgentRequest{Name: "research-agent"})
	require.NoError(t, err)

	assert.Equal(t, "research-agent", agent.Name)
	assert.Equal(t, "alice", agent.OwnerUsername)
	assert.Equal(t, 2289, agent.SSHPort)
	assert.Equal(t, v1.ContainerStatusRunning, agent.Status)
	assert.False(t, agent.IsSystem)

	// Container carries the platform labels and hardening config.
	cfg := env.engine.configs["research-agent"]
	assert.Equal(t, "agent", cfg.Labels[docker.LabelPlatform])
	assert.Equal(t, "trinity/agent:latest", cfg.Image)
	assert.Equal(t, 2289, cfg.SSHPort)
	assert.False(t, cfg.IsSystem)
	assert.Equal(t, 2.0, cfg.CPUs)
}

func TestCreateAllocatesSequentialPorts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i, name := range []string{"agent-a", "agent-b", "agent-c"} {
		agent, err := env.manager.Create(ctx, "alice", &v1.CreateAgentRequest{Name: name})
		require.NoError(t, err)
		assert.Equal(t, 2289+i, agent.SSHPort)
	}
}

func TestCreateRejectsInvalidNames(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, name := range []string{"", "UPPER", "has space", "-leading", "a_b"} {
		_, err := env.manager.Create(ctx, "alice", &v1.CreateAgentRequest{Name: name})
		require.Error(t, err, name)
	}

	_, err := env.manager.Create(ctx, "alice", &v1.CreateAgentRequest{Name: SystemAgentName})
	require.Error(t, err)
}

func TestCreateRejectsDuplicate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.manager.Create(ctx, "alice", &v1.CreateAgentRequest{Name: "research-agent"})
	require.NoError(t, err)

	_, err = env.manager.Create(ctx, "bob", &v1.CreateAgentRequest{Name: "research-agent"})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestCreateSealsCredentials(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.manager.Create(ctx, "alice", &v1.CreateAgentRequest{
		Name:        "research-agent",
		Credentials: map[string]string{"OPENAI_API_KEY": "sk-secret"},
	})
	require.NoError(t, err)

	envelope := filepath.Join(env.workDir, "research-agent", credentials.EnvelopeFile)
	raw, err := os.ReadFile(envelope)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sk-secret")
}

func TestCreateGrantsOwnerDefaults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.manager.Create(ctx, "alice", &v1.CreateAgentRequest{Name: "agent-a"})
	require.NoError(t, err)
	_, err = env.manager.Create(ctx, "alice", &v1.CreateAgentRequest{Name: "agent-b"})
	require.NoError(t, err)

	ok, err := env.perms.CanDispatch(ctx, "agent-b", "agent-a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = env.perms.CanDispatch(ctx, "agent-a", "agent-b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCreateRollbackOnStartFailure(t *testing.T) {
	env := newTestEnv(t)
	env.engine.failStart = true
	ctx := context.Background()

	_, err := env.manager.Create(ctx, "alice", &v1.CreateAgentRequest{Name: "research-agent"})
	require.Error(t, err)

	// Neither the container, the workspace, nor the row survive.
	exists, err := env.engine.ContainerExists(ctx, "research-agent")
	require.NoError(t, err)
	assert.False(t, exists)
	_, statErr := os.Stat(filepath.Join(env.workDir, "research-agent"))
	assert.True(t, os.IsNotExist(statErr))
	rowExists, err := env.store.Exists(ctx, "research-agent")
	require.NoError(t, err)
	assert.False(t, rowExists)
}

func TestDeleteCascades(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.manager.Create(ctx, "alice", &v1.CreateAgentRequest{Name: "research-agent"})
	require.NoError(t, err)

	require.NoError(t, env.manager.Delete(ctx, "research-agent"))

	exists, err := env.engine.ContainerExists(ctx, "research-agent")
	require.NoError(t, err)
	assert.False(t, exists)
	rowExists, err := env.store.Exists(ctx, "research-agent")
	require.NoError(t, err)
	assert.False(t, rowExists)
	_, statErr := os.Stat(filepath.Join(env.workDir, "research-agent"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDeleteUnknownAgent(t *testing.T) {
	env := newTestEnv(t)
	err := env.manager.Delete(context.Background(), "ghost")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestSystemAgentBoot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.manager.EnsureSystemAgent(ctx))

	agent, err := env.manager.Get(ctx, SystemAgentName)
	require.NoError(t, err)
	assert.True(t, agent.IsSystem)
	assert.True(t, agent.AutonomyEnabled)

	cfg := env.engine.configs[SystemAgentName]
	assert.True(t, cfg.IsSystem)
	assert.Equal(t, "true", cfg.Labels[docker.LabelIsSystem])

	// Idempotent on restart.
	require.NoError(t, env.manager.EnsureSystemAgent(ctx))

	// And never deletable.
	err = env.manager.Delete(ctx, SystemAgentName)
	require.Error(t, err)
}

func TestSystemAgentBootInjectsFilesAndRestarts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.manager.EnsureSystemAgent(ctx))

	prompt := filepath.Join(env.workDir, SystemAgentName, "TRINITY.md")
	raw, err := os.ReadFile(prompt)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "platform agent")
	_, err = os.Stat(filepath.Join(env.workDir, SystemAgentName, "skills", "delegation.md"))
	require.NoError(t, err)

	// Drift inside the container is overwritten on the next boot, and a
	// stopped system agent comes back up.
	require.NoError(t, os.WriteFile(prompt, []byte("tampered"), 0o644))
	require.NoError(t, env.manager.Stop(ctx, SystemAgentName))

	require.NoError(t, env.manager.EnsureSystemAgent(ctx))

	raw, err = os.ReadFile(prompt)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "platform agent")
	agent, err := env.manager.Get(ctx, SystemAgentName)
	require.NoError(t, err)
	assert.Equal(t, v1.ContainerStatusRunning, agent.Status)
}

func TestReinitializeClearsWorkspace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.manager.Create(ctx, "alice", &v1.CreateAgentRequest{Name: "research-agent"})
	require.NoError(t, err)

	stray := filepath.Join(env.workDir, "research-agent", "scratch.txt")
	require.NoError(t, os.WriteFile(stray, []byte("leftover"), 0o644))
	require.NoError(t, env.manager.Stop(ctx, "research-agent"))

	require.NoError(t, env.manager.Reinitialize(ctx, "research-agent"))

	_, statErr := os.Stat(stray)
	assert.True(t, os.IsNotExist(statErr))
	agent, err := env.manager.Get(ctx, "research-agent")
	require.NoError(t, err)
	assert.Equal(t, v1.ContainerStatusRunning, agent.Status)

	assert.True(t, apperrors.IsNotFound(env.manager.Reinitialize(ctx, "ghost")))
}

func TestReinitializeSystemAgentReinjectsFiles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.manager.EnsureSystemAgent(ctx))
	prompt := filepath.Join(env.workDir, SystemAgentName, "TRINITY.md")
	require.NoError(t, os.WriteFile(prompt, []byte("tampered"), 0o644))

	require.NoError(t, env.manager.Reinitialize(ctx, SystemAgentName))

	raw, err := os.ReadFile(prompt)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "platform agent")
}

func TestStartStopRestart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.manager.Create(ctx, "alice", &v1.CreateAgentRequest{Name: "research-agent"})
	require.NoError(t, err)

	require.NoError(t, env.manager.Stop(ctx, "research-agent"))
	agent, err := env.manager.Get(ctx, "research-agent")
	require.NoError(t, err)
	assert.Equal(t, v1.ContainerStatusStopped, agent.Status)

	require.NoError(t, env.manager.Start(ctx, "research-agent"))
	agent, err = env.manager.Get(ctx, "research-agent")
	require.NoError(t, err)
	assert.Equal(t, v1.ContainerStatusRunning, agent.Status)

	require.NoError(t, env.manager.Restart(ctx, "research-agent"))

	assert.True(t, apperrors.IsNotFound(env.manager.Start(ctx, "ghost")))
}

func TestUpdateFlags(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.manager.Create(ctx, "alice", &v1.CreateAgentRequest{Name: "research-agent"})
	require.NoError(t, err)

	on := true
	agent, err := env.manager.UpdateFlags(ctx, "research-agent", &v1.UpdateAgentRequest{
		AutonomyEnabled: &on,
		ReadOnlyMode:    &on,
	})
	require.NoError(t, err)
	assert.True(t, agent.AutonomyEnabled)
	assert.True(t, agent.ReadOnlyMode)
}

func TestCreateCirculatesMCPKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.manager.Create(ctx, "alice", &v1.CreateAgentRequest{Name: "research-agent"})
	require.NoError(t, err)

	// The container gets the plaintext token in its environment.
	var token string
	for _, kv := range env.engine.configs["research-agent"].Env {
		if strings.HasPrefix(kv, "TRINITY_MCP_KEY=") {
			token = strings.TrimPrefix(kv, "TRINITY_MCP_KEY=")
		}
	}
	require.NotEmpty(t, token)
	assert.True(t, strings.HasPrefix(token, mcp.TokenPrefix))

	valid, err := env.keys.Validate(ctx, token)
	require.NoError(t, err)
	assert.True(t, valid.Valid)
	assert.Equal(t, "research-agent", valid.AgentName)

	// The control plane can recover the same token for outbound calls.
	outbound, err := env.manager.OutboundKey(ctx, "research-agent")
	require.NoError(t, err)
	assert.Equal(t, token, outbound)

	_, err = env.manager.OutboundKey(ctx, "ghost")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestCreateRollbackRevokesKeys(t *testing.T) {
	env := newTestEnv(t)
	env.engine.failStart = true
	ctx := context.Background()

	_, err := env.manager.Create(ctx, "alice", &v1.CreateAgentRequest{Name: "research-agent"})
	require.Error(t, err)

	keys, err := env.keys.List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestCreateRejectsOrphanContainer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A labeled container without a registration row, left over from a
	// previous install.
	env.engine.containers["research-agent"] = &docker.ContainerInfo{
		ID: "ctr-research-agent", Name: "research-agent",
		Status: v1.ContainerStatusStopped,
	}

	_, err := env.manager.Create(ctx, "alice", &v1.CreateAgentRequest{Name: "research-agent"})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestReadOnlyHookFollowsFlag(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.manager.Create(ctx, "alice", &v1.CreateAgentRequest{Name: "research-agent"})
	require.NoError(t, err)

	hookPath := filepath.Join(env.workDir, "research-agent", ".trinity", "hooks", "read-only.json")
	_, statErr := os.Stat(hookPath)
	assert.True(t, os.IsNotExist(statErr))

	on := true
	_, err = env.manager.UpdateFlags(ctx, "research-agent", &v1.UpdateAgentRequest{
		ReadOnlyMode:     &on,
		ReadOnlyPatterns: []string{"docs/**"},
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(hookPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"pre_write"`)
	assert.Contains(t, string(raw), `"docs/**"`)

	off := false
	_, err = env.manager.UpdateFlags(ctx, "research-agent", &v1.UpdateAgentRequest{ReadOnlyMode: &off})
	require.NoError(t, err)
	_, statErr = os.Stat(hookPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestReadOnlyHookDefaultsToBlockAll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.manager.Create(ctx, "alice", &v1.CreateAgentRequest{Name: "research-agent"})
	require.NoError(t, err)

	on := true
	_, err = env.manager.UpdateFlags(ctx, "research-agent", &v1.UpdateAgentRequest{ReadOnlyMode: &on})
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(env.workDir, "research-agent", ".trinity", "hooks", "read-only.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"**"`)
}

func TestInterruptAgentProcess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.manager.Create(ctx, "alice", &v1.CreateAgentRequest{Name: "research-agent"})
	require.NoError(t, err)
	env.engine.processAlive = true

	require.NoError(t, env.manager.InterruptAgentProcess(ctx, "research-agent"))

	env.engine.mu.Lock()
	calls := env.engine.execCalls
	env.engine.mu.Unlock()
	require.NotEmpty(t, calls)
	assert.Equal(t, []string{"pkill", "-INT", "-f", "claude"}, calls[0])
	// The process exited on SIGINT; no escalation to SIGKILL.
	for _, argv := range calls {
		assert.NotContains(t, argv, "-KILL")
	}

	// A missing container is not an error and triggers no exec.
	before := len(calls)
	require.NoError(t, env.manager.InterruptAgentProcess(ctx, "ghost"))
	env.engine.mu.Lock()
	after := len(env.engine.execCalls)
	env.engine.mu.Unlock()
	assert.Equal(t, before, after)
}

func TestListEnrichesStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.manager.Create(ctx, "alice", &v1.CreateAgentRequest{Name: "agent-a"})
	require.NoError(t, err)
	_, err = env.manager.Create(ctx, "alice", &v1.CreateAgentRequest{Name: "agent-b"})
	require.NoError(t, err)
	require.NoError(t, env.manager.Stop(ctx, "agent-b"))

	agents, err := env.manager.List(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)

	byName := map[string]*v1.Agent{}
	for _, a := range agents {
		byName[a.Name] = a
	}
	assert.Equal(t, v1.ContainerStatusRunning, byName["agent-a"].Status)
	assert.Equal(t, v1.ContainerStatusStopped, byName["agent-b"].Status)
}
