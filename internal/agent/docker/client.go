// Package docker wraps the Docker SDK as the single point of contact with
// the container engine.
package docker

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/common/config"
	"github.com/trinity/trinity/internal/common/logger"
	v1 "github.com/trinity/trinity/pkg/api/v1"
)

// ContainerConfig holds configuration for creating an agent container.
type ContainerConfig struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	WorkingDir  string
	Mounts      []MountConfig
	NetworkMode string
	Labels      map[string]string
	CPUs        float64
	Memory      string // e.g. "2g"; empty means unlimited
	SSHPort     int    // host port mapped to container port 22; 0 skips the mapping
	IsSystem    bool   // system agents keep a capability whitelist
}

// MountConfig holds mount configuration.
type MountConfig struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerInfo holds normalized information about a container.
type ContainerInfo struct {
	ID        string
	Name      string
	Image     string
	Status    v1.ContainerStatus
	RawState  string // engine state before normalization
	Labels    map[string]string
	StartedAt time.Time
	ExitCode  int
}

// ExecResult is the outcome of a one-shot exec inside a container.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// systemCapabilities is the whitelist the system agent keeps for tooling
// tasks. Regular agents drop everything.
var systemCapabilities = []string{"CHOWN", "SETUID", "SETGID", "DAC_OVERRIDE", "FOWNER"}

// Client wraps the Docker client.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

// NewClient creates a new Docker client.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Docker client created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion),
	)

	return &Client{cli: cli, logger: log, config: cfg}, nil
}

// Close closes the Docker client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping checks if the engine is available.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// PullImage pulls an image, blocking until the pull completes.
func (c *Client) PullImage(ctx context.Context, imageName string) error {
	c.logger.Info("Pulling image", zap.String("image", imageName))

	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	return nil
}

// CreateContainer creates an agent container with the hardening defaults:
// all capabilities dropped (system agents keep a small whitelist), noexec
// tmpfs on /tmp, explicit resource limits, restart unless-stopped.
func (c *Client) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	c.logger.Info("Creating container",
		zap.String("name", cfg.Name),
		zap.String("image", cfg.Image),
	)

	mounts := make([]mount.Mount, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &container.Config{
		Image:      cfg.Image,
		Cmd:        cfg.Cmd,
		Env:        cfg.Env,
		WorkingDir: cfg.WorkingDir,
		Labels:     cfg.Labels,
	}

	resources := container.Resources{}
	if cfg.CPUs > 0 {
		resources.NanoCPUs = int64(cfg.CPUs * 1e9)
	}
	if cfg.Memory != "" {
		memBytes, err := units.RAMInBytes(cfg.Memory)
		if err != nil {
			return "", fmt.Errorf("invalid memory limit %q: %w", cfg.Memory, err)
		}
		resources.Memory = memBytes
	}

	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(cfg.NetworkMode),
		Resources:   resources,
		CapDrop:     []string{"ALL"},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=100m",
		},
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
	}
	if cfg.IsSystem {
		hostCfg.CapAdd = systemCapabilities
	}

	if cfg.SSHPort > 0 {
		sshPort := nat.Port("22/tcp")
		containerCfg.ExposedPorts = nat.PortSet{sshPort: struct{}{}}
		hostCfg.PortBindings = nat.PortMap{
			sshPort: []nat.PortBinding{{HostPort: fmt.Sprintf("%d", cfg.SSHPort)}},
		}
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", cfg.Name, err)
	}

	c.logger.Info("Container created", zap.String("id", resp.ID), zap.String("name", cfg.Name))
	return resp.ID, nil
}

// StartContainer starts a container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}
	return nil
}

// StopContainer stops a container with a grace period.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	timeoutSeconds := int(timeout.Seconds())
	err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSeconds})
	if err != nil {
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}
	return nil
}

// RestartContainer restarts a container with a grace period.
func (c *Client) RestartContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	timeoutSeconds := int(timeout.Seconds())
	err := c.cli.ContainerRestart(ctx, containerID, container.StopOptions{Timeout: &timeoutSeconds})
	if err != nil {
		return fmt.Errorf("failed to restart container %s: %w", containerID, err)
	}
	return nil
}

// RemoveContainer removes a container and its anonymous volumes.
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

// Inspect returns normalized container info by name or id.
func (c *Client) Inspect(ctx context.Context, nameOrID string) (*ContainerInfo, error) {
	inspect, err := c.cli.ContainerInspect(ctx, nameOrID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", nameOrID, err)
	}

	info := &ContainerInfo{
		ID:       inspect.ID,
		Name:     strings.TrimPrefix(inspect.Name, "/"),
		Image:    inspect.Config.Image,
		RawState: inspect.State.Status,
		Status:   normalizeState(inspect.State.Status),
		ExitCode: inspect.State.ExitCode,
		Labels:   inspect.Config.Labels,
	}
	if inspect.State.StartedAt != "" {
		if startedAt, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			info.StartedAt = startedAt
		}
	}
	return info, nil
}

// ContainerExists reports whether a container with the name exists in any state.
func (c *Client) ContainerExists(ctx context.Context, name string) (bool, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("name", "^/"+name+"$")
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return false, fmt.Errorf("failed to list containers: %w", err)
	}
	return len(containers) > 0, nil
}

// ListContainers lists containers matching the label filter.
func (c *Client) ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	filterArgs := filters.NewArgs()
	for key, value := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		infos = append(infos, ContainerInfo{
			ID:       ctr.ID,
			Name:     name,
			Image:    ctr.Image,
			RawState: ctr.State,
			Status:   normalizeState(ctr.State),
			Labels:   ctr.Labels,
		})
	}
	return infos, nil
}

// Exec runs argv inside the container and collects its output.
func (c *Client) Exec(ctx context.Context, containerID string, argv []string, user string) (*ExecResult, error) {
	execID, err := c.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          argv,
		User:         user,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec in %s: %w", containerID, err)
	}

	attach, err := c.cli.ContainerExecAttach(ctx, execID.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec in %s: %w", containerID, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if err := demultiplex(attach.Reader, &stdout, &stderr); err != nil {
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return &ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// GetContainerLogs returns a log stream for a container.
func (c *Client) GetContainerLogs(ctx context.Context, containerID string, tail string) (io.ReadCloser, error) {
	reader, err := c.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get container logs for %s: %w", containerID, err)
	}
	return reader, nil
}

// StatsOnce takes a single non-streaming resource sample. Engine stats
// calls are slow (a second or more), so callers fan them out through a
// bounded pool.
func (c *Client) StatsOnce(ctx context.Context, containerID string) (*v1.AgentStats, error) {
	resp, err := c.cli.ContainerStats(ctx, containerID, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats for %s: %w", containerID, err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode stats: %w", err)
	}

	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	cpuPercent := 0.0
	if systemDelta > 0 && cpuDelta > 0 {
		onlineCPUs := float64(stats.CPUStats.OnlineCPUs)
		if onlineCPUs == 0 {
			onlineCPUs = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
		}
		cpuPercent = (cpuDelta / systemDelta) * onlineCPUs * 100.0
	}

	return &v1.AgentStats{
		CPUPercent:  cpuPercent,
		MemoryBytes: stats.MemoryStats.Usage,
		SampledAt:   time.Now().UTC(),
	}, nil
}

// normalizeState collapses raw engine states onto the three-valued status
// the control plane exposes.
func normalizeState(state string) v1.ContainerStatus {
	switch state {
	case "running", "restarting":
		return v1.ContainerStatusRunning
	case "created", "exited", "paused", "removing", "dead":
		return v1.ContainerStatusStopped
	default:
		return v1.ContainerStatusError
	}
}

// demultiplex splits Docker's multiplexed stream format (8-byte frame
// headers when Tty=false) into stdout and stderr.
func demultiplex(reader io.Reader, stdout, stderr io.Writer) error {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}

		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}

		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			return err
		}

		switch streamType {
		case 1:
			_, _ = stdout.Write(data)
		case 2:
			_, _ = stderr.Write(data)
		}
	}
}
