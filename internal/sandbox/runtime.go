package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// ExecResult is the outcome of one command run inside a container.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// ContainerInfo describes one existing container, as seen by the reaper.
type ContainerInfo struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// ContainerRuntime abstracts the container engine so the executor and reaper
// can be tested without one. The production implementation wraps the Docker
// API client.
type ContainerRuntime interface {
	// Create creates and starts a keepalive container named name with
	// workspaceDir bind-mounted at /workspace, applying the policy's
	// resource limits. It returns the container id.
	Create(ctx context.Context, name, workspaceDir string, policy Policy) (string, error)

	// Exec runs cmd inside the container with /workspace as the working
	// directory and returns its exit code and captured output.
	Exec(ctx context.Context, containerID string, cmd []string) (ExecResult, error)

	// Remove force-removes the container.
	Remove(ctx context.Context, containerID string) error

	// List returns all containers, running or not, whose name starts with
	// namePrefix.
	List(ctx context.Context, namePrefix string) ([]ContainerInfo, error)
}

// DockerRuntime implements ContainerRuntime against a Docker daemon.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the Docker daemon using the standard
// environment configuration.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connect to docker daemon: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

func (d *DockerRuntime) Create(ctx context.Context, name, workspaceDir string, policy Policy) (string, error) {
	pids := policy.PidsLimit
	cfg := &container.Config{
		Image:      policy.Image,
		WorkingDir: "/workspace",
		// Keepalive so the container outlives individual execs.
		Cmd: []string{"tail", "-f", "/dev/null"},
	}
	host := &container.HostConfig{
		Binds:       []string{workspaceDir + ":/workspace"},
		NetworkMode: "none",
		SecurityOpt: []string{"no-new-privileges:true"},
		Resources: container.Resources{
			Memory:      policy.MemoryBytes,
			CPUQuota:    policy.CPUQuota,
			CPUPeriod:   policy.CPUPeriod,
			PidsLimit:   &pids,
			BlkioWeight: policy.BlkioWeight,
		},
	}

	created, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", name, err)
	}
	if err := d.cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		_ = d.Remove(ctx, created.ID)
		return "", fmt.Errorf("start container %s: %w", name, err)
	}
	return created.ID, nil
}

func (d *DockerRuntime) Exec(ctx context.Context, containerID string, cmd []string) (ExecResult, error) {
	exec, err := d.cli.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		Cmd:          cmd,
		WorkingDir:   "/workspace",
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("create exec: %w", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return ExecResult{}, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("inspect exec: %w", err)
	}
	return ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

func (d *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	err := d.cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true})
	if err != nil {
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	return nil
}

func (d *DockerRuntime) List(ctx context.Context, namePrefix string) ([]ContainerInfo, error) {
	list, err := d.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", namePrefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make([]ContainerInfo, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			// The API reports names with a leading slash.
			name = c.Names[0]
			if name[0] == '/' {
				name = name[1:]
			}
		}
		out = append(out, ContainerInfo{
			ID:        c.ID,
			Name:      name,
			CreatedAt: time.Unix(c.Created, 0).UTC(),
		})
	}
	return out, nil
}
