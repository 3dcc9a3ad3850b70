package handler

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/t77yq/qa-queue/internal/executor"
)

const containerWorkdir = "/workspace"

// dockerAPI is the part of the Docker client the runner uses
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerRunner runs QA commands inside a container with the project
// directory mounted at /workspace
type DockerRunner struct {
	logger *zap.Logger
	docker dockerAPI
	image  string
}

// NewDockerRunner creates a runner backed by the local Docker daemon
func NewDockerRunner(image string, logger *zap.Logger) (*DockerRunner, error) {
	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return newDockerRunner(docker, image, logger), nil
}

func newDockerRunner(docker dockerAPI, image string, logger *zap.Logger) *DockerRunner {
	return &DockerRunner{
		logger: logger.Named("docker-runner"),
		docker: docker,
		image:  image,
	}
}

// Start implements Runner
func (r *DockerRunner) Start(ctx context.Context, req RunRequest) (Process, error) {
	resp, err := r.docker.ContainerCreate(ctx,
		&container.Config{
			Image:      r.image,
			Cmd:        append([]string{req.Command}, req.Args...),
			Env:        req.Env,
			WorkingDir: containerWorkdir,
			Labels:     map[string]string{"qa.run_id": req.RunID},
		},
		&container.HostConfig{
			Binds: []string{req.Dir + ":" + containerWorkdir},
		},
		nil, nil, "qa-"+req.RunID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	p := &containerProcess{
		runner: r,
		id:     resp.ID,
		done:   make(chan struct{}),
	}

	if err := r.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.remove()
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	logs, err := r.docker.ContainerLogs(ctx, resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		r.logger.Error("Failed to attach container logs",
			zap.String("container_id", resp.ID),
			zap.Error(err))
		logs = nil
	}

	r.logger.Info("Container started",
		zap.String("container_id", resp.ID),
		zap.String("image", r.image),
		zap.String("run_id", req.RunID))

	go p.wait(ctx, logs, req.Output)
	return p, nil
}

type containerProcess struct {
	runner *DockerRunner
	id     string
	done   chan struct{}
	status ExitStatus
	err    error
}

func (p *containerProcess) wait(ctx context.Context, logs io.ReadCloser, output io.Writer) {
	defer close(p.done)
	defer p.remove()

	copied := make(chan struct{})
	if logs != nil {
		go func() {
			defer close(copied)
			defer logs.Close()
			scanner := executor.NewDockerLogScanner(logs)
			for scanner.Scan() {
				if _, err := output.Write(scanner.Bytes()); err != nil {
					return
				}
			}
			if err := scanner.Err(); err != nil {
				p.runner.logger.Debug("Container log stream ended", zap.Error(err))
			}
		}()
	} else {
		close(copied)
	}

	waitCh, errCh := p.runner.docker.ContainerWait(ctx, p.id, container.WaitConditionNotRunning)
	select {
	case resp := <-waitCh:
		p.status = ExitStatus{Code: int(resp.StatusCode)}
		if resp.Error != nil && resp.Error.Message != "" {
			p.err = fmt.Errorf("container wait: %s", resp.Error.Message)
		}
	case err := <-errCh:
		if ctx.Err() != nil {
			p.status = ExitStatus{Code: -1, Signaled: true, Reason: "container stopped: " + ctx.Err().Error()}
		} else {
			p.err = fmt.Errorf("failed to wait for container: %w", err)
		}
	}

	<-copied

	if p.err == nil && !p.status.Signaled {
		inspectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if info, err := p.runner.docker.ContainerInspect(inspectCtx, p.id); err == nil && info.ContainerJSONBase != nil && info.State != nil {
			if info.State.OOMKilled {
				p.status = ExitStatus{Code: p.status.Code, Signaled: true, Reason: "container killed: out of memory"}
			}
		}
	}
}

func (p *containerProcess) remove() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.runner.docker.ContainerRemove(ctx, p.id, container.RemoveOptions{Force: true}); err != nil {
		p.runner.logger.Warn("Failed to remove container",
			zap.String("container_id", p.id),
			zap.Error(err))
	}
}

func (p *containerProcess) PID() string {
	if len(p.id) > 12 {
		return p.id[:12]
	}
	return p.id
}

func (p *containerProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *containerProcess) Wait() (ExitStatus, error) {
	<-p.done
	return p.status, p.err
}
