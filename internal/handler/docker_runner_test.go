package handler

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"sync"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeDocker struct {
	mu       sync.Mutex
	config   *container.Config
	host     *container.HostConfig
	logs     []byte
	exitCode int64
	oom      bool
	removed  []string
}

func (f *fakeDocker) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.config = config
	f.host = hostConfig
	return container.CreateResponse{ID: "0123456789abcdef0123"}, nil
}

func (f *fakeDocker) ContainerStart(context.Context, string, container.StartOptions) error {
	return nil
}

func (f *fakeDocker) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

func (f *fakeDocker) ContainerWait(context.Context, string, container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	waitCh := make(chan container.WaitResponse, 1)
	waitCh <- container.WaitResponse{StatusCode: f.exitCode}
	return waitCh, make(chan error)
}

func (f *fakeDocker) ContainerInspect(context.Context, string) (types.ContainerJSON, error) {
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			State: &types.ContainerState{OOMKilled: f.oom, ExitCode: int(f.exitCode)},
		},
	}, nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func dockerFrames(lines ...string) []byte {
	var buf bytes.Buffer
	for i, line := range lines {
		header := make([]byte, 8)
		header[0] = byte(1 + i%2)
		binary.BigEndian.PutUint32(header[4:], uint32(len(line)))
		buf.Write(header)
		buf.WriteString(line)
	}
	return buf.Bytes()
}

func TestDockerRunner(t *testing.T) {
	docker := &fakeDocker{logs: dockerFrames("step 1\n", "warn\n", "done\n")}
	runner := newDockerRunner(docker, "qa-image:latest", zaptest.NewLogger(t))

	var output bytes.Buffer
	proc, err := runner.Start(context.Background(), RunRequest{
		RunID:   "run-1",
		Command: "make",
		Args:    []string{"test"},
		Dir:     "/srv/qa/web",
		Env:     []string{"QA_PROJECT=web"},
		Output:  &output,
	})
	require.NoError(t, err)
	assert.Equal(t, "0123456789ab", proc.PID())

	status, err := proc.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, status.Code)
	assert.False(t, status.Signaled)
	assert.False(t, proc.Alive())

	assert.Equal(t, "step 1\nwarn\ndone\n", output.String())
	assert.Equal(t, "qa-image:latest", docker.config.Image)
	assert.Equal(t, []string{"make", "test"}, []string(docker.config.Cmd))
	assert.Equal(t, []string{"QA_PROJECT=web"}, docker.config.Env)
	assert.Equal(t, []string{"/srv/qa/web:/workspace"}, docker.host.Binds)
	assert.Equal(t, []string{"0123456789abcdef0123"}, docker.removed)
}

func TestDockerRunner_ExitCodes(t *testing.T) {
	t.Run("non-zero exit", func(t *testing.T) {
		runner := newDockerRunner(&fakeDocker{exitCode: 2}, "img", zaptest.NewLogger(t))
		proc, err := runner.Start(context.Background(), RunRequest{RunID: "r", Command: "true", Output: io.Discard})
		require.NoError(t, err)

		status, err := proc.Wait()
		require.NoError(t, err)
		assert.Equal(t, 2, status.Code)
		assert.False(t, status.Signaled)
	})

	t.Run("out of memory", func(t *testing.T) {
		runner := newDockerRunner(&fakeDocker{exitCode: 137, oom: true}, "img", zaptest.NewLogger(t))
		proc, err := runner.Start(context.Background(), RunRequest{RunID: "r", Command: "true", Output: io.Discard})
		require.NoError(t, err)

		status, err := proc.Wait()
		require.NoError(t, err)
		assert.True(t, status.Signaled)
		assert.Contains(t, status.Reason, "out of memory")
	})
}
