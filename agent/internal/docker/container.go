package docker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// ContainerSpec describes a single fuzz sub-job container to be created.
type ContainerSpec struct {
	Name       string
	Image      string
	Env        []string
	NanoCPUs   int64 // 0 means unlimited
	MemoryByte int64 // 0 means unlimited
	Mounts     []mount.Mount
	NetworkMode string // "" defaults to the daemon's default bridge
}

// PullProgress is a single coalesced line from an image pull's progress
// stream, reported once per distinct status/id pair (spec: identical
// consecutive progress lines are coalesced, only a changed line is
// forwarded as a job's last_msg).
type PullProgress struct {
	Status string
	ID     string
}

// pullStatusLine mirrors the JSON lines the Docker daemon streams during
// ImagePull — the same per-line JSON decode shape used by restic's
// --json progress output.
type pullStatusLine struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

// PullImage pulls image, invoking onProgress once per distinct status/id
// pair observed in the daemon's progress stream. onProgress may be nil.
func (c *Client) PullImage(ctx context.Context, img string, onProgress func(PullProgress)) error {
	reader, err := c.docker.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: pull %s: %s", ErrDockerUnavailable, img, err)
	}
	defer reader.Close()

	var last PullProgress
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var line pullStatusLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		cur := PullProgress{Status: line.Status, ID: line.ID}
		if cur == last {
			continue
		}
		last = cur
		if onProgress != nil {
			onProgress(cur)
		}
	}
	return scanner.Err()
}

// ImageExists reports whether img is already present in the local image
// store, avoiding a redundant pull.
func (c *Client) ImageExists(ctx context.Context, img string) bool {
	_, _, err := c.docker.ImageInspectWithRaw(ctx, img)
	return err == nil
}

// CreateContainer creates (but does not start) a container per spec.
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image: spec.Image,
		Env:   spec.Env,
	}

	hostCfg := &container.HostConfig{
		Mounts:      spec.Mounts,
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		Resources: container.Resources{
			NanoCPUs: spec.NanoCPUs,
			Memory:   spec.MemoryByte,
		},
	}

	var netCfg *network.NetworkingConfig

	resp, err := c.docker.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("%w: create container %s: %s", ErrDockerUnavailable, spec.Name, err)
	}
	return resp.ID, nil
}

// StartContainer starts a previously created container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if err := c.docker.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("%w: start container %s: %s", ErrDockerUnavailable, containerID, err)
	}
	return nil
}

// InspectContainerIP returns the container's IP address on its primary
// network, used to dial the in-container analyzer RPC endpoint.
func (c *Client) InspectContainerIP(ctx context.Context, containerID string) (string, error) {
	info, err := c.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("%w: inspect container %s: %s", ErrDockerUnavailable, containerID, err)
	}
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("docker: container %s has no network settings", containerID)
	}
	for _, net := range info.NetworkSettings.Networks {
		if net.IPAddress != "" {
			return net.IPAddress, nil
		}
	}
	return "", fmt.Errorf("docker: container %s has no assigned ip", containerID)
}

// WaitContainer blocks until containerID stops running, returning its exit
// code. Equivalent to `docker wait`.
func (c *Client) WaitContainer(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := c.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return 0, fmt.Errorf("%w: wait container %s: %s", ErrDockerUnavailable, containerID, err)
		}
		return 0, nil
	case res := <-statusCh:
		if res.Error != nil {
			return res.StatusCode, fmt.Errorf("docker: container %s exited with error: %s", containerID, res.Error.Message)
		}
		return res.StatusCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ContainerLogs returns the combined stdout/stderr log tail of containerID.
func (c *Client) ContainerLogs(ctx context.Context, containerID string, tailLines int) (string, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	}
	if tailLines > 0 {
		opts.Tail = fmt.Sprintf("%d", tailLines)
	}

	reader, err := c.docker.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		return "", fmt.Errorf("%w: logs container %s: %s", ErrDockerUnavailable, containerID, err)
	}
	defer reader.Close()

	var out strings.Builder
	if _, err := stdcopy.StdCopy(&out, &out, reader); err != nil && err != io.EOF {
		return "", fmt.Errorf("docker: demux logs for container %s: %w", containerID, err)
	}
	return out.String(), nil
}

// StopContainer stops containerID, giving it timeoutSec seconds to exit
// gracefully before sending SIGKILL.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeoutSec int) error {
	t := timeoutSec
	if err := c.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &t}); err != nil {
		return fmt.Errorf("%w: stop container %s: %s", ErrDockerUnavailable, containerID, err)
	}
	return nil
}

// RemoveContainer force-removes containerID and its anonymous volumes.
func (c *Client) RemoveContainer(ctx context.Context, containerID string) error {
	if err := c.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("%w: remove container %s: %s", ErrDockerUnavailable, containerID, err)
	}
	return nil
}
