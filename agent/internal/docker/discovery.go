// Package docker wraps the Docker SDK client the Runner drives a fuzz
// target container through: pull_image, create_container, start_container,
// wait_container, remove_container (spec §4.4), plus liveness checks at
// startup.
//
// The Docker socket is mounted read-only into the agent process for
// liveness checks; container lifecycle calls live in container.go.
package docker

import (
	"context"
	"errors"
	"fmt"

	dockerclient "github.com/docker/docker/client"
)

// ErrDockerUnavailable is returned when the Docker daemon cannot be reached.
var ErrDockerUnavailable = errors.New("docker: daemon unavailable")

// Client wraps the Docker SDK client.
// Create instances with NewClient.
type Client struct {
	docker *dockerclient.Client
}

// NewClient creates a Docker Client connected to the socket at socketPath.
// Use the empty string to fall back to the Docker SDK default
// (DOCKER_HOST env var, or /var/run/docker.sock on Linux/macOS,
// //./pipe/docker_engine on Windows).
//
// Returns ErrDockerUnavailable if the client cannot be constructed. It does
// not contact the daemon; Ping reports whether the daemon is responding.
func NewClient(socketPath string) (*Client, error) {
	opts := []dockerclient.Opt{
		dockerclient.WithAPIVersionNegotiation(),
	}

	if socketPath != "" {
		opts = append(opts, dockerclient.WithHost("unix://"+socketPath))
	}

	dc, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDockerUnavailable, err)
	}

	return &Client{docker: dc}, nil
}

// Ping checks that the Docker daemon is reachable.
// Call this at startup to detect early whether Docker is available.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.docker.Ping(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDockerUnavailable, err)
	}
	return nil
}

// Close releases the underlying Docker client resources.
func (c *Client) Close() error {
	return c.docker.Close()
}
