package docker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/docker/docker/client"
)

const pingTimeout = 5 * time.Second

// ErrUnavailable is returned when no Docker daemon can be reached.
var ErrUnavailable = errors.New("docker daemon unavailable")

// Client owns the connection to the Docker daemon.
type Client struct {
	inner *client.Client
}

// NewClient connects using the DOCKER_* environment when DOCKER_HOST is set,
// otherwise the first daemon socket found in the platform's usual places.
// The connection is lazy; use Ping to check the daemon.
func NewClient() (*Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if os.Getenv("DOCKER_HOST") != "" {
		opts = append(opts, client.FromEnv)
	} else {
		host, err := findDaemon()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		opts = append(opts, client.WithHost(host))
	}

	c, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return &Client{inner: c}, nil
}

// findDaemon returns the host URL of a local daemon socket or pipe. It only
// checks that the endpoint exists.
func findDaemon() (string, error) {
	if runtime.GOOS == "windows" {
		const pipe = `//./pipe/docker_engine`
		conn, err := net.DialTimeout("pipe", pipe, time.Second)
		if err != nil {
			return "", fmt.Errorf("no named pipe at %s: %w", pipe, err)
		}
		_ = conn.Close()
		return "npipe://" + pipe, nil
	}

	candidates := socketCandidates()
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && info.Mode()&os.ModeSocket != 0 {
			return "unix://" + path, nil
		}
	}
	return "", fmt.Errorf("no docker socket at %v", candidates)
}

// socketCandidates lists where Docker Engine, Docker Desktop and rootless
// Docker put their sockets.
func socketCandidates() []string {
	paths := []string{"/var/run/docker.sock"}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		paths = append(paths, filepath.Join(dir, "docker.sock"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".docker", "run", "docker.sock"),
			filepath.Join(home, ".docker", "desktop", "docker.sock"),
		)
	}
	return paths
}

// Ping checks that the daemon answers within pingTimeout.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if _, err := c.inner.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.inner.Close()
}

// Engine exposes the SDK client as the subset of the API the spawner uses.
func (c *Client) Engine() Engine {
	return c.inner
}
