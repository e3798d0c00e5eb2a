package browser

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const managedBy = "browser-router"

// DockerClient is the subset of the Docker engine API the pool uses.
// *client.Client implements it; tests inject a mock.
type DockerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	Close() error
}

// PoolOptions describes the container image and how to reach it.
type PoolOptions struct {
	Image string
	// ServicePort is the port the container process listens on.
	ServicePort int
	// HostIP is where the published port is reachable from the router.
	HostIP string
	// Env is passed through to every container.
	Env []string
}

// Pool launches browser containers on a Docker engine. It satisfies
// agent.Launcher.
type Pool struct {
	client DockerClient
	opts   PoolOptions
}

// NewPool connects to the Docker engine configured in the environment.
func NewPool(opts PoolOptions) (*Pool, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return NewPoolWithClient(cli, opts), nil
}

func NewPoolWithClient(cli DockerClient, opts PoolOptions) *Pool {
	if opts.HostIP == "" {
		opts.HostIP = "127.0.0.1"
	}
	return &Pool{client: cli, opts: opts}
}

func (p *Pool) servicePort() nat.Port {
	return nat.Port(strconv.Itoa(p.opts.ServicePort) + "/tcp")
}

// Launch creates and starts a container named after containerID and returns
// the host address its service port is published on.
func (p *Pool) Launch(ctx context.Context, containerID, region string) (string, error) {
	port := p.servicePort()

	containerConfig := &container.Config{
		Image: p.opts.Image,
		Labels: map[string]string{
			"container-id": containerID,
			"region":       region,
			"managed-by":   managedBy,
		},
		Env: p.opts.Env,
		ExposedPorts: nat.PortSet{
			port: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{
				{
					HostIP:   p.opts.HostIP,
					HostPort: "0",
				},
			},
		},
		AutoRemove: false,
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName(containerID))
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.remove(ctx, resp.ID)
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	// From here on a failure must remove the started container.
	inspect, err := p.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		p.remove(ctx, resp.ID)
		return "", fmt.Errorf("failed to inspect container: %w", err)
	}
	var bindings []nat.PortBinding
	if inspect.NetworkSettings != nil {
		bindings = inspect.NetworkSettings.Ports[port]
	}
	if len(bindings) == 0 || bindings[0].HostPort == "" {
		p.remove(ctx, resp.ID)
		return "", fmt.Errorf("container %s did not publish port %s", resp.ID, port)
	}

	return net.JoinHostPort(p.opts.HostIP, bindings[0].HostPort), nil
}

// Stop stops and removes the container launched for containerID.
func (p *Pool) Stop(ctx context.Context, containerID string) error {
	name := containerName(containerID)
	timeout := 10
	stopOptions := container.StopOptions{
		Timeout: &timeout,
	}

	if err := p.client.ContainerStop(ctx, name, stopOptions); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}

	return p.remove(ctx, name)
}

func (p *Pool) remove(ctx context.Context, name string) error {
	if err := p.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// IsHealthy reports whether the container for containerID is running.
func (p *Pool) IsHealthy(ctx context.Context, containerID string) bool {
	inspect, err := p.client.ContainerInspect(ctx, containerName(containerID))
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

// Orphans lists containers this router launched in an earlier run.
func (p *Pool) Orphans(ctx context.Context) ([]string, error) {
	list, err := p.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", "managed-by="+managedBy)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	ids := make([]string, 0, len(list))
	for _, c := range list {
		if id := c.Labels["container-id"]; id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// EnsureImage pulls the container image unless it is already present.
func (p *Pool) EnsureImage(ctx context.Context) error {
	images, err := p.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == p.opts.Image {
				return nil
			}
		}
	}

	reader, err := p.client.ImagePull(ctx, p.opts.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *Pool) Close() error {
	return p.client.Close()
}

func containerName(containerID string) string {
	return "browser-" + containerID
}
