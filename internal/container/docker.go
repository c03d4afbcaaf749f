package container

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

const (
	labelPrefix = "hive"
	networkName = "hive-net"
)

// Docker runs worker containers on the local Docker daemon.
type Docker struct {
	client *client.Client
	log    *slog.Logger

	netMu   sync.Mutex
	network string
}

func NewDocker(log *slog.Logger) (*Docker, error) {
	c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Docker{client: c, log: log}, nil
}

func (d *Docker) Close() error {
	return d.client.Close()
}

func (d *Docker) ensureNetwork(ctx context.Context) (string, error) {
	d.netMu.Lock()
	defer d.netMu.Unlock()
	if d.network != "" {
		return d.network, nil
	}

	if _, err := d.client.NetworkInspect(ctx, networkName, network.InspectOptions{}); err == nil {
		d.network = networkName
		return d.network, nil
	}

	if _, err := d.client.NetworkCreate(ctx, networkName, network.CreateOptions{Driver: "bridge"}); err != nil {
		return "", fmt.Errorf("create network %s: %w", networkName, err)
	}
	d.network = networkName
	d.log.Info("created docker network", "network", networkName)
	return d.network, nil
}

func (d *Docker) Run(ctx context.Context, spec RunSpec) (string, error) {
	netName, err := d.ensureNetwork(ctx)
	if err != nil {
		return "", err
	}

	// Remove any stale container with the same name
	timeout := 5
	_ = d.client.ContainerStop(ctx, spec.Name, dockercontainer.StopOptions{Timeout: &timeout})
	_ = d.client.ContainerRemove(ctx, spec.Name, dockercontainer.RemoveOptions{Force: true})

	resp, err := d.client.ContainerCreate(ctx,
		&dockercontainer.Config{
			Image:  spec.Image,
			Env:    spec.Env,
			Labels: spec.Labels,
		},
		&dockercontainer.HostConfig{
			Binds:       spec.Binds,
			NetworkMode: dockercontainer.NetworkMode(netName),
		},
		&network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		_ = d.client.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}
	return resp.ID, nil
}

func (d *Docker) Stop(ctx context.Context, containerID string) error {
	timeout := 10
	if err := d.client.ContainerStop(ctx, containerID, dockercontainer.StopOptions{Timeout: &timeout}); err != nil {
		d.log.Warn("failed to stop container gracefully", "container", shortID(containerID), "error", err)
	}
	if err := d.client.ContainerRemove(ctx, containerID, dockercontainer.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// ListManaged returns the IDs of every container carrying the hive label,
// running or not.
func (d *Docker) ListManaged(ctx context.Context) ([]string, error) {
	args := filters.NewArgs()
	args.Add("label", labelPrefix+".managed=true")

	containers, err := d.client.ContainerList(ctx, dockercontainer.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
