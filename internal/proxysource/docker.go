package proxysource

import (
	"context"

	"github.com/maxfield-allison/rewritesync/internal/docker"
)

// DockerAdapter implements Adapter for a proxy instance whose routes are
// read straight from Docker/Swarm workload labels rather than polled over
// an HTTP API.
type DockerAdapter struct {
	client *docker.Client
}

// NewDockerAdapter wraps an already-connected Docker client.
func NewDockerAdapter(client *docker.Client) *DockerAdapter {
	return &DockerAdapter{client: client}
}

// ListRoutes implements Adapter by scanning every workload's labels for
// Traefik router rules.
func (a *DockerAdapter) ListRoutes(ctx context.Context, inst Instance) ([]Route, error) {
	workloads, err := a.client.ListWorkloads(ctx)
	if err != nil {
		return nil, err
	}

	var routes []Route
	for _, wl := range workloads {
		routes = append(routes, ExtractRoutesFromLabels(inst, wl.Labels)...)
	}
	return routes, nil
}
