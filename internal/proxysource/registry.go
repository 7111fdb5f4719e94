package proxysource

import (
	"context"
	"fmt"
)

// Registry dispatches ListRoutes to the adapter matching an instance's Type.
type Registry struct {
	traefik *TraefikAdapter
	docker  Adapter // nil if no Docker instances are configured
}

// NewRegistry builds a Registry. dockerAdapter may be nil when no "docker"
// type proxy instances are configured (so the Docker daemon is never
// dialed unless something actually needs it).
func NewRegistry(traefik *TraefikAdapter, dockerAdapter Adapter) *Registry {
	return &Registry{traefik: traefik, docker: dockerAdapter}
}

// ListRoutes dispatches to the adapter for inst.Type.
func (r *Registry) ListRoutes(ctx context.Context, inst Instance) ([]Route, error) {
	switch inst.Type {
	case "", "traefik":
		return r.traefik.ListRoutes(ctx, inst)
	case "docker":
		if r.docker == nil {
			return nil, fmt.Errorf("instance %s: docker source type configured but no docker client available", inst.Name)
		}
		return r.docker.ListRoutes(ctx, inst)
	default:
		return nil, fmt.Errorf("instance %s: unknown source type %q", inst.Name, inst.Type)
	}
}
