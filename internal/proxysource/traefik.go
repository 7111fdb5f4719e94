package proxysource

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/maxfield-allison/rewritesync/internal/rerrors"
)

// pollTimeout bounds a single list_routes call.
const pollTimeout = 5 * time.Second

// router mirrors the fields of a Traefik HTTP API router object that this
// engine cares about. Extra fields in the real response are ignored.
type router struct {
	Name        string   `json:"name"`
	Rule        string   `json:"rule"`
	Middlewares []string `json:"middlewares"`
}

// TraefikAdapter lists routes by polling a Traefik instance's HTTP API
// (`GET /api/http/routers`).
type TraefikAdapter struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a TraefikAdapter.
type Option func(*TraefikAdapter)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *TraefikAdapter) {
		a.logger = logger
	}
}

// NewTraefikAdapter creates a new Traefik HTTP API adapter.
func NewTraefikAdapter(opts ...Option) *TraefikAdapter {
	a := &TraefikAdapter{
		httpClient: &http.Client{Timeout: pollTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ListRoutes implements Adapter for a Traefik instance.
func (a *TraefikAdapter) ListRoutes(ctx context.Context, inst Instance) ([]Route, error) {
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	client := a.httpClient
	if !inst.VerifyTLS {
		client = &http.Client{
			Timeout: pollTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // operator opt-in per instance
			},
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.URL+"/api/http/routers", nil)
	if err != nil {
		return nil, rerrors.NewPermanent(inst.Name, fmt.Errorf("building request: %w", err))
	}
	if inst.Username != "" {
		req.SetBasicAuth(inst.Username, inst.Password)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, rerrors.NewTransient(inst.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, rerrors.NewTransient(inst.Name, fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode >= 500 {
		return nil, rerrors.NewTransient(inst.Name, fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, rerrors.NewPermanent(inst.Name, fmt.Errorf("status %d", resp.StatusCode))
	}

	var routers []router
	if err := json.Unmarshal(body, &routers); err != nil {
		// A malformed body yields an empty sequence and a warning, not a
		// failure: one misbehaving instance should not abort the cycle.
		a.logger.Warn("router list body is not a JSON array, treating as empty",
			slog.String("instance", inst.Name),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}

	var routes []Route
	for _, r := range routers {
		if r.Name == "" {
			continue
		}
		if !matchesRouterFilter(inst.RouterFilter, r.Name) {
			continue
		}
		if !matchesMiddlewareFilter(inst.MiddlewareFilter, r.Middlewares) {
			continue
		}

		zone := assignZone(r.Name, inst.DefaultZone)

		for _, hostname := range extractHostsFromRule(r.Rule) {
			routes = append(routes, Route{
				Hostname:     hostname,
				InstanceName: inst.Name,
				TargetIP:     inst.TargetIP,
				Zone:         zone,
				RouterName:   r.Name,
			})
		}
	}

	return routes, nil
}
