package reconciler

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maxfield-allison/rewritesync/internal/metrics"
	"github.com/maxfield-allison/rewritesync/internal/proxysource"
	"github.com/maxfield-allison/rewritesync/internal/rerrors"
	"github.com/maxfield-allison/rewritesync/internal/state"
)

// instancePoll is the outcome of one instance's list_routes call.
type instancePoll struct {
	instance proxysource.Instance
	success  bool
	err      error
	seen     map[string]proxysource.Route // normalized hostname -> route
}

// pollInstances polls every configured source instance, bounded to
// maxParallelPolls concurrent calls. Each goroutine writes only to its own
// slot in the pre-sized results slice, so no locking is needed despite the
// fan-out.
func (r *Reconciler) pollInstances(ctx context.Context, result *Result) []instancePoll {
	instances := make([]proxysource.Instance, len(r.cfg.Sources))
	for i, src := range r.cfg.Sources {
		instances[i] = src.Instance()
	}

	results := make([]instancePoll, len(instances))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelPolls)

	for i, inst := range instances {
		i, inst := i, inst
		g.Go(func() error {
			results[i] = r.pollOne(gctx, inst)
			return nil
		})
	}
	_ = g.Wait() // pollOne never returns an error to the group; failures live in instancePoll

	for _, p := range results {
		result.InstancesPolled++
		status := "success"
		if !p.success {
			result.InstancesFailed++
			status = "error"
		}
		result.RoutesObserved += len(p.seen)
		metrics.RecordProxyPoll(p.instance.Name, status)
	}

	return results
}

func (r *Reconciler) pollOne(ctx context.Context, inst proxysource.Instance) instancePoll {
	routes, err := r.proxies.ListRoutes(ctx, inst)
	if err != nil {
		r.logger.Warn("proxy poll failed",
			slog.String("instance", inst.Name),
			slog.String("error", err.Error()),
			slog.Bool("transient", rerrors.IsTransient(err)),
		)
		return instancePoll{instance: inst, success: false, err: err}
	}

	seen := make(map[string]proxysource.Route, len(routes))
	for _, route := range routes {
		hostname := normalizeHostname(route.Hostname)
		if route.Zone == proxysource.ZoneExternal {
			continue
		}
		if r.cfg.Exclusions.Matches(hostname) {
			continue
		}
		seen[hostname] = route
	}

	return instancePoll{instance: inst, success: true, seen: seen}
}

// applyPollResults writes Step 4's per-instance observations into doc and
// updates each instance's recorded status.
func (r *Reconciler) applyPollResults(doc *state.Document, polls []instancePoll) {
	now := time.Now().Unix()

	for _, p := range polls {
		status := doc.Instances[p.instance.Name]
		status.URL = p.instance.URL
		if p.success {
			status.LastSuccessEpoch = now
			status.LastError = ""
		} else {
			status.LastError = p.err.Error()
		}
		doc.Instances[p.instance.Name] = status

		if !p.success {
			continue
		}

		for hostname, route := range p.seen {
			ds := doc.Domains[hostname]
			if ds.Sources == nil {
				ds.Sources = make(map[string]state.Source)
			}
			ds.Sources[p.instance.Name] = state.Source{
				Answer:        route.TargetIP,
				LastSeenEpoch: now,
			}
			doc.Domains[hostname] = ds
		}
	}
}

// pruneStaleSources implements Step 5: an instance that polled successfully
// and authoritatively did not report a domain loses its source entry for
// that domain. Domains left with no sources at all are returned as
// orphaned.
func (r *Reconciler) pruneStaleSources(doc *state.Document, configNames map[string]struct{}, polls []instancePoll) []string {
	seenByInstance := make(map[string]map[string]proxysource.Route, len(polls))
	succeeded := make(map[string]bool, len(polls))
	for _, p := range polls {
		succeeded[p.instance.Name] = p.success
		if p.success {
			seenByInstance[p.instance.Name] = p.seen
		}
	}

	var orphaned []string
	for _, domain := range sortedKeys(doc.Domains) {
		ds := doc.Domains[domain]
		for instName := range ds.Sources {
			if _, configured := configNames[instName]; !configured {
				continue
			}
			if !succeeded[instName] {
				continue
			}
			if _, stillSeen := seenByInstance[instName][domain]; stillSeen {
				continue
			}
			delete(ds.Sources, instName)
		}
		doc.Domains[domain] = ds

		if len(ds.Sources) == 0 {
			orphaned = append(orphaned, domain)
		}
	}

	return orphaned
}
