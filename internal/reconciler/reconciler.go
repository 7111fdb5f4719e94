// Package reconciler computes the desired hostname-to-answer mapping from
// polled proxy observations and drives the DNS provider into agreement with
// it, without ever touching a record it does not own.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/maxfield-allison/rewritesync/internal/config"
	"github.com/maxfield-allison/rewritesync/internal/dnsprovider"
	"github.com/maxfield-allison/rewritesync/internal/metrics"
	"github.com/maxfield-allison/rewritesync/internal/proxysource"
	"github.com/maxfield-allison/rewritesync/internal/state"
)

// maxParallelPolls bounds the number of proxy instances polled concurrently.
const maxParallelPolls = 8

// Result summarizes a single reconcile cycle.
type Result struct {
	InstancesPolled  int
	InstancesFailed  int
	RoutesObserved   int
	DomainsDesired   int
	RecordsAdded     int
	RecordsDeleted   int
	RecordsUpdated   int
	Conflicts        int
	Errors           []error
	Duration         time.Duration
}

// Reconciler owns one reconcile cycle's view of configuration and adapters.
// Exactly one cycle is ever in flight; mu enforces that even if a caller
// invokes Reconcile concurrently by mistake.
type Reconciler struct {
	cfg      *config.Config
	provider dnsprovider.Adapter
	proxies  proxysource.Adapter
	store    *state.Store
	logger   *slog.Logger

	mu         sync.Mutex
	firstCycle bool
}

// Option is a functional option for configuring the Reconciler.
type Option func(*Reconciler)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// New creates a Reconciler.
func New(cfg *config.Config, provider dnsprovider.Adapter, proxies proxysource.Adapter, store *state.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		cfg:        cfg,
		provider:   provider,
		proxies:    proxies,
		store:      store,
		logger:     slog.Default(),
		firstCycle: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reload swaps in freshly rebuilt configuration and adapters ahead of the
// next cycle. provider/proxies may be nil to leave the existing adapter in
// place (e.g. only exclusions or static rewrites changed). Reload does not
// reset firstCycle: instance cleanup runs once per process lifetime, not
// once per config reload.
func (r *Reconciler) Reload(cfg *config.Config, provider dnsprovider.Adapter, proxies proxysource.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	if provider != nil {
		r.provider = provider
	}
	if proxies != nil {
		r.proxies = proxies
	}
}

// Reconcile runs one full cycle: load, cleanup, static rewrites, poll,
// prune, desired-set computation, exclusion enforcement, create/update,
// delete, persist.
func (r *Reconciler) Reconcile(ctx context.Context) (res *Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	result := &Result{}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("reconcile cycle panicked: %v", p)
			r.logger.Error("recovered from panic in reconcile cycle", slog.Any("panic", p))
		}
		result.Duration = time.Since(start)
		status := "success"
		if err != nil || len(result.Errors) > 0 {
			status = "error"
		}
		metrics.RecordReconciliation(status, result.Duration.Seconds(), result.DomainsDesired, r.healthyInstanceCount(result))
		res = result
	}()

	doc := r.store.Load() // Step 1

	configNames := make(map[string]struct{}, len(r.cfg.Sources))
	for _, src := range r.cfg.Sources {
		configNames[src.Name] = struct{}{}
	}

	if r.firstCycle {
		r.cleanupRemovedInstances(ctx, doc, configNames, result)
		r.firstCycle = false
	}

	records, err := r.fetchRecords(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("fetching resolver records: %w", err))
		r.logger.Error("resolver list failed, aborting cycle before any mutation", slog.String("error", err.Error()))
		return result, nil
	}

	r.reconcileStaticRewrites(ctx, doc, records, result) // Step 3

	pollResults := r.pollInstances(ctx, result) // Step 4
	r.applyPollResults(doc, pollResults)

	orphaned := r.pruneStaleSources(doc, configNames, pollResults) // Step 5

	desired, conflicts := r.computeDesiredSet(doc) // Step 6
	result.DomainsDesired = len(desired)
	result.Conflicts += conflicts

	r.applyExclusions(ctx, doc, records, result) // Step 7

	r.applyDesiredSet(ctx, doc, records, desired, result) // Step 8

	r.applyDeletions(ctx, doc, orphaned, result) // Step 9

	if err := r.store.Save(doc); err != nil { // Step 10
		result.Errors = append(result.Errors, fmt.Errorf("saving state: %w", err))
		return result, nil
	}

	r.logger.Info("reconcile cycle complete",
		slog.Int("instances_polled", result.InstancesPolled),
		slog.Int("instances_failed", result.InstancesFailed),
		slog.Int("routes_observed", result.RoutesObserved),
		slog.Int("domains_desired", result.DomainsDesired),
		slog.Int("records_added", result.RecordsAdded),
		slog.Int("records_deleted", result.RecordsDeleted),
		slog.Int("records_updated", result.RecordsUpdated),
		slog.Int("conflicts", result.Conflicts),
		slog.Int("errors", len(result.Errors)),
		slog.Duration("duration", result.Duration),
	)

	return result, nil
}

func (r *Reconciler) healthyInstanceCount(result *Result) int {
	return result.InstancesPolled - result.InstancesFailed
}

// isStaticRewrite reports whether domain is configured as a static rewrite.
func (r *Reconciler) isStaticRewrite(domain string) bool {
	_, ok := r.cfg.StaticRewrites[normalizeHostname(domain)]
	return ok
}

// normalizeHostname lowercases and strips the trailing dot from a hostname,
// using the resolver library's canonicalization so "App.Example.com." and
// "app.example.com" compare equal.
func normalizeHostname(h string) string {
	canon := dns.CanonicalName(h)
	if len(canon) > 0 && canon[len(canon)-1] == '.' {
		canon = canon[:len(canon)-1]
	}
	return canon
}

// sortedKeys returns the keys of a string-keyed map in alphabetical order,
// used everywhere cross-domain ordering must be deterministic.
func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
