package reconciler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/maxfield-allison/rewritesync/internal/config"
	"github.com/maxfield-allison/rewritesync/internal/dnsprovider"
	"github.com/maxfield-allison/rewritesync/internal/proxysource"
	"github.com/maxfield-allison/rewritesync/internal/state"
)

// fakeProvider is an in-memory dnsprovider.Adapter.
type fakeProvider struct {
	records   map[string][]string // domain -> answers
	addErr    error
	deleteErr error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{records: make(map[string][]string)}
}

func (f *fakeProvider) TestConnection(ctx context.Context) bool { return true }

func (f *fakeProvider) List(ctx context.Context) ([]dnsprovider.Record, error) {
	var out []dnsprovider.Record
	for domain, answers := range f.records {
		for _, a := range answers {
			out = append(out, dnsprovider.Record{Domain: domain, Answer: a})
		}
	}
	return out, nil
}

func (f *fakeProvider) Add(ctx context.Context, domain, answer string) error {
	if f.addErr != nil {
		return f.addErr
	}
	for _, a := range f.records[domain] {
		if a == answer {
			return nil
		}
	}
	f.records[domain] = append(f.records[domain], answer)
	return nil
}

func (f *fakeProvider) Delete(ctx context.Context, domain, answer string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	answers := f.records[domain]
	out := answers[:0]
	for _, a := range answers {
		if a != answer {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		delete(f.records, domain)
	} else {
		f.records[domain] = out
	}
	return nil
}

func (f *fakeProvider) Update(ctx context.Context, domain, oldAnswer, newAnswer string) error {
	if err := f.Delete(ctx, domain, oldAnswer); err != nil {
		return err
	}
	return f.Add(ctx, domain, newAnswer)
}

// fakeProxies is an in-memory proxysource.Adapter keyed by instance name.
type fakeProxies struct {
	routes map[string][]proxysource.Route
	errs   map[string]error
}

func newFakeProxies() *fakeProxies {
	return &fakeProxies{routes: make(map[string][]proxysource.Route), errs: make(map[string]error)}
}

func (f *fakeProxies) ListRoutes(ctx context.Context, inst proxysource.Instance) ([]proxysource.Route, error) {
	if err, ok := f.errs[inst.Name]; ok {
		return nil, err
	}
	return f.routes[inst.Name], nil
}

func testConfig(t *testing.T, sources ...config.SourceConfig) *config.Config {
	t.Helper()
	exclusions, _ := config.NewExclusionSet(nil)
	return &config.Config{
		Providers:      []config.ProviderConfig{{Name: "core", Type: dnsprovider.TypeAdguard, URL: "http://adguard.local"}},
		Sources:        sources,
		SyncMode:       "once",
		PollInterval:   config.DefaultPollInterval,
		LogLevel:       "info",
		DefaultZone:    proxysource.ZoneInternal,
		Exclusions:     exclusions,
		StaticRewrites: make(map[string]string),
	}
}

func newTestReconciler(t *testing.T, cfg *config.Config, provider *fakeProvider, proxies *fakeProxies) *Reconciler {
	t.Helper()
	store := state.New(filepath.Join(t.TempDir(), "state.json"))
	return New(cfg, provider, proxies, store)
}

func TestReconcileAddsNewlyObservedRoute(t *testing.T) {
	cfg := testConfig(t, config.SourceConfig{Name: "edge", Type: "traefik", URL: "http://traefik.local", TargetIP: "10.0.0.1"})
	provider := newFakeProvider()
	proxies := newFakeProxies()
	proxies.routes["edge"] = []proxysource.Route{
		{Hostname: "app.example.com", InstanceName: "edge", TargetIP: "10.0.0.1", Zone: proxysource.ZoneInternal},
	}

	rec := newTestReconciler(t, cfg, provider, proxies)
	result, err := rec.Reconcile(t.Context())
	if err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if result.RecordsAdded != 1 {
		t.Errorf("expected 1 record added, got %d (errors: %v)", result.RecordsAdded, result.Errors)
	}
	if !containsAnswer(provider.records["app.example.com"], "10.0.0.1") {
		t.Errorf("expected provider to have the new record, got %+v", provider.records)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	cfg := testConfig(t, config.SourceConfig{Name: "edge", Type: "traefik", URL: "http://traefik.local", TargetIP: "10.0.0.1"})
	provider := newFakeProvider()
	proxies := newFakeProxies()
	proxies.routes["edge"] = []proxysource.Route{
		{Hostname: "app.example.com", InstanceName: "edge", TargetIP: "10.0.0.1", Zone: proxysource.ZoneInternal},
	}

	rec := newTestReconciler(t, cfg, provider, proxies)
	if _, err := rec.Reconcile(t.Context()); err != nil {
		t.Fatalf("first Reconcile returned error: %v", err)
	}
	result, err := rec.Reconcile(t.Context())
	if err != nil {
		t.Fatalf("second Reconcile returned error: %v", err)
	}
	if result.RecordsAdded != 0 || result.RecordsDeleted != 0 || result.RecordsUpdated != 0 {
		t.Errorf("expected a converged cycle to be a no-op, got %+v", result)
	}
}

func TestReconcilePrunesOrphanedDomain(t *testing.T) {
	cfg := testConfig(t, config.SourceConfig{Name: "edge", Type: "traefik", URL: "http://traefik.local", TargetIP: "10.0.0.1"})
	provider := newFakeProvider()
	proxies := newFakeProxies()
	proxies.routes["edge"] = []proxysource.Route{
		{Hostname: "app.example.com", InstanceName: "edge", TargetIP: "10.0.0.1", Zone: proxysource.ZoneInternal},
	}

	rec := newTestReconciler(t, cfg, provider, proxies)
	if _, err := rec.Reconcile(t.Context()); err != nil {
		t.Fatalf("first Reconcile returned error: %v", err)
	}

	proxies.routes["edge"] = nil // the instance stops advertising the route
	result, err := rec.Reconcile(t.Context())
	if err != nil {
		t.Fatalf("second Reconcile returned error: %v", err)
	}
	if result.RecordsDeleted != 1 {
		t.Errorf("expected the orphaned record to be deleted, got %+v", result)
	}
	if len(provider.records["app.example.com"]) != 0 {
		t.Errorf("expected the record to be gone from the provider, got %+v", provider.records)
	}
}

func TestReconcileDoesNotPruneOnInstancePollFailure(t *testing.T) {
	cfg := testConfig(t, config.SourceConfig{Name: "edge", Type: "traefik", URL: "http://traefik.local", TargetIP: "10.0.0.1"})
	provider := newFakeProvider()
	proxies := newFakeProxies()
	proxies.routes["edge"] = []proxysource.Route{
		{Hostname: "app.example.com", InstanceName: "edge", TargetIP: "10.0.0.1", Zone: proxysource.ZoneInternal},
	}

	rec := newTestReconciler(t, cfg, provider, proxies)
	if _, err := rec.Reconcile(t.Context()); err != nil {
		t.Fatalf("first Reconcile returned error: %v", err)
	}

	proxies.errs["edge"] = errors.New("connection refused")
	result, err := rec.Reconcile(t.Context())
	if err != nil {
		t.Fatalf("second Reconcile returned error: %v", err)
	}
	if result.InstancesFailed != 1 {
		t.Errorf("expected the instance poll to be recorded as failed")
	}
	if result.RecordsDeleted != 0 {
		t.Errorf("expected no pruning when the poll that would confirm absence failed, got %+v", result)
	}
	if !containsAnswer(provider.records["app.example.com"], "10.0.0.1") {
		t.Errorf("expected the record to survive a failed poll, got %+v", provider.records)
	}
}

func TestReconcileMultiSourceFirstConfiguredWins(t *testing.T) {
	cfg := testConfig(t,
		config.SourceConfig{Name: "primary", Type: "traefik", URL: "http://primary.local", TargetIP: "10.0.0.1"},
		config.SourceConfig{Name: "secondary", Type: "traefik", URL: "http://secondary.local", TargetIP: "10.0.0.2"},
	)
	provider := newFakeProvider()
	proxies := newFakeProxies()
	proxies.routes["primary"] = []proxysource.Route{
		{Hostname: "app.example.com", InstanceName: "primary", TargetIP: "10.0.0.1", Zone: proxysource.ZoneInternal},
	}
	proxies.routes["secondary"] = []proxysource.Route{
		{Hostname: "app.example.com", InstanceName: "secondary", TargetIP: "10.0.0.2", Zone: proxysource.ZoneInternal},
	}

	rec := newTestReconciler(t, cfg, provider, proxies)
	result, err := rec.Reconcile(t.Context())
	if err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if result.Conflicts != 1 {
		t.Errorf("expected the dual-answer domain to be counted as a conflict, got %d", result.Conflicts)
	}
	if !containsAnswer(provider.records["app.example.com"], "10.0.0.1") {
		t.Errorf("expected the first configured source's answer to win, got %+v", provider.records)
	}
	if containsAnswer(provider.records["app.example.com"], "10.0.0.2") {
		t.Errorf("expected the second source's answer to be absent, got %+v", provider.records)
	}
}

func TestReconcileExternalZoneIsNeverSynced(t *testing.T) {
	cfg := testConfig(t, config.SourceConfig{Name: "edge", Type: "traefik", URL: "http://traefik.local", TargetIP: "10.0.0.1"})
	provider := newFakeProvider()
	proxies := newFakeProxies()
	proxies.routes["edge"] = []proxysource.Route{
		{Hostname: "public.example.com", InstanceName: "edge", TargetIP: "10.0.0.1", Zone: proxysource.ZoneExternal},
	}

	rec := newTestReconciler(t, cfg, provider, proxies)
	result, err := rec.Reconcile(t.Context())
	if err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if result.RecordsAdded != 0 {
		t.Errorf("expected an external-zone route never to produce a rewrite, got %+v", result)
	}
}

func TestReconcileStaticRewriteAddedWhenAbsent(t *testing.T) {
	cfg := testConfig(t)
	cfg.StaticRewrites["static.example.com"] = "1.2.3.4"
	provider := newFakeProvider()
	proxies := newFakeProxies()

	rec := newTestReconciler(t, cfg, provider, proxies)
	result, err := rec.Reconcile(t.Context())
	if err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if result.RecordsAdded != 1 {
		t.Errorf("expected the static rewrite to be added, got %+v", result)
	}
	if !containsAnswer(provider.records["static.example.com"], "1.2.3.4") {
		t.Errorf("expected provider to carry the static rewrite, got %+v", provider.records)
	}
}

func TestReconcileStaticRewriteRotatesManagedAnswer(t *testing.T) {
	cfg := testConfig(t)
	cfg.StaticRewrites["static.example.com"] = "1.2.3.4"
	provider := newFakeProvider()
	proxies := newFakeProxies()

	rec := newTestReconciler(t, cfg, provider, proxies)
	if _, err := rec.Reconcile(t.Context()); err != nil {
		t.Fatalf("first Reconcile returned error: %v", err)
	}

	cfg.StaticRewrites["static.example.com"] = "5.6.7.8"
	result, err := rec.Reconcile(t.Context())
	if err != nil {
		t.Fatalf("second Reconcile returned error: %v", err)
	}
	if result.RecordsUpdated != 1 {
		t.Errorf("expected the changed static rewrite to rotate via update, got %+v", result)
	}
	if containsAnswer(provider.records["static.example.com"], "1.2.3.4") {
		t.Errorf("expected the old answer to be gone, got %+v", provider.records)
	}
	if !containsAnswer(provider.records["static.example.com"], "5.6.7.8") {
		t.Errorf("expected the new answer to be present, got %+v", provider.records)
	}
}

func TestReconcileStaticRewriteSkipsUnmanagedCollision(t *testing.T) {
	cfg := testConfig(t)
	cfg.StaticRewrites["static.example.com"] = "1.2.3.4"
	provider := newFakeProvider()
	provider.records["static.example.com"] = []string{"9.9.9.9"} // present but never managed by this engine
	proxies := newFakeProxies()

	rec := newTestReconciler(t, cfg, provider, proxies)
	result, err := rec.Reconcile(t.Context())
	if err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}
	if result.Conflicts != 1 {
		t.Errorf("expected the unmanaged collision to be counted as a conflict, got %+v", result)
	}
	if !containsAnswer(provider.records["static.example.com"], "9.9.9.9") {
		t.Errorf("expected the unmanaged record to be left alone, got %+v", provider.records)
	}
	if containsAnswer(provider.records["static.example.com"], "1.2.3.4") {
		t.Errorf("expected the static rewrite not to be forced in over an unmanaged record, got %+v", provider.records)
	}
}

func TestReconcileExclusionPrunesManagedRecord(t *testing.T) {
	cfg := testConfig(t, config.SourceConfig{Name: "edge", Type: "traefik", URL: "http://traefik.local", TargetIP: "10.0.0.1"})
	provider := newFakeProvider()
	proxies := newFakeProxies()
	proxies.routes["edge"] = []proxysource.Route{
		{Hostname: "app.example.com", InstanceName: "edge", TargetIP: "10.0.0.1", Zone: proxysource.ZoneInternal},
	}

	rec := newTestReconciler(t, cfg, provider, proxies)
	if _, err := rec.Reconcile(t.Context()); err != nil {
		t.Fatalf("first Reconcile returned error: %v", err)
	}

	exclusions, _ := config.NewExclusionSet([]string{"*.example.com"})
	cfg.Exclusions = exclusions
	proxies.routes["edge"] = []proxysource.Route{
		{Hostname: "app.dev.example.com", InstanceName: "edge", TargetIP: "10.0.0.1", Zone: proxysource.ZoneInternal},
	}
	rec.Reload(cfg, provider, proxies)

	result, err := rec.Reconcile(t.Context())
	if err != nil {
		t.Fatalf("second Reconcile returned error: %v", err)
	}
	if result.RecordsAdded != 0 {
		t.Errorf("expected the newly excluded domain not to be added, got %+v", result)
	}
	if len(provider.records["app.example.com"]) != 0 {
		t.Errorf("expected the now-excluded record to have been removed, got %+v", provider.records)
	}
}

func TestReconcileCleansUpRecordsForInstanceRemovedFromConfig(t *testing.T) {
	cfg := testConfig(t, config.SourceConfig{Name: "edge", Type: "traefik", URL: "http://traefik.local", TargetIP: "10.0.0.1"})
	provider := newFakeProvider()
	proxies := newFakeProxies()
	proxies.routes["edge"] = []proxysource.Route{
		{Hostname: "app.example.com", InstanceName: "edge", TargetIP: "10.0.0.1", Zone: proxysource.ZoneInternal},
	}
	store := state.New(filepath.Join(t.TempDir(), "state.json"))
	rec := New(cfg, provider, proxies, store)
	if _, err := rec.Reconcile(t.Context()); err != nil {
		t.Fatalf("first Reconcile returned error: %v", err)
	}

	newCfg := testConfig(t) // "edge" source removed entirely
	rec2 := New(newCfg, provider, proxies, store)
	result, err := rec2.Reconcile(t.Context())
	if err != nil {
		t.Fatalf("second Reconcile returned error: %v", err)
	}
	if result.RecordsDeleted != 1 {
		t.Errorf("expected the removed instance's records to be cleaned up on first cycle, got %+v", result)
	}
}
