package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/maxfield-allison/rewritesync/internal/config"
	"github.com/maxfield-allison/rewritesync/internal/dnsprovider"
	"github.com/maxfield-allison/rewritesync/internal/proxysource"
	"github.com/maxfield-allison/rewritesync/internal/reconciler"
	"github.com/maxfield-allison/rewritesync/internal/state"
)

type stubProvider struct{}

func (stubProvider) TestConnection(ctx context.Context) bool { return true }
func (stubProvider) List(ctx context.Context) ([]dnsprovider.Record, error) {
	return nil, nil
}
func (stubProvider) Add(ctx context.Context, domain, answer string) error    { return nil }
func (stubProvider) Delete(ctx context.Context, domain, answer string) error { return nil }
func (stubProvider) Update(ctx context.Context, domain, old, next string) error {
	return nil
}

type stubProxies struct{}

func (stubProxies) ListRoutes(ctx context.Context, inst proxysource.Instance) ([]proxysource.Route, error) {
	return nil, nil
}

func newTestConfig(t *testing.T, path string) *config.Config {
	t.Helper()
	exclusions, _ := config.NewExclusionSet(nil)
	return &config.Config{
		Providers:      []config.ProviderConfig{{Name: "core", Type: dnsprovider.TypeAdguard, URL: "http://adguard.local"}},
		Exclusions:     exclusions,
		StaticRewrites: make(map[string]string),
		SourcePaths:    []string{path},
	}
}

func TestRunOnceExecutesOneCycle(t *testing.T) {
	dir := t.TempDir()
	store := state.New(filepath.Join(dir, "state.json"))
	cfg := newTestConfig(t, filepath.Join(dir, "config.yaml"))
	rec := reconciler.New(cfg, stubProvider{}, stubProxies{}, store)

	sched := New(rec, func() (*Bundle, error) { return nil, nil }, time.Second)
	if err := sched.RunOnce(t.Context()); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
}

func TestNewClampsPollIntervalFloor(t *testing.T) {
	dir := t.TempDir()
	store := state.New(filepath.Join(dir, "state.json"))
	cfg := newTestConfig(t, filepath.Join(dir, "config.yaml"))
	rec := reconciler.New(cfg, stubProvider{}, stubProxies{}, store)

	sched := New(rec, func() (*Bundle, error) { return nil, nil }, 1*time.Second)
	if sched.pollInterval != minPollInterval {
		t.Errorf("expected poll interval clamped to %v, got %v", minPollInterval, sched.pollInterval)
	}
}

func TestWatchStopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	store := state.New(filepath.Join(dir, "state.json"))
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("providers: []\n"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	cfg := newTestConfig(t, configPath)
	rec := reconciler.New(cfg, stubProvider{}, stubProxies{}, store)

	sched := New(rec, func() (*Bundle, error) { return nil, nil }, minPollInterval)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sched.Watch(ctx, cfg.SourcePaths)
	}()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected Watch to return nil on cancellation, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return promptly after context cancellation")
	}
}

func TestSnapshotMtimesDetectsChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("providers: []\n"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	before := snapshotMtimes([]string{path})
	future := time.Now().Add(1 * time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("touching config file: %v", err)
	}
	after := snapshotMtimes([]string{path})

	if sameSnapshot(before, after) {
		t.Errorf("expected a changed mtime to produce a different snapshot")
	}
}

func TestSameSnapshotIgnoresMissingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.yaml")

	snap := snapshotMtimes([]string{path})
	if len(snap) != 0 {
		t.Errorf("expected a missing file to be skipped, got %+v", snap)
	}
	if !sameSnapshot(snap, snapshotMtimes([]string{path})) {
		t.Errorf("expected two snapshots of the same missing file to be equal")
	}
}
