// Package scheduler drives the reconciler on a timer, watches configuration
// files for changes, and honors shutdown.
package scheduler

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/maxfield-allison/rewritesync/internal/dnsprovider"
	"github.com/maxfield-allison/rewritesync/internal/proxysource"
	"github.com/maxfield-allison/rewritesync/internal/reconciler"

	"github.com/maxfield-allison/rewritesync/internal/config"
)

// minPollInterval is the floor below which a configured poll interval is
// clamped.
const minPollInterval = 5 * time.Second

// Bundle is everything a config reload can change: the validated config
// plus the adapters built from it.
type Bundle struct {
	Config   *config.Config
	Provider dnsprovider.Adapter
	Proxies  proxysource.Adapter
}

// ReloadFunc rebuilds configuration and adapters from the current
// configuration path.
type ReloadFunc func() (*Bundle, error)

// Scheduler runs reconcile cycles in "once" or "watch" mode.
type Scheduler struct {
	reconciler   *reconciler.Reconciler
	reload       ReloadFunc
	pollInterval time.Duration
	logger       *slog.Logger
}

// Option is a functional option for configuring the Scheduler.
type Option func(*Scheduler)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// New creates a Scheduler. pollInterval is clamped to a 5s floor.
func New(rec *reconciler.Reconciler, reload ReloadFunc, pollInterval time.Duration, opts ...Option) *Scheduler {
	if pollInterval < minPollInterval {
		pollInterval = minPollInterval
	}
	s := &Scheduler{
		reconciler:   rec,
		reload:       reload,
		pollInterval: pollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunOnce executes exactly one reconcile cycle and returns its result.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	result, err := s.reconciler.Reconcile(ctx)
	if err != nil {
		return err
	}
	if len(result.Errors) > 0 {
		s.logger.Warn("reconcile cycle completed with errors", slog.Int("error_count", len(result.Errors)))
	}
	return nil
}

// Watch runs reconcile cycles until ctx is cancelled, waiting pollInterval
// between cycles. Before each cycle after the first, it checks whether any
// watched configuration file changed since the previous snapshot; if so, it
// rebuilds configuration and adapters and runs an immediate extra cycle
// before resuming the normal wait.
func (s *Scheduler) Watch(ctx context.Context, watchPaths []string) error {
	s.logger.Info("starting scheduler", slog.Duration("poll_interval", s.pollInterval))

	snapshot := snapshotMtimes(watchPaths)

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.logger.Error("reconcile cycle failed", slog.String("error", err.Error()))
		}

		if !s.wait(ctx) {
			return nil
		}

		current := snapshotMtimes(watchPaths)
		if !sameSnapshot(snapshot, current) {
			s.logger.Info("configuration changed, reloading")
			bundle, err := s.reload()
			if err != nil {
				s.logger.Error("config reload failed, keeping previous configuration", slog.String("error", err.Error()))
				continue
			}
			s.reconciler.Reload(bundle.Config, bundle.Provider, bundle.Proxies)
			snapshot = snapshotMtimes(bundle.Config.SourcePaths)
			watchPaths = bundle.Config.SourcePaths

			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("reconcile cycle after reload failed", slog.String("error", err.Error()))
			}

			// The reload's immediate extra cycle already ran above; resume
			// the normal wait instead of falling through to the top of the
			// loop, which would run a second cycle back-to-back.
			if !s.wait(ctx) {
				return nil
			}
		}
	}
}

// wait blocks for one pollInterval, returning false if ctx was cancelled
// either before or during the wait.
func (s *Scheduler) wait(ctx context.Context) bool {
	if err := ctx.Err(); err != nil {
		s.logger.Info("scheduler stopping", slog.String("reason", err.Error()))
		return false
	}

	timer := time.NewTimer(s.pollInterval)
	select {
	case <-ctx.Done():
		timer.Stop()
		s.logger.Info("scheduler stopping")
		return false
	case <-timer.C:
		return true
	}
}

func snapshotMtimes(paths []string) map[string]time.Time {
	snap := make(map[string]time.Time, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		snap[p] = info.ModTime()
	}
	return snap
}

func sameSnapshot(a, b map[string]time.Time) bool {
	if len(a) != len(b) {
		return false
	}
	for path, mtime := range a {
		other, ok := b[path]
		if !ok || !other.Equal(mtime) {
			return false
		}
	}
	return true
}
