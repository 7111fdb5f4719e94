// Package config loads the YAML configuration describing DNS providers,
// proxy sources, sync settings, exclusion patterns, and static rewrites.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maxfield-allison/rewritesync/internal/dnsprovider"
	"github.com/maxfield-allison/rewritesync/internal/proxysource"
)

// Defaults
const (
	DefaultSyncMode     = "watch"
	DefaultPollInterval = 30 * time.Second
	MinPollInterval     = 5 * time.Second
	DefaultLogLevel     = "info"
	DefaultZone         = proxysource.ZoneInternal
)

// ProviderConfig describes one configured DNS resolver to reconcile against.
type ProviderConfig struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SourceConfig describes one configured proxy instance to poll for routes.
type SourceConfig struct {
	Name             string `yaml:"name"`
	Type             string `yaml:"type"`
	URL              string `yaml:"url"`
	TargetIP         string `yaml:"target_ip"`
	Username         string `yaml:"username"`
	Password         string `yaml:"password"`
	VerifyTLS        *bool  `yaml:"verify_tls"`
	RouterFilter     string `yaml:"router_filter"`
	MiddlewareFilter string `yaml:"middleware_filter"`
	DefaultZone      string `yaml:"default_zone"`
}

// Instance converts a SourceConfig into the proxysource.Instance the
// adapters operate on.
func (s SourceConfig) Instance() proxysource.Instance {
	verifyTLS := true
	if s.VerifyTLS != nil {
		verifyTLS = *s.VerifyTLS
	}
	zone := DefaultZone
	if strings.EqualFold(s.DefaultZone, "external") {
		zone = proxysource.ZoneExternal
	}
	return proxysource.Instance{
		Name:             s.Name,
		Type:             s.Type,
		URL:              strings.TrimRight(s.URL, "/"),
		TargetIP:         s.TargetIP,
		Username:         s.Username,
		Password:         s.Password,
		VerifyTLS:        verifyTLS,
		RouterFilter:     s.RouterFilter,
		MiddlewareFilter: s.MiddlewareFilter,
		DefaultZone:      zone,
	}
}

// SettingsConfig is the settings: block. PollInterval is in whole seconds.
type SettingsConfig struct {
	SyncMode     string `yaml:"sync_mode"`
	PollInterval int    `yaml:"poll_interval"`
	LogLevel     string `yaml:"log_level"`
	DefaultZone  string `yaml:"default_zone"`
}

// rawDocument mirrors a single YAML file's top-level shape.
type rawDocument struct {
	Providers      []ProviderConfig  `yaml:"providers"`
	Sources        []SourceConfig    `yaml:"sources"`
	Settings       SettingsConfig    `yaml:"settings"`
	ExcludeDomains []string          `yaml:"exclude_domains"`
	StaticRewrites map[string]string `yaml:"static_rewrites"`
}

// Config is the fully merged, validated configuration.
type Config struct {
	Providers      []ProviderConfig
	Sources        []SourceConfig
	SyncMode       string
	PollInterval   time.Duration
	LogLevel       string
	DefaultZone    proxysource.Zone
	Exclusions     *ExclusionSet
	StaticRewrites map[string]string

	// SourcePaths lists every file the configuration was loaded from, in
	// load order, so a scheduler can watch their mtimes for changes.
	SourcePaths []string
}

// Load reads configuration from path, which may be a single YAML file or a
// directory. When path is a directory, every *.yaml file in it is loaded in
// alphabetical order (files ending in .template are skipped) and merged:
// providers, sources, and exclude_domains accumulate across files;
// static_rewrites and settings from later files take precedence key-by-key.
func Load(path string) (*Config, error) {
	paths, err := resolvePaths(path)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("config: no YAML files found under %s", path)
	}

	cfg := &Config{
		StaticRewrites: make(map[string]string),
		SourcePaths:    paths,
	}
	var rawExclusions []string
	settings := SettingsConfig{}

	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", p, err)
		}
		var doc rawDocument
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", p, err)
		}

		cfg.Providers = append(cfg.Providers, doc.Providers...)
		cfg.Sources = append(cfg.Sources, doc.Sources...)
		rawExclusions = append(rawExclusions, doc.ExcludeDomains...)
		for k, v := range doc.StaticRewrites {
			cfg.StaticRewrites[k] = v
		}
		mergeSettings(&settings, doc.Settings)
	}

	if err := applySettings(cfg, settings); err != nil {
		return nil, err
	}

	exclusions, badPatterns := NewExclusionSet(rawExclusions)
	cfg.Exclusions = exclusions
	for _, err := range badPatterns {
		fmt.Fprintf(os.Stderr, "config: dropping invalid exclusion pattern: %v\n", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeSettings copies any non-empty field of next into dst, so later files
// in a directory override earlier ones field-by-field rather than wholesale.
func mergeSettings(dst *SettingsConfig, next SettingsConfig) {
	if next.SyncMode != "" {
		dst.SyncMode = next.SyncMode
	}
	if next.PollInterval != 0 {
		dst.PollInterval = next.PollInterval
	}
	if next.LogLevel != "" {
		dst.LogLevel = next.LogLevel
	}
	if next.DefaultZone != "" {
		dst.DefaultZone = next.DefaultZone
	}
}

func applySettings(cfg *Config, s SettingsConfig) error {
	cfg.SyncMode = s.SyncMode
	if cfg.SyncMode == "" {
		cfg.SyncMode = DefaultSyncMode
	}
	if cfg.SyncMode != "once" && cfg.SyncMode != "watch" {
		return fmt.Errorf("config: settings.sync_mode must be \"once\" or \"watch\", got %q", cfg.SyncMode)
	}

	cfg.PollInterval = DefaultPollInterval
	if s.PollInterval != 0 {
		cfg.PollInterval = time.Duration(s.PollInterval) * time.Second
	}
	if cfg.PollInterval < MinPollInterval {
		cfg.PollInterval = MinPollInterval
	}

	cfg.LogLevel = strings.ToLower(s.LogLevel)
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: settings.log_level must be debug, info, warn, or error, got %q", cfg.LogLevel)
	}

	cfg.DefaultZone = DefaultZone
	if strings.EqualFold(s.DefaultZone, "external") {
		cfg.DefaultZone = proxysource.ZoneExternal
	}

	return nil
}

// validate checks cross-field constraints once every file has been merged.
func (c *Config) validate() error {
	var errs []string

	if len(c.Providers) == 0 {
		errs = append(errs, "at least one entry under providers: is required")
	}
	seenProviders := make(map[string]struct{})
	for i, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Sprintf("providers[%d]: name is required", i))
			continue
		}
		if _, dup := seenProviders[p.Name]; dup {
			errs = append(errs, fmt.Sprintf("providers[%d]: duplicate provider name %q", i, p.Name))
		}
		seenProviders[p.Name] = struct{}{}
		if p.Type != dnsprovider.TypeAdguard {
			errs = append(errs, fmt.Sprintf("providers[%d] %q: unsupported type %q", i, p.Name, p.Type))
		}
		if p.URL == "" {
			errs = append(errs, fmt.Sprintf("providers[%d] %q: url is required", i, p.Name))
		}
	}

	seenSources := make(map[string]struct{})
	for i, s := range c.Sources {
		if s.Name == "" {
			errs = append(errs, fmt.Sprintf("sources[%d]: name is required", i))
			continue
		}
		if _, dup := seenSources[s.Name]; dup {
			errs = append(errs, fmt.Sprintf("sources[%d]: duplicate source name %q", i, s.Name))
		}
		seenSources[s.Name] = struct{}{}
		switch s.Type {
		case "", "traefik":
			if s.URL == "" {
				errs = append(errs, fmt.Sprintf("sources[%d] %q: url is required for traefik sources", i, s.Name))
			}
		case "docker":
		default:
			errs = append(errs, fmt.Sprintf("sources[%d] %q: unknown type %q", i, s.Name, s.Type))
		}
		if s.TargetIP == "" {
			errs = append(errs, fmt.Sprintf("sources[%d] %q: target_ip is required", i, s.Name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// resolvePaths expands path into the sorted list of YAML files to load.
func resolvePaths(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	matches, err := filepath.Glob(filepath.Join(path, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("config: globbing %s: %w", path, err)
	}
	var paths []string
	for _, m := range matches {
		if strings.HasSuffix(m, ".template") {
			continue
		}
		paths = append(paths, m)
	}
	sort.Strings(paths)
	return paths, nil
}

// Mtimes returns the modification time of every file the configuration was
// loaded from, keyed by path, for change detection between reconcile cycles.
func (c *Config) Mtimes() (map[string]time.Time, error) {
	mtimes := make(map[string]time.Time, len(c.SourcePaths))
	for _, p := range c.SourcePaths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		mtimes[p] = info.ModTime()
	}
	return mtimes, nil
}
