// Package state persists the reconciler's view of instance health, domain
// ownership, and the records the engine manages, as a single JSON document.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// Version is the current on-disk document version.
const Version = 1

// InstanceStatus records the last poll outcome for a configured proxy instance.
type InstanceStatus struct {
	LastSuccessEpoch int64  `json:"last_success_epoch"`
	LastError        string `json:"last_error,omitempty"`
	URL              string `json:"url,omitempty"`
}

// Source is one instance's observation of a domain.
type Source struct {
	Answer        string `json:"answer"`
	LastSeenEpoch int64  `json:"last_seen_epoch"`
}

// DomainState is the ownership record for a single hostname: which
// instances currently advertise it, and with what answer.
type DomainState struct {
	Sources map[string]Source `json:"sources"`
}

// Document is the full persisted state document written to disk.
type Document struct {
	Version        int                      `json:"version"`
	Instances      map[string]InstanceStatus `json:"instances"`
	Domains        map[string]DomainState    `json:"domains"`
	ManagedRecords map[string][]string       `json:"managed_records"`
}

// NewDocument returns an empty, valid document.
func NewDocument() *Document {
	return &Document{
		Version:        Version,
		Instances:      make(map[string]InstanceStatus),
		Domains:        make(map[string]DomainState),
		ManagedRecords: make(map[string][]string),
	}
}

// fillDefaults makes sure every top-level map is non-nil.
func (d *Document) fillDefaults() {
	if d.Version == 0 {
		d.Version = Version
	}
	if d.Instances == nil {
		d.Instances = make(map[string]InstanceStatus)
	}
	if d.Domains == nil {
		d.Domains = make(map[string]DomainState)
	}
	if d.ManagedRecords == nil {
		d.ManagedRecords = make(map[string][]string)
	}
}

// IsManaged reports whether the engine has placed answer for domain.
func (d *Document) IsManaged(domain, answer string) bool {
	for _, a := range d.ManagedRecords[domain] {
		if a == answer {
			return true
		}
	}
	return false
}

// AddManaged records that the engine placed (domain, answer), if not already present.
func (d *Document) AddManaged(domain, answer string) {
	if d.ManagedRecords == nil {
		d.ManagedRecords = make(map[string][]string)
	}
	if d.IsManaged(domain, answer) {
		return
	}
	d.ManagedRecords[domain] = append(d.ManagedRecords[domain], answer)
	sort.Strings(d.ManagedRecords[domain])
}

// RemoveManaged erases the (domain, answer) managed-record entry.
func (d *Document) RemoveManaged(domain, answer string) {
	answers := d.ManagedRecords[domain]
	out := answers[:0]
	for _, a := range answers {
		if a != answer {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		delete(d.ManagedRecords, domain)
		return
	}
	d.ManagedRecords[domain] = out
}

// Store loads and saves Documents to a JSON file on disk.
type Store struct {
	path   string
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a Store backed by the JSON file at path.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:   path,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads the document from disk. A missing or unparsable file is not an
// error: it yields a fresh, empty, valid document (StateCorruption is
// logged, never fatal).
func (s *Store) Load() *Document {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("state file unreadable, starting fresh",
				slog.String("path", s.path),
				slog.String("error", err.Error()),
			)
		}
		return NewDocument()
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("state file unparsable, starting fresh",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
		return NewDocument()
	}

	doc.fillDefaults()
	return &doc
}

// Save writes doc to disk via a temporary file and atomic rename, so the
// file on disk is always a fully valid document.
func (s *Store) Save(doc *Document) error {
	doc.fillDefaults()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("writing temp state file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming temp state file: %w", err)
	}

	s.logger.Debug("state saved",
		slog.String("path", s.path),
		slog.Int("domains", len(doc.Domains)),
		slog.Int("instances", len(doc.Instances)),
	)

	return nil
}
