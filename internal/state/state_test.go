package state

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileYieldsFreshDocument(t *testing.T) {
	dir := t.TempDir()
	store := New(filepath.Join(dir, "missing.json"))

	doc := store.Load()
	if doc.Version != Version {
		t.Errorf("expected version %d, got %d", Version, doc.Version)
	}
	if doc.Instances == nil || doc.Domains == nil || doc.ManagedRecords == nil {
		t.Errorf("expected all maps to be initialized, got %+v", doc)
	}
}

func TestLoadUnparsableFileYieldsFreshDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("writing garbage state file: %v", err)
	}

	store := New(path)
	doc := store.Load()
	if doc.Version != Version {
		t.Errorf("expected a fresh document with version %d, got %d", Version, doc.Version)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	store := New(path)

	doc := NewDocument()
	doc.Instances["edge"] = InstanceStatus{LastSuccessEpoch: 100, URL: "http://edge.local"}
	doc.Domains["app.example.com"] = DomainState{
		Sources: map[string]Source{
			"edge": {Answer: "10.0.0.1", LastSeenEpoch: 100},
		},
	}
	doc.AddManaged("app.example.com", "10.0.0.1")

	if err := store.Save(doc); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("expected temp file to be renamed away, stat err: %v", err)
	}

	loaded := store.Load()
	if loaded.Instances["edge"].URL != "http://edge.local" {
		t.Errorf("expected instance to round-trip, got %+v", loaded.Instances["edge"])
	}
	if !loaded.IsManaged("app.example.com", "10.0.0.1") {
		t.Errorf("expected managed record to round-trip")
	}
	source := loaded.Domains["app.example.com"].Sources["edge"]
	if source.Answer != "10.0.0.1" {
		t.Errorf("expected domain source to round-trip, got %+v", source)
	}
}

func TestSaveCreatesMissingDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")
	store := New(path)

	if err := store.Save(NewDocument()); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected state file to exist: %v", err)
	}
}

func TestIsManagedAddManagedRemoveManaged(t *testing.T) {
	doc := NewDocument()

	if doc.IsManaged("app.example.com", "10.0.0.1") {
		t.Fatalf("expected a fresh document to have no managed records")
	}

	doc.AddManaged("app.example.com", "10.0.0.1")
	doc.AddManaged("app.example.com", "10.0.0.1") // duplicate add is a no-op
	if len(doc.ManagedRecords["app.example.com"]) != 1 {
		t.Errorf("expected duplicate AddManaged to not double up, got %+v", doc.ManagedRecords["app.example.com"])
	}
	if !doc.IsManaged("app.example.com", "10.0.0.1") {
		t.Errorf("expected record to be managed after AddManaged")
	}

	doc.AddManaged("app.example.com", "10.0.0.2")
	doc.RemoveManaged("app.example.com", "10.0.0.1")
	if doc.IsManaged("app.example.com", "10.0.0.1") {
		t.Errorf("expected record to no longer be managed after RemoveManaged")
	}
	if !doc.IsManaged("app.example.com", "10.0.0.2") {
		t.Errorf("expected the other answer to remain managed")
	}

	doc.RemoveManaged("app.example.com", "10.0.0.2")
	if _, ok := doc.ManagedRecords["app.example.com"]; ok {
		t.Errorf("expected the domain key to be removed once its last answer is removed")
	}
}
