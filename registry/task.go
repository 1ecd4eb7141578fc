// Package registry discovers, parses, fingerprints, and validates task
// bundles from heterogeneous sources (local tree, VCS checkout, HTTP
// index), and resolves execution references against the result.
package registry

import (
	"strconv"
	"sync"
	"time"
)

// SourceKind identifies where a Task was discovered.
type SourceKind string

const (
	SourceKindLocal SourceKind = "local"
	SourceKindVCS   SourceKind = "vcs"
	SourceKindHTTP  SourceKind = "http"
)

// SourceRef points back to a Task's origin.
type SourceRef struct {
	SourceID string     `json:"source_id"`
	Kind     SourceKind `json:"kind"`
	Path     string     `json:"path"`
	// Commit is set for SourceKindVCS.
	Commit string `json:"commit,omitempty"`
	// URL is set for SourceKindHTTP.
	URL string `json:"url,omitempty"`
	// Priority is the owning source's configured priority, used to break
	// ties when the same task name appears in more than one source.
	Priority int `json:"priority"`
	// Order is the source's declaration order, the final tiebreaker.
	Order int `json:"order"`
}

// TestCase is a task-declared example input used to sanity-check the
// input schema during validation.
type TestCase struct {
	Name  string `json:"name"`
	Input any    `json:"input"`
}

// Task is an immutable (per fingerprint) unit of executable logic.
type Task struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Fingerprint  string         `json:"fingerprint"`
	SourceCode   string         `json:"source_code"`
	SourceKind   string         `json:"source_kind"`
	InputSchema  map[string]any `json:"input_schema"`
	OutputSchema map[string]any `json:"output_schema"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	SourceRef    SourceRef      `json:"source_ref"`
	TestCases    []TestCase     `json:"test_cases,omitempty"`

	RegisteredAt time.Time `json:"registered_at"`
	// Stale is set on a candidate whose validation failed. Such a
	// candidate is not admitted; a previously admitted copy of the same
	// (name, version) stays resolvable and is not itself marked stale.
	Stale bool `json:"stale,omitempty"`
}

// Summarize renders a one-line human-readable description of a task,
// used by list_tasks-style projections that don't need the full source.
func Summarize(t *Task) string {
	fp := t.Fingerprint
	if len(fp) > 12 {
		fp = fp[:12]
	}
	return t.Name + "@" + t.Version + " (" + fp + "), in=" +
		strconv.Itoa(len(schemaProperties(t.InputSchema))) + " out=" + strconv.Itoa(len(schemaProperties(t.OutputSchema)))
}

func schemaProperties(schema map[string]any) map[string]any {
	props, _ := schema["properties"].(map[string]any)
	return props
}

// refCount tracks in-flight references to a fingerprint, as counted by
// Registry.Acquire and Release. The registry does not read the count
// when admitting or withdrawing tasks, so it keeps no task resolvable.
type refCount struct {
	mu     sync.Mutex
	counts map[string]int
}

func newRefCount() *refCount {
	return &refCount{counts: make(map[string]int)}
}

func (r *refCount) acquire(fingerprint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[fingerprint]++
}

func (r *refCount) release(fingerprint string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[fingerprint]--
	n := r.counts[fingerprint]
	if n <= 0 {
		delete(r.counts, fingerprint)
	}
	return n
}

func (r *refCount) get(fingerprint string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[fingerprint]
}
