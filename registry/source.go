package registry

import "context"

// Entry describes one discoverable task bundle within a Source, before
// its bytes have been fetched.
type Entry struct {
	Path         string
	Fingerprint  string // of the raw bytes, for change detection only
	LastModified int64  // unix seconds, source-reported
}

// ChangeKind discriminates the result of a poll_changes diff.
type ChangeKind string

const (
	ChangeAdd    ChangeKind = "add"
	ChangeUpdate ChangeKind = "update"
	ChangeRemove ChangeKind = "remove"
)

// Change is one entry transition discovered by poll_changes.
type Change struct {
	Kind  ChangeKind
	Entry Entry
}

// FetchedTask is the raw, not-yet-validated bytes+metadata a Source
// returns for one Entry.
type FetchedTask struct {
	Name         string
	Version      string
	SourceCode   string
	SourceKind   string
	InputSchema  map[string]any
	OutputSchema map[string]any
	Metadata     map[string]string
	TestCases    []TestCase
}

// Source is the abstract interface every task origin implements: local
// directory tree, pinned VCS checkout, or HTTP index (spec.md §4.1).
type Source interface {
	// ID uniquely identifies this source instance within the registry.
	ID() string
	// Priority ranks this source against others carrying the same task
	// name; higher wins. Ties break on declaration Order.
	Priority() int
	// Order is this source's position in the registry's configured
	// source list, used as the final tiebreaker.
	Order() int
	// List enumerates all currently discoverable entries.
	List(ctx context.Context) ([]Entry, error)
	// Fetch retrieves one entry's bytes and metadata.
	Fetch(ctx context.Context, entry Entry) (FetchedTask, error)
	// PollChanges diffs the current entry set against what was last seen,
	// returning add/update/remove events. since is this source's own
	// opaque cursor from the previous poll; sources that have no natural
	// cursor may ignore it and diff against an internally retained map.
	PollChanges(ctx context.Context, since int64) ([]Change, error)
}
