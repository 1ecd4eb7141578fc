package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrTaskNotFound is returned by Resolve when no task matches the ref.
var ErrTaskNotFound = fmt.Errorf("task not found")

// WatchCallback is invoked by PollOnce for every add/update/remove observed
// across all configured sources, after fetch/validate/fingerprint.
type WatchCallback func(kind ChangeKind, task *Task)

// ListFilter narrows the result of List; zero-value matches everything.
type ListFilter struct {
	Name       string
	IncludeStale bool
}

// nameVersion is a (name, version) identity used to track which source
// currently wins the precedence contest for that pair.
type nameVersion struct {
	name    string
	version string
}

// sourcePath uniquely identifies an entry within a source, used to map a
// poll_changes remove event back to the task it withdraws.
type sourcePath struct {
	sourceID string
	path     string
}

// Registry discovers, validates, fingerprints, and resolves tasks across
// a configured list of Sources, applying the priority/order precedence
// rule when the same (name, version) is offered by more than one.
type Registry struct {
	logger  *slog.Logger
	sources []Source

	// maxConcurrentValidations bounds how many source Fetch+Validate
	// pairs run at once during a List/refresh sweep.
	maxConcurrentValidations int64

	mu      sync.RWMutex
	byID    map[string]*Task       // fingerprint -> task
	byName  map[string][]*Task     // name -> versions
	byPath  map[sourcePath]*Task   // (source, entry path) -> task, for remove events
	refs    *refCount
	winners map[nameVersion]string // (name,version) -> winning source ID
}

// New constructs a Registry over sources. Sources are not queried until
// Refresh or PollOnce is called.
func New(logger *slog.Logger, sources []Source) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:                   logger.With(slog.String("component", "registry")),
		sources:                  sources,
		maxConcurrentValidations: 8,
		byID:                     make(map[string]*Task),
		byName:                   make(map[string][]*Task),
		byPath:                   make(map[sourcePath]*Task),
		refs:                     newRefCount(),
		winners:                  make(map[nameVersion]string),
	}
}

// Refresh lists and fetches every source, validates and fingerprints each
// entry, and applies precedence for duplicate (name, version) pairs. It
// is the full-sweep counterpart to PollOnce's incremental updates; callers
// typically call Refresh once at startup and then PollOnce for ongoing
// changes.
func (r *Registry) Refresh(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(r.maxConcurrentValidations)

	var mu sync.Mutex
	var loadErrs []string

	for _, src := range r.sources {
		src := src
		entries, err := src.List(ctx)
		if err != nil {
			// A failing source never invalidates tasks from other sources.
			r.logger.Warn("source list failed", slog.String("source", src.ID()), slog.String("error", err.Error()))
			mu.Lock()
			loadErrs = append(loadErrs, fmt.Sprintf("%s: %v", src.ID(), err))
			mu.Unlock()
			continue
		}

		for _, entry := range entries {
			entry := entry
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			g.Go(func() error {
				defer sem.Release(1)
				task, err := r.loadOne(ctx, src, entry)
				if err != nil {
					r.logger.Warn("task load failed",
						slog.String("source", src.ID()), slog.String("path", entry.Path), slog.String("error", err.Error()))
					return nil
				}
				r.admit(task)
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if len(loadErrs) == len(r.sources) && len(r.sources) > 0 {
		return fmt.Errorf("all sources failed: %s", strings.Join(loadErrs, "; "))
	}
	return nil
}

func (r *Registry) loadOne(ctx context.Context, src Source, entry Entry) (*Task, error) {
	fetched, err := src.Fetch(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	fingerprint, err := Fingerprint(fetched.SourceCode, fetched.InputSchema, fetched.OutputSchema)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: %w", err)
	}

	task := &Task{
		ID:           fingerprint,
		Name:         fetched.Name,
		Version:      fetched.Version,
		Fingerprint:  fingerprint,
		SourceCode:   fetched.SourceCode,
		SourceKind:   fetched.SourceKind,
		InputSchema:  fetched.InputSchema,
		OutputSchema: fetched.OutputSchema,
		Metadata:     fetched.Metadata,
		TestCases:    fetched.TestCases,
		SourceRef: SourceRef{
			SourceID: src.ID(),
			Path:     entry.Path,
			Priority: src.Priority(),
			Order:    src.Order(),
		},
	}

	switch s := src.(type) {
	case *LocalSource:
		task.SourceRef.Kind = SourceKindLocal
	case *VCSSource:
		task.SourceRef.Kind = SourceKindVCS
		task.SourceRef.Commit = s.CurrentRef()
	case *HTTPSource:
		task.SourceRef.Kind = SourceKindHTTP
		task.SourceRef.URL = fmt.Sprintf(s.blobURLTmpl, entry.Path)
	}

	if err := Validate(task); err != nil {
		task.Stale = true
		return task, fmt.Errorf("validate: %w", err)
	}
	return task, nil
}

// admit applies the precedence rule: a task replaces the current winner
// for its (name, version) only if its source outranks the incumbent's
// (higher priority, then later declaration order).
func (r *Registry) admit(task *Task) {
	key := nameVersion{name: task.Name, version: task.Version}

	r.mu.Lock()
	defer r.mu.Unlock()

	if winnerID, exists := r.winners[key]; exists {
		incumbent := r.findByNameVersionLocked(key)
		if incumbent != nil && !outranks(task.SourceRef, incumbent.SourceRef) {
			r.logger.Debug("task superseded by higher-precedence source",
				slog.String("name", task.Name), slog.String("version", task.Version),
				slog.String("losing_source", task.SourceRef.SourceID), slog.String("winning_source", winnerID))
			return
		}
	}

	r.winners[key] = task.SourceRef.SourceID
	r.byID[task.Fingerprint] = task
	r.byPath[sourcePath{sourceID: task.SourceRef.SourceID, path: task.SourceRef.Path}] = task

	versions := r.byName[task.Name]
	replaced := false
	for i, existing := range versions {
		if existing.Version == task.Version {
			versions[i] = task
			replaced = true
			break
		}
	}
	if !replaced {
		versions = append(versions, task)
	}
	r.byName[task.Name] = versions
}

// withdraw removes the task a source last offered at path, if it is still
// the registry's admitted copy for its (name, version). Returns the
// withdrawn task, or nil if nothing matched (already superseded or
// unknown).
func (r *Registry) withdraw(sourceID, path string) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := sourcePath{sourceID: sourceID, path: path}
	task, ok := r.byPath[key]
	if !ok {
		return nil
	}
	delete(r.byPath, key)

	nv := nameVersion{name: task.Name, version: task.Version}
	if r.winners[nv] != sourceID {
		return nil
	}

	delete(r.winners, nv)
	delete(r.byID, task.Fingerprint)
	versions := r.byName[task.Name]
	for i, existing := range versions {
		if existing.Version == task.Version {
			versions = append(versions[:i], versions[i+1:]...)
			break
		}
	}
	if len(versions) == 0 {
		delete(r.byName, task.Name)
	} else {
		r.byName[task.Name] = versions
	}
	return task
}

// outranks reports whether a's source takes precedence over b's source:
// higher priority wins, ties broken by later declaration order winning
// (the most recently added source of equal priority is presumed freshest).
func outranks(a, b SourceRef) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Order >= b.Order
}

func (r *Registry) findByNameVersionLocked(key nameVersion) *Task {
	for _, t := range r.byName[key.name] {
		if t.Version == key.version {
			return t
		}
	}
	return nil
}

// Resolve looks up a task by name (latest version), "name@version", or a
// bare fingerprint.
func (r *Registry) Resolve(taskRef string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if task, ok := r.byID[taskRef]; ok {
		return task, nil
	}

	if name, version, found := strings.Cut(taskRef, "@"); found {
		for _, t := range r.byName[name] {
			if t.Version == version {
				return t, nil
			}
		}
		return nil, ErrTaskNotFound
	}

	versions := r.byName[taskRef]
	if len(versions) == 0 {
		return nil, ErrTaskNotFound
	}
	return latestVersion(versions), nil
}

// Acquire and Release maintain an in-flight reference count per
// fingerprint. admit and withdraw do not consult it: a withdrawn or
// replaced task stops resolving whatever its count is.
func (r *Registry) Acquire(fingerprint string) { r.refs.acquire(fingerprint) }
func (r *Registry) Release(fingerprint string) int { return r.refs.release(fingerprint) }

// List returns every currently admitted task matching filter.
func (r *Registry) List(filter ListFilter) []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Task
	for name, versions := range r.byName {
		if filter.Name != "" && filter.Name != name {
			continue
		}
		for _, t := range versions {
			if t.Stale && !filter.IncludeStale {
				continue
			}
			out = append(out, t)
		}
	}
	return out
}

// PollOnce runs one pass over every source's PollChanges and invokes
// callback for each resulting task after Fetch+Validate+admit (or after
// withdraw, for removals). The registry keeps no timer of its own; the
// caller decides when to run a pass, e.g. from a cron-style or manual
// trigger.
func (r *Registry) PollOnce(ctx context.Context, callback WatchCallback) error {
	for _, src := range r.sources {
		changes, err := src.PollChanges(ctx, 0)
		if err != nil {
			r.logger.Warn("poll_changes failed", slog.String("source", src.ID()), slog.String("error", err.Error()))
			continue
		}
		for _, change := range changes {
			if change.Kind == ChangeRemove {
				removed := r.withdraw(src.ID(), change.Entry.Path)
				if removed != nil {
					callback(ChangeRemove, removed)
				}
				continue
			}
			task, err := r.loadOne(ctx, src, change.Entry)
			if err != nil {
				r.logger.Warn("task reload failed",
					slog.String("source", src.ID()), slog.String("path", change.Entry.Path), slog.String("error", err.Error()))
				continue
			}
			r.admit(task)
			callback(change.Kind, task)
		}
	}
	return nil
}

func latestVersion(versions []*Task) *Task {
	best := versions[0]
	bestVer, bestErr := semver.NewVersion(best.Version)
	for _, t := range versions[1:] {
		ver, err := semver.NewVersion(t.Version)
		switch {
		case err == nil && bestErr == nil:
			if ver.GreaterThan(bestVer) {
				best, bestVer = t, ver
			}
		case err == nil && bestErr != nil:
			best, bestVer, bestErr = t, ver, nil
		case err != nil && bestErr != nil && t.RegisteredAt.After(best.RegisteredAt):
			best = t
		}
	}
	return best
}
