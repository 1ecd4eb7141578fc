package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// bundleManifest is the on-disk descriptor for one task bundle directory:
// task.json next to source.js (or whichever scripting file extension).
type bundleManifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	SourceFile   string            `json:"source_file"`
	SourceKind   string            `json:"source_kind"`
	InputSchema  map[string]any    `json:"input_schema"`
	OutputSchema map[string]any    `json:"output_schema"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	TestCases    []TestCase        `json:"test_cases,omitempty"`
}

// LocalSource discovers task bundles under a directory tree. Each bundle
// is a directory containing task.json plus its referenced source file.
// Changes are detected both by an explicit poll and, if Watch is called,
// by fsnotify events pushed to the supplied callback.
type LocalSource struct {
	id       string
	root     string
	priority int
	order    int
	logger   *slog.Logger

	mu       sync.Mutex
	lastSeen map[string]string // path -> fingerprint of raw bytes
}

// NewLocalSource creates a source rooted at dir.
func NewLocalSource(id, dir string, priority, order int, logger *slog.Logger) *LocalSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalSource{
		id:       id,
		root:     dir,
		priority: priority,
		order:    order,
		logger:   logger.With(slog.String("source", id)),
		lastSeen: make(map[string]string),
	}
}

func (s *LocalSource) ID() string    { return s.id }
func (s *LocalSource) Priority() int { return s.priority }
func (s *LocalSource) Order() int    { return s.order }

// manifestPaths globs for task.json files under root using doublestar, so
// bundles can be nested arbitrarily deep.
func (s *LocalSource) manifestPaths() ([]string, error) {
	pattern := filepath.ToSlash(filepath.Join(s.root, "**", "task.json"))
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob task manifests under %s: %w", s.root, err)
	}
	return matches, nil
}

func (s *LocalSource) List(ctx context.Context) ([]Entry, error) {
	paths, err := s.manifestPaths()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		fp, err := fileFingerprint(p)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Path:         p,
			Fingerprint:  fp,
			LastModified: info.ModTime().Unix(),
		})
	}
	return entries, nil
}

func (s *LocalSource) Fetch(ctx context.Context, entry Entry) (FetchedTask, error) {
	data, err := os.ReadFile(entry.Path)
	if err != nil {
		return FetchedTask{}, fmt.Errorf("read manifest %s: %w", entry.Path, err)
	}

	var manifest bundleManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return FetchedTask{}, fmt.Errorf("parse manifest %s: %w", entry.Path, err)
	}

	sourcePath := filepath.Join(filepath.Dir(entry.Path), manifest.SourceFile)
	sourceCode, err := os.ReadFile(sourcePath)
	if err != nil {
		return FetchedTask{}, fmt.Errorf("read source file %s: %w", sourcePath, err)
	}

	return FetchedTask{
		Name:         manifest.Name,
		Version:      manifest.Version,
		SourceCode:   string(sourceCode),
		SourceKind:   manifest.SourceKind,
		InputSchema:  manifest.InputSchema,
		OutputSchema: manifest.OutputSchema,
		Metadata:     manifest.Metadata,
		TestCases:    manifest.TestCases,
	}, nil
}

func (s *LocalSource) PollChanges(ctx context.Context, since int64) ([]Change, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seenNow := make(map[string]string, len(entries))
	var changes []Change
	for _, e := range entries {
		seenNow[e.Path] = e.Fingerprint
		prev, existed := s.lastSeen[e.Path]
		switch {
		case !existed:
			changes = append(changes, Change{Kind: ChangeAdd, Entry: e})
		case prev != e.Fingerprint:
			changes = append(changes, Change{Kind: ChangeUpdate, Entry: e})
		}
	}
	for path := range s.lastSeen {
		if _, stillThere := seenNow[path]; !stillThere {
			changes = append(changes, Change{Kind: ChangeRemove, Entry: Entry{Path: path}})
		}
	}
	s.lastSeen = seenNow

	return changes, nil
}

// Watch starts an fsnotify watcher over the source root and invokes
// onChange for every filesystem event observed under it. The caller is
// expected to re-run PollChanges (or re-List) in response; Watch itself
// only signals "something changed," it does not compute the diff, since
// fsnotify delivers raw path events rather than semantic add/update/remove.
func (s *LocalSource) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}

	if err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	}); err != nil {
		watcher.Close()
		return fmt.Errorf("walk %s for watch: %w", s.root, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				onChange()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("fsnotify error", slog.String("error", err.Error()))
			}
		}
	}()

	return nil
}

func fileFingerprint(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
