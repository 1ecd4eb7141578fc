package registry

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// allowedVCSProtocols mirrors the protocol allowlist used when shelling
// out to git for any remote operation.
var allowedVCSProtocols = map[string]bool{
	"https": true,
	"git":   true,
	"ssh":   true,
}

func validateVCSURL(raw string) error {
	if strings.HasPrefix(raw, "git@") {
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid repository url: %w", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if !allowedVCSProtocols[scheme] {
		return fmt.Errorf("protocol %q not allowed; must be https, git, or ssh", scheme)
	}
	return nil
}

// VCSSource discovers task bundles inside a pinned git ref, checked out
// (or updated) into a local working directory under checkoutDir. It
// re-uses LocalSource for directory walking once the checkout is current.
type VCSSource struct {
	id         string
	repoURL    string
	ref        string // branch, tag, or commit
	subdir     string // task-bundle root within the checkout, "" for repo root
	checkoutDir string
	priority   int
	order      int

	mu       sync.Mutex
	cloned   bool
	lastHead string
	local    *LocalSource
}

// NewVCSSource creates a source that tracks ref in repoURL, checked out
// under checkoutDir. subdir scopes bundle discovery within the checkout.
func NewVCSSource(id, repoURL, ref, subdir, checkoutDir string, priority, order int) (*VCSSource, error) {
	if err := validateVCSURL(repoURL); err != nil {
		return nil, err
	}
	return &VCSSource{
		id:          id,
		repoURL:     repoURL,
		ref:         ref,
		subdir:      subdir,
		checkoutDir: checkoutDir,
		priority:    priority,
		order:       order,
	}, nil
}

func (s *VCSSource) ID() string    { return s.id }
func (s *VCSSource) Priority() int { return s.priority }
func (s *VCSSource) Order() int    { return s.order }

func (s *VCSSource) bundleRoot() string {
	if s.subdir == "" {
		return s.checkoutDir
	}
	return filepath.Join(s.checkoutDir, s.subdir)
}

// sync clones the repo on first use and fetches+resets to ref on every
// subsequent call, returning the new HEAD commit. A no-op fetch (HEAD
// unchanged) is cheap and safe to call on every List/PollChanges.
func (s *VCSSource) sync(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cloned {
		if _, err := os.Stat(s.checkoutDir); os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(s.checkoutDir), 0o755); err != nil {
				return "", fmt.Errorf("create checkout parent: %w", err)
			}
			if _, err := s.runGit(ctx, "", "clone", "--no-checkout", s.repoURL, s.checkoutDir); err != nil {
				return "", fmt.Errorf("clone %s: %w", s.repoURL, err)
			}
		}
		s.cloned = true
		s.local = NewLocalSource(s.id, s.bundleRoot(), s.priority, s.order, nil)
	}

	if _, err := s.runGit(ctx, s.checkoutDir, "fetch", "--depth", "1", "origin", s.ref); err != nil {
		return "", fmt.Errorf("fetch %s@%s: %w", s.repoURL, s.ref, err)
	}
	if _, err := s.runGit(ctx, s.checkoutDir, "checkout", "--force", "FETCH_HEAD"); err != nil {
		return "", fmt.Errorf("checkout %s@%s: %w", s.repoURL, s.ref, err)
	}

	head, err := s.runGit(ctx, s.checkoutDir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("rev-parse HEAD: %w", err)
	}
	head = strings.TrimSpace(head)
	s.lastHead = head
	return head, nil
}

func (s *VCSSource) List(ctx context.Context) ([]Entry, error) {
	if _, err := s.sync(ctx); err != nil {
		return nil, err
	}
	return s.local.List(ctx)
}

func (s *VCSSource) Fetch(ctx context.Context, entry Entry) (FetchedTask, error) {
	task, err := s.local.Fetch(ctx, entry)
	if err != nil {
		return FetchedTask{}, err
	}
	return task, nil
}

func (s *VCSSource) PollChanges(ctx context.Context, since int64) ([]Change, error) {
	head, err := s.sync(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	unchanged := since != 0 && head == fmt.Sprintf("%d", since)
	s.mu.Unlock()
	if unchanged {
		return nil, nil
	}
	return s.local.PollChanges(ctx, since)
}

// CurrentRef reports the last commit this source synced to, for the
// registry's source_ref bookkeeping and idempotency checks.
func (s *VCSSource) CurrentRef() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHead
}

func (s *VCSSource) runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%w: %s", err, string(out))
	}
	return string(out), nil
}
