// Package checkout clones or updates a git repository into the
// workspace, including submodules.
package checkout

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/upkeep-run/upkeep/pkg/errors"
	"github.com/upkeep-run/upkeep/pkg/job"
)

// ExportSHA is the variable exported to later steps with the checked
// out commit.
const ExportSHA = "UPKEEP_CHECKOUT_SHA"

// Action checks out git repositories. A fresh path is cloned; an
// existing repository is fetched and reset to the requested ref.
type Action struct{}

// New creates a checkout action.
func New() *Action {
	return &Action{}
}

// Name returns the action identifier.
func (a *Action) Name() string {
	return "checkout"
}

// Execute checks out url at ref into path. Branch and tag refs resolve
// against the remote; 40-character hex refs are treated as commits and
// checked out detached.
func (a *Action) Execute(ctx context.Context, inv *job.Invocation) (*job.ActionResult, error) {
	rawURL, ok := inv.Inputs["url"].(string)
	if !ok || rawURL == "" {
		return nil, &errors.ValidationError{
			Field:      "url",
			Message:    "url must be a non-empty string",
			Suggestion: "Provide the repository clone URL",
		}
	}

	ref, _ := inv.Inputs["ref"].(string)
	depth, _ := intInput(inv.Inputs["depth"])
	clean, _ := inv.Inputs["clean"].(bool)

	path, _ := inv.Inputs["path"].(string)
	if path == "" {
		path = inv.WorkingDir
	}
	if path == "" {
		return nil, &errors.ValidationError{
			Field:      "path",
			Message:    "no checkout path available",
			Suggestion: "Set path or run the step with a working directory",
		}
	}
	if !filepath.IsAbs(path) && inv.WorkingDir != "" {
		path = filepath.Join(inv.WorkingDir, path)
	}

	submodules, err := submoduleMode(inv.Inputs["submodules"])
	if err != nil {
		return nil, err
	}

	env := envMap(inv.Env)
	auth, err := resolveAuth(ctx, inv.Inputs["auth"], env)
	if err != nil {
		return nil, err
	}

	if clean {
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("failed to clean %s: %w", path, err)
		}
	}

	var repo *git.Repository
	var resolvedRef string

	repo, err = git.PlainOpen(path)
	switch {
	case err == nil:
		resolvedRef, err = a.update(ctx, repo, rawURL, ref, depth, auth, inv.Log)
	case errors.Is(err, git.ErrRepositoryNotExists):
		repo, resolvedRef, err = a.clone(ctx, path, rawURL, ref, depth, auth, inv.Log)
	default:
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if err != nil {
		return nil, err
	}

	if submodules.enabled {
		if err := a.updateSubmodules(ctx, repo, submodules.recursion, auth); err != nil {
			return nil, fmt.Errorf("failed to update submodules for %s: %w", redactURL(rawURL), err)
		}
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to read HEAD of %s: %w", path, err)
	}
	sha := head.Hash().String()

	if err := appendExport(inv.EnvFile, ExportSHA, sha); err != nil {
		return nil, fmt.Errorf("failed to export %s: %w", ExportSHA, err)
	}

	return &job.ActionResult{
		Outputs: map[string]interface{}{
			"sha":  sha,
			"ref":  resolvedRef,
			"path": path,
		},
	}, nil
}

// clone performs the initial checkout into an empty path.
func (a *Action) clone(ctx context.Context, path, rawURL, ref string, depth int, auth transport.AuthMethod, progress io.Writer) (*git.Repository, string, error) {
	opts := &git.CloneOptions{
		URL:      rawURL,
		Auth:     auth,
		Progress: progress,
		Tags:     git.AllTags,
	}

	switch {
	case ref == "":
		opts.Depth = depth

	case plumbing.IsHash(ref):
		// A pinned commit may fall outside any shallow window, so the
		// clone is always full.

	default:
		refName, err := a.resolveRemoteRef(ctx, rawURL, ref, auth)
		if err != nil {
			return nil, "", err
		}
		opts.ReferenceName = refName
		if depth > 0 {
			opts.Depth = depth
			opts.SingleBranch = true
		}
	}

	repo, err := git.PlainCloneContext(ctx, path, false, opts)
	if err != nil {
		return nil, "", fmt.Errorf("failed to clone %s: %w", redactURL(rawURL), err)
	}

	if plumbing.IsHash(ref) {
		if err := checkoutHash(repo, plumbing.NewHash(ref)); err != nil {
			return nil, "", fmt.Errorf("failed to check out %s from %s: %w", ref, redactURL(rawURL), err)
		}
		return repo, ref, nil
	}

	if ref != "" {
		return repo, ref, nil
	}
	head, err := repo.Head()
	if err != nil {
		return nil, "", fmt.Errorf("failed to read HEAD of %s: %w", redactURL(rawURL), err)
	}
	return repo, head.Name().Short(), nil
}

// update fetches the remote and resets the worktree to the requested
// ref. The checkout is detached at the resolved commit, the way CI
// checkouts are.
func (a *Action) update(ctx context.Context, repo *git.Repository, rawURL, ref string, depth int, auth transport.AuthMethod, progress io.Writer) (string, error) {
	err := repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		Auth:       auth,
		Progress:   progress,
		Depth:      depth,
		Tags:       git.AllTags,
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", fmt.Errorf("failed to fetch %s: %w", redactURL(rawURL), err)
	}

	resolvedRef := ref
	var hash plumbing.Hash
	switch {
	case plumbing.IsHash(ref):
		hash = plumbing.NewHash(ref)

	case ref != "":
		h, err := resolveLocalRef(repo, ref)
		if err != nil {
			return "", fmt.Errorf("ref %q not found on %s", ref, redactURL(rawURL))
		}
		hash = h

	default:
		branch, err := a.remoteHead(ctx, rawURL, auth)
		if err != nil {
			return "", err
		}
		h, err := resolveLocalRef(repo, branch)
		if err != nil {
			return "", fmt.Errorf("branch %q not found on %s", branch, redactURL(rawURL))
		}
		hash = h
		resolvedRef = branch
	}

	if err := checkoutHash(repo, hash); err != nil {
		return "", fmt.Errorf("failed to check out %s: %w", resolvedRef, err)
	}
	return resolvedRef, nil
}

// resolveRemoteRef lists the remote and returns the full name of the
// branch or tag matching ref.
func (a *Action) resolveRemoteRef(ctx context.Context, rawURL, ref string, auth transport.AuthMethod) (plumbing.ReferenceName, error) {
	refs, err := a.listRemote(ctx, rawURL, auth)
	if err != nil {
		return "", err
	}

	branch := plumbing.NewBranchReferenceName(ref)
	tag := plumbing.NewTagReferenceName(ref)
	for _, r := range refs {
		if r.Name() == branch {
			return branch, nil
		}
	}
	for _, r := range refs {
		if r.Name() == tag {
			return tag, nil
		}
	}
	return "", fmt.Errorf("ref %q not found on %s", ref, redactURL(rawURL))
}

// remoteHead returns the short branch name the remote HEAD points at.
func (a *Action) remoteHead(ctx context.Context, rawURL string, auth transport.AuthMethod) (string, error) {
	refs, err := a.listRemote(ctx, rawURL, auth)
	if err != nil {
		return "", err
	}
	for _, r := range refs {
		if r.Name() == plumbing.HEAD && r.Type() == plumbing.SymbolicReference {
			return r.Target().Short(), nil
		}
	}
	return "", fmt.Errorf("remote %s has no HEAD", redactURL(rawURL))
}

func (a *Action) listRemote(ctx context.Context, rawURL string, auth transport.AuthMethod) ([]*plumbing.Reference, error) {
	rem := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{rawURL},
	})
	refs, err := rem.ListContext(ctx, &git.ListOptions{Auth: auth})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", redactURL(rawURL), err)
	}
	return refs, nil
}

// resolveLocalRef resolves a short ref against the fetched
// remote-tracking branches, then tags.
func resolveLocalRef(repo *git.Repository, ref string) (plumbing.Hash, error) {
	for _, candidate := range []string{
		"refs/remotes/origin/" + ref,
		"refs/tags/" + ref,
	} {
		if h, err := repo.ResolveRevision(plumbing.Revision(candidate)); err == nil {
			return *h, nil
		}
	}
	return plumbing.ZeroHash, fmt.Errorf("ref %q not found", ref)
}

func checkoutHash(repo *git.Repository, hash plumbing.Hash) error {
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	return wt.Checkout(&git.CheckoutOptions{
		Hash:  hash,
		Force: true,
	})
}

// updateSubmodules initializes and updates the worktree's submodules.
// A repository without submodules is a no-op.
func (a *Action) updateSubmodules(ctx context.Context, repo *git.Repository, recursion git.SubmoduleRescursivity, auth transport.AuthMethod) error {
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	subs, err := wt.Submodules()
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}
	return subs.UpdateContext(ctx, &git.SubmoduleUpdateOptions{
		Init:              true,
		Auth:              auth,
		RecurseSubmodules: recursion,
	})
}

type submoduleConfig struct {
	enabled   bool
	recursion git.SubmoduleRescursivity
}

func submoduleMode(raw interface{}) (submoduleConfig, error) {
	switch v := raw.(type) {
	case nil:
		return submoduleConfig{}, nil
	case bool:
		return submoduleConfig{enabled: v, recursion: git.NoRecurseSubmodules}, nil
	case string:
		if v == "recursive" {
			return submoduleConfig{enabled: true, recursion: git.DefaultSubmoduleRecursionDepth}, nil
		}
	}
	return submoduleConfig{}, &errors.ValidationError{
		Field:      "submodules",
		Message:    "submodules must be true, false, or \"recursive\"",
		Suggestion: "Use submodules: recursive to descend into nested submodules",
	}
}

// appendExport appends a KEY=value line to the step's export file.
func appendExport(path, key, value string) error {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s=%s\n", key, value)
	return err
}

// redactURL strips credentials from a remote URL for error messages.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = nil
	return u.String()
}

func envMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	return m
}

func intInput(raw interface{}) (int, bool) {
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
