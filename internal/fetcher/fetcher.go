// Package fetcher obtains a local, read-only snapshot of a remote git
// repository. Each repository gets its own directory under the storage root;
// a new fetch fully replaces the previous snapshot only after it succeeds.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoqa/internal/apperr"
	"github.com/seanblong/repoqa/pkg/models"
)

// Runner executes git. Tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, args ...string) (stderr string, err error)
}

// GitRunner runs the git binary found on PATH.
type GitRunner struct{}

// Run implements Runner.
func (GitRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	// Never block on a credential prompt.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.String(), err
}

// Config configures a Fetcher.
type Config struct {
	// Root holds one snapshot directory per repository name.
	Root string
	// Token is injected into https clone URLs when set.
	Token string
	// Ref is the branch or tag to clone; empty means the remote default.
	Ref string
	Git Runner
	// Checker, if set, is consulted before cloning.
	Checker RemoteChecker
}

type Fetcher struct {
	root    string
	token   string
	ref     string
	git     Runner
	checker RemoteChecker
}

// New creates the storage root if needed.
func New(cfg Config) (*Fetcher, error) {
	if cfg.Root == "" {
		return nil, errors.New("fetcher root is required")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create repos dir: %w", err)
	}
	if cfg.Git == nil {
		cfg.Git = GitRunner{}
	}
	return &Fetcher{
		root:    cfg.Root,
		token:   cfg.Token,
		ref:     cfg.Ref,
		git:     cfg.Git,
		checker: cfg.Checker,
	}, nil
}

// Path returns the snapshot directory for a repository name.
func (f *Fetcher) Path(name string) string {
	return filepath.Join(f.root, name)
}

// Fetch clones sourceURL shallowly and installs it as the snapshot for its
// derived name. On any failure, including cancellation, the previous
// snapshot is left untouched.
func (f *Fetcher) Fetch(ctx context.Context, sourceURL string) (models.Repository, error) {
	src, err := Parse(sourceURL)
	if err != nil {
		return models.Repository{}, err
	}
	logger := log.With().Str("repo", src.Name).Str("source", src.Raw).Logger()

	if f.checker != nil {
		if err := f.checker.Check(ctx, src); err != nil {
			return models.Repository{}, err
		}
	}

	tmp, err := os.MkdirTemp(f.root, "."+src.Name+"-*")
	if err != nil {
		return models.Repository{}, apperr.Wrap(apperr.Internal, err, "create working directory")
	}
	committed := false
	defer func() {
		if !committed {
			if err := os.RemoveAll(tmp); err != nil {
				logger.Warn().Err(err).Str("path", tmp).Msg("failed to remove partial snapshot")
			}
		}
	}()

	args := []string{"clone", "--depth", "1", "--single-branch"}
	if f.ref != "" {
		args = append(args, "--branch", f.ref)
	}
	args = append(args, "--", f.cloneURL(src.Raw), tmp)

	start := time.Now()
	stderr, err := f.git.Run(ctx, args...)
	if err != nil {
		if ctx.Err() != nil {
			return models.Repository{}, apperr.FetchFailed(apperr.ReasonUnreachable, ctx.Err(), "fetch of %s cancelled", src.Raw)
		}
		return models.Repository{}, f.classify(src, stderr, err)
	}

	if err := os.RemoveAll(filepath.Join(tmp, ".git")); err != nil {
		return models.Repository{}, apperr.Wrap(apperr.Internal, err, "remove .git from snapshot")
	}

	dest := f.Path(src.Name)
	if err := os.RemoveAll(dest); err != nil {
		return models.Repository{}, apperr.Wrap(apperr.Internal, err, "remove previous snapshot")
	}
	if err := os.Rename(tmp, dest); err != nil {
		return models.Repository{}, apperr.Wrap(apperr.Internal, err, "install snapshot")
	}
	committed = true
	logger.Info().Dur("took", time.Since(start)).Str("path", dest).Msg("fetched repository")

	return models.Repository{Name: src.Name, SourceURL: src.Raw, LocalPath: dest}, nil
}

func (f *Fetcher) cloneURL(raw string) string {
	if f.token != "" && strings.HasPrefix(raw, "https://") {
		return "https://" + f.token + ":x-oauth-basic@" + strings.TrimPrefix(raw, "https://")
	}
	return raw
}

// notFoundHints are git stderr fragments meaning the repository does not
// exist or is not visible to us.
var notFoundHints = []string{
	"not found",
	"does not exist",
	"could not read username",
	"authentication failed",
	"repository not found",
	"remote branch", // unknown --branch
}

func (f *Fetcher) classify(src Source, stderr string, err error) error {
	msg := f.redact(strings.TrimSpace(stderr))
	cause := fmt.Errorf("git clone: %s", f.redact(err.Error()))
	if msg != "" {
		cause = fmt.Errorf("git clone: %s", msg)
	}
	lower := strings.ToLower(msg)
	for _, h := range notFoundHints {
		if strings.Contains(lower, h) {
			return apperr.FetchFailed(apperr.ReasonNotFound, cause, "repository %s was not found or is not accessible", src.Raw)
		}
	}
	return apperr.FetchFailed(apperr.ReasonUnreachable, cause, "repository %s is unreachable", src.Raw)
}

func (f *Fetcher) redact(s string) string {
	if f.token == "" {
		return s
	}
	return strings.ReplaceAll(s, f.token, "***")
}
