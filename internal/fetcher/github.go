package fetcher

import (
	"context"
	"errors"
	"net/http"
	"time"

	gh "github.com/google/go-github/v80/github"
	"github.com/seanblong/repoqa/internal/apperr"
	"golang.org/x/oauth2"
)

// RemoteChecker confirms a repository exists before it is cloned.
type RemoteChecker interface {
	Check(ctx context.Context, src Source) error
}

// GitHubChecker asks the GitHub API about github.com sources and ignores
// every other host.
type GitHubChecker struct {
	client *gh.Client
}

// NewGitHubChecker builds a checker. An empty token uses anonymous access.
func NewGitHubChecker(token string) *GitHubChecker {
	var hc *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		hc = oauth2.NewClient(context.Background(), ts)
	} else {
		hc = &http.Client{}
	}
	hc.Timeout = 15 * time.Second
	return &GitHubChecker{client: gh.NewClient(hc)}
}

// NewGitHubCheckerWithClient uses a preconfigured go-github client.
func NewGitHubCheckerWithClient(c *gh.Client) *GitHubChecker {
	return &GitHubChecker{client: c}
}

// Check implements RemoteChecker.
func (c *GitHubChecker) Check(ctx context.Context, src Source) error {
	if src.Host != "github.com" || len(src.Segments) != 2 {
		return nil
	}
	owner, repo := src.Owner(), src.Name
	_, resp, err := c.client.Repositories.Get(ctx, owner, repo)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var rle *gh.RateLimitError
	if errors.As(err, &rle) {
		// Rate limited: let the clone decide.
		return nil
	}
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return apperr.FetchFailed(apperr.ReasonNotFound, err, "repository %s/%s not found on GitHub", owner, repo)
	}
	if resp != nil {
		// Other API answers (403 etc.) do not prove absence.
		return nil
	}
	return apperr.FetchFailed(apperr.ReasonUnreachable, err, "GitHub is unreachable")
}
