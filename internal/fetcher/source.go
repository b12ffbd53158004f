package fetcher

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/seanblong/repoqa/internal/apperr"
)

// Source is a validated repository address.
type Source struct {
	// Raw is the address as given, trimmed.
	Raw  string
	Host string
	// Segments is the slash-separated path with the .git suffix removed from
	// the last element.
	Segments []string
	// Name is the derived repository name (last segment).
	Name string
}

// Owner returns the segment before the name, which is the account on forges
// like GitHub.
func (s Source) Owner() string {
	if len(s.Segments) < 2 {
		return ""
	}
	return s.Segments[len(s.Segments)-2]
}

// scpLike matches git@host:owner/repo(.git).
var scpLike = regexp.MustCompile(`^([A-Za-z0-9._-]+)@([A-Za-z0-9.-]+):([^/][^:]*)$`)

var nameChars = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Parse validates raw and derives the repository name from its last path
// segment. Invalid input yields an InvalidSource error.
func Parse(raw string) (Source, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Source{}, apperr.New(apperr.InvalidSource, "source URL is empty")
	}
	if strings.ContainsAny(s, " \t\r\n") {
		return Source{}, apperr.New(apperr.InvalidSource, "source URL %q contains whitespace", s)
	}

	var host, path string
	if m := scpLike.FindStringSubmatch(s); m != nil && !strings.Contains(s, "://") {
		host, path = m[2], m[3]
	} else {
		u, err := url.Parse(s)
		if err != nil {
			return Source{}, apperr.Wrap(apperr.InvalidSource, err, "source URL %q is malformed", s)
		}
		switch u.Scheme {
		case "https", "http", "ssh", "git":
		default:
			return Source{}, apperr.New(apperr.InvalidSource, "source URL %q must use https, http, ssh or git", s)
		}
		if u.Host == "" || u.Hostname() == "" {
			return Source{}, apperr.New(apperr.InvalidSource, "source URL %q has no host", s)
		}
		if u.RawQuery != "" || u.Fragment != "" {
			return Source{}, apperr.New(apperr.InvalidSource, "source URL %q must not carry a query or fragment", s)
		}
		host, path = u.Hostname(), u.Path
	}

	var segs []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			segs = append(segs, p)
		}
	}
	if len(segs) == 0 {
		return Source{}, apperr.New(apperr.InvalidSource, "source URL %q has no repository path", s)
	}
	last := strings.TrimSuffix(segs[len(segs)-1], ".git")
	segs[len(segs)-1] = last
	if !validName(last) {
		return Source{}, apperr.New(apperr.InvalidSource, "cannot derive a repository name from %q", s)
	}

	return Source{Raw: s, Host: strings.ToLower(host), Segments: segs, Name: last}, nil
}

// ValidateName checks a caller-chosen repository name against the same rule
// Parse applies to derived names. Names are used as file names, so path
// separators and dot segments are rejected.
func ValidateName(name string) error {
	if !validName(name) {
		return apperr.New(apperr.InvalidSource, "invalid repository name %q", name)
	}
	return nil
}

func validName(name string) bool {
	return name != "." && name != ".." && nameChars.MatchString(name)
}

// RepoName derives the repository name for raw.
func RepoName(raw string) (string, error) {
	src, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return src.Name, nil
}
