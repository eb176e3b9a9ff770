// Package key derives stable cache keys from repository URLs.
package key

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/jmgilman/go/repocache/cacheerr"
)

// Key identifies one cached repository. It is the lowercase hex SHA-256 of
// the normalized repository URL and is used verbatim as a directory name.
type Key string

// String returns the key as a string.
func (k Key) String() string {
	return string(k)
}

// Short returns an abbreviated form of the key for log output.
func (k Key) Short() string {
	if len(k) > 12 {
		return string(k[:12])
	}
	return string(k)
}

// Valid reports whether s has the shape of a key produced by Resolve.
func Valid(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ssh":   "22",
	"git":   "9418",
}

var schemeAliases = map[string]string{
	"git+ssh": "ssh",
	"ssh+git": "ssh",
}

// Resolve normalizes rawURL and returns its cache key.
//
// Two remote URLs that differ only in scheme/host casing, credentials,
// default ports, a trailing slash or a ".git" suffix resolve to the same
// key. SCP-style addresses (git@host:org/repo) resolve to the same key as
// the equivalent ssh:// URL. Local paths keep their ".git" suffix: on disk
// pkg and pkg.git are two different repositories.
func Resolve(rawURL string) (Key, error) {
	normalized, err := Normalize(rawURL)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(normalized))
	return Key(hex.EncodeToString(sum[:])), nil
}

// Normalize returns the canonical form of a repository URL.
//
// Examples:
//   - https://User:pw@GitHub.com:443/my/repo.git/ → https://github.com/my/repo
//   - git@github.com:my/repo.git → ssh://github.com/my/repo
//   - /srv/git/pkg.git/ → file:///srv/git/pkg.git
func Normalize(rawURL string) (string, error) {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return "", cacheerr.New(cacheerr.CodeInvalidRepositoryURL, "repository URL is empty")
	}

	if isLocalPath(raw) {
		return normalizeLocal(raw)
	}

	if isSCPLike(raw) {
		// Format: git@github.com:org/repo or host:path
		hostPath := raw
		if i := strings.Index(hostPath, "@"); i >= 0 {
			hostPath = hostPath[i+1:]
		}
		host, p, _ := strings.Cut(hostPath, ":")
		raw = "ssh://" + host + "/" + strings.TrimPrefix(p, "/")
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", cacheerr.Wrapf(err, cacheerr.CodeInvalidRepositoryURL, "failed to parse repository URL %q", rawURL)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if alias, ok := schemeAliases[scheme]; ok {
		scheme = alias
	}

	switch scheme {
	case "file":
		return normalizeLocal(parsed.Path)
	case "":
		// A bare relative path such as "pkgs/acl".
		return normalizeLocal(raw)
	}

	if _, ok := defaultPorts[scheme]; !ok {
		return "", cacheerr.Newf(cacheerr.CodeInvalidRepositoryURL, "unsupported repository URL scheme %q in %q", parsed.Scheme, rawURL)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return "", cacheerr.Newf(cacheerr.CodeInvalidRepositoryURL, "repository URL %q has no host", rawURL)
	}
	if port := parsed.Port(); port != "" && port != defaultPorts[scheme] {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	p := cleanRepoPath(parsed.Path)
	if p == "" {
		return "", cacheerr.Newf(cacheerr.CodeInvalidRepositoryURL, "repository URL %q has no path", rawURL)
	}

	return scheme + "://" + host + p, nil
}

// isLocalPath reports whether raw is a filesystem path rather than a URL.
func isLocalPath(raw string) bool {
	return strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "./") ||
		strings.HasPrefix(raw, "../") || raw == "." || raw == ".."
}

// isSCPLike reports whether raw uses git's scp-like syntax ([user@]host:path).
// A colon appearing after the first slash belongs to a path, not a host.
func isSCPLike(raw string) bool {
	if strings.Contains(raw, "://") {
		return false
	}
	colon := strings.Index(raw, ":")
	if colon <= 0 {
		return false
	}
	slash := strings.Index(raw, "/")
	return slash < 0 || colon < slash
}

func normalizeLocal(p string) (string, error) {
	if p == "" {
		return "", cacheerr.New(cacheerr.CodeInvalidRepositoryURL, "local repository path is empty")
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", cacheerr.Wrapf(err, cacheerr.CodeInvalidRepositoryURL, "failed to resolve local path %q", p)
	}
	abs = strings.TrimSuffix(filepath.ToSlash(abs), "/")
	if abs == "" {
		return "", cacheerr.Newf(cacheerr.CodeInvalidRepositoryURL, "local repository path %q is the filesystem root", p)
	}
	return "file://" + abs, nil
}

// cleanRepoPath collapses duplicate slashes and dot segments, then strips a
// trailing slash and ".git" suffix. The result is "" or starts with "/".
func cleanRepoPath(p string) string {
	if p == "" {
		return ""
	}
	p = path.Clean("/" + p)
	p = strings.TrimSuffix(p, "/")
	p = strings.TrimSuffix(p, ".git")
	p = strings.TrimSuffix(p, "/")
	return p
}
