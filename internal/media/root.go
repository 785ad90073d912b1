// Package media confines the file references of job submissions to one
// directory tree on the server.
package media

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/reelforge/api/internal/apperr"
)

// Root resolves caller-supplied references against a base directory.
// Absolute paths, parent escapes and non-http schemes are rejected.
type Root struct {
	dir string
}

func NewRoot(dir string) *Root {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = filepath.Clean(dir)
	}
	return &Root{dir: abs}
}

// Dir returns the absolute base directory.
func (r *Root) Dir() string {
	return r.dir
}

// File maps a root-relative path to an absolute path inside the root.
func (r *Root) File(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", apperr.Validation("empty path")
	}
	if strings.Contains(p, "://") {
		return "", apperr.Validation("path %q: URLs are not accepted here", p)
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) || filepath.VolumeName(p) != "" {
		return "", apperr.Validation("path %q must be relative to the media root", p)
	}

	clean := filepath.Clean(filepath.FromSlash(p))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return "", apperr.Validation("path %q escapes the media root", p)
	}
	full := filepath.Join(r.dir, clean)
	rel, err := filepath.Rel(r.dir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", apperr.Validation("path %q escapes the media root", p)
	}
	return full, nil
}

// Source accepts http(s) URLs as they are and resolves everything else
// with File. file:// and other schemes are refused.
func (r *Root) Source(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err == nil && u.Scheme != "" && len(u.Scheme) > 1 {
		switch strings.ToLower(u.Scheme) {
		case "http", "https":
			if u.Host == "" {
				return "", apperr.Validation("source %q has no host", ref)
			}
			return ref, nil
		default:
			return "", apperr.Validation("source scheme %q is not allowed", u.Scheme)
		}
	}
	return r.File(ref)
}
