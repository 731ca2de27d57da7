package util

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// CheckRemoteURL accepts absolute http(s) URLs with a host.
func CheckRemoteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceNotAllowed, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: scheme %q", ErrSourceNotAllowed, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrSourceNotAllowed)
	}
	return nil
}

// LocalPathUnder resolves a file:// URL to a path that must stay inside root.
func LocalPathUnder(root, raw string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("%w: local files disabled", ErrSourceNotAllowed)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "file" {
		return "", fmt.Errorf("%w: not a file url", ErrSourceNotAllowed)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	p := filepath.Clean(u.Path)
	if real, err := filepath.EvalSymlinks(p); err == nil {
		p = real
	}
	if real, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = real
	}
	rel, err := filepath.Rel(absRoot, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrSourceNotAllowed, p, absRoot)
	}
	return p, nil
}
