// Package sandbox enforces the filesystem jail: every write, delete, or copy
// issued by an agent must resolve, after full symlink expansion, to a path
// inside one of the allowed directories. Reads are not jailed.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// DefaultMaxSymlinkDepth bounds how many links a single path component may
// chain through before the walk is rejected.
const DefaultMaxSymlinkDepth = 8

// ViolationError describes a rejected path and why it was rejected. Reason
// values: "null-byte", "traversal", "blocked-character", "symlink-loop",
// "symlink-depth", "outside-allowed".
type ViolationError struct {
	Path   string
	Reason string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("sandbox violation (%s): %s", e.Reason, e.Path)
}

// traversalPatterns are matched against the lowercased raw input before any
// normalization. URL-escaped, double-escaped and fullwidth forms hide ".."
// from naive checks, so the raw string is what gets inspected.
var traversalPatterns = []string{
	"..",
	"%2e%2e",
	"%2e.",
	".%2e",
	"%252e",
	"．．",
	"．.",
	".．",
}

// nullBytePatterns cover the literal byte plus its escaped encodings.
var nullBytePatterns = []string{
	"\x00",
	"%00",
	"%2500",
}

// blockedRunes can reproduce '.' '/' or '\' after NFKC normalization and are
// therefore rejected while still in their raw form.
var blockedRunes = map[rune]bool{
	'．': true, // fullwidth full stop
	'／': true, // fullwidth solidus
	'＼': true, // fullwidth reverse solidus
	'․': true, // one dot leader
	'‥': true, // two dot leader
	'…': true, // horizontal ellipsis
}

// Validator checks paths against a set of allowed directories.
type Validator struct {
	allowedDirs     []string
	maxSymlinkDepth int
}

// NewValidator builds a validator for the given allowed directories. Each
// directory is made absolute and symlink-resolved once so containment checks
// compare canonical forms. At least one allowed directory is required.
func NewValidator(allowedDirs []string, maxSymlinkDepth int) (*Validator, error) {
	if len(allowedDirs) == 0 {
		return nil, fmt.Errorf("at least one allowed directory is required")
	}
	if maxSymlinkDepth <= 0 {
		maxSymlinkDepth = DefaultMaxSymlinkDepth
	}

	v := &Validator{maxSymlinkDepth: maxSymlinkDepth}
	for _, dir := range allowedDirs {
		abs, err := filepath.Abs(filepath.Clean(dir))
		if err != nil {
			return nil, fmt.Errorf("failed to absolutize allowed dir %q: %w", dir, err)
		}
		if resolved, err := filepath.EvalSymlinks(abs); err == nil {
			abs = resolved
		}
		v.allowedDirs = append(v.allowedDirs, abs)
	}
	return v, nil
}

// AllowedDirs returns the canonical allowed directories.
func (v *Validator) AllowedDirs() []string {
	return append([]string{}, v.allowedDirs...)
}

// ValidateWrite runs the full pipeline on a path that will be written,
// deleted, or copied to, and returns the resolved absolute path on success.
//
// Pipeline order matters: encoded tricks are caught on the raw input before
// normalization can erase them.
//  1. null bytes in any encoding
//  2. traversal sequences in any encoding
//  3. blocklisted unicode that masks traversal after NFKC
//  4. NFKC normalization, then traversal re-check
//  5. symlink resolution with depth ceiling and loop detection
//  6. containment in an allowed directory (prefix plus separator, never bare
//     prefix)
func (v *Validator) ValidateWrite(raw string) (string, error) {
	cleaned, err := v.screenRaw(raw)
	if err != nil {
		return "", err
	}

	resolved, err := v.resolveSymlinks(v.absolutize(cleaned))
	if err != nil {
		return "", err
	}

	if !v.contained(resolved) {
		return "", &ViolationError{Path: raw, Reason: "outside-allowed"}
	}
	return resolved, nil
}

// ValidateRead screens a path for read access. Reads are not jailed, but
// null bytes and encoded garbage are still rejected and the path is resolved
// so the caller audits the real target.
func (v *Validator) ValidateRead(raw string) (string, error) {
	for _, p := range nullBytePatterns {
		if strings.Contains(strings.ToLower(raw), p) {
			return "", &ViolationError{Path: raw, Reason: "null-byte"}
		}
	}
	resolved, err := v.resolveSymlinks(v.absolutize(strings.TrimSpace(raw)))
	if err != nil {
		return "", err
	}
	return resolved, nil
}

// screenRaw applies the pre-normalization checks and returns the NFKC form.
func (v *Validator) screenRaw(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", &ViolationError{Path: raw, Reason: "traversal"}
	}

	lower := strings.ToLower(trimmed)
	for _, p := range nullBytePatterns {
		if strings.Contains(lower, p) {
			return "", &ViolationError{Path: raw, Reason: "null-byte"}
		}
	}
	for _, p := range traversalPatterns {
		if strings.Contains(lower, p) {
			return "", &ViolationError{Path: raw, Reason: "traversal"}
		}
	}
	for _, r := range trimmed {
		if blockedRunes[r] {
			return "", &ViolationError{Path: raw, Reason: "blocked-character"}
		}
	}

	normalized := norm.NFKC.String(trimmed)
	// Compatibility forms outside the explicit blocklist may still decompose
	// into dots; one more pass over the normalized text closes that hole.
	if strings.Contains(normalized, "..") {
		return "", &ViolationError{Path: raw, Reason: "traversal"}
	}
	return normalized, nil
}

// absolutize anchors relative paths at the first allowed directory.
func (v *Validator) absolutize(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Clean(filepath.Join(v.allowedDirs[0], path))
}

// resolveSymlinks walks the path component by component, expanding links as
// it goes. Every link visited in the current chain is marked gray; visiting
// a gray link again is a loop. A chain longer than the depth ceiling is
// rejected. Components that do not exist yet (new files) are kept as-is.
func (v *Validator) resolveSymlinks(path string) (string, error) {
	parts := strings.Split(path, string(os.PathSeparator))
	resolved := string(os.PathSeparator)

	for _, part := range parts {
		if part == "" {
			continue
		}
		candidate := filepath.Join(resolved, part)

		gray := make(map[string]bool)
		for depth := 0; ; depth++ {
			fi, err := os.Lstat(candidate)
			if err != nil {
				// Path does not exist yet; nothing more to expand here.
				break
			}
			if fi.Mode()&os.ModeSymlink == 0 {
				break
			}
			if depth >= v.maxSymlinkDepth {
				return "", &ViolationError{Path: path, Reason: "symlink-depth"}
			}
			if gray[candidate] {
				return "", &ViolationError{Path: path, Reason: "symlink-loop"}
			}
			gray[candidate] = true

			target, err := os.Readlink(candidate)
			if err != nil {
				return "", fmt.Errorf("failed to read link %q: %w", candidate, err)
			}
			if filepath.IsAbs(target) {
				candidate = filepath.Clean(target)
			} else {
				candidate = filepath.Clean(filepath.Join(filepath.Dir(candidate), target))
			}
		}
		resolved = candidate
	}
	return resolved, nil
}

// contained compares with prefix plus separator, never bare prefix, so
// /tmp/ws-evil does not pass for an allowed /tmp/ws.
func (v *Validator) contained(path string) bool {
	for _, dir := range v.allowedDirs {
		if path == dir || strings.HasPrefix(path, dir+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}
