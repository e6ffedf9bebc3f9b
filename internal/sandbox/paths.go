// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package sandbox confines filesystem and subprocess actions to an
// allow-list of root directories. Paths are canonicalised through symlinks
// before the containment check, so neither ".." traversal nor symlinked
// escapes can reach outside a root.
package sandbox

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/jarvislabs/jarvis-core/internal/httperror"
	"github.com/jarvislabs/jarvis-core/internal/logbuf"
)

// Sandbox resolves caller paths against its root allow-list and executes
// the bounded action operations.
type Sandbox struct {
	roots []string
	log   *logbuf.Logger
}

// New builds a Sandbox whose roots are the canonical process working
// directory and the given base directory.
func New(baseDir string, log *logbuf.Logger) (*Sandbox, error) {
	if log == nil {
		log = logbuf.Default()
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	var roots []string
	for _, dir := range []string{cwd, baseDir} {
		if dir == "" {
			continue
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		c, err := canonicalize(abs)
		if err != nil {
			continue
		}
		if !containsString(roots, c) {
			roots = append(roots, c)
		}
	}
	if len(roots) == 0 {
		return nil, httperror.New(500, "no usable sandbox roots")
	}
	return &Sandbox{roots: roots, log: log}, nil
}

// Roots returns the canonical allow-list.
func (s *Sandbox) Roots() []string {
	return append([]string(nil), s.roots...)
}

// Resolve canonicalises path and checks it against the allow-list. A
// relative path is joined onto each root in order and the first contained
// candidate wins. Paths escaping every root fail with 403.
func (s *Sandbox) Resolve(path string) (string, error) {
	if path == "" {
		return "", httperror.Validation("path must not be empty")
	}
	if filepath.IsAbs(path) {
		c, err := canonicalize(filepath.Clean(path))
		if err != nil {
			return "", httperror.Validation("cannot resolve path %q: %v", path, err)
		}
		for _, root := range s.roots {
			if within(root, c) {
				return c, nil
			}
		}
		return "", httperror.Forbidden("path %q is outside the allowed roots", path)
	}
	for _, root := range s.roots {
		c, err := canonicalize(filepath.Join(root, path))
		if err != nil {
			continue
		}
		if within(root, c) {
			return c, nil
		}
	}
	return "", httperror.Forbidden("path %q is outside the allowed roots", path)
}

// canonicalize follows symlinks even when the tail of the path does not
// exist yet: the longest existing ancestor is resolved and the remainder
// re-appended.
func canonicalize(path string) (string, error) {
	if c, err := filepath.EvalSymlinks(path); err == nil {
		return c, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}
	dir, base := filepath.Split(filepath.Clean(path))
	dir = strings.TrimSuffix(dir, string(filepath.Separator))
	if dir == "" || dir == path {
		return path, nil
	}
	cdir, err := canonicalize(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(cdir, base), nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
