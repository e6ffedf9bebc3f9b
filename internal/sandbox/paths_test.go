// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/jarvislabs/jarvis-core/internal/httperror"
	"github.com/jarvislabs/jarvis-core/internal/logbuf"
)

func newTestSandbox(t *testing.T) (*Sandbox, string) {
	t.Helper()
	base := t.TempDir()
	s, err := New(base, logbuf.New(nil, 10))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// TempDir may sit behind a symlink (e.g. /tmp on darwin); use the
	// canonical root the sandbox actually registered.
	roots := s.Roots()
	return s, roots[len(roots)-1]
}

func TestResolveWithinRoot(t *testing.T) {
	s, base := newTestSandbox(t)
	target := filepath.Join(base, "notes.txt")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := s.Resolve(target)
	if err != nil {
		t.Fatalf("Resolve absolute: %v", err)
	}
	if got != target {
		t.Errorf("resolved = %q, want %q", got, target)
	}
}

func TestResolveRelative(t *testing.T) {
	s, _ := newTestSandbox(t)

	missing, err := s.Resolve("does/not/exist.txt")
	if err != nil {
		t.Fatalf("Resolve missing relative: %v", err)
	}
	if !filepath.IsAbs(missing) {
		t.Errorf("resolved = %q, want absolute", missing)
	}

	if _, err := s.Resolve("../../../../../../etc/passwd"); httperror.StatusOf(err) != http.StatusForbidden {
		t.Errorf("relative traversal: %v, want 403", err)
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	s, _ := newTestSandbox(t)
	for _, p := range []string{"/etc/passwd", "/", "/var/log"} {
		if _, err := s.Resolve(p); httperror.StatusOf(err) != http.StatusForbidden {
			t.Errorf("Resolve(%q) = %v, want 403", p, err)
		}
	}
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	s, base := newTestSandbox(t)
	link := filepath.Join(base, "escape")
	if err := os.Symlink("/etc", link); err != nil {
		t.Skipf("symlink: %v", err)
	}
	if _, err := s.Resolve(filepath.Join(link, "passwd")); httperror.StatusOf(err) != http.StatusForbidden {
		t.Errorf("symlinked escape resolved: %v", err)
	}
	if _, err := s.Resolve(link); httperror.StatusOf(err) != http.StatusForbidden {
		t.Errorf("symlink itself resolved: %v", err)
	}
}

func TestResolveFollowsInternalSymlink(t *testing.T) {
	s, base := newTestSandbox(t)
	real := filepath.Join(base, "real")
	if err := os.MkdirAll(real, 0o755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(base, "alias")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlink: %v", err)
	}
	got, err := s.Resolve(link)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != real {
		t.Errorf("resolved = %q, want %q", got, real)
	}
}

func TestResolveEmptyPath(t *testing.T) {
	s, _ := newTestSandbox(t)
	if _, err := s.Resolve(""); httperror.StatusOf(err) != http.StatusBadRequest {
		t.Errorf("empty path: %v, want 400", err)
	}
}
