// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package registry manages model metadata, downloads, and the single-active
// model rule. Metadata is persisted to models.json under the base directory;
// download progress lives only in memory.
package registry

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a model entry.
type State string

const (
	StateNotInstalled State = "not_installed"
	StateDownloading  State = "downloading"
	StateReady        State = "ready"
	StateActive       State = "active"
)

// Metadata describes one model known to the registry. ActivePath mirrors
// LocalPath while the entry is active and is empty otherwise.
type Metadata struct {
	ModelID    string   `json:"model_id"`
	RepoID     string   `json:"repo_id"`
	Filename   string   `json:"filename"`
	Checksum   string   `json:"checksum,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	State      State    `json:"state"`
	LocalPath  string   `json:"local_path,omitempty"`
	ActivePath string   `json:"active_path,omitempty"`
}

// Clone returns a deep copy safe to hand out past the registry mutex.
func (m *Metadata) Clone() *Metadata {
	c := *m
	if m.Tags != nil {
		c.Tags = append([]string(nil), m.Tags...)
	}
	return &c
}

// HasTag reports whether the entry carries the given tag (case-insensitive).
func (m *Metadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

func validateSpec(m *Metadata) error {
	if m.ModelID == "" {
		return fmt.Errorf("missing model_id")
	}
	if m.RepoID == "" || !strings.Contains(m.RepoID, "/") {
		return fmt.Errorf("invalid repo_id %q (expected owner/name)", m.RepoID)
	}
	if m.Filename == "" || strings.Contains(m.Filename, "..") || strings.HasPrefix(m.Filename, "/") {
		return fmt.Errorf("invalid filename %q", m.Filename)
	}
	return nil
}
