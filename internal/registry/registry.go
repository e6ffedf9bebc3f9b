// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jarvislabs/jarvis-core/internal/httperror"
	"github.com/jarvislabs/jarvis-core/internal/hub"
	"github.com/jarvislabs/jarvis-core/internal/logbuf"
)

const (
	metadataFile = "models.json"
	storageDir   = "models"
)

type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry owns model metadata, active downloads, and persistence. One
// mutex guards the metadata table and worker map; progress updates go
// through the Tracker under its own lock.
type Registry struct {
	baseDir  string
	storeDir string
	hub      *hub.Client
	log      *logbuf.Logger
	progress *Tracker

	mu      sync.Mutex
	entries []*Metadata
	index   map[string]*Metadata
	workers map[string]*worker
}

// New creates a Registry rooted at baseDir, loading models.json if present.
// Entries persisted in a downloading state are reset to not_installed:
// their worker did not survive the restart.
func New(baseDir string, hubClient *hub.Client, log *logbuf.Logger) (*Registry, error) {
	if log == nil {
		log = logbuf.Default()
	}
	r := &Registry{
		baseDir:  baseDir,
		storeDir: filepath.Join(baseDir, storageDir),
		hub:      hubClient,
		log:      log,
		progress: NewTracker(),
		index:    make(map[string]*Metadata),
		workers:  make(map[string]*worker),
	}
	if err := os.MkdirAll(r.storeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(filepath.Join(r.baseDir, metadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", metadataFile, err)
	}
	var entries []*Metadata
	if err := json.Unmarshal(data, &entries); err != nil {
		// A corrupt catalogue should not brick the service.
		r.log.Warn("ignoring unreadable %s: %v", metadataFile, err)
		return nil
	}
	for _, m := range entries {
		if m.State == StateDownloading {
			m.State = StateNotInstalled
			m.LocalPath = ""
			m.ActivePath = ""
		}
		r.entries = append(r.entries, m)
		r.index[m.ModelID] = m
	}
	return nil
}

// persistLocked writes models.json atomically. Callers hold r.mu.
func (r *Registry) persistLocked() {
	data, err := json.MarshalIndent(r.entries, "", "  ")
	if err != nil {
		r.log.Error("marshal metadata: %v", err)
		return
	}
	target := filepath.Join(r.baseDir, metadataFile)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		r.log.Error("write metadata: %v", err)
		return
	}
	if err := os.Rename(tmp, target); err != nil {
		r.log.Error("replace metadata: %v", err)
	}
}

// List returns all entries in insertion order.
func (r *Registry) List() []*Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Metadata, 0, len(r.entries))
	for _, m := range r.entries {
		out = append(out, m.Clone())
	}
	return out
}

// Get returns the entry for modelID.
func (r *Registry) Get(modelID string) (*Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.index[modelID]
	if !ok {
		return nil, httperror.NotFound("model %s not found", modelID)
	}
	return m.Clone(), nil
}

// Active returns the currently active entry, or nil.
func (r *Registry) Active() *Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.entries {
		if m.State == StateActive {
			return m.Clone()
		}
	}
	return nil
}

// DownloadSpec describes a requested download.
type DownloadSpec struct {
	ModelID  string   `json:"model_id"`
	RepoID   string   `json:"repo_id"`
	Filename string   `json:"filename"`
	Checksum string   `json:"checksum,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Token    string   `json:"-"`
}

// StartDownload validates the spec, probes the hub for existence and size,
// and spawns a download worker, returning the accepted metadata snapshot.
// A second download for a model that is already downloading is rejected
// with 409.
func (r *Registry) StartDownload(ctx context.Context, spec DownloadSpec) (*Metadata, error) {
	m := &Metadata{
		ModelID:  spec.ModelID,
		RepoID:   spec.RepoID,
		Filename: spec.Filename,
		Checksum: spec.Checksum,
		Tags:     spec.Tags,
	}
	if err := validateSpec(m); err != nil {
		return nil, httperror.Validation("%v", err)
	}

	// Probe before taking the mutex; a slow hub must not stall the registry.
	total, err := r.hub.Probe(ctx, spec.RepoID, spec.Filename, spec.Token)
	if err != nil {
		return nil, err
	}

	dest := filepath.Join(r.storeDir, spec.ModelID, filepath.FromSlash(spec.Filename))

	r.mu.Lock()
	if _, busy := r.workers[spec.ModelID]; busy {
		r.mu.Unlock()
		return nil, httperror.Conflict("model %s is already downloading", spec.ModelID)
	}
	if cur, ok := r.index[spec.ModelID]; ok && cur.State == StateDownloading {
		r.mu.Unlock()
		return nil, httperror.Conflict("model %s is already downloading", spec.ModelID)
	}

	existing, ok := r.index[spec.ModelID]
	if ok {
		existing.RepoID = spec.RepoID
		existing.Filename = spec.Filename
		existing.Checksum = spec.Checksum
		existing.Tags = append([]string(nil), spec.Tags...)
		m = existing
	} else {
		r.entries = append(r.entries, m)
		r.index[m.ModelID] = m
	}
	m.State = StateDownloading
	m.LocalPath = dest
	m.ActivePath = ""
	r.persistLocked()

	dlCtx, cancel := context.WithCancel(context.Background())
	w := &worker{cancel: cancel, done: make(chan struct{})}
	r.workers[m.ModelID] = w
	snapshot := m.Clone()
	r.mu.Unlock()

	r.progress.PublishMetadata(snapshot)
	r.progress.MarkQueued(m.ModelID, total)
	r.log.Info("download started: %s (%s/%s)", m.ModelID, m.RepoID, m.Filename)

	go func() {
		defer close(w.done)
		defer func() {
			r.mu.Lock()
			if r.workers[snapshot.ModelID] == w {
				delete(r.workers, snapshot.ModelID)
			}
			r.mu.Unlock()
		}()
		r.runDownload(dlCtx, snapshot, spec.Token)
	}()
	return snapshot, nil
}

// Activate marks modelID active and demotes any other active entry. The
// entry must be ready (or already active) and its file must exist on disk.
func (r *Registry) Activate(modelID string) (*Metadata, error) {
	r.mu.Lock()
	m, ok := r.index[modelID]
	if !ok {
		r.mu.Unlock()
		return nil, httperror.NotFound("model %s not found", modelID)
	}
	if m.State != StateReady && m.State != StateActive {
		r.mu.Unlock()
		return nil, httperror.Conflict("model %s is not ready (state: %s)", modelID, m.State)
	}
	if m.LocalPath == "" {
		r.mu.Unlock()
		return nil, httperror.Conflict("model %s has no local file", modelID)
	}
	if _, err := os.Stat(m.LocalPath); err != nil {
		r.mu.Unlock()
		return nil, httperror.Conflict("model file for %s is missing on disk", modelID)
	}

	var demoted *Metadata
	for _, other := range r.entries {
		if other != m && other.State == StateActive {
			other.State = StateReady
			other.ActivePath = ""
			demoted = other.Clone()
		}
	}
	m.State = StateActive
	m.ActivePath = m.LocalPath
	r.persistLocked()
	activated := m.Clone()
	r.mu.Unlock()

	if demoted != nil {
		r.progress.PublishMetadata(demoted)
	}
	r.progress.PublishMetadata(activated)
	r.log.Info("model activated: %s", modelID)
	return activated, nil
}

// Remove cancels any running download, forgets the entry, and deletes its
// files. The removed snapshot is returned so callers can unload the
// generation manager when the entry was active. Unknown models are a 404.
func (r *Registry) Remove(modelID string) (*Metadata, error) {
	r.mu.Lock()
	m, ok := r.index[modelID]
	if !ok {
		r.mu.Unlock()
		return nil, httperror.NotFound("model %s not found", modelID)
	}
	w := r.workers[modelID]
	delete(r.workers, modelID)
	delete(r.index, modelID)
	for i, e := range r.entries {
		if e == m {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
	r.persistLocked()
	snapshot := m.Clone()
	r.mu.Unlock()

	// Stop the worker outside the mutex; its failure path re-checks the
	// index and becomes a no-op for a removed entry.
	if w != nil {
		w.cancel()
		<-w.done
	}
	r.progress.Remove(modelID)

	dir := filepath.Join(r.storeDir, modelID)
	if err := os.RemoveAll(dir); err != nil {
		r.log.Warn("remove model dir %s: %v", dir, err)
	}

	removed := snapshot.Clone()
	snapshot.State = StateNotInstalled
	snapshot.LocalPath = ""
	snapshot.ActivePath = ""
	r.progress.PublishMetadata(snapshot)
	r.log.Info("model removed: %s", modelID)
	return removed, nil
}

// Progress returns the progress record for modelID.
func (r *Registry) Progress(modelID string) (Progress, error) {
	if p, ok := r.progress.Get(modelID); ok {
		return p, nil
	}
	return Progress{}, httperror.NotFound("no download progress for model %s", modelID)
}

// AllProgress returns every progress record.
func (r *Registry) AllProgress() map[string]Progress {
	return r.progress.All()
}

// Subscribe attaches to the progress bus; see Tracker.Subscribe.
func (r *Registry) Subscribe() (<-chan BusEvent, map[string]Progress) {
	return r.progress.Subscribe()
}

// Unsubscribe detaches a bus subscriber.
func (r *Registry) Unsubscribe(ch <-chan BusEvent) {
	r.progress.Unsubscribe(ch)
}

// Shutdown cancels all running downloads and waits for their workers.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	ws := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		ws = append(ws, w)
	}
	r.mu.Unlock()
	for _, w := range ws {
		w.cancel()
	}
	for _, w := range ws {
		<-w.done
	}
}
