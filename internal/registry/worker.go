// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jarvislabs/jarvis-core/internal/httperror"
)

const copyChunk = 1 << 20 // 1 MiB

// runDownload streams the remote file into the entry's local path via a
// .part sibling, verifying the checksum when one was requested. Runs on its
// own goroutine; m is a private clone.
func (r *Registry) runDownload(ctx context.Context, m *Metadata, token string) {
	resp, err := r.hub.Fetch(ctx, m.RepoID, m.Filename, token)
	if err != nil {
		r.markFailed(ctx, m.ModelID, err)
		return
	}
	defer resp.Body.Close()

	if resp.ContentLength > 0 {
		r.progress.SetTotal(m.ModelID, resp.ContentLength)
	}
	r.progress.MarkDownloading(m.ModelID)

	final := m.LocalPath
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		r.markFailed(ctx, m.ModelID, err)
		return
	}
	part := final + ".part"

	f, err := os.Create(part)
	if err != nil {
		r.markFailed(ctx, m.ModelID, err)
		return
	}

	hasher := sha256.New()
	buf := make([]byte, copyChunk)
	var written int64
	for {
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				err = werr
				break
			}
			hasher.Write(buf[:n])
			written += int64(n)
			r.progress.SetDownloaded(m.ModelID, written)
		}
		if rerr == io.EOF {
			err = nil
			break
		}
		if rerr != nil {
			err = rerr
			break
		}
	}
	cerr := f.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(part)
		r.markFailed(ctx, m.ModelID, err)
		return
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	if m.Checksum != "" && !strings.EqualFold(digest, m.Checksum) {
		os.Remove(part)
		r.markFailed(ctx, m.ModelID, httperror.Conflict(
			"checksum mismatch for %s: expected %s, got %s", m.ModelID, m.Checksum, digest))
		return
	}

	if err := os.Rename(part, final); err != nil {
		os.Remove(part)
		r.markFailed(ctx, m.ModelID, err)
		return
	}

	r.mu.Lock()
	cur, ok := r.index[m.ModelID]
	var snapshot *Metadata
	if ok {
		// Keep ACTIVE if something activated it mid-flight; otherwise READY.
		if cur.State != StateActive {
			cur.State = StateReady
		}
		cur.LocalPath = final
		cur.Checksum = digest
		r.persistLocked()
		snapshot = cur.Clone()
	}
	r.mu.Unlock()

	if !ok {
		// Removed while finishing: no entry to promote, drop the file.
		os.Remove(final)
		return
	}
	r.progress.MarkCompleted(m.ModelID)
	r.progress.PublishMetadata(snapshot)
	r.log.Info("download completed: %s (%d bytes)", m.ModelID, written)
}

// markFailed resets the entry to not_installed, records the failure in the
// progress store, and removes any partial file. For a removed entry only
// the log line survives.
func (r *Registry) markFailed(ctx context.Context, modelID string, cause error) {
	code := httperror.StatusOf(cause)
	msg := cause.Error()
	if ctx.Err() != nil || errors.Is(cause, context.Canceled) {
		code = httperror.StatusCancelled
		msg = "download cancelled"
	}

	r.mu.Lock()
	cur, ok := r.index[modelID]
	var snapshot *Metadata
	if ok {
		cur.State = StateNotInstalled
		cur.LocalPath = ""
		cur.ActivePath = ""
		r.persistLocked()
		snapshot = cur.Clone()
	}
	r.mu.Unlock()

	if code == httperror.StatusCancelled {
		r.log.Info("download cancelled: %s", modelID)
	} else {
		r.log.Error("download failed: %s: %s", modelID, msg)
	}
	if !ok {
		return
	}
	r.progress.MarkFailed(modelID, code, msg)
	r.progress.PublishMetadata(snapshot)

	dir := filepath.Join(r.storeDir, modelID)
	entries, err := os.ReadDir(dir)
	if err == nil {
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), ".part") {
				os.Remove(filepath.Join(dir, e.Name()))
			}
		}
	}
}
