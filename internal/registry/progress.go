// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"math"
	"sync"
)

// Progress status values. They track download lifecycle only and are
// deliberately distinct from metadata State.
const (
	ProgressQueued      = "queued"
	ProgressDownloading = "downloading"
	ProgressCompleted   = "completed"
	ProgressError       = "error"
	ProgressCancelled   = "cancelled"
)

// Progress is a point-in-time snapshot of one model's download.
type Progress struct {
	Status     string   `json:"status"`
	Downloaded int64    `json:"downloaded"`
	Total      *int64   `json:"total"`
	Percent    *float64 `json:"percent"`
	Error      string   `json:"error,omitempty"`
	ErrorCode  int      `json:"error_code,omitempty"`
}

// BusEvent is one message on the progress bus. Exactly one of Progress or
// Metadata is set for progress/metadata events; lag markers carry Dropped.
type BusEvent struct {
	Type     string    `json:"type"`
	ModelID  string    `json:"model_id,omitempty"`
	Progress *Progress `json:"progress,omitempty"`
	Metadata *Metadata `json:"metadata,omitempty"`
	Dropped  int       `json:"dropped,omitempty"`
}

// subscriberQueue bounds each subscriber. On overflow the oldest events are
// dropped and a lag marker is injected so consumers know the feed has gaps.
const subscriberQueue = 256

type subscriber struct {
	ch      chan BusEvent
	dropped int
}

// Tracker is the in-memory progress store plus the fan-out bus. A single
// mutex guards both so a snapshot and the subscription that follows it
// observe a consistent point in the event stream.
type Tracker struct {
	mu   sync.Mutex
	recs map[string]*Progress
	subs map[*subscriber]struct{}
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		recs: make(map[string]*Progress),
		subs: make(map[*subscriber]struct{}),
	}
}

func percentOf(downloaded int64, total *int64) *float64 {
	if total == nil || *total <= 0 {
		return nil
	}
	p := math.Round(10000*float64(downloaded)/float64(*total)) / 100
	v := p
	return &v
}

// MarkQueued creates or resets the record for modelID. A negative total
// means the size is unknown.
func (t *Tracker) MarkQueued(modelID string, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := &Progress{Status: ProgressQueued}
	if total >= 0 {
		v := total
		rec.Total = &v
		rec.Percent = percentOf(0, &v)
	}
	t.recs[modelID] = rec
	t.publishLocked(modelID)
}

// MarkDownloading flips the record to downloading.
func (t *Tracker) MarkDownloading(modelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.recs[modelID]
	if !ok {
		return
	}
	rec.Status = ProgressDownloading
	t.publishLocked(modelID)
}

// SetTotal updates the known total size.
func (t *Tracker) SetTotal(modelID string, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.recs[modelID]
	if !ok || total < 0 {
		return
	}
	v := total
	rec.Total = &v
	rec.Percent = percentOf(rec.Downloaded, rec.Total)
	t.publishLocked(modelID)
}

// SetDownloaded updates the byte counter and derived percent.
func (t *Tracker) SetDownloaded(modelID string, downloaded int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.recs[modelID]
	if !ok {
		return
	}
	rec.Downloaded = downloaded
	rec.Percent = percentOf(downloaded, rec.Total)
	t.publishLocked(modelID)
}

// MarkCompleted finalizes a successful download. With a known total the
// counters land at 100%; an unknown total keeps percent null.
func (t *Tracker) MarkCompleted(modelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.recs[modelID]
	if !ok {
		return
	}
	rec.Status = ProgressCompleted
	if rec.Total != nil {
		rec.Downloaded = *rec.Total
		p := 100.0
		rec.Percent = &p
	}
	t.publishLocked(modelID)
}

// MarkFailed records a terminal failure (or cancellation for code 499).
func (t *Tracker) MarkFailed(modelID string, code int, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.recs[modelID]
	if !ok {
		return
	}
	if code == 499 {
		rec.Status = ProgressCancelled
	} else {
		rec.Status = ProgressError
	}
	rec.Error = message
	rec.ErrorCode = code
	t.publishLocked(modelID)
}

// Remove forgets the record for modelID.
func (t *Tracker) Remove(modelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.recs, modelID)
}

// Get returns a copy of the record for modelID.
func (t *Tracker) Get(modelID string) (Progress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.recs[modelID]
	if !ok {
		return Progress{}, false
	}
	return cloneProgress(rec), true
}

// All returns a copy of every record keyed by model ID.
func (t *Tracker) All() map[string]Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Progress, len(t.recs))
	for id, rec := range t.recs {
		out[id] = cloneProgress(rec)
	}
	return out
}

func cloneProgress(rec *Progress) Progress {
	c := *rec
	if rec.Total != nil {
		v := *rec.Total
		c.Total = &v
	}
	if rec.Percent != nil {
		v := *rec.Percent
		c.Percent = &v
	}
	return c
}

// Subscribe registers a new bus subscriber and atomically returns the
// current snapshot, so no event between snapshot and first receive is lost.
func (t *Tracker) Subscribe() (<-chan BusEvent, map[string]Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub := &subscriber{ch: make(chan BusEvent, subscriberQueue)}
	t.subs[sub] = struct{}{}
	snap := make(map[string]Progress, len(t.recs))
	for id, rec := range t.recs {
		snap[id] = cloneProgress(rec)
	}
	return sub.ch, snap
}

// Unsubscribe removes ch and closes it. Safe to call more than once.
func (t *Tracker) Unsubscribe(ch <-chan BusEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for sub := range t.subs {
		if sub.ch == ch {
			delete(t.subs, sub)
			close(sub.ch)
			return
		}
	}
}

// PublishMetadata broadcasts a metadata change (state flips, removal).
func (t *Tracker) PublishMetadata(m *Metadata) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offerAll(BusEvent{Type: "metadata", ModelID: m.ModelID, Metadata: m.Clone()})
}

func (t *Tracker) publishLocked(modelID string) {
	rec := cloneProgress(t.recs[modelID])
	t.offerAll(BusEvent{Type: "progress", ModelID: modelID, Progress: &rec})
}

func (t *Tracker) offerAll(ev BusEvent) {
	for sub := range t.subs {
		t.offer(sub, ev)
	}
}

// offer delivers ev to sub without blocking. A full queue sheds its oldest
// events to make room for a lag marker plus the new event.
func (t *Tracker) offer(sub *subscriber, ev BusEvent) {
	select {
	case sub.ch <- ev:
		return
	default:
	}
	for len(sub.ch) > subscriberQueue-2 {
		select {
		case <-sub.ch:
			sub.dropped++
		default:
		}
	}
	select {
	case sub.ch <- BusEvent{Type: "lag", Dropped: sub.dropped}:
		sub.dropped = 0
	default:
	}
	select {
	case sub.ch <- ev:
	default:
		sub.dropped++
	}
}
