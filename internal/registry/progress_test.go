// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"testing"
)

func TestPercentRounding(t *testing.T) {
	tr := NewTracker()
	tr.MarkQueued("m", 3)
	tr.SetDownloaded("m", 1)

	p, ok := tr.Get("m")
	if !ok {
		t.Fatal("record missing")
	}
	if p.Percent == nil || *p.Percent != 33.33 {
		t.Errorf("percent = %v, want 33.33", p.Percent)
	}
}

func TestUnknownTotal(t *testing.T) {
	tr := NewTracker()
	tr.MarkQueued("m", -1)
	tr.SetDownloaded("m", 500)

	p, _ := tr.Get("m")
	if p.Total != nil || p.Percent != nil {
		t.Errorf("total=%v percent=%v, want both nil", p.Total, p.Percent)
	}

	tr.SetTotal("m", 1000)
	p, _ = tr.Get("m")
	if p.Percent == nil || *p.Percent != 50 {
		t.Errorf("percent after SetTotal = %v, want 50", p.Percent)
	}
}

func TestCompletedWithUnknownTotal(t *testing.T) {
	tr := NewTracker()
	tr.MarkQueued("m", -1)
	tr.SetDownloaded("m", 500)
	tr.MarkCompleted("m")

	p, ok := tr.Get("m")
	if !ok {
		t.Fatal("record missing")
	}
	if p.Status != ProgressCompleted {
		t.Errorf("status = %s, want %s", p.Status, ProgressCompleted)
	}
	if p.Total != nil || p.Percent != nil {
		t.Errorf("total=%v percent=%v, want both nil", p.Total, p.Percent)
	}
	if p.Downloaded != 500 {
		t.Errorf("downloaded = %d, want 500", p.Downloaded)
	}
}

func TestMutateUnknownModelIsNoop(t *testing.T) {
	tr := NewTracker()
	tr.SetDownloaded("ghost", 10)
	tr.MarkCompleted("ghost")
	tr.MarkFailed("ghost", 500, "boom")
	if _, ok := tr.Get("ghost"); ok {
		t.Error("mutations created a record")
	}
}

func TestBusOrdering(t *testing.T) {
	tr := NewTracker()
	ch, snap := tr.Subscribe()
	defer tr.Unsubscribe(ch)
	if len(snap) != 0 {
		t.Fatalf("snapshot = %v, want empty", snap)
	}

	tr.MarkQueued("m", 100)
	tr.MarkDownloading("m")
	tr.SetDownloaded("m", 50)
	tr.MarkCompleted("m")

	want := []string{ProgressQueued, ProgressDownloading, ProgressDownloading, ProgressCompleted}
	for i, status := range want {
		ev := <-ch
		if ev.Type != "progress" || ev.ModelID != "m" {
			t.Fatalf("event %d = %+v", i, ev)
		}
		if ev.Progress.Status != status {
			t.Errorf("event %d status = %s, want %s", i, ev.Progress.Status, status)
		}
	}
}

func TestBusLagMarker(t *testing.T) {
	tr := NewTracker()
	ch, _ := tr.Subscribe()
	defer tr.Unsubscribe(ch)

	tr.MarkQueued("m", 100000)
	for i := 1; i <= subscriberQueue*2; i++ {
		tr.SetDownloaded("m", int64(i))
	}

	sawLag := false
	for len(ch) > 0 {
		ev := <-ch
		if ev.Type == "lag" {
			sawLag = true
			if ev.Dropped <= 0 {
				t.Errorf("lag marker dropped = %d, want > 0", ev.Dropped)
			}
		}
	}
	if !sawLag {
		t.Error("no lag marker after overflowing the subscriber queue")
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	tr := NewTracker()
	ch, _ := tr.Subscribe()
	tr.Unsubscribe(ch)
	tr.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Error("channel still open after Unsubscribe")
	}
	// Publishing after unsubscribe must not panic on the closed channel.
	tr.MarkQueued("m", 1)
}

func TestSnapshotIsCopy(t *testing.T) {
	tr := NewTracker()
	tr.MarkQueued("m", 10)
	ch, snap := tr.Subscribe()
	defer tr.Unsubscribe(ch)

	rec := snap["m"]
	*rec.Total = 999
	p, _ := tr.Get("m")
	if *p.Total != 10 {
		t.Error("snapshot aliases internal record")
	}
}
