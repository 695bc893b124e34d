package dedup

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func fixedClock(t time.Time) Option {
	return WithClock(func() time.Time { return t })
}

func TestCheckFreshness(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name      string
		createdAt time.Time
		want      Verdict
	}{
		{"just now", now, Accept},
		{"exactly at threshold", now.Add(-StaleThreshold), Accept},
		{"one ms past threshold", now.Add(-StaleThreshold - time.Millisecond), RejectStale},
		{"two minutes old", now.Add(-2 * time.Minute), RejectStale},
		{"future timestamp", now.Add(time.Minute), Accept},
		{"unknown timestamp", time.Time{}, Accept},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(StaleThreshold, MaxProcessed, fixedClock(now))
			id := fmt.Sprintf("e%d", i)
			if got := f.Check(id, tt.createdAt); got != tt.want {
				t.Errorf("Check(%s) = %v, want %v", tt.name, got, tt.want)
			}
			if tt.want == RejectStale && f.Seen(id) {
				t.Error("stale event was recorded")
			}
		})
	}
}

func TestCheckDuplicate(t *testing.T) {
	now := time.Now()
	f := New(StaleThreshold, MaxProcessed, fixedClock(now))

	if !f.ShouldProcess("e1", now) {
		t.Fatal("first delivery rejected")
	}
	if got := f.Check("e1", now); got != RejectDuplicate {
		t.Errorf("second delivery = %v, want %v", got, RejectDuplicate)
	}
	if f.Len() != 1 {
		t.Errorf("Len() = %d, want 1", f.Len())
	}
}

func TestStaleRejectedRegardlessOfDedupState(t *testing.T) {
	now := time.Now()
	f := New(StaleThreshold, MaxProcessed, fixedClock(now))

	old := now.Add(-2 * time.Minute)
	if f.ShouldProcess("e1", old) {
		t.Error("stale unseen event accepted")
	}
	f.ShouldProcess("e2", now)
	if got := f.Check("e2", old); got != RejectStale {
		t.Errorf("stale seen event = %v, want %v", got, RejectStale)
	}
}

func TestEmptyIDRejected(t *testing.T) {
	f := NewDefault()
	if got := f.Check("", time.Now()); got != RejectEmptyID {
		t.Errorf("Check(\"\") = %v, want %v", got, RejectEmptyID)
	}
}

func TestFIFOEviction(t *testing.T) {
	const capacity, extra = 1000, 37
	now := time.Now()
	f := New(StaleThreshold, capacity, fixedClock(now))

	for i := 0; i < capacity+extra; i++ {
		if !f.ShouldProcess(fmt.Sprintf("e%d", i), now) {
			t.Fatalf("distinct id e%d rejected", i)
		}
	}

	if f.Len() != capacity {
		t.Fatalf("Len() = %d, want %d", f.Len(), capacity)
	}
	for i := 0; i < extra; i++ {
		if f.Seen(fmt.Sprintf("e%d", i)) {
			t.Errorf("oldest id e%d still present after eviction", i)
		}
	}
	for i := extra; i < capacity+extra; i++ {
		if !f.Seen(fmt.Sprintf("e%d", i)) {
			t.Errorf("recent id e%d missing", i)
		}
	}

	// An evicted id is accepted again: dedup only covers the capacity window.
	if !f.ShouldProcess("e0", now) {
		t.Error("evicted id e0 rejected on redelivery")
	}
	if f.Seen(fmt.Sprintf("e%d", extra)) {
		t.Errorf("re-inserting e0 should evict e%d", extra)
	}
}

func TestConcurrentSameID(t *testing.T) {
	f := NewDefault()
	now := time.Now()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.ShouldProcess("same", now) {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if accepted != 1 {
		t.Errorf("accepted = %d, want exactly 1", accepted)
	}
}

func TestVerdictString(t *testing.T) {
	tests := map[Verdict]string{
		Accept:          "accept",
		RejectStale:     "stale",
		RejectDuplicate: "duplicate",
		RejectEmptyID:   "empty_id",
		Verdict(99):     "unknown",
	}
	for v, want := range tests {
		if got := v.String(); got != want {
			t.Errorf("Verdict(%d).String() = %q, want %q", int(v), got, want)
		}
	}
}
