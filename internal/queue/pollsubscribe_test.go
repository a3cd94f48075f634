package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakePeekSource struct {
	mu   sync.Mutex
	jobs []*Job
}

func (f *fakePeekSource) set(jobs ...*Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = jobs
}

func (f *fakePeekSource) peek(ctx context.Context) ([]*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Job, len(f.jobs))
	copy(out, f.jobs)
	return out, nil
}

func TestPollSubscribe_InitialSnapshotDeliveredAsInserts(t *testing.T) {
	source := &fakePeekSource{}
	source.set(&Job{ID: "a", Status: StatusPending}, &Job{ID: "b", Status: StatusPending})

	var events []ChangeEvent
	unsub, err := PollSubscribe(context.Background(), SubscribeOptions{PollInterval: 5 * time.Millisecond}, source.peek, func(ev ChangeEvent) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("PollSubscribe: %v", err)
	}
	defer unsub()

	if len(events) != 2 {
		t.Fatalf("expected 2 initial INSERT events, got %d", len(events))
	}
	for _, ev := range events {
		if ev.Type != ChangeInsert {
			t.Errorf("expected initial events to be INSERT, got %v", ev.Type)
		}
	}
}

func TestPollSubscribe_DetectsUpdateAndDelete(t *testing.T) {
	source := &fakePeekSource{}
	source.set(&Job{ID: "a", Status: StatusPending})

	var mu sync.Mutex
	var events []ChangeEvent
	unsub, err := PollSubscribe(context.Background(), SubscribeOptions{PollInterval: 5 * time.Millisecond}, source.peek, func(ev ChangeEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("PollSubscribe: %v", err)
	}
	defer unsub()

	mu.Lock()
	initial := len(events)
	mu.Unlock()
	if initial != 1 || events[0].Type != ChangeInsert {
		t.Fatalf("expected one initial INSERT, got %v", events)
	}

	source.set(&Job{ID: "a", Status: StatusCompleted})
	waitForLen(t, &mu, &events, 2, time.Second)
	if events[1].Type != ChangeUpdate {
		t.Fatalf("expected second event to be UPDATE, got %v", events[1].Type)
	}

	source.set()
	waitForLen(t, &mu, &events, 3, time.Second)
	if events[2].Type != ChangeDelete {
		t.Fatalf("expected third event to be DELETE, got %v", events[2].Type)
	}
}

func waitForLen(t *testing.T, mu *sync.Mutex, events *[]ChangeEvent, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := len(*events)
		mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events", n)
}

func TestScopeMatches_NoPrefixMatchesEverything(t *testing.T) {
	job := &Job{ID: "a", Prefix: map[string]string{"tenant": "acme"}}
	if !scopeMatches(SubscribeOptions{PrefixIsSet: false}, job) {
		t.Error("expected an unset prefix filter to match every job")
	}
}

func TestScopeMatches_PrefixMustMatchAllKeys(t *testing.T) {
	job := &Job{ID: "a", Prefix: map[string]string{"tenant": "acme", "region": "us"}}
	opts := SubscribeOptions{PrefixIsSet: true, Prefix: map[string]string{"tenant": "acme", "region": "eu"}}
	if scopeMatches(opts, job) {
		t.Error("expected a mismatched prefix value to exclude the job")
	}
}

func TestScopeMatches_PrefixSubsetMatches(t *testing.T) {
	job := &Job{ID: "a", Prefix: map[string]string{"tenant": "acme", "region": "us"}}
	opts := SubscribeOptions{PrefixIsSet: true, Prefix: map[string]string{"tenant": "acme"}}
	if !scopeMatches(opts, job) {
		t.Error("expected a prefix filter naming a subset of columns to match")
	}
}

func TestChanged_DetectsStatusChange(t *testing.T) {
	a := &Job{Status: StatusPending}
	b := &Job{Status: StatusCompleted}
	if !changed(a, b) {
		t.Error("expected a status change to be detected")
	}
}

func TestChanged_IdenticalJobsAreUnchanged(t *testing.T) {
	a := &Job{Status: StatusPending, Progress: 0.5, Output: []byte("x")}
	b := &Job{Status: StatusPending, Progress: 0.5, Output: []byte("x")}
	if changed(a, b) {
		t.Error("expected identical jobs to compare unchanged")
	}
}

func TestPollSubscribe_UnsubscribeIsIdempotent(t *testing.T) {
	source := &fakePeekSource{}
	unsub, err := PollSubscribe(context.Background(), SubscribeOptions{PollInterval: 5 * time.Millisecond}, source.peek, func(ChangeEvent) {})
	if err != nil {
		t.Fatalf("PollSubscribe: %v", err)
	}
	unsub()
	unsub()
}
