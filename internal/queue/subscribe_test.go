package queue

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeStorage is a minimal Storage stub that only tracks Subscribe calls, for
// exercising Manager's consolidation logic in isolation from any real backend.
type fakeStorage struct {
	mu             sync.Mutex
	subscribes     int
	lastOpts       []SubscribeOptions
	unsubscribed   int
	fanoutCallback Callback
}

func (f *fakeStorage) Setup(ctx context.Context) error { return nil }
func (f *fakeStorage) Add(ctx context.Context, job *Job) (string, error) { return "", nil }
func (f *fakeStorage) Get(ctx context.Context, id string) (*Job, error) { return nil, nil }
func (f *fakeStorage) Next(ctx context.Context, workerID string) (*Job, error) { return nil, nil }
func (f *fakeStorage) Peek(ctx context.Context, status Status, n int) ([]*Job, error) { return nil, nil }
func (f *fakeStorage) Size(ctx context.Context, status Status) (int64, error) { return 0, nil }
func (f *fakeStorage) Complete(ctx context.Context, id string, update CompleteUpdate) error { return nil }
func (f *fakeStorage) Abort(ctx context.Context, id string) error { return nil }
func (f *fakeStorage) GetByRunID(ctx context.Context, runID string) ([]*Job, error) { return nil, nil }
func (f *fakeStorage) OutputForInput(ctx context.Context, fingerprint string) ([]byte, error) { return nil, nil }
func (f *fakeStorage) SaveProgress(ctx context.Context, id string, progress float64, message string, details map[string]any) error {
	return nil
}
func (f *fakeStorage) Delete(ctx context.Context, id string) error { return nil }
func (f *fakeStorage) DeleteAll(ctx context.Context) error { return nil }
func (f *fakeStorage) DeleteByStatusAndAge(ctx context.Context, status Status, olderThan time.Duration) (int64, error) {
	return 0, nil
}
func (f *fakeStorage) Close() error { return nil }

func (f *fakeStorage) Subscribe(ctx context.Context, opts SubscribeOptions, cb Callback) (Unsubscribe, error) {
	f.mu.Lock()
	f.subscribes++
	f.lastOpts = append(f.lastOpts, opts)
	f.fanoutCallback = cb
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.unsubscribed++
		f.mu.Unlock()
	}, nil
}

func (f *fakeStorage) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes
}

func (f *fakeStorage) unsubscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribed
}

func TestManager_Subscribe_SharesUnderlyingFeedForSameSignature(t *testing.T) {
	store := &fakeStorage{}
	mgr := NewManager(store)

	opts := SubscribeOptions{Prefix: map[string]string{"tenant": "acme"}, PrefixIsSet: true}

	unsub1, err := mgr.Subscribe(context.Background(), opts, func(ChangeEvent) {})
	if err != nil {
		t.Fatalf("Subscribe #1: %v", err)
	}
	unsub2, err := mgr.Subscribe(context.Background(), opts, func(ChangeEvent) {})
	if err != nil {
		t.Fatalf("Subscribe #2: %v", err)
	}

	if got := store.subscribeCount(); got != 1 {
		t.Errorf("expected exactly one underlying storage.Subscribe call for two matching subscribers, got %d", got)
	}

	unsub1()
	if got := store.unsubscribeCount(); got != 0 {
		t.Errorf("expected underlying feed to stay open while one subscriber remains, got unsubscribeCount=%d", got)
	}

	unsub2()
	if got := store.unsubscribeCount(); got != 1 {
		t.Errorf("expected underlying feed to tear down once the last subscriber leaves, got unsubscribeCount=%d", got)
	}
}

func TestManager_Subscribe_DistinctSignaturesGetSeparateFeeds(t *testing.T) {
	store := &fakeStorage{}
	mgr := NewManager(store)

	optsA := SubscribeOptions{Prefix: map[string]string{"tenant": "acme"}, PrefixIsSet: true}
	optsB := SubscribeOptions{Prefix: map[string]string{"tenant": "other"}, PrefixIsSet: true}

	if _, err := mgr.Subscribe(context.Background(), optsA, func(ChangeEvent) {}); err != nil {
		t.Fatalf("Subscribe A: %v", err)
	}
	if _, err := mgr.Subscribe(context.Background(), optsB, func(ChangeEvent) {}); err != nil {
		t.Fatalf("Subscribe B: %v", err)
	}

	if got := store.subscribeCount(); got != 2 {
		t.Errorf("expected two underlying storage.Subscribe calls for distinct prefixes, got %d", got)
	}
}

func TestManager_Subscribe_DistinctPollIntervalsGetSeparateFeeds(t *testing.T) {
	store := &fakeStorage{}
	mgr := NewManager(store)

	base := SubscribeOptions{PrefixIsSet: false}
	fast := base
	fast.PollInterval = 50 * time.Millisecond
	slow := base
	slow.PollInterval = 500 * time.Millisecond

	if _, err := mgr.Subscribe(context.Background(), fast, func(ChangeEvent) {}); err != nil {
		t.Fatalf("Subscribe fast: %v", err)
	}
	if _, err := mgr.Subscribe(context.Background(), slow, func(ChangeEvent) {}); err != nil {
		t.Fatalf("Subscribe slow: %v", err)
	}

	if got := store.subscribeCount(); got != 2 {
		t.Errorf("expected two underlying storage.Subscribe calls for distinct poll intervals, got %d", got)
	}
}

func TestManager_Subscribe_UnsubscribeIsIdempotent(t *testing.T) {
	store := &fakeStorage{}
	mgr := NewManager(store)

	unsub, err := mgr.Subscribe(context.Background(), SubscribeOptions{}, func(ChangeEvent) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	unsub()
	unsub()
	unsub()

	if got := store.unsubscribeCount(); got != 1 {
		t.Errorf("expected calling Unsubscribe multiple times to tear down the feed exactly once, got %d", got)
	}
}

func TestManager_Fanout_DeliversToAllSubscribersInGroup(t *testing.T) {
	store := &fakeStorage{}
	mgr := NewManager(store)

	opts := SubscribeOptions{PrefixIsSet: false}

	var mu sync.Mutex
	var received []string

	record := func(name string) Callback {
		return func(ev ChangeEvent) {
			mu.Lock()
			received = append(received, name)
			mu.Unlock()
		}
	}

	if _, err := mgr.Subscribe(context.Background(), opts, record("a")); err != nil {
		t.Fatalf("Subscribe a: %v", err)
	}
	if _, err := mgr.Subscribe(context.Background(), opts, record("b")); err != nil {
		t.Fatalf("Subscribe b: %v", err)
	}

	// Re-invoke the underlying callback the manager registered to simulate the
	// backend delivering one change event to the shared group.
	store.mu.Lock()
	fanoutCB := store.fanoutCallback
	store.mu.Unlock()
	if fanoutCB != nil {
		fanoutCB(ChangeEvent{Type: ChangeInsert, New: &Job{ID: "job-1"}})
	}

	mu.Lock()
	defer mu.Unlock()
	sort.Strings(received)
	if strings.Join(received, ",") != "a,b" {
		t.Errorf("expected both subscribers in the group to receive the event, got %v", received)
	}
}

func TestManager_Subscribe_LateJoinerReplaysCurrentStateAsInserts(t *testing.T) {
	store := &fakeStorage{}
	mgr := NewManager(store)

	opts := SubscribeOptions{PrefixIsSet: false}

	var firstEvents []ChangeEvent
	unsub1, err := mgr.Subscribe(context.Background(), opts, func(ev ChangeEvent) {
		firstEvents = append(firstEvents, ev)
	})
	if err != nil {
		t.Fatalf("Subscribe #1: %v", err)
	}
	defer unsub1()

	// Simulate the backend delivering state for two jobs to the group before
	// the second subscriber ever joins.
	store.mu.Lock()
	fanoutCB := store.fanoutCallback
	store.mu.Unlock()
	fanoutCB(ChangeEvent{Type: ChangeInsert, New: &Job{ID: "job-1"}})
	fanoutCB(ChangeEvent{Type: ChangeInsert, New: &Job{ID: "job-2"}})

	var secondEvents []ChangeEvent
	var mu sync.Mutex
	unsub2, err := mgr.Subscribe(context.Background(), opts, func(ev ChangeEvent) {
		mu.Lock()
		secondEvents = append(secondEvents, ev)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe #2: %v", err)
	}
	defer unsub2()

	mu.Lock()
	defer mu.Unlock()
	if len(secondEvents) != 2 {
		t.Fatalf("expected the late joiner to be replayed 2 INSERTs for current state, got %d: %+v", len(secondEvents), secondEvents)
	}
	seen := map[string]bool{}
	for _, ev := range secondEvents {
		if ev.Type != ChangeInsert {
			t.Errorf("expected replay events to be INSERTs, got %v", ev.Type)
		}
		seen[ev.New.ID] = true
	}
	if !seen["job-1"] || !seen["job-2"] {
		t.Errorf("expected replay to cover both known jobs, got %+v", secondEvents)
	}

	// The first subscriber should not have received any extra replay events
	// triggered by the second subscriber joining.
	if len(firstEvents) != 2 {
		t.Errorf("expected the original subscriber's event count to be unaffected by a later join, got %d", len(firstEvents))
	}
}

func TestSigFor_PrefixKeyOrderIndependent(t *testing.T) {
	a := sigFor(SubscribeOptions{Prefix: map[string]string{"tenant": "acme", "region": "us"}, PrefixIsSet: true})
	b := sigFor(SubscribeOptions{Prefix: map[string]string{"region": "us", "tenant": "acme"}, PrefixIsSet: true})
	if a != b {
		t.Errorf("expected map key order to not affect the group signature, got %v and %v", a, b)
	}
}

func TestSigFor_NoPrefixIsWildcard(t *testing.T) {
	sig := sigFor(SubscribeOptions{PrefixIsSet: false})
	if sig.prefixSig != "*" {
		t.Errorf("expected an unset prefix to signature as wildcard, got %q", sig.prefixSig)
	}
}

func TestSigFor_DifferentPrefixValuesDiffer(t *testing.T) {
	a := sigFor(SubscribeOptions{Prefix: map[string]string{"tenant": "acme"}, PrefixIsSet: true})
	b := sigFor(SubscribeOptions{Prefix: map[string]string{"tenant": "other"}, PrefixIsSet: true})
	if a == b {
		t.Error("expected distinct prefix values to produce distinct signatures")
	}
}
