// Package conformance exercises every queue.Storage backend against one
// shared behavioral contract. Each backend's own test package builds a fresh
// Store (which satisfies queue.Storage directly) and calls Run — so a bug fixed
// or introduced in one backend's handling of a shared invariant (legal
// transitions, Next's single-delivery guarantee, OutputForInput caching)
// shows up the same way in every backend that runs this suite.
package conformance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bobmcallan/taskqueue/internal/queue"
)

// eventRecorder collects ChangeEvents delivered by Subscribe under a mutex,
// since a backend's native feed or poll loop delivers on its own goroutine.
type eventRecorder struct {
	mu     sync.Mutex
	events []queue.ChangeEvent
}

func (r *eventRecorder) record(ev queue.ChangeEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) snapshot() []queue.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]queue.ChangeEvent(nil), r.events...)
}

func (r *eventRecorder) waitFor(t *testing.T, timeout time.Duration, n int) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		got := len(r.events)
		r.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d subscribe events", n)
}

// Factory builds a fresh, empty Storage instance for one test. Implementations
// typically scope each call to a unique queue name or temp directory so
// parallel sub-tests never collide.
type Factory func(t *testing.T) queue.Storage

// Run registers the shared conformance suite as subtests of t, one per
// behavior, against a Storage built fresh by newStore for each.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	t.Run("AddAssignsIDAndPending", func(t *testing.T) { testAddAssignsIDAndPending(t, newStore) })
	t.Run("GetReturnsNilForMissing", func(t *testing.T) { testGetReturnsNilForMissing(t, newStore) })
	t.Run("NextDeliversEachJobToExactlyOneCaller", func(t *testing.T) { testNextDeliversEachJobOnce(t, newStore) })
	t.Run("NextRespectsRunAfter", func(t *testing.T) { testNextRespectsRunAfter(t, newStore) })
	t.Run("NextRespectsDeadline", func(t *testing.T) { testNextRespectsDeadline(t, newStore) })
	t.Run("AbortRejectsPendingJob", func(t *testing.T) { testAbortRejectsPendingJob(t, newStore) })
	t.Run("CompleteToCompletedStampsOutput", func(t *testing.T) { testCompleteToCompletedStampsOutput(t, newStore) })
	t.Run("CompleteToPendingRequeues", func(t *testing.T) { testCompleteToPendingRequeues(t, newStore) })
	t.Run("AbortOnlyLegalFromProcessing", func(t *testing.T) { testAbortOnlyLegalFromProcessing(t, newStore) })
	t.Run("PeekOrdersByRunAfterThenID", func(t *testing.T) { testPeekOrdersByRunAfterThenID(t, newStore) })
	t.Run("SizeCountsByStatus", func(t *testing.T) { testSizeCountsByStatus(t, newStore) })
	t.Run("OutputForInputReturnsCompletedOutputOnly", func(t *testing.T) { testOutputForInput(t, newStore) })
	t.Run("GetByRunIDGroupsSharedRunID", func(t *testing.T) { testGetByRunID(t, newStore) })
	t.Run("SaveProgressDoesNotChangeStatus", func(t *testing.T) { testSaveProgress(t, newStore) })
	t.Run("DeleteRemovesJob", func(t *testing.T) { testDelete(t, newStore) })
	t.Run("DeleteByStatusAndAgeDeletesCompletedJobs", func(t *testing.T) { testDeleteByStatusAndAge(t, newStore) })
	t.Run("SubscribeDeliversCurrentStateThenChanges", func(t *testing.T) { testSubscribe(t, newStore) })
}

func testAddAssignsIDAndPending(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()

	job := &queue.Job{QueueName: "conformance:task", Input: []byte(`{}`)}
	id, err := store.Add(ctx, job)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id == "" {
		t.Fatal("expected Add to assign a non-empty id")
	}
	if job.ID != id {
		t.Errorf("expected job.ID to be populated to %q, got %q", id, job.ID)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected Get to find the job just added")
	}
	if got.Status != queue.StatusPending {
		t.Errorf("Status = %v, want PENDING", got.Status)
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be stamped")
	}
}

func testGetReturnsNilForMissing(t *testing.T, newStore Factory) {
	store := newStore(t)
	got, err := store.Get(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("expected (nil, nil) for a missing id, got %+v", got)
	}
}

func testNextDeliversEachJobOnce(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()

	const n = 5
	ids := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		id, err := store.Add(ctx, &queue.Job{QueueName: "conformance:task"})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		ids[id] = true
	}

	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		job, err := store.Next(ctx, "worker-1")
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if job == nil {
			t.Fatalf("expected a job on Next call %d, got nil", i)
		}
		if seen[job.ID] {
			t.Fatalf("Next delivered job %q twice", job.ID)
		}
		seen[job.ID] = true
		if job.Status != queue.StatusProcessing {
			t.Errorf("Status = %v, want PROCESSING", job.Status)
		}
	}

	if job, err := store.Next(ctx, "worker-1"); err != nil || job != nil {
		t.Fatalf("expected Next to return (nil, nil) once drained, got (%+v, %v)", job, err)
	}

	for id := range ids {
		if !seen[id] {
			t.Errorf("job %q was never delivered by Next", id)
		}
	}
}

func testNextRespectsRunAfter(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()

	id, err := store.Add(ctx, &queue.Job{QueueName: "conformance:task"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := store.Next(ctx, "worker-1"); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if err := store.Complete(ctx, id, queue.CompleteUpdate{Status: queue.StatusPending, RunAfter: time.Now().UTC().Add(time.Hour)}); err != nil {
		t.Fatalf("Complete (requeue): %v", err)
	}

	if job, err := store.Next(ctx, "worker-2"); err != nil || job != nil {
		t.Fatalf("expected Next to skip a job whose run_after is in the future, got (%+v, %v)", job, err)
	}
}

func testNextRespectsDeadline(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	_, err := store.Add(ctx, &queue.Job{QueueName: "conformance:task", DeadlineAt: &past})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if job, err := store.Next(ctx, "worker-1"); err != nil || job != nil {
		t.Fatalf("expected Next to skip a job past its deadline, got (%+v, %v)", job, err)
	}
}

func testAbortRejectsPendingJob(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()

	id, err := store.Add(ctx, &queue.Job{QueueName: "conformance:task"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// PENDING -> ABORTING is never legal; only a PROCESSING job can abort.
	if err := store.Abort(ctx, id); err == nil {
		t.Error("expected Abort on a PENDING job to fail")
	}
}

func testCompleteToCompletedStampsOutput(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()

	id, err := store.Add(ctx, &queue.Job{QueueName: "conformance:task"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := store.Next(ctx, "worker-1"); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if err := store.Complete(ctx, id, queue.CompleteUpdate{Status: queue.StatusCompleted, Output: []byte("result")}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != queue.StatusCompleted {
		t.Errorf("Status = %v, want COMPLETED", got.Status)
	}
	if string(got.Output) != "result" {
		t.Errorf("Output = %q, want %q", got.Output, "result")
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt to be stamped")
	}
	if got.RunAttempts != 1 {
		t.Errorf("RunAttempts = %d, want 1", got.RunAttempts)
	}
}

func testCompleteToPendingRequeues(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()

	id, err := store.Add(ctx, &queue.Job{QueueName: "conformance:task"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := store.Next(ctx, "worker-1"); err != nil {
		t.Fatalf("Next: %v", err)
	}
	runAfter := time.Now().UTC().Add(-time.Millisecond)
	if err := store.Complete(ctx, id, queue.CompleteUpdate{Status: queue.StatusPending, RunAfter: runAfter}); err != nil {
		t.Fatalf("Complete (requeue): %v", err)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != queue.StatusPending {
		t.Errorf("Status = %v, want PENDING after a retry requeue", got.Status)
	}
	if got.RunAttempts != 1 {
		t.Errorf("RunAttempts = %d, want 1", got.RunAttempts)
	}

	job, err := store.Next(ctx, "worker-2")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if job == nil || job.ID != id {
		t.Errorf("expected the requeued job to be redelivered once run_after elapses")
	}
}

func testAbortOnlyLegalFromProcessing(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()

	id, err := store.Add(ctx, &queue.Job{QueueName: "conformance:task"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := store.Next(ctx, "worker-1"); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if err := store.Abort(ctx, id); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != queue.StatusAborting {
		t.Errorf("Status = %v, want ABORTING", got.Status)
	}
}

func testPeekOrdersByRunAfterThenID(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.Add(ctx, &queue.Job{QueueName: "conformance:task"}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	jobs, err := store.Peek(ctx, queue.StatusPending, 0)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 PENDING jobs, got %d", len(jobs))
	}
	for i := 1; i < len(jobs); i++ {
		prev, cur := jobs[i-1], jobs[i]
		if prev.RunAfter.After(cur.RunAfter) {
			t.Fatalf("Peek results not ordered by run_after ascending")
		}
		if prev.RunAfter.Equal(cur.RunAfter) && prev.ID > cur.ID {
			t.Fatalf("Peek results with equal run_after not ordered by id ascending")
		}
	}

	limited, err := store.Peek(ctx, queue.StatusPending, 2)
	if err != nil {
		t.Fatalf("Peek(n=2): %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected Peek(n=2) to return 2 jobs, got %d", len(limited))
	}
}

func testSizeCountsByStatus(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := store.Add(ctx, &queue.Job{QueueName: "conformance:task"}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	n, err := store.Size(ctx, queue.StatusPending)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if n != 4 {
		t.Errorf("Size(PENDING) = %d, want 4", n)
	}

	n, err = store.Size(ctx, queue.StatusCompleted)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if n != 0 {
		t.Errorf("Size(COMPLETED) = %d, want 0", n)
	}
}

func testOutputForInput(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()

	fp := "deadbeef"
	id, err := store.Add(ctx, &queue.Job{QueueName: "conformance:task", Fingerprint: fp})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if out, err := store.OutputForInput(ctx, fp); err != nil || out != nil {
		t.Fatalf("expected no cached output before completion, got (%v, %v)", out, err)
	}

	if _, err := store.Next(ctx, "worker-1"); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if err := store.Complete(ctx, id, queue.CompleteUpdate{Status: queue.StatusCompleted, Output: []byte("cached")}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	out, err := store.OutputForInput(ctx, fp)
	if err != nil {
		t.Fatalf("OutputForInput: %v", err)
	}
	if string(out) != "cached" {
		t.Errorf("OutputForInput = %q, want %q", out, "cached")
	}
}

func testGetByRunID(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()

	runID := "run-123"
	for i := 0; i < 2; i++ {
		if _, err := store.Add(ctx, &queue.Job{QueueName: "conformance:task", JobRunID: runID}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if _, err := store.Add(ctx, &queue.Job{QueueName: "conformance:task", JobRunID: "other-run"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	jobs, err := store.GetByRunID(ctx, runID)
	if err != nil {
		t.Fatalf("GetByRunID: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("GetByRunID(%q) returned %d jobs, want 2", runID, len(jobs))
	}
	for _, j := range jobs {
		if j.JobRunID != runID {
			t.Errorf("GetByRunID returned a job with JobRunID %q, want %q", j.JobRunID, runID)
		}
	}
}

func testSaveProgress(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()

	id, err := store.Add(ctx, &queue.Job{QueueName: "conformance:task"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := store.Next(ctx, "worker-1"); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if err := store.SaveProgress(ctx, id, 0.5, "halfway", map[string]any{"step": 2}); err != nil {
		t.Fatalf("SaveProgress: %v", err)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Progress != 0.5 || got.ProgressMessage != "halfway" {
		t.Errorf("progress = (%v, %q), want (0.5, %q)", got.Progress, got.ProgressMessage, "halfway")
	}
	if got.Status != queue.StatusProcessing {
		t.Errorf("SaveProgress changed Status to %v, want it to stay PROCESSING", got.Status)
	}
}

func testDelete(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()

	id, err := store.Add(ctx, &queue.Job{QueueName: "conformance:task"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Error("expected the job to be gone after Delete")
	}
}

func testDeleteByStatusAndAge(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()

	oldID, err := store.Add(ctx, &queue.Job{QueueName: "conformance:task"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := store.Next(ctx, "worker-1"); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if err := store.Complete(ctx, oldID, queue.CompleteUpdate{Status: queue.StatusCompleted, Output: []byte("x")}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	recentID, err := store.Add(ctx, &queue.Job{QueueName: "conformance:task"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := store.Next(ctx, "worker-2"); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if err := store.Complete(ctx, recentID, queue.CompleteUpdate{Status: queue.StatusCompleted, Output: []byte("y")}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	n, err := store.DeleteByStatusAndAge(ctx, queue.StatusCompleted, -time.Hour)
	if err != nil {
		t.Fatalf("DeleteByStatusAndAge: %v", err)
	}
	if n != 2 {
		t.Errorf("DeleteByStatusAndAge with a negative olderThan (everything qualifies) = %d, want 2", n)
	}

	for _, id := range []string{oldID, recentID} {
		got, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got != nil {
			t.Errorf("expected job %q to be deleted", id)
		}
	}
}

func testSubscribe(t *testing.T, newStore Factory) {
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.Add(ctx, &queue.Job{QueueName: "conformance:task"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	recorder := &eventRecorder{}
	unsub, err := store.Subscribe(ctx, queue.SubscribeOptions{PollInterval: 5 * time.Millisecond}, recorder.record)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	recorder.waitFor(t, time.Second, 1)
	first := recorder.snapshot()
	if len(first) == 0 || first[0].Type != queue.ChangeInsert {
		t.Fatalf("expected the existing job to be delivered as an initial INSERT, got %+v", first)
	}

	newID, err := store.Add(ctx, &queue.Job{QueueName: "conformance:task"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	recorder.waitFor(t, time.Second, len(first)+1)

	found := false
	for _, ev := range recorder.snapshot() {
		if ev.New != nil && ev.New.ID == newID {
			found = true
		}
	}
	if !found {
		t.Error("expected Subscribe to deliver an event for the newly added job")
	}
}
