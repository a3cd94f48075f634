// Package memstore implements queue.Storage entirely in process memory,
// guarded by a single mutex. It is the simplest of the five backends: no
// durability, no native change feed, suitable for tests and single-process
// deployments that accept losing the queue on restart.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/taskqueue/internal/queue"
)

type subscription struct {
	id   uint64
	opts queue.SubscribeOptions
	cb   queue.Callback
}

// Store is an in-memory queue.Storage.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*queue.Job

	queueName  string
	prefix     map[string]string
	prefixKeys []string

	subs   map[uint64]*subscription
	nextID uint64
}

// New creates a memstore Store scoped to queueName and the given prefix
// column values (pass nil for an unpartitioned queue).
func New(queueName string, prefix map[string]string) *Store {
	keys := make([]string, 0, len(prefix))
	for k := range prefix {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &Store{
		jobs:       make(map[string]*queue.Job),
		queueName:  queueName,
		prefix:     prefix,
		prefixKeys: keys,
		subs:       make(map[uint64]*subscription),
	}
}

func (s *Store) Setup(ctx context.Context) error { return nil }

func (s *Store) matchesScope(j *queue.Job) bool {
	if j.QueueName != s.queueName {
		return false
	}
	for k, v := range s.prefix {
		if j.Prefix[k] != v {
			return false
		}
	}
	return true
}

func (s *Store) Add(ctx context.Context, job *queue.Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job.ID = uuid.NewString()
	job.QueueName = s.queueName
	if job.Prefix == nil && len(s.prefix) > 0 {
		job.Prefix = make(map[string]string, len(s.prefix))
	}
	for k, v := range s.prefix {
		job.Prefix[k] = v
	}
	job.Status = queue.StatusPending
	job.CreatedAt = time.Now().UTC()
	if job.MaxRetries == 0 {
		job.MaxRetries = queue.DefaultMaxRetries
	}
	stored := job.Clone()
	s.jobs[job.ID] = stored
	s.notify(queue.ChangeEvent{Type: queue.ChangeInsert, New: stored.Clone()})
	return job.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || !s.matchesScope(j) {
		return nil, nil
	}
	return j.Clone(), nil
}

func (s *Store) Next(ctx context.Context, workerID string) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var best *queue.Job
	for _, j := range s.jobs {
		if !s.matchesScope(j) || j.Status != queue.StatusPending {
			continue
		}
		if j.RunAfter.After(now) {
			continue
		}
		if j.DeadlineAt != nil && j.DeadlineAt.Before(now) {
			continue
		}
		if best == nil || j.RunAfter.Before(best.RunAfter) || (j.RunAfter.Equal(best.RunAfter) && j.ID < best.ID) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = queue.StatusProcessing
	best.WorkerID = workerID
	last := now
	best.LastRanAt = &last
	s.notify(queue.ChangeEvent{Type: queue.ChangeUpdate, New: best.Clone()})
	return best.Clone(), nil
}

func (s *Store) Peek(ctx context.Context, status queue.Status, n int) ([]*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*queue.Job
	for _, j := range s.jobs {
		if s.matchesScope(j) && j.Status == status {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].RunAfter.Equal(out[k].RunAfter) {
			return out[i].RunAfter.Before(out[k].RunAfter)
		}
		return out[i].ID < out[k].ID
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *Store) Size(ctx context.Context, status queue.Status) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if s.matchesScope(j) && j.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *Store) Complete(ctx context.Context, id string, update queue.CompleteUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || !s.matchesScope(j) {
		return queue.ErrNotFound
	}
	if !queue.CanTransition(j.Status, update.Status) {
		return queue.NewPermanent("INVALID_TRANSITION", nil)
	}

	j.Status = update.Status
	if update.Status != queue.StatusDisabled {
		j.RunAttempts++
	}
	switch update.Status {
	case queue.StatusCompleted, queue.StatusFailed:
		j.Output = update.Output
		j.Error = update.Error
		j.ErrorCode = update.Code
		now := time.Now().UTC()
		j.CompletedAt = &now
	case queue.StatusPending:
		j.RunAfter = update.RunAfter
	}
	s.notify(queue.ChangeEvent{Type: queue.ChangeUpdate, New: j.Clone()})
	return nil
}

func (s *Store) Abort(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || !s.matchesScope(j) {
		return queue.ErrNotFound
	}
	if !queue.CanTransition(j.Status, queue.StatusAborting) {
		return queue.NewPermanent("INVALID_TRANSITION", nil)
	}
	j.Status = queue.StatusAborting
	s.notify(queue.ChangeEvent{Type: queue.ChangeUpdate, New: j.Clone()})
	return nil
}

func (s *Store) GetByRunID(ctx context.Context, runID string) ([]*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*queue.Job
	for _, j := range s.jobs {
		if s.matchesScope(j) && j.JobRunID == runID {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

func (s *Store) OutputForInput(ctx context.Context, fingerprint string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *queue.Job
	for _, j := range s.jobs {
		if !s.matchesScope(j) || j.Fingerprint != fingerprint || j.Status != queue.StatusCompleted {
			continue
		}
		if best == nil || (j.CompletedAt != nil && best.CompletedAt != nil && j.CompletedAt.After(*best.CompletedAt)) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	return best.Output, nil
}

func (s *Store) SaveProgress(ctx context.Context, id string, progress float64, message string, details map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || !s.matchesScope(j) {
		return queue.ErrNotFound
	}
	j.Progress = progress
	j.ProgressMessage = message
	j.ProgressDetails = details
	s.notify(queue.ChangeEvent{Type: queue.ChangeUpdate, New: j.Clone()})
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || !s.matchesScope(j) {
		return nil
	}
	delete(s.jobs, id)
	s.notify(queue.ChangeEvent{Type: queue.ChangeDelete, Old: j.Clone()})
	return nil
}

func (s *Store) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, j := range s.jobs {
		if s.matchesScope(j) {
			delete(s.jobs, id)
			s.notify(queue.ChangeEvent{Type: queue.ChangeDelete, Old: j.Clone()})
		}
	}
	return nil
}

func (s *Store) DeleteByStatusAndAge(ctx context.Context, status queue.Status, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	var n int64
	for id, j := range s.jobs {
		if !s.matchesScope(j) || j.Status != status || j.CompletedAt == nil || j.CompletedAt.After(cutoff) {
			continue
		}
		delete(s.jobs, id)
		s.notify(queue.ChangeEvent{Type: queue.ChangeDelete, Old: j.Clone()})
		n++
	}
	return n, nil
}

func (s *Store) Subscribe(ctx context.Context, opts queue.SubscribeOptions, cb queue.Callback) (queue.Unsubscribe, error) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	sub := &subscription{id: id, opts: opts, cb: cb}
	s.subs[id] = sub

	for _, j := range s.jobs {
		if s.matchesScope(j) && prefixMatches(opts, j) {
			cb(queue.ChangeEvent{Type: queue.ChangeInsert, New: j.Clone()})
		}
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}, nil
}

func (s *Store) Close() error { return nil }

// notify must be called with s.mu held; it fans the event out synchronously,
// so callbacks must not block (queue.Callback's contract).
func (s *Store) notify(ev queue.ChangeEvent) {
	j := ev.New
	if j == nil {
		j = ev.Old
	}
	for _, sub := range s.subs {
		if prefixMatches(sub.opts, j) {
			sub.cb(ev)
		}
	}
}

func prefixMatches(opts queue.SubscribeOptions, j *queue.Job) bool {
	if !opts.PrefixIsSet {
		return true
	}
	for k, v := range opts.Prefix {
		if j.Prefix[k] != v {
			return false
		}
	}
	return true
}

var _ queue.Storage = (*Store)(nil)
