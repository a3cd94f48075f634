// Package embeddedstore implements queue.Storage on BadgerHold, an embedded
// document layer over Badger, for single-process deployments that need
// durability across restarts without running a separate database.
package embeddedstore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/timshannon/badgerhold/v4"

	"github.com/bobmcallan/taskqueue/internal/common"
	"github.com/bobmcallan/taskqueue/internal/queue"
)

// record is the BadgerHold-persisted shape of a queue.Job, tagged for
// indexing the columns Next/Peek/Size filter on.
type record struct {
	ID          string `boltholdKey:"ID"`
	QueueName   string `badgerhold:"index"`
	JobRunID    string `badgerhold:"index"`
	Fingerprint string `badgerhold:"index"`

	Input  []byte
	Output []byte

	Status Status `badgerhold:"index"`

	Error     string
	ErrorCode string

	RunAttempts int
	MaxRetries  int

	RunAfter   time.Time
	DeadlineAt *time.Time

	CreatedAt   time.Time
	LastRanAt   *time.Time
	CompletedAt *time.Time

	Progress        float64
	ProgressMessage string
	ProgressDetails map[string]any

	WorkerID string
	Prefix   map[string]string
}

// Status mirrors queue.Status so badgerhold indexes on a concrete type
// rather than an interface-erased string.
type Status = queue.Status

func fromJob(j *queue.Job) *record {
	return &record{
		ID: j.ID, QueueName: j.QueueName, JobRunID: j.JobRunID, Fingerprint: j.Fingerprint,
		Input: j.Input, Output: j.Output, Status: j.Status,
		Error: j.Error, ErrorCode: j.ErrorCode,
		RunAttempts: j.RunAttempts, MaxRetries: j.MaxRetries,
		RunAfter: j.RunAfter, DeadlineAt: j.DeadlineAt,
		CreatedAt: j.CreatedAt, LastRanAt: j.LastRanAt, CompletedAt: j.CompletedAt,
		Progress: j.Progress, ProgressMessage: j.ProgressMessage, ProgressDetails: j.ProgressDetails,
		WorkerID: j.WorkerID, Prefix: j.Prefix,
	}
}

func (r *record) toJob() *queue.Job {
	return &queue.Job{
		ID: r.ID, QueueName: r.QueueName, JobRunID: r.JobRunID, Fingerprint: r.Fingerprint,
		Input: r.Input, Output: r.Output, Status: r.Status,
		Error: r.Error, ErrorCode: r.ErrorCode,
		RunAttempts: r.RunAttempts, MaxRetries: r.MaxRetries,
		RunAfter: r.RunAfter, DeadlineAt: r.DeadlineAt,
		CreatedAt: r.CreatedAt, LastRanAt: r.LastRanAt, CompletedAt: r.CompletedAt,
		Progress: r.Progress, ProgressMessage: r.ProgressMessage, ProgressDetails: r.ProgressDetails,
		WorkerID: r.WorkerID, Prefix: r.Prefix,
	}
}

// Store is a BadgerHold-backed queue.Storage, scoped to one queue name and
// an optional set of fixed prefix-column values.
type Store struct {
	db     *badgerhold.Store
	logger *common.Logger

	mu        sync.Mutex // serializes Next()'s find-then-update
	queueName string
	prefix    map[string]string
}

// New opens (creating if absent) a BadgerHold database at path.
func New(logger *common.Logger, path string, queueName string, prefix map[string]string) (*Store, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create embedded store directory %s: %w", path, err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = path
	options.ValueDir = path
	options.Logger = nil

	db, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded store: %w", err)
	}

	logger.Debug().Str("path", path).Str("queue", queueName).Msg("embedded job store opened")
	return &Store{db: db, logger: logger, queueName: queueName, prefix: prefix}, nil
}

func (s *Store) Setup(ctx context.Context) error { return nil }

// scopeQuery filters on QueueName directly (an indexed field) and on prefix
// columns via MatchFunc, since BadgerHold indexes do not reach into map
// fields.
func (s *Store) scopeQuery() *badgerhold.Query {
	q := badgerhold.Where("QueueName").Eq(s.queueName)
	if len(s.prefix) > 0 {
		q = q.MatchFunc(func(ra *badgerhold.RecordAccess) (bool, error) {
			r, ok := ra.Record().(*record)
			if !ok {
				return false, nil
			}
			for k, v := range s.prefix {
				if r.Prefix[k] != v {
					return false, nil
				}
			}
			return true, nil
		})
	}
	return q
}

func (s *Store) Add(ctx context.Context, job *queue.Job) (string, error) {
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
	if err := s.db.Insert(job.ID, fromJob(job)); err != nil {
		return "", fmt.Errorf("embedded store insert: %w", err)
	}
	return job.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (*queue.Job, error) {
	var r record
	if err := s.db.Get(id, &r); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	if r.QueueName != s.queueName {
		return nil, nil
	}
	for k, v := range s.prefix {
		if r.Prefix[k] != v {
			return nil, nil
		}
	}
	return r.toJob(), nil
}

// Next finds and claims one eligible job under the store mutex, since
// BadgerHold has no atomic find-and-update primitive of its own.
func (s *Store) Next(ctx context.Context, workerID string) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var candidates []record
	q := s.scopeQuery().And("Status").Eq(queue.StatusPending).And("RunAfter").Le(now).SortBy("RunAfter", "ID")
	if err := s.db.Find(&candidates, q); err != nil {
		return nil, fmt.Errorf("embedded store find: %w", err)
	}

	for i := range candidates {
		r := &candidates[i]
		if r.DeadlineAt != nil && r.DeadlineAt.Before(now) {
			continue
		}
		r.Status = queue.StatusProcessing
		r.WorkerID = workerID
		r.LastRanAt = &now
		if err := s.db.Update(r.ID, r); err != nil {
			return nil, fmt.Errorf("embedded store update: %w", err)
		}
		return r.toJob(), nil
	}
	return nil, nil
}

func (s *Store) Peek(ctx context.Context, status queue.Status, n int) ([]*queue.Job, error) {
	var rs []record
	q := s.scopeQuery().And("Status").Eq(status).SortBy("RunAfter", "ID")
	if n > 0 {
		q = q.Limit(n)
	}
	if err := s.db.Find(&rs, q); err != nil {
		return nil, err
	}
	out := make([]*queue.Job, len(rs))
	for i := range rs {
		out[i] = rs[i].toJob()
	}
	return out, nil
}

func (s *Store) Size(ctx context.Context, status queue.Status) (int64, error) {
	n, err := s.db.Count(&record{}, s.scopeQuery().And("Status").Eq(status))
	return int64(n), err
}

func (s *Store) Complete(ctx context.Context, id string, update queue.CompleteUpdate) error {
	var r record
	if err := s.db.Get(id, &r); err != nil {
		if err == badgerhold.ErrNotFound {
			return queue.ErrNotFound
		}
		return err
	}
	if !queue.CanTransition(r.Status, update.Status) {
		return queue.NewPermanent("INVALID_TRANSITION", nil)
	}
	r.Status = update.Status
	if update.Status != queue.StatusDisabled {
		r.RunAttempts++
	}
	switch update.Status {
	case queue.StatusCompleted, queue.StatusFailed:
		r.Output = update.Output
		r.Error = update.Error
		r.ErrorCode = update.Code
		now := time.Now().UTC()
		r.CompletedAt = &now
	case queue.StatusPending:
		r.RunAfter = update.RunAfter
	}
	return s.db.Update(id, &r)
}

func (s *Store) Abort(ctx context.Context, id string) error {
	var r record
	if err := s.db.Get(id, &r); err != nil {
		if err == badgerhold.ErrNotFound {
			return queue.ErrNotFound
		}
		return err
	}
	if !queue.CanTransition(r.Status, queue.StatusAborting) {
		return queue.NewPermanent("INVALID_TRANSITION", nil)
	}
	r.Status = queue.StatusAborting
	return s.db.Update(id, &r)
}

func (s *Store) GetByRunID(ctx context.Context, runID string) ([]*queue.Job, error) {
	var rs []record
	if err := s.db.Find(&rs, s.scopeQuery().And("JobRunID").Eq(runID)); err != nil {
		return nil, err
	}
	out := make([]*queue.Job, len(rs))
	for i := range rs {
		out[i] = rs[i].toJob()
	}
	return out, nil
}

func (s *Store) OutputForInput(ctx context.Context, fingerprint string) ([]byte, error) {
	var rs []record
	q := s.scopeQuery().And("Fingerprint").Eq(fingerprint).And("Status").Eq(queue.StatusCompleted).SortBy("CompletedAt").Reverse().Limit(1)
	if err := s.db.Find(&rs, q); err != nil {
		return nil, err
	}
	if len(rs) == 0 {
		return nil, nil
	}
	return rs[0].Output, nil
}

func (s *Store) SaveProgress(ctx context.Context, id string, progress float64, message string, details map[string]any) error {
	var r record
	if err := s.db.Get(id, &r); err != nil {
		if err == badgerhold.ErrNotFound {
			return queue.ErrNotFound
		}
		return err
	}
	r.Progress = progress
	r.ProgressMessage = message
	r.ProgressDetails = details
	return s.db.Update(id, &r)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.db.Delete(id, &record{})
	if err == badgerhold.ErrNotFound {
		return nil
	}
	return err
}

func (s *Store) DeleteAll(ctx context.Context) error {
	return s.db.DeleteMatching(&record{}, s.scopeQuery())
}

func (s *Store) DeleteByStatusAndAge(ctx context.Context, status queue.Status, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	q := s.scopeQuery().And("Status").Eq(status).And("CompletedAt").Le(cutoff)
	n, err := s.db.Count(&record{}, q)
	if err != nil {
		return 0, err
	}
	if err := s.db.DeleteMatching(&record{}, q); err != nil {
		return 0, err
	}
	return int64(n), nil
}

func (s *Store) Subscribe(ctx context.Context, opts queue.SubscribeOptions, cb queue.Callback) (queue.Unsubscribe, error) {
	return queue.PollSubscribe(ctx, opts, func(ctx context.Context) ([]*queue.Job, error) {
		var rs []record
		if err := s.db.Find(&rs, s.scopeQuery()); err != nil {
			return nil, err
		}
		out := make([]*queue.Job, len(rs))
		for i := range rs {
			out[i] = rs[i].toJob()
		}
		return out, nil
	}, cb)
}

func (s *Store) Close() error {
	return s.db.Close()
}

var _ queue.Storage = (*Store)(nil)
