// Package cursorstore implements queue.Storage directly on raw Badger
// transactions and an explicit cursor (iterator) over a manually maintained
// secondary index, rather than through the BadgerHold document layer used
// by embeddedstore. It models the "client object-store" substrate: a single
// embedded key-value engine driven with hand-rolled primary and index keys,
// giving full control over iteration order and transaction boundaries.
package cursorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/bobmcallan/taskqueue/internal/common"
	"github.com/bobmcallan/taskqueue/internal/queue"
)

// Store is a raw-Badger queue.Storage, scoped to one queue name and an
// optional fixed prefix-column set.
type Store struct {
	db        *badger.DB
	logger    *common.Logger
	queueName string
	prefix    map[string]string
	prefixSig string
}

// New opens (creating if absent) a Badger database at path.
func New(logger *common.Logger, path string, queueName string, prefix map[string]string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cursor store: %w", err)
	}
	logger.Debug().Str("path", path).Str("queue", queueName).Msg("cursor job store opened")
	return &Store{db: db, logger: logger, queueName: queueName, prefix: prefix, prefixSig: prefixSig(prefix)}, nil
}

func (s *Store) Setup(ctx context.Context) error { return nil }

// prefixSig renders a prefix-column set as a single sorted "k=v,k2=v2" key
// segment (or "-" when there are none), so every key this store writes
// carries its tenant discriminator as its leading index component.
func prefixSig(prefix map[string]string) string {
	if len(prefix) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(prefix))
	for k := range prefix {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+prefix[k])
	}
	return strings.Join(parts, ",")
}

// Key layout:
//
//	j:<prefixSig>:<queue>:<id>                     -> JSON-encoded job
//	p:<prefixSig>:<queue>:<runAfterUnixNano20>:<id> -> id (pending cursor)
//
// Prefix columns lead every key so a range scan for one tenant's prefix
// signature never touches another tenant's rows — the compound-index
// "prefix columns first" requirement, realized as key-order instead of a
// separate column since Badger has no secondary schema to speak of. The
// pending index's zero-padded nanosecond timestamp makes lexicographic byte
// order equal chronological order, so Next() is a prefix scan that yields
// the earliest-eligible job first within that tenant's range.
func primaryKey(prefixSig, queueName, id string) []byte {
	return []byte(fmt.Sprintf("j:%s:%s:%s", prefixSig, queueName, id))
}

func pendingKey(prefixSig, queueName string, runAfter time.Time, id string) []byte {
	return []byte(fmt.Sprintf("p:%s:%s:%020d:%s", prefixSig, queueName, runAfter.UnixNano(), id))
}

func pendingPrefix(prefixSig, queueName string) []byte {
	return []byte(fmt.Sprintf("p:%s:%s:", prefixSig, queueName))
}

func primaryPrefix(prefixSig, queueName string) []byte {
	return []byte(fmt.Sprintf("j:%s:%s:", prefixSig, queueName))
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

	err := s.db.Update(func(txn *badger.Txn) error {
		buf, err := json.Marshal(job)
		if err != nil {
			return err
		}
		if err := txn.Set(primaryKey(s.prefixSig, s.queueName, job.ID), buf); err != nil {
			return err
		}
		return txn.Set(pendingKey(s.prefixSig, s.queueName, job.RunAfter, job.ID), []byte(job.ID))
	})
	if err != nil {
		return "", fmt.Errorf("cursor store add: %w", err)
	}
	return job.ID, nil
}

func (s *Store) getTxn(txn *badger.Txn, id string) (*queue.Job, error) {
	item, err := txn.Get(primaryKey(s.prefixSig, s.queueName, id))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job queue.Job
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *Store) Get(ctx context.Context, id string) (*queue.Job, error) {
	var job *queue.Job
	err := s.db.View(func(txn *badger.Txn) error {
		j, err := s.getTxn(txn, id)
		job = j
		return err
	})
	return job, err
}

// Next scans the pending cursor in run_after order and atomically claims
// the first eligible job within a single Badger transaction.
func (s *Store) Next(ctx context.Context, workerID string) (*queue.Job, error) {
	var claimed *queue.Job
	now := time.Now().UTC()

	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = pendingPrefix(s.prefixSig, s.queueName)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			var id string
			if err := item.Value(func(val []byte) error {
				id = string(val)
				return nil
			}); err != nil {
				return err
			}

			job, err := s.getTxn(txn, id)
			if err != nil {
				return err
			}
			if job == nil || job.Status != queue.StatusPending {
				continue
			}
			if job.RunAfter.After(now) {
				break // index is ordered by run_after; nothing further qualifies
			}
			if job.DeadlineAt != nil && job.DeadlineAt.Before(now) {
				continue
			}

			if err := txn.Delete(item.KeyCopy(nil)); err != nil {
				return err
			}
			job.Status = queue.StatusProcessing
			job.WorkerID = workerID
			job.LastRanAt = &now
			buf, err := json.Marshal(job)
			if err != nil {
				return err
			}
			if err := txn.Set(primaryKey(s.prefixSig, s.queueName, job.ID), buf); err != nil {
				return err
			}
			claimed = job
			return nil
		}
		return nil
	})
	return claimed, err
}

func (s *Store) scanAll(f func(*queue.Job) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = primaryPrefix(s.prefixSig, s.queueName)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			var job queue.Job
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			}); err != nil {
				return err
			}
			if !f(&job) {
				return nil
			}
		}
		return nil
	})
}

func (s *Store) Peek(ctx context.Context, status queue.Status, n int) ([]*queue.Job, error) {
	var out []*queue.Job
	err := s.scanAll(func(j *queue.Job) bool {
		if j.Status == status {
			out = append(out, j)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].RunAfter.Equal(out[b].RunAfter) {
			return out[a].RunAfter.Before(out[b].RunAfter)
		}
		return out[a].ID < out[b].ID
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *Store) Size(ctx context.Context, status queue.Status) (int64, error) {
	var n int64
	err := s.scanAll(func(j *queue.Job) bool {
		if j.Status == status {
			n++
		}
		return true
	})
	return n, err
}

func (s *Store) Complete(ctx context.Context, id string, update queue.CompleteUpdate) error {
	return s.db.Update(func(txn *badger.Txn) error {
		job, err := s.getTxn(txn, id)
		if err != nil {
			return err
		}
		if job == nil {
			return queue.ErrNotFound
		}
		if !queue.CanTransition(job.Status, update.Status) {
			return queue.NewPermanent("INVALID_TRANSITION", nil)
		}

		job.Status = update.Status
		if update.Status != queue.StatusDisabled {
			job.RunAttempts++
		}
		switch update.Status {
		case queue.StatusCompleted, queue.StatusFailed:
			job.Output = update.Output
			job.Error = update.Error
			job.ErrorCode = update.Code
			now := time.Now().UTC()
			job.CompletedAt = &now
		case queue.StatusPending:
			job.RunAfter = update.RunAfter
			if err := txn.Set(pendingKey(s.prefixSig, s.queueName, job.RunAfter, job.ID), []byte(job.ID)); err != nil {
				return err
			}
		}

		buf, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return txn.Set(primaryKey(s.prefixSig, s.queueName, job.ID), buf)
	})
}

func (s *Store) Abort(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		job, err := s.getTxn(txn, id)
		if err != nil {
			return err
		}
		if job == nil {
			return queue.ErrNotFound
		}
		if !queue.CanTransition(job.Status, queue.StatusAborting) {
			return queue.NewPermanent("INVALID_TRANSITION", nil)
		}
		job.Status = queue.StatusAborting
		buf, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return txn.Set(primaryKey(s.prefixSig, s.queueName, job.ID), buf)
	})
}

func (s *Store) GetByRunID(ctx context.Context, runID string) ([]*queue.Job, error) {
	var out []*queue.Job
	err := s.scanAll(func(j *queue.Job) bool {
		if j.JobRunID == runID {
			out = append(out, j)
		}
		return true
	})
	return out, err
}

func (s *Store) OutputForInput(ctx context.Context, fingerprint string) ([]byte, error) {
	var best *queue.Job
	err := s.scanAll(func(j *queue.Job) bool {
		if j.Fingerprint == fingerprint && j.Status == queue.StatusCompleted {
			if best == nil || (j.CompletedAt != nil && best.CompletedAt != nil && j.CompletedAt.After(*best.CompletedAt)) {
				best = j
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if best == nil {
		return nil, nil
	}
	return best.Output, nil
}

func (s *Store) SaveProgress(ctx context.Context, id string, progress float64, message string, details map[string]any) error {
	return s.db.Update(func(txn *badger.Txn) error {
		job, err := s.getTxn(txn, id)
		if err != nil {
			return err
		}
		if job == nil {
			return queue.ErrNotFound
		}
		job.Progress = progress
		job.ProgressMessage = message
		job.ProgressDetails = details
		buf, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return txn.Set(primaryKey(s.prefixSig, s.queueName, job.ID), buf)
	})
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		job, err := s.getTxn(txn, id)
		if err != nil {
			return err
		}
		if job == nil {
			return nil
		}
		if job.Status == queue.StatusPending {
			_ = txn.Delete(pendingKey(s.prefixSig, s.queueName, job.RunAfter, job.ID))
		}
		return txn.Delete(primaryKey(s.prefixSig, s.queueName, job.ID))
	})
}

func (s *Store) DeleteAll(ctx context.Context) error {
	var ids []*queue.Job
	if err := s.scanAll(func(j *queue.Job) bool { ids = append(ids, j); return true }); err != nil {
		return err
	}
	for _, j := range ids {
		if err := s.Delete(ctx, j.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) DeleteByStatusAndAge(ctx context.Context, status queue.Status, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var victims []*queue.Job
	err := s.scanAll(func(j *queue.Job) bool {
		if j.Status == status && j.CompletedAt != nil && !j.CompletedAt.After(cutoff) {
			victims = append(victims, j)
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	for _, j := range victims {
		if err := s.Delete(ctx, j.ID); err != nil {
			return 0, err
		}
	}
	return int64(len(victims)), nil
}

func (s *Store) Subscribe(ctx context.Context, opts queue.SubscribeOptions, cb queue.Callback) (queue.Unsubscribe, error) {
	return queue.PollSubscribe(ctx, opts, func(context.Context) ([]*queue.Job, error) {
		var out []*queue.Job
		err := s.scanAll(func(j *queue.Job) bool { out = append(out, j); return true })
		return out, err
	}, cb)
}

func (s *Store) Close() error {
	return s.db.Close()
}

var _ queue.Storage = (*Store)(nil)
