package queue

import (
	"context"
	"time"
)

// DefaultPollInterval is used by PollSubscribe when opts.PollInterval is zero.
const DefaultPollInterval = 2 * time.Second

// PollSubscribe is a reusable Subscribe implementation for backends with no
// native change feed. It snapshots matching jobs on an interval, diffs
// against the previous snapshot by (id, status, progress, output, error),
// and emits INSERT for newly-seen ids, UPDATE for changed ones, DELETE for
// ids that disappeared. The initial snapshot is delivered as INSERTs before
// the first diff, satisfying the same "current state then changes" contract
// a native-feed backend provides.
//
// peek must return every job currently in scope for opts (ignoring status),
// most naturally backed by a full Peek across all six statuses or a
// dedicated backend query; callers typically wrap their own listing method.
func PollSubscribe(ctx context.Context, opts SubscribeOptions, peek func(context.Context) ([]*Job, error), cb Callback) (Unsubscribe, error) {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	subCtx, cancel := context.WithCancel(ctx)
	seen := make(map[string]*Job)

	tick := func() {
		jobs, err := peek(subCtx)
		if err != nil {
			return
		}
		current := make(map[string]*Job, len(jobs))
		for _, j := range jobs {
			if !scopeMatches(opts, j) {
				continue
			}
			current[j.ID] = j
			prev, existed := seen[j.ID]
			switch {
			case !existed:
				cb(ChangeEvent{Type: ChangeInsert, New: j.Clone()})
			case changed(prev, j):
				cb(ChangeEvent{Type: ChangeUpdate, Old: prev.Clone(), New: j.Clone()})
			}
		}
		for id, prev := range seen {
			if _, ok := current[id]; !ok {
				cb(ChangeEvent{Type: ChangeDelete, Old: prev.Clone()})
			}
		}
		seen = current
	}

	tick()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-subCtx.Done():
				return
			case <-ticker.C:
				tick()
			}
		}
	}()

	var stopped bool
	return func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
	}, nil
}

func scopeMatches(opts SubscribeOptions, j *Job) bool {
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

func changed(a, b *Job) bool {
	if a.Status != b.Status || a.Progress != b.Progress || a.ProgressMessage != b.ProgressMessage {
		return true
	}
	if a.Error != b.Error || a.ErrorCode != b.ErrorCode || a.RunAttempts != b.RunAttempts {
		return true
	}
	if string(a.Output) != string(b.Output) {
		return true
	}
	return false
}
