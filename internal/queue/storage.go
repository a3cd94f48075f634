package queue

import (
	"context"
	"time"
)

// ChangeType is the kind of mutation carried in a ChangeEvent.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is the payload delivered to subscribers.
// INSERT omits Old; DELETE omits New.
type ChangeEvent struct {
	Type ChangeType
	Old  *Job
	New  *Job
}

// SubscribeOptions configures a subscription. An explicit empty Prefix (as
// opposed to a nil map) means "all partitions".
type SubscribeOptions struct {
	Prefix       map[string]string
	PrefixIsSet  bool // true if Prefix was explicitly provided (even if empty)
	PollInterval time.Duration
}

// Unsubscribe removes a subscription. Calling it twice is a no-op.
type Unsubscribe func()

// Callback receives change events. It MUST NOT block — dispatch heavy work
// elsewhere.
type Callback func(ChangeEvent)

// CompleteUpdate is the caller-prepared terminal or retry update applied by
// Storage.Complete.
type CompleteUpdate struct {
	Status Status

	// Terminal (COMPLETED/FAILED) fields.
	Output []byte
	Error  string
	Code   string

	// Retry (PENDING) fields.
	RunAfter time.Time
}

// Storage is the backend-neutral contract every substrate must honor.
// Every operation is implicitly scoped by the instance's configured
// QueueName and prefix-column values.
type Storage interface {
	// Setup idempotently ensures schema/indexes exist.
	Setup(ctx context.Context) error

	// Add assigns an id, stamps timestamps, sets PENDING, and stores job.
	// job.ID is populated on return.
	Add(ctx context.Context, job *Job) (string, error)

	// Get returns the job by id, bounded by queue name and prefix. Returns
	// (nil, nil) if not found.
	Get(ctx context.Context, id string) (*Job, error)

	// Next atomically selects one eligible PENDING job (run_after <= now,
	// deadline_at >= now or unset), transitions it to PROCESSING, stamps
	// last_ran_at and worker_id, and returns the updated row. Returns
	// (nil, nil) if no job is eligible. Must never return the same job to
	// two concurrent callers.
	Next(ctx context.Context, workerID string) (*Job, error)

	// Peek returns a read-only slice of jobs in the given status, ordered by
	// run_after ASC then id ASC, without changing state.
	Peek(ctx context.Context, status Status, n int) ([]*Job, error)

	// Size returns the count of jobs in the given status.
	Size(ctx context.Context, status Status) (int64, error)

	// Complete applies a caller-prepared terminal or retry update. Increments
	// run_attempts by exactly one for every status except DISABLED.
	Complete(ctx context.Context, id string, update CompleteUpdate) error

	// Abort sets status=ABORTING. Does not increment run_attempts.
	Abort(ctx context.Context, id string) error

	// GetByRunID returns every job sharing job_run_id.
	GetByRunID(ctx context.Context, runID string) ([]*Job, error)

	// OutputForInput looks up the cached COMPLETED output by fingerprint.
	// Returns (nil, nil) if no COMPLETED job has that fingerprint.
	OutputForInput(ctx context.Context, fingerprint string) ([]byte, error)

	// SaveProgress writes progress/message/details directly; must not change
	// status.
	SaveProgress(ctx context.Context, id string, progress float64, message string, details map[string]any) error

	// Delete removes one job.
	Delete(ctx context.Context, id string) error

	// DeleteAll removes every job in scope.
	DeleteAll(ctx context.Context) error

	// DeleteByStatusAndAge deletes jobs with the given status whose
	// completed_at is at least olderThan in the past. Returns the count
	// deleted.
	DeleteByStatusAndAge(ctx context.Context, status Status, olderThan time.Duration) (int64, error)

	// Subscribe registers callback for change events matching opts and
	// returns an idempotent unsubscribe handle. On subscribe, the backend
	// delivers the current matching state as a sequence of INSERTs before
	// streaming subsequent changes; polling backends get this from
	// PollSubscribe. Manager (subscribe.go) shares one such subscription
	// among callers with the same prefix and poll interval. Backends
	// with a native change feed may implement this directly to bypass
	// polling.
	Subscribe(ctx context.Context, opts SubscribeOptions, cb Callback) (Unsubscribe, error)

	// Close releases backend resources.
	Close() error
}

// NativeFeed is implemented by backends whose Subscribe taps a native
// change feed instead of polling, for backends that offer one. Manager does
// not inspect it or add a poll of its own; cloudstore's Subscribe runs its
// own low-frequency backup poll alongside its feed.
type NativeFeed interface {
	HasNativeFeed() bool
}
