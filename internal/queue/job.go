// Package queue implements a durable, multi-backend job queue: a canonical
// job record, a status state machine, a backend-neutral storage contract,
// a worker-pool runtime, and a subscription manager. Concrete storage
// backends live in sibling packages (memstore, embeddedstore, cursorstore,
// sqlstore, cloudstore); each must satisfy Storage and pass the shared
// conformance suite in package conformance.
package queue

import "time"

// Status is one of the six legal job states.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusAborting   Status = "ABORTING"
	StatusDisabled   Status = "DISABLED"
)

// Terminal reports whether s accepts no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusDisabled:
		return true
	default:
		return false
	}
}

// transitions enumerates the legal edges of the status state machine.
var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusProcessing: true,
		StatusDisabled:   true,
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusPending:   true, // retryable error, run_after advanced
		StatusAborting:  true,
		StatusDisabled:  true,
	},
	StatusAborting: {
		StatusFailed:   true,
		StatusDisabled: true,
	},
}

// CanTransition reports whether moving a job from 'from' to 'to' is legal.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	return transitions[from][to]
}

// Reserved, stable error codes.
const (
	ErrCodeAborted          = "ABORTED"
	ErrCodeAbortTimeout     = "ABORT_TIMEOUT"
	ErrCodeDeadlineExceeded = "DEADLINE_EXCEEDED"
	ErrCodeRetriesExhausted = "RETRIES_EXHAUSTED"
	ErrCodeModelNotFound    = "MODEL_NOT_FOUND"
	ErrCodeNoRunFunction    = "NO_RUN_FUNCTION"
	ErrCodePermanent        = "PERMANENT"
	ErrCodeRetryable        = "RETRYABLE"
)

// DefaultMaxRetries is used when a job does not specify one.
const DefaultMaxRetries = 20

// Job is the canonical, backend-neutral unit of durable work.
type Job struct {
	ID          string `json:"id"`
	QueueName   string `json:"queue_name"`
	JobRunID    string `json:"job_run_id,omitempty"`
	Fingerprint string `json:"fingerprint"`

	Input  []byte `json:"input"`
	Output []byte `json:"output,omitempty"`

	Status Status `json:"status"`

	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	RunAttempts int `json:"run_attempts"`
	MaxRetries  int `json:"max_retries"`

	RunAfter   time.Time  `json:"run_after"`
	DeadlineAt *time.Time `json:"deadline_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	LastRanAt   *time.Time `json:"last_ran_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Progress        float64        `json:"progress"`
	ProgressMessage string         `json:"progress_message,omitempty"`
	ProgressDetails map[string]any `json:"progress_details,omitempty"`

	WorkerID string `json:"worker_id,omitempty"`

	// ModelName, when set, is resolved against the model repository at
	// dispatch time and attached to the run function's model argument. A
	// name that the repository doesn't recognize fails the job permanently
	// with ErrCodeModelNotFound. Empty means the run function picks its own
	// default model.
	ModelName string `json:"model_name,omitempty"`

	// Prefix holds the caller-declared discriminator column values,
	// keyed by column name. Every storage call is implicitly scoped to these.
	Prefix map[string]string `json:"prefix,omitempty"`
}

// Clone returns a deep-enough copy safe to hand across goroutine boundaries
// (progress_details and prefix maps are copied; input/output byte slices are
// shared since callers treat them as immutable once set).
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.ProgressDetails != nil {
		c.ProgressDetails = make(map[string]any, len(j.ProgressDetails))
		for k, v := range j.ProgressDetails {
			c.ProgressDetails[k] = v
		}
	}
	if j.Prefix != nil {
		c.Prefix = make(map[string]string, len(j.Prefix))
		for k, v := range j.Prefix {
			c.Prefix[k] = v
		}
	}
	return &c
}

// TableName derives the persistence table name for a prefix-column set:
// "job_queue" with no prefix columns, else "job_queue_<p1>_<p2>_...",
// columns in declaration order.
func TableName(prefixCols ...string) string {
	name := "job_queue"
	for _, c := range prefixCols {
		name += "_" + c
	}
	return name
}
