// Package cloudstore implements queue.Storage on SurrealDB, modeling the
// "cloud-hosted SQL" substrate: a managed database reached over its own
// wire protocol, dispatched via select-then-conditional-update rather than
// row locks, and offering a native LIVE SELECT change feed the subscription
// manager can tap instead of polling.
package cloudstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/bobmcallan/taskqueue/internal/common"
	"github.com/bobmcallan/taskqueue/internal/queue"
)

const jobSelectFields = "id, queue_name, job_run_id, fingerprint, input, output, status, error, error_code, " +
	"run_attempts, max_retries, run_after, deadline_at, created_at, last_ran_at, completed_at, " +
	"progress, progress_message, progress_details, worker_id, prefix"

// jobRow mirrors queue.Job for SurrealDB's json-tagged struct decoding.
type jobRow struct {
	ID          string         `json:"id"`
	QueueName   string         `json:"queue_name"`
	JobRunID    string         `json:"job_run_id"`
	Fingerprint string         `json:"fingerprint"`
	Input       []byte         `json:"input"`
	Output      []byte         `json:"output"`
	Status      string         `json:"status"`
	Error       string         `json:"error"`
	ErrorCode   string         `json:"error_code"`
	RunAttempts int            `json:"run_attempts"`
	MaxRetries  int            `json:"max_retries"`
	RunAfter    time.Time      `json:"run_after"`
	DeadlineAt  *time.Time     `json:"deadline_at"`
	CreatedAt   time.Time      `json:"created_at"`
	LastRanAt   *time.Time     `json:"last_ran_at"`
	CompletedAt *time.Time     `json:"completed_at"`
	Progress    float64        `json:"progress"`
	ProgressMsg string         `json:"progress_message"`
	ProgressDet map[string]any `json:"progress_details"`
	WorkerID    string         `json:"worker_id"`
	Prefix      map[string]string `json:"prefix"`
}

func (r *jobRow) toJob() *queue.Job {
	return &queue.Job{
		ID: r.ID, QueueName: r.QueueName, JobRunID: r.JobRunID, Fingerprint: r.Fingerprint,
		Input: r.Input, Output: r.Output, Status: queue.Status(r.Status),
		Error: r.Error, ErrorCode: r.ErrorCode,
		RunAttempts: r.RunAttempts, MaxRetries: r.MaxRetries,
		RunAfter: r.RunAfter, DeadlineAt: r.DeadlineAt,
		CreatedAt: r.CreatedAt, LastRanAt: r.LastRanAt, CompletedAt: r.CompletedAt,
		Progress: r.Progress, ProgressMessage: r.ProgressMsg, ProgressDetails: r.ProgressDet,
		WorkerID: r.WorkerID, Prefix: r.Prefix,
	}
}

// Store is a SurrealDB-backed queue.Storage.
type Store struct {
	db        *surrealdb.DB
	logger    *common.Logger
	queueName string
	prefix    map[string]string
}

// Config names the SurrealDB connection parameters.
type Config struct {
	Address   string
	Namespace string
	Database  string
	Username  string
	Password  string
}

// New connects, authenticates, and selects namespace/database.
func New(ctx context.Context, logger *common.Logger, cfg Config, queueName string, prefix map[string]string) (*Store, error) {
	db, err := surrealdb.New(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to surrealdb: %w", err)
	}
	if _, err := db.SignIn(ctx, surrealdb.Auth{Username: cfg.Username, Password: cfg.Password}); err != nil {
		return nil, fmt.Errorf("failed to sign in to surrealdb: %w", err)
	}
	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		return nil, fmt.Errorf("failed to select namespace/database: %w", err)
	}
	logger.Debug().Str("queue", queueName).Msg("cloud job store connected")
	return &Store{db: db, logger: logger, queueName: queueName, prefix: prefix}, nil
}

func (s *Store) Setup(ctx context.Context) error {
	_, err := surrealdb.Query[any](ctx, s.db, "DEFINE TABLE IF NOT EXISTS job_queue SCHEMALESS", nil)
	if err != nil {
		return fmt.Errorf("cloudstore setup: %w", err)
	}
	return nil
}

func (s *Store) scopeClause(vars map[string]any) string {
	clause := "queue_name = $queue_name"
	vars["queue_name"] = s.queueName
	i := 0
	for k, v := range s.prefix {
		key := fmt.Sprintf("prefix_%d", i)
		clause += fmt.Sprintf(" AND prefix.%s = $%s", k, key)
		vars[key] = v
		i++
	}
	return clause
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

	sql := `UPSERT $rid SET
		queue_name = $queue_name, job_run_id = $job_run_id, fingerprint = $fingerprint,
		input = $input, output = $output, status = $status, error = $error, error_code = $error_code,
		run_attempts = $run_attempts, max_retries = $max_retries, run_after = $run_after,
		deadline_at = $deadline_at, created_at = $created_at, last_ran_at = $last_ran_at,
		completed_at = $completed_at, progress = $progress, progress_message = $progress_message,
		progress_details = $progress_details, worker_id = $worker_id, prefix = $prefix`
	vars := map[string]any{
		"rid": surrealmodels.NewRecordID("job_queue", job.ID),
		"queue_name": job.QueueName, "job_run_id": job.JobRunID, "fingerprint": job.Fingerprint,
		"input": job.Input, "output": job.Output, "status": string(job.Status),
		"error": job.Error, "error_code": job.ErrorCode,
		"run_attempts": job.RunAttempts, "max_retries": job.MaxRetries, "run_after": job.RunAfter,
		"deadline_at": job.DeadlineAt, "created_at": job.CreatedAt, "last_ran_at": job.LastRanAt,
		"completed_at": job.CompletedAt, "progress": job.Progress, "progress_message": job.ProgressMessage,
		"progress_details": job.ProgressDetails, "worker_id": job.WorkerID, "prefix": job.Prefix,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return "", fmt.Errorf("cloudstore add: %w", err)
	}
	return job.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (*queue.Job, error) {
	vars := map[string]any{"id": surrealmodels.NewRecordID("job_queue", id)}
	sql := "SELECT " + jobSelectFields + " FROM $id"
	results, err := surrealdb.Query[[]jobRow](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("cloudstore get: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	r := (*results)[0].Result[0]
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

// Next performs the select-then-conditional-update dispatch idiom: find the
// earliest eligible candidate, then apply a WHERE status = pending update so
// a concurrent claimant loses the race rather than corrupting state.
func (s *Store) Next(ctx context.Context, workerID string) (*queue.Job, error) {
	now := time.Now().UTC()
	vars := map[string]any{"now": now}
	clause := s.scopeClause(vars)
	sql := "SELECT " + jobSelectFields + " FROM job_queue WHERE " + clause +
		" AND status = $pending AND run_after <= $now AND (deadline_at = NONE OR deadline_at >= $now)" +
		" ORDER BY run_after ASC LIMIT 1"
	vars["pending"] = string(queue.StatusPending)

	candidates, err := surrealdb.Query[[]jobRow](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("cloudstore next select: %w", err)
	}
	if candidates == nil || len(*candidates) == 0 || len((*candidates)[0].Result) == 0 {
		return nil, nil
	}
	candidate := (*candidates)[0].Result[0]

	updateSQL := "UPDATE $rid SET status = $processing, worker_id = $worker_id, last_ran_at = $now WHERE status = $pending"
	updateVars := map[string]any{
		"rid":        surrealmodels.NewRecordID("job_queue", candidate.ID),
		"processing": string(queue.StatusProcessing),
		"worker_id":  workerID,
		"now":        now,
		"pending":    string(queue.StatusPending),
	}
	updated, err := surrealdb.Query[[]jobRow](ctx, s.db, updateSQL, updateVars)
	if err != nil {
		return nil, fmt.Errorf("cloudstore next claim: %w", err)
	}
	if updated == nil || len(*updated) == 0 || len((*updated)[0].Result) == 0 {
		// Another dispatcher won the race; caller will poll again.
		return nil, nil
	}

	candidate.Status = string(queue.StatusProcessing)
	candidate.WorkerID = workerID
	candidate.LastRanAt = &now
	return candidate.toJob(), nil
}

func (s *Store) Peek(ctx context.Context, status queue.Status, n int) ([]*queue.Job, error) {
	if n <= 0 {
		n = 100
	}
	vars := map[string]any{"limit": n}
	clause := s.scopeClause(vars)
	vars["status"] = string(status)
	sql := "SELECT " + jobSelectFields + " FROM job_queue WHERE " + clause + " AND status = $status ORDER BY run_after ASC, id ASC LIMIT $limit"
	return s.queryJobs(ctx, sql, vars)
}

func (s *Store) Size(ctx context.Context, status queue.Status) (int64, error) {
	vars := map[string]any{}
	clause := s.scopeClause(vars)
	vars["status"] = string(status)
	sql := "SELECT count() AS cnt FROM job_queue WHERE " + clause + " AND status = $status GROUP ALL"

	type countResult struct {
		Cnt int64 `json:"cnt"`
	}
	results, err := surrealdb.Query[[]countResult](ctx, s.db, sql, vars)
	if err != nil {
		return 0, fmt.Errorf("cloudstore size: %w", err)
	}
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return (*results)[0].Result[0].Cnt, nil
	}
	return 0, nil
}

func (s *Store) Complete(ctx context.Context, id string, update queue.CompleteUpdate) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		return queue.ErrNotFound
	}
	if !queue.CanTransition(current.Status, update.Status) {
		return queue.NewPermanent("INVALID_TRANSITION", nil)
	}

	sql := "UPDATE $rid SET status = $status"
	vars := map[string]any{
		"rid":    surrealmodels.NewRecordID("job_queue", id),
		"status": string(update.Status),
	}
	if update.Status != queue.StatusDisabled {
		sql += ", run_attempts = run_attempts + 1"
	}
	switch update.Status {
	case queue.StatusCompleted, queue.StatusFailed:
		sql += ", output = $output, error = $error, error_code = $error_code, completed_at = $completed_at"
		vars["output"] = update.Output
		vars["error"] = update.Error
		vars["error_code"] = update.Code
		vars["completed_at"] = time.Now().UTC()
	case queue.StatusPending:
		sql += ", run_after = $run_after"
		vars["run_after"] = update.RunAfter
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("cloudstore complete: %w", err)
	}
	return nil
}

func (s *Store) Abort(ctx context.Context, id string) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		return queue.ErrNotFound
	}
	if !queue.CanTransition(current.Status, queue.StatusAborting) {
		return queue.NewPermanent("INVALID_TRANSITION", nil)
	}
	sql := "UPDATE $rid SET status = $status"
	vars := map[string]any{
		"rid":    surrealmodels.NewRecordID("job_queue", id),
		"status": string(queue.StatusAborting),
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("cloudstore abort: %w", err)
	}
	return nil
}

func (s *Store) GetByRunID(ctx context.Context, runID string) ([]*queue.Job, error) {
	vars := map[string]any{"run_id": runID}
	clause := s.scopeClause(vars)
	sql := "SELECT " + jobSelectFields + " FROM job_queue WHERE " + clause + " AND job_run_id = $run_id"
	return s.queryJobs(ctx, sql, vars)
}

func (s *Store) OutputForInput(ctx context.Context, fingerprint string) ([]byte, error) {
	vars := map[string]any{"fingerprint": fingerprint}
	clause := s.scopeClause(vars)
	vars["status"] = string(queue.StatusCompleted)
	sql := "SELECT " + jobSelectFields + " FROM job_queue WHERE " + clause +
		" AND fingerprint = $fingerprint AND status = $status ORDER BY completed_at DESC LIMIT 1"
	jobs, err := s.queryJobs(ctx, sql, vars)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0].Output, nil
}

func (s *Store) SaveProgress(ctx context.Context, id string, progress float64, message string, details map[string]any) error {
	sql := "UPDATE $rid SET progress = $progress, progress_message = $message, progress_details = $details"
	vars := map[string]any{
		"rid": surrealmodels.NewRecordID("job_queue", id),
		"progress": progress, "message": message, "details": details,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("cloudstore save progress: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	vars := map[string]any{"rid": surrealmodels.NewRecordID("job_queue", id)}
	if _, err := surrealdb.Query[any](ctx, s.db, "DELETE $rid", vars); err != nil {
		return fmt.Errorf("cloudstore delete: %w", err)
	}
	return nil
}

func (s *Store) DeleteAll(ctx context.Context) error {
	vars := map[string]any{}
	clause := s.scopeClause(vars)
	if _, err := surrealdb.Query[any](ctx, s.db, "DELETE FROM job_queue WHERE "+clause, vars); err != nil {
		return fmt.Errorf("cloudstore delete all: %w", err)
	}
	return nil
}

func (s *Store) DeleteByStatusAndAge(ctx context.Context, status queue.Status, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	vars := map[string]any{"cutoff": cutoff}
	clause := s.scopeClause(vars)
	vars["status"] = string(status)
	sql := "DELETE FROM job_queue WHERE " + clause + " AND status = $status AND completed_at <= $cutoff RETURN BEFORE"
	results, err := surrealdb.Query[[]jobRow](ctx, s.db, sql, vars)
	if err != nil {
		return 0, fmt.Errorf("cloudstore delete by status and age: %w", err)
	}
	if results != nil && len(*results) > 0 {
		return int64(len((*results)[0].Result)), nil
	}
	return 0, nil
}

func (s *Store) queryJobs(ctx context.Context, sql string, vars map[string]any) ([]*queue.Job, error) {
	results, err := surrealdb.Query[[]jobRow](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("cloudstore query: %w", err)
	}
	var jobs []*queue.Job
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			jobs = append(jobs, (*results)[0].Result[i].toJob())
		}
	}
	return jobs, nil
}

// HasNativeFeed reports that this backend can serve Subscribe from
// SurrealDB's own LIVE SELECT change feed instead of polling.
func (s *Store) HasNativeFeed() bool { return true }

// Subscribe opens a LIVE SELECT against job_queue and translates SurrealDB's
// notification actions into queue.ChangeEvent, delivering the current
// matching state as INSERTs first. A low-frequency backup poll runs
// alongside it so a dropped live connection does not silently stop
// delivering updates; it runs until unsubscribe, live notifications or not.
func (s *Store) Subscribe(ctx context.Context, opts queue.SubscribeOptions, cb queue.Callback) (queue.Unsubscribe, error) {
	subCtx, cancel := context.WithCancel(ctx)

	initial, err := s.livePeek(subCtx, opts)
	if err != nil {
		cancel()
		return nil, err
	}
	for _, j := range initial {
		cb(queue.ChangeEvent{Type: queue.ChangeInsert, New: j})
	}

	liveID, err := surrealdb.Live(subCtx, s.db, "job_queue", false)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("cloudstore live select: %w", err)
	}
	notifications, err := surrealdb.LiveNotifications[jobRow](s.db, liveID.String())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("cloudstore live notifications: %w", err)
	}

	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case n, ok := <-notifications:
				if !ok {
					return
				}
				j := n.Result.toJob()
				if j.QueueName != s.queueName || !prefixMatches(opts, j) {
					continue
				}
				switch n.Action {
				case "CREATE":
					cb(queue.ChangeEvent{Type: queue.ChangeInsert, New: j})
				case "UPDATE":
					cb(queue.ChangeEvent{Type: queue.ChangeUpdate, New: j})
				case "DELETE":
					cb(queue.ChangeEvent{Type: queue.ChangeDelete, Old: j})
				}
			}
		}
	}()

	backupInterval := opts.PollInterval
	if backupInterval <= 0 {
		backupInterval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(backupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-subCtx.Done():
				return
			case <-ticker.C:
				jobs, err := s.livePeek(subCtx, opts)
				if err != nil {
					continue
				}
				for _, j := range jobs {
					cb(queue.ChangeEvent{Type: queue.ChangeUpdate, New: j})
				}
			}
		}
	}()

	var stopped bool
	return func() {
		if stopped {
			return
		}
		stopped = true
		_, _ = surrealdb.Kill(subCtx, s.db, liveID.String())
		cancel()
	}, nil
}

func (s *Store) livePeek(ctx context.Context, opts queue.SubscribeOptions) ([]*queue.Job, error) {
	vars := map[string]any{}
	clause := s.scopeClause(vars)
	sql := "SELECT " + jobSelectFields + " FROM job_queue WHERE " + clause
	jobs, err := s.queryJobs(ctx, sql, vars)
	if err != nil {
		return nil, err
	}
	var out []*queue.Job
	for _, j := range jobs {
		if prefixMatches(opts, j) {
			out = append(out, j)
		}
	}
	return out, nil
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

func (s *Store) Close() error {
	return s.db.Close(context.Background())
}

var _ queue.Storage = (*Store)(nil)
var _ queue.NativeFeed = (*Store)(nil)
