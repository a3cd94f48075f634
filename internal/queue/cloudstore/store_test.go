package cloudstore

import (
	"testing"
	"time"
)

func TestJobRow_ToJob(t *testing.T) {
	now := time.Now().UTC()
	row := &jobRow{
		ID: "job-1", QueueName: "gemini:prompt", JobRunID: "run-1", Fingerprint: "abc123",
		Input: []byte(`{"x":1}`), Output: []byte(`{"y":2}`), Status: "COMPLETED",
		RunAttempts: 1, MaxRetries: 5,
		RunAfter: now, CreatedAt: now, CompletedAt: &now,
		Progress: 1.0, ProgressMsg: "done",
		ProgressDet: map[string]any{"step": 3},
		WorkerID:    "worker-1",
		Prefix:      map[string]string{"tenant": "acme"},
	}

	job := row.toJob()

	if job.ID != row.ID || job.QueueName != row.QueueName || job.Fingerprint != row.Fingerprint {
		t.Errorf("identity fields mismatch: got %+v", job)
	}
	if string(job.Status) != row.Status {
		t.Errorf("Status = %v, want %v", job.Status, row.Status)
	}
	if job.ProgressDetails["step"] != 3 {
		t.Errorf("ProgressDetails[step] = %v, want 3", job.ProgressDetails["step"])
	}
	if job.Prefix["tenant"] != "acme" {
		t.Errorf("Prefix[tenant] = %q, want %q", job.Prefix["tenant"], "acme")
	}
	if job.CompletedAt == nil || !job.CompletedAt.Equal(now) {
		t.Errorf("CompletedAt = %v, want %v", job.CompletedAt, now)
	}
}

func TestJobRow_ToJob_EmptyMaps(t *testing.T) {
	row := &jobRow{ID: "job-2", QueueName: "gemini:prompt", Status: "PENDING"}
	job := row.toJob()
	if job.ProgressDetails != nil {
		t.Errorf("expected nil ProgressDetails for an empty row, got %v", job.ProgressDetails)
	}
	if job.Prefix != nil {
		t.Errorf("expected nil Prefix for an empty row, got %v", job.Prefix)
	}
}
