// Package models defines data structures shared across the tripflow services.
package models

import "time"

// JobStatus represents the lifecycle state of an ingestion job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ValidTransition reports whether a job may move from one status to another.
// The only legal edges are queued->running and running->{completed,failed}.
func ValidTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusQueued:
		return to == JobStatusRunning
	case JobStatusRunning:
		return to == JobStatusCompleted || to == JobStatusFailed
	default:
		return false
	}
}

// IngestionJob is the persisted record of one end-to-end ingestion run.
// The ledger is the single writer for a given JobID; everything else reads.
type IngestionJob struct {
	JobID         string     `json:"job_id"`
	SourceRef     string     `json:"source_ref"`
	Status        JobStatus  `json:"status"`
	InsertedCount int64      `json:"inserted_count"`
	ExpectedCount *int64     `json:"expected_count,omitempty"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	LastMessage   string     `json:"last_message,omitempty"`
}

// ProgressSnapshot is a point-in-time, read-only projection of an
// IngestionJob used for broadcast. It has no identity of its own.
type ProgressSnapshot struct {
	JobID         string     `json:"job_id"`
	Status        JobStatus  `json:"status"`
	InsertedCount int64      `json:"inserted_count"`
	ExpectedCount *int64     `json:"expected_count,omitempty"`
	ChunkSeq      int64      `json:"chunk_seq"`
	Message       string     `json:"message,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Snapshot projects the job into a broadcastable snapshot. ChunkSeq is the
// sequence number of the chunk that produced the update, or zero for
// lifecycle-only updates.
func (j IngestionJob) Snapshot(chunkSeq int64) ProgressSnapshot {
	return ProgressSnapshot{
		JobID:         j.JobID,
		Status:        j.Status,
		InsertedCount: j.InsertedCount,
		ExpectedCount: j.ExpectedCount,
		ChunkSeq:      chunkSeq,
		Message:       j.LastMessage,
		FinishedAt:    j.FinishedAt,
	}
}
