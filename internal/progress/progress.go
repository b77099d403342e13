// Package progress stores pollable per-session metrics for running pipelines.
package progress

import (
	"context"
	"time"
)

// Status is the state of a pipeline run.
type Status string

const (
	StatusPending     Status = "pending"
	StatusFetching    Status = "fetching"
	StatusClassifying Status = "classifying"
	StatusLabeling    Status = "labeling"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusStopped     Status = "stopped"
)

// Terminal reports whether no further updates are expected for the run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// Record is the progress snapshot for one session.
type Record struct {
	SessionID       string    `json:"sessionId"`
	Status          Status    `json:"status"`
	Total           int       `json:"total"`
	Processed       int       `json:"processed"`
	Classified      int       `json:"classified"`
	Matched         int       `json:"matched"`
	LabelsApplied   int       `json:"labelsApplied"`
	Errors          int       `json:"errors"`
	Skipped         int       `json:"skipped"`
	Fallbacks       int       `json:"fallbacks"`
	CurrentBatch    int       `json:"currentBatch"`
	TotalBatches    int       `json:"totalBatches"`
	CurrentChunk    int       `json:"currentChunk"`
	TotalChunks     int       `json:"totalChunks"`
	CurrentEmail    string    `json:"currentEmail"`
	EmailsPerSecond float64   `json:"emailsPerSecond"`
	ETASeconds      float64   `json:"etaSeconds"`
	IsComplete      bool      `json:"isComplete"`
	Error           string    `json:"error,omitempty"`
	LastUpdated     time.Time `json:"lastUpdated"`
}

// Empty is the record returned for a session that has never been updated.
func Empty(sessionID string) Record {
	return Record{SessionID: sessionID, Status: StatusPending}
}

// Store persists progress records keyed by session id. Get never reports a
// missing session as an error; it returns Empty instead.
type Store interface {
	Update(ctx context.Context, sessionID string, rec Record) error
	Get(ctx context.Context, sessionID string) (Record, error)
	Clear(ctx context.Context, sessionID string) error
}

// Throughput returns items per second and the estimated seconds remaining
// for processed of total items after elapsed.
func Throughput(processed, total int, elapsed time.Duration) (perSecond, eta float64) {
	if processed <= 0 || elapsed <= 0 {
		return 0, 0
	}
	perSecond = float64(processed) / elapsed.Seconds()
	remaining := total - processed
	if remaining <= 0 || perSecond == 0 {
		return perSecond, 0
	}
	return perSecond, float64(remaining) / perSecond
}
