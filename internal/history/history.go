// Package history records reversible mailbox mutations and undoes them on request.
package history

import (
	"context"
	"errors"
	"time"

	"mailtriage/pkg/taxonomy"
)

// OperationType names the kind of mutation an entry records.
type OperationType string

const (
	OpLabelApply  OperationType = "label-apply"
	OpLabelRemove OperationType = "label-remove"
)

var (
	ErrNotFound           = errors.New("operation not found")
	ErrForbidden          = errors.New("operation belongs to another user")
	ErrAlreadyRolledBack  = errors.New("operation already rolled back")
	ErrNotRollbackable    = errors.New("operation cannot be rolled back")
	ErrRollbackInProgress = errors.New("rollback already in progress")
	ErrSuperseded         = errors.New("a newer operation touches the same messages")
)

// Item is one reversible change to one message.
type Item struct {
	MessageID        string            `json:"messageId"`
	LabelID          string            `json:"labelId"`
	Category         taxonomy.Category `json:"category,omitempty"`
	PreviousLabelIDs []string          `json:"previousLabelIds,omitempty"`
}

// Entry is one recorded batch of mutations.
type Entry struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"userId"`
	SessionID    string                 `json:"sessionId"`
	Type         OperationType          `json:"type"`
	Timestamp    time.Time              `json:"timestamp"`
	Description  string                 `json:"description"`
	Items        []Item                 `json:"items"`
	CanRollback  bool                   `json:"canRollback"`
	IsRolledBack bool                   `json:"isRolledBack"`
	RolledBackAt *time.Time             `json:"rolledBackAt,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Summary is the listing view of an entry.
type Summary struct {
	ID            string        `json:"id"`
	Type          OperationType `json:"type"`
	Timestamp     time.Time     `json:"timestamp"`
	Description   string        `json:"description"`
	CanRollback   bool          `json:"canRollback"`
	IsRolledBack  bool          `json:"isRolledBack"`
	AffectedCount int           `json:"affectedCount"`
}

func (e Entry) Summary() Summary {
	return Summary{
		ID:            e.ID,
		Type:          e.Type,
		Timestamp:     e.Timestamp,
		Description:   e.Description,
		CanRollback:   e.CanRollback && !e.IsRolledBack,
		IsRolledBack:  e.IsRolledBack,
		AffectedCount: len(e.Items),
	}
}

// changed reports whether the mutation of op actually altered the message.
// Items recorded without a prior label set are assumed to have changed it.
func (it Item) changed(op OperationType) bool {
	if it.PreviousLabelIDs == nil {
		return true
	}
	had := false
	for _, id := range it.PreviousLabelIDs {
		if id == it.LabelID {
			had = true
			break
		}
	}
	if op == OpLabelRemove {
		return had
	}
	return !had
}

// touches reports whether the entry changed labelID on messageID.
func (e Entry) touches(pairs map[[2]string]bool) bool {
	for _, it := range e.Items {
		if pairs[[2]string{it.MessageID, it.LabelID}] {
			return true
		}
	}
	return false
}

// Store persists entries. Implementations must make MarkRolledBack an
// atomic false-to-true transition.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*Entry, error)
	// ListByUser returns up to limit entries, newest first. limit <= 0 means all retained.
	ListByUser(ctx context.Context, userID string, limit int) ([]Entry, error)
	// MarkRolledBack returns ErrAlreadyRolledBack when the flag is already set.
	MarkRolledBack(ctx context.Context, id string, at time.Time) error
}
