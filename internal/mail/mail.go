// Package mail defines the mail provider contract the classification
// pipeline consumes, independent of any concrete provider API.
package mail

import (
	"context"
	"time"
)

// MaxPageSize is the provider-side cap on messages returned by one listing call.
const MaxPageSize = 50

// Message is a read-only view of one provider message.
type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"threadId"`
	Subject   string    `json:"subject"`
	Sender    string    `json:"sender"`
	Body      string    `json:"body"`
	Snippet   string    `json:"snippet"`
	Timestamp time.Time `json:"timestamp"`
	LabelIDs  []string  `json:"labelIds"`
}

// HasLabel reports whether labelID is currently set on the message.
func (m *Message) HasLabel(labelID string) bool {
	for _, id := range m.LabelIDs {
		if id == labelID {
			return true
		}
	}
	return false
}

// Text returns the body, or the snippet when the body is empty.
func (m *Message) Text() string {
	if m.Body != "" {
		return m.Body
	}
	return m.Snippet
}

// Label is a provider label.
type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Provider is the mail provider gateway. Every call may fail transiently and
// is independently retryable.
type Provider interface {
	// Profile returns the authenticated account address.
	Profile(ctx context.Context) (string, error)
	// ListMessages returns one page of message ids. pageSize is capped at MaxPageSize.
	ListMessages(ctx context.Context, query, pageToken string, pageSize int) ([]string, string, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListLabels(ctx context.Context) ([]Label, error)
	// CreateLabel returns the id of the existing label when one with the same name exists.
	CreateLabel(ctx context.Context, name, color string) (string, error)
	ApplyLabel(ctx context.Context, messageID, labelID string) error
	RemoveLabel(ctx context.Context, messageID, labelID string) error
}

// ClampPageSize bounds a requested page size to (0, MaxPageSize].
func ClampPageSize(n int) int {
	if n <= 0 || n > MaxPageSize {
		return MaxPageSize
	}
	return n
}
