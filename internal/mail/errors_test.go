package mail

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	cause := errors.New("provider said no")

	tests := []struct {
		name          string
		err           error
		wantAuth      bool
		wantNotFound  bool
		wantConflict  bool
		wantRetryable bool
	}{
		{name: "auth", err: NewError("list", KindAuth, cause), wantAuth: true},
		{name: "not found", err: NewError("apply", KindNotFound, cause), wantNotFound: true},
		{name: "conflict", err: NewError("create", KindConflict, cause), wantConflict: true},
		{name: "rate limit", err: NewError("apply", KindRateLimit, cause), wantRetryable: true},
		{name: "server", err: NewError("apply", KindServer, cause), wantRetryable: true},
		{name: "wrapped server", err: fmt.Errorf("outer: %w", NewError("apply", KindServer, cause)), wantRetryable: true},
		{name: "plain network error", err: cause, wantRetryable: true},
		{name: "nil", err: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantAuth, IsAuth(tt.err))
			assert.Equal(t, tt.wantNotFound, IsNotFound(tt.err))
			assert.Equal(t, tt.wantConflict, IsConflict(tt.err))
			assert.Equal(t, tt.wantRetryable, IsRetryable(tt.err))
		})
	}
}

func TestProviderErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewError("get message", KindServer, cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "get message: server: boom", err.Error())
}

func TestMessageHelpers(t *testing.T) {
	m := &Message{LabelIDs: []string{"INBOX", "Label_1"}, Snippet: "snip"}
	assert.True(t, m.HasLabel("Label_1"))
	assert.False(t, m.HasLabel("Label_2"))
	assert.Equal(t, "snip", m.Text())

	m.Body = "full body"
	assert.Equal(t, "full body", m.Text())
}

func TestClampPageSize(t *testing.T) {
	assert.Equal(t, MaxPageSize, ClampPageSize(0))
	assert.Equal(t, MaxPageSize, ClampPageSize(-3))
	assert.Equal(t, MaxPageSize, ClampPageSize(500))
	assert.Equal(t, 10, ClampPageSize(10))
}
