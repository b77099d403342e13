package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailtriage/internal/mail"
	"mailtriage/pkg/logger"
)

// DefaultListLimit is how many entries List exposes for rollback.
const DefaultListLimit = 20

// Mutator issues the label calls a rollback needs.
type Mutator interface {
	ApplyWithRetry(ctx context.Context, p mail.Provider, messageID, labelID string) error
	RemoveWithRetry(ctx context.Context, p mail.Provider, messageID, labelID string) error
}

// ItemError describes one inverse call that failed during a rollback.
type ItemError struct {
	MessageID string `json:"messageId"`
	LabelID   string `json:"labelId"`
	Error     string `json:"error"`
}

// RollbackResult is returned when a rollback pass ran.
type RollbackResult struct {
	OperationID string      `json:"operationId"`
	Success     bool        `json:"success"`
	Description string      `json:"description"`
	Reverted    int         `json:"reverted"`
	Unchanged   int         `json:"unchanged"`
	Errors      []ItemError `json:"errors"`
}

type pruner interface {
	Prune(ctx context.Context, userID string, keep int) (int64, error)
}

// Service records operations and rolls them back.
type Service struct {
	store     Store
	mutator   Mutator
	listLimit int
	retention int
	now       func() time.Time
	log       *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewService(store Store, mutator Mutator, retention int) *Service {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Service{
		store:     store,
		mutator:   mutator,
		listLimit: DefaultListLimit,
		retention: retention,
		now:       time.Now,
		log:       logger.ServiceLogger("history"),
		inflight:  make(map[string]struct{}),
	}
}

// Record stores e, assigning its id and timestamp when unset.
func (s *Service) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}
	if err := s.store.Append(ctx, e); err != nil {
		return Entry{}, fmt.Errorf("record operation: %w", err)
	}

	if p, ok := s.store.(pruner); ok {
		if n, err := p.Prune(ctx, e.UserID, s.retention); err != nil {
			s.log.Warn("Failed to prune history", zap.String("user_id", e.UserID), zap.Error(err))
		} else if n > 0 {
			s.log.Debug("Pruned history", zap.String("user_id", e.UserID), zap.Int64("removed", n))
		}
	}

	s.log.Info("Recorded operation",
		zap.String("operation_id", e.ID),
		zap.String("user_id", e.UserID),
		zap.String("session_id", e.SessionID),
		zap.String("type", string(e.Type)),
		zap.Int("items", len(e.Items)),
	)
	return e, nil
}

// List returns the most recent rollback-capable operations of userID, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]Summary, error) {
	entries, err := s.store.ListByUser(ctx, userID, 0)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, s.listLimit)
	for _, e := range entries {
		if !e.CanRollback {
			continue
		}
		out = append(out, e.Summary())
		if len(out) == s.listLimit {
			break
		}
	}
	return out, nil
}

// Get returns one entry owned by userID.
func (s *Service) Get(ctx context.Context, operationID, userID string) (*Entry, error) {
	e, err := s.store.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if e.UserID != userID {
		return nil, ErrForbidden
	}
	return e, nil
}

func (s *Service) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Service) release(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// Rollback reverses every item of an operation. Guard failures return a
// sentinel error and leave the entry untouched. Per-item failures are
// reported in the result; the entry is marked rolled back unless every item failed.
// Items whose recorded prior state shows the mutation was a no-op are left alone.
func (s *Service) Rollback(ctx context.Context, operationID, userID string, p mail.Provider) (*RollbackResult, error) {
	if !s.acquire(operationID) {
		return nil, ErrRollbackInProgress
	}
	defer s.release(operationID)

	e, err := s.Get(ctx, operationID, userID)
	if err != nil {
		return nil, err
	}
	if e.IsRolledBack {
		return nil, ErrAlreadyRolledBack
	}
	if !e.CanRollback {
		return nil, ErrNotRollbackable
	}
	if err := s.checkSuperseded(ctx, e); err != nil {
		return nil, err
	}

	log := s.log.With(
		zap.String("operation_id", e.ID),
		zap.String("user_id", userID),
		zap.String("type", string(e.Type)),
	)
	start := s.now()

	res := &RollbackResult{OperationID: e.ID, Errors: []ItemError{}}
	for _, it := range e.Items {
		if !it.changed(e.Type) {
			res.Unchanged++
			continue
		}
		var err error
		switch e.Type {
		case OpLabelApply:
			err = s.mutator.RemoveWithRetry(ctx, p, it.MessageID, it.LabelID)
		case OpLabelRemove:
			err = s.mutator.ApplyWithRetry(ctx, p, it.MessageID, it.LabelID)
		default:
			return nil, ErrNotRollbackable
		}
		if err != nil {
			log.Warn("Rollback item failed",
				zap.String("message_id", it.MessageID),
				zap.String("label_id", it.LabelID),
				zap.Error(err),
			)
			res.Errors = append(res.Errors, ItemError{MessageID: it.MessageID, LabelID: it.LabelID, Error: err.Error()})
			continue
		}
		res.Reverted++
	}

	if len(e.Items) > 0 && len(res.Errors) == len(e.Items) {
		res.Description = fmt.Sprintf("Rollback of %q failed for all %d messages", e.Description, len(e.Items))
		log.Error("Rollback failed", zap.Int("errors", len(res.Errors)))
		return res, nil
	}

	if err := s.store.MarkRolledBack(ctx, e.ID, s.now()); err != nil {
		if errors.Is(err, ErrAlreadyRolledBack) {
			return nil, err
		}
		return nil, fmt.Errorf("mark rolled back: %w", err)
	}

	res.Success = len(res.Errors) == 0
	res.Description = fmt.Sprintf("Rolled back %q: %d of %d messages reverted", e.Description, res.Reverted, len(e.Items))
	log.Info("Rollback completed",
		zap.Int("reverted", res.Reverted),
		zap.Int("unchanged", res.Unchanged),
		zap.Int("errors", len(res.Errors)),
		zap.Duration("duration", s.now().Sub(start)),
	)
	return res, nil
}

// checkSuperseded rejects rolling back e while a newer, still active entry
// of the same user changed one of the same message/label pairs.
func (s *Service) checkSuperseded(ctx context.Context, e *Entry) error {
	pairs := make(map[[2]string]bool, len(e.Items))
	for _, it := range e.Items {
		pairs[[2]string{it.MessageID, it.LabelID}] = true
	}

	entries, err := s.store.ListByUser(ctx, e.UserID, 0)
	if err != nil {
		return fmt.Errorf("load newer operations: %w", err)
	}
	for _, other := range entries {
		if other.ID == e.ID {
			return nil
		}
		if other.IsRolledBack || !other.Timestamp.After(e.Timestamp) {
			continue
		}
		if other.touches(pairs) {
			return fmt.Errorf("%w: %s", ErrSuperseded, other.ID)
		}
	}
	return nil
}
