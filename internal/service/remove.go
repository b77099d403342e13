package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailtriage/internal/history"
	"mailtriage/internal/mail"
	"mailtriage/pkg/logger"
	"mailtriage/pkg/retry"
	"mailtriage/pkg/taxonomy"
)

// RemoveRequest asks for a taxonomy label to be cleared from messages.
type RemoveRequest struct {
	UserID     string
	SessionID  string
	Category   taxonomy.Category
	MessageIDs []string
}

// RemoveSummary reports a bulk label removal.
type RemoveSummary struct {
	Requested   int      `json:"requested"`
	Removed     int      `json:"removed"`
	NotLabeled  int      `json:"notLabeled"`
	Errors      int      `json:"errors"`
	ErrorList   []string `json:"errorList,omitempty"`
	OperationID string   `json:"operationId,omitempty"`
}

// RemoveLabels clears the label of req.Category from each message that
// carries it and records the change so it can be rolled back.
func (pl *Pipeline) RemoveLabels(ctx context.Context, p mail.Provider, req RemoveRequest) (*RemoveSummary, error) {
	if !taxonomy.IsKnown(req.Category) {
		return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidInput, req.Category)
	}
	if len(req.MessageIDs) == 0 {
		return nil, fmt.Errorf("%w: no message ids", ErrInvalidInput)
	}
	if len(req.MessageIDs) > pl.maxEmails {
		return nil, fmt.Errorf("%w: at most %d message ids per request", ErrInvalidInput, pl.maxEmails)
	}

	log := logger.PipelineLogger(req.SessionID, req.UserID).With(zap.String("category", string(req.Category)))
	start := pl.now()

	account, err := p.Profile(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve account: %w", ErrSetupFailed, err)
	}
	mapping, err := pl.reconciler.EnsureLabels(ctx, p, account)
	if err != nil {
		return nil, fmt.Errorf("%w: ensure labels: %w", ErrSetupFailed, err)
	}
	labelID := mapping[req.Category]

	sum := &RemoveSummary{Requested: len(req.MessageIDs)}
	var items []history.Item
	for _, id := range req.MessageIDs {
		if ctx.Err() != nil {
			break
		}

		var msg *mail.Message
		_, err := retry.Do(ctx, pl.fetchPolicy, func(ctx context.Context) error {
			var err error
			msg, err = p.GetMessage(ctx, id)
			return err
		})
		if err != nil {
			sum.Errors++
			sum.ErrorList = append(sum.ErrorList, fmt.Sprintf("fetch %s: %v", id, err))
			continue
		}
		if !msg.HasLabel(labelID) {
			sum.NotLabeled++
			continue
		}

		if err := pl.reconciler.RemoveWithRetry(ctx, p, id, labelID); err != nil {
			sum.Errors++
			sum.ErrorList = append(sum.ErrorList, err.Error())
			continue
		}
		sum.Removed++
		items = append(items, history.Item{
			MessageID:        id,
			LabelID:          labelID,
			Category:         req.Category,
			PreviousLabelIDs: msg.LabelIDs,
		})
	}

	if len(items) > 0 && pl.history != nil {
		rctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		e, err := pl.history.Record(rctx, history.Entry{
			UserID:      req.UserID,
			SessionID:   req.SessionID,
			Type:        history.OpLabelRemove,
			Description: fmt.Sprintf("Removed %s from %d emails", taxonomy.LabelName(req.Category), len(items)),
			Items:       items,
			CanRollback: true,
			Metadata:    map[string]interface{}{"category": string(req.Category)},
		})
		if err != nil {
			log.Error("Recording label removal failed", zap.Error(err))
		} else {
			sum.OperationID = e.ID
		}
	}

	log.Info("Label removal finished",
		zap.Int("requested", sum.Requested),
		zap.Int("removed", sum.Removed),
		zap.Int("not_labeled", sum.NotLabeled),
		zap.Int("errors", sum.Errors),
		zap.Duration("duration", time.Since(start)),
	)
	return sum, nil
}
