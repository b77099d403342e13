// Package labels keeps taxonomy labels present on the provider and applies
// them to messages.
package labels

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"mailtriage/internal/mail"
	"mailtriage/pkg/logger"
	"mailtriage/pkg/retry"
	"mailtriage/pkg/taxonomy"
)

const ensureTimeout = time.Minute

// ErrNotPersisted is returned when an apply reported success but the label
// is not on the message when it is read back.
var ErrNotPersisted = errors.New("label not persisted on message")

// ErrUnknownCategory is returned when asked to label a category outside the taxonomy.
var ErrUnknownCategory = errors.New("category has no provider label")

// Mapping associates each taxonomy category with a provider label id.
type Mapping map[taxonomy.Category]string

func (m Mapping) clone() Mapping {
	out := make(Mapping, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m Mapping) complete() bool {
	for _, c := range taxonomy.Categories() {
		if m[c] == "" {
			return false
		}
	}
	return true
}

// Reconciler caches label mappings per account. It is safe for concurrent use.
type Reconciler struct {
	mu     sync.RWMutex
	cache  map[string]Mapping
	group  singleflight.Group
	policy retry.Policy
	log    *zap.Logger
}

// NewReconciler returns a Reconciler whose provider calls follow policy.
// A zero policy gets retry.DefaultPolicy.
func NewReconciler(policy retry.Policy) *Reconciler {
	if policy.Attempts == 0 {
		policy = retry.DefaultPolicy()
	}
	if policy.Retryable == nil {
		policy.Retryable = mail.IsRetryable
	}
	return &Reconciler{
		cache:  make(map[string]Mapping),
		policy: policy,
		log:    logger.ServiceLogger("labels"),
	}
}

// EnsureLabels returns the category mapping for account, creating any
// missing taxonomy label. Concurrent calls for the same account share one
// provider round trip; later calls are served from the cache. A caller whose
// ctx ends stops waiting without failing the others.
func (r *Reconciler) EnsureLabels(ctx context.Context, p mail.Provider, account string) (Mapping, error) {
	r.mu.RLock()
	cached, ok := r.cache[account]
	r.mu.RUnlock()
	if ok && cached.complete() {
		return cached.clone(), nil
	}

	ch := r.group.DoChan(account, func() (interface{}, error) {
		// Shared by every waiter, so it must outlive any single caller.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ensureTimeout)
		defer cancel()
		return r.ensure(sctx, p, account)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Mapping).clone(), nil
	}
}

func (r *Reconciler) ensure(ctx context.Context, p mail.Provider, account string) (Mapping, error) {
	start := time.Now()

	var existing []mail.Label
	if _, err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		var err error
		existing, err = p.ListLabels(ctx)
		return err
	}); err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}

	byName := make(map[string]string, len(existing))
	for _, l := range existing {
		byName[l.Name] = l.ID
	}

	mapping := make(Mapping, len(taxonomy.Categories()))
	created := 0
	for _, d := range taxonomy.All() {
		if id, ok := byName[d.Label]; ok {
			mapping[d.Category] = id
			continue
		}

		var id string
		if _, err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
			var err error
			id, err = p.CreateLabel(ctx, d.Label, "")
			return err
		}); err != nil {
			return nil, fmt.Errorf("create label %s: %w", d.Label, err)
		}
		mapping[d.Category] = id
		created++
	}

	r.mu.Lock()
	r.cache[account] = mapping
	r.mu.Unlock()

	r.log.Info("Label mapping ready",
		zap.String("account", account),
		zap.Int("existing", len(mapping)-created),
		zap.Int("created", created),
		zap.Duration("duration", time.Since(start)),
	)
	return mapping, nil
}

// Invalidate drops the cached mapping for account.
func (r *Reconciler) Invalidate(account string) {
	r.mu.Lock()
	delete(r.cache, account)
	r.mu.Unlock()
}

// NamespaceLabelIDs returns the ids of every provider label in the taxonomy
// namespace, including ones no longer in the taxonomy.
func (r *Reconciler) NamespaceLabelIDs(ctx context.Context, p mail.Provider) (map[string]bool, error) {
	var all []mail.Label
	if _, err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		var err error
		all, err = p.ListLabels(ctx)
		return err
	}); err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}

	ids := make(map[string]bool)
	for _, l := range all {
		if taxonomy.InNamespace(l.Name) {
			ids[l.ID] = true
		}
	}
	return ids, nil
}

// ApplyWithRetry applies labelID to messageID following the retry policy.
func (r *Reconciler) ApplyWithRetry(ctx context.Context, p mail.Provider, messageID, labelID string) error {
	attempts, err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		return p.ApplyLabel(ctx, messageID, labelID)
	})
	if err != nil {
		return fmt.Errorf("apply label %s to %s: %w", labelID, messageID, err)
	}
	if attempts > 1 {
		r.log.Debug("Label applied after retry",
			zap.String("message_id", messageID),
			zap.String("label_id", labelID),
			zap.Int("attempts", attempts),
		)
	}
	return nil
}

// RemoveWithRetry removes labelID from messageID following the retry policy.
func (r *Reconciler) RemoveWithRetry(ctx context.Context, p mail.Provider, messageID, labelID string) error {
	if _, err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		return p.RemoveLabel(ctx, messageID, labelID)
	}); err != nil {
		return fmt.Errorf("remove label %s from %s: %w", labelID, messageID, err)
	}
	return nil
}

// Verify re-reads the message and reports whether labelID is set.
func (r *Reconciler) Verify(ctx context.Context, p mail.Provider, messageID, labelID string) (bool, error) {
	var msg *mail.Message
	if _, err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		var err error
		msg, err = p.GetMessage(ctx, messageID)
		return err
	}); err != nil {
		return false, fmt.Errorf("verify %s: %w", messageID, err)
	}
	return msg.HasLabel(labelID), nil
}

// Apply labels messageID with the provider label for category and confirms
// it persisted. A label deleted out-of-band is recreated and the apply
// retried once. It returns the label id that was applied.
func (r *Reconciler) Apply(ctx context.Context, p mail.Provider, account, messageID string, category taxonomy.Category) (string, error) {
	if !taxonomy.IsKnown(category) {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}

	mapping, err := r.EnsureLabels(ctx, p, account)
	if err != nil {
		return "", err
	}
	labelID := mapping[category]

	err = r.ApplyWithRetry(ctx, p, messageID, labelID)
	if mail.IsNotFound(err) {
		r.log.Warn("Label missing on provider, recreating",
			zap.String("account", account),
			zap.String("category", string(category)),
			zap.String("stale_label_id", labelID),
		)
		r.Invalidate(account)
		if mapping, err = r.EnsureLabels(ctx, p, account); err != nil {
			return "", err
		}
		labelID = mapping[category]
		err = r.ApplyWithRetry(ctx, p, messageID, labelID)
	}
	if err != nil {
		return "", err
	}

	ok, err := r.Verify(ctx, p, messageID, labelID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: message %s label %s", ErrNotPersisted, messageID, labelID)
	}
	return labelID, nil
}
