package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailtriage/internal/classifier"
	"mailtriage/internal/history"
	"mailtriage/internal/labels"
	"mailtriage/internal/mail"
	"mailtriage/internal/progress"
	"mailtriage/pkg/logger"
	"mailtriage/pkg/retry"
	"mailtriage/pkg/taxonomy"
)

const (
	// HardMaxEmails bounds a single run regardless of configuration.
	HardMaxEmails     = 1000
	defaultMaxEmails  = 100
	defaultBatchSize  = mail.MaxPageSize
	flushTimeout      = 5 * time.Second
	maxRecordedErrors = 50
)

// Observer receives pipeline events for metrics.
type Observer interface {
	RecordClassification(category string, fallback bool)
	RecordLabelApply(success bool)
	RecordRun(status string, processed int, duration time.Duration)
}

type nopObserver struct{}

func (nopObserver) RecordClassification(string, bool)    {}
func (nopObserver) RecordLabelApply(bool)                {}
func (nopObserver) RecordRun(string, int, time.Duration) {}

// RunRequest parameterizes one classification run.
type RunRequest struct {
	UserID         string
	SessionID      string
	MaxEmails      int
	ApplyLabels    bool
	SkipClassified bool
	BatchSize      int
	Query          string
	PageToken      string
}

// ItemResult is the outcome for one message.
type ItemResult struct {
	MessageID  string              `json:"messageId"`
	Subject    string              `json:"subject,omitempty"`
	Sender     string              `json:"sender,omitempty"`
	Category   taxonomy.Category   `json:"category,omitempty"`
	Confidence float64             `json:"confidence,omitempty"`
	Priority   classifier.Priority `json:"priority,omitempty"`
	Fallback   bool                `json:"fallback,omitempty"`
	Skipped    bool                `json:"skipped,omitempty"`
	LabelID    string              `json:"labelId,omitempty"`
	// AlreadyLabeled is set when the message carried LabelID before the run.
	AlreadyLabeled bool   `json:"alreadyLabeled,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Summary aggregates a finished run.
type Summary struct {
	SessionID      string          `json:"sessionId"`
	Status         progress.Status `json:"status"`
	Total          int             `json:"total"`
	Processed      int             `json:"processed"`
	Classified     int             `json:"classified"`
	Matched        int             `json:"matched"`
	LabelsApplied  int             `json:"labelsApplied"`
	AlreadyLabeled int             `json:"alreadyLabeled"`
	Skipped        int             `json:"skipped"`
	Errors         int             `json:"errors"`
	FetchErrors    int             `json:"fetchErrors"`
	Fallbacks      int             `json:"fallbacks"`
	ByCategory     map[string]int  `json:"byCategory"`
	ByPriority     map[string]int  `json:"byPriority"`
	Results        []ItemResult    `json:"results"`
	ErrorMessages  []string        `json:"errorMessages,omitempty"`
	NextPageToken  string          `json:"nextPageToken,omitempty"`
	OperationIDs   []string        `json:"operationIds"`
	DurationMs     int64           `json:"durationMs"`
}

// Options configures a Pipeline.
type Options struct {
	MaxEmails        int
	DefaultMaxEmails int
	DefaultBatchSize int
	FetchPolicy      retry.Policy
	Observer         Observer
}

// Pipeline drives paginated fetch, classification and labeling runs.
type Pipeline struct {
	classifier classifier.Classifier
	reconciler *labels.Reconciler
	progress   progress.Store
	history    *history.Service
	runs       *Runs
	observer   Observer

	maxEmails        int
	defaultMaxEmails int
	defaultBatchSize int
	fetchPolicy      retry.Policy
	now              func() time.Time
}

func NewPipeline(c classifier.Classifier, r *labels.Reconciler, ps progress.Store, hs *history.Service, opts Options) *Pipeline {
	if opts.MaxEmails <= 0 || opts.MaxEmails > HardMaxEmails {
		opts.MaxEmails = HardMaxEmails
	}
	if opts.DefaultMaxEmails <= 0 || opts.DefaultMaxEmails > opts.MaxEmails {
		opts.DefaultMaxEmails = min(defaultMaxEmails, opts.MaxEmails)
	}
	if opts.DefaultBatchSize <= 0 {
		opts.DefaultBatchSize = defaultBatchSize
	}
	if opts.FetchPolicy.Attempts == 0 {
		opts.FetchPolicy = retry.DefaultPolicy()
	}
	if opts.FetchPolicy.Retryable == nil {
		opts.FetchPolicy.Retryable = mail.IsRetryable
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Pipeline{
		classifier:       c,
		reconciler:       r,
		progress:         ps,
		history:          hs,
		runs:             NewRuns(),
		observer:         opts.Observer,
		maxEmails:        opts.MaxEmails,
		defaultMaxEmails: opts.DefaultMaxEmails,
		defaultBatchSize: mail.ClampPageSize(opts.DefaultBatchSize),
		fetchPolicy:      opts.FetchPolicy,
		now:              time.Now,
	}
}

// Cancel stops the in-flight run of sessionID.
func (pl *Pipeline) Cancel(sessionID string) bool {
	return pl.runs.Cancel(sessionID)
}

// ActiveRuns returns the number of runs in flight.
func (pl *Pipeline) ActiveRuns() int {
	return pl.runs.Active()
}

// run carries the mutable state of one Run call.
type run struct {
	pl      *Pipeline
	req     RunRequest
	p       mail.Provider
	log     *zap.Logger
	account string
	start   time.Time

	pageSize   int
	nsLabels   map[string]bool
	rec        progress.Record
	sum        *Summary
	pageItems  []history.Item
	pageNumber int
}

func (pl *Pipeline) resolve(req RunRequest) RunRequest {
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	switch {
	case req.MaxEmails <= 0:
		req.MaxEmails = pl.defaultMaxEmails
	case req.MaxEmails > pl.maxEmails:
		req.MaxEmails = pl.maxEmails
	}
	if req.BatchSize <= 0 {
		req.BatchSize = pl.defaultBatchSize
	}
	req.BatchSize = mail.ClampPageSize(req.BatchSize)
	return req
}

// Run classifies up to req.MaxEmails messages. Only setup failures are
// returned as errors; per-message failures are counted in the summary. A
// cancelled context ends the run with status stopped.
//
// A session id scopes one run at a time. Reusing the id of a finished run
// clears its progress record first, so counters restart from zero.
func (pl *Pipeline) Run(ctx context.Context, p mail.Provider, req RunRequest) (*Summary, error) {
	req = pl.resolve(req)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := pl.runs.Start(req.SessionID, cancel); err != nil {
		return nil, err
	}
	defer pl.runs.Done(req.SessionID)

	r := &run{
		pl:       pl,
		req:      req,
		p:        p,
		log:      logger.PipelineLogger(req.SessionID, req.UserID),
		start:    pl.now(),
		pageSize: req.BatchSize,
		sum: &Summary{
			SessionID:    req.SessionID,
			Total:        req.MaxEmails,
			ByCategory:   make(map[string]int),
			ByPriority:   make(map[string]int),
			Results:      []ItemResult{},
			OperationIDs: []string{},
		},
	}
	r.rec = progress.Record{
		SessionID:    req.SessionID,
		Status:       progress.StatusPending,
		Total:        req.MaxEmails,
		TotalBatches: (req.MaxEmails + r.pageSize - 1) / r.pageSize,
	}

	if prev, err := pl.progress.Get(ctx, req.SessionID); err == nil && prev.Status != progress.StatusPending {
		if err := pl.progress.Clear(ctx, req.SessionID); err != nil {
			r.log.Warn("Clearing previous progress failed", zap.Error(err))
		} else {
			r.log.Info("Cleared progress of previous run", zap.String("previous_status", string(prev.Status)))
		}
	}

	r.log.Info("Starting classification run",
		zap.Int("max_emails", req.MaxEmails),
		zap.Int("batch_size", r.pageSize),
		zap.Bool("apply_labels", req.ApplyLabels),
		zap.Bool("skip_classified", req.SkipClassified),
		zap.String("query", req.Query),
	)
	r.publish(ctx, progress.StatusFetching)

	if err := r.setup(ctx); err != nil {
		r.rec.Error = err.Error()
		r.finish(progress.StatusFailed)
		r.log.Error("Classification run setup failed", zap.Error(err))
		return nil, err
	}

	status := r.loop(ctx)
	r.finish(status)
	return r.sum, nil
}

func (r *run) setup(ctx context.Context) error {
	account, err := r.p.Profile(ctx)
	if err != nil {
		return fmt.Errorf("%w: resolve account: %w", ErrSetupFailed, err)
	}
	r.account = account

	if r.req.ApplyLabels {
		if _, err := r.pl.reconciler.EnsureLabels(ctx, r.p, account); err != nil {
			return fmt.Errorf("%w: ensure labels: %w", ErrSetupFailed, err)
		}
	}
	if r.req.SkipClassified {
		ids, err := r.pl.reconciler.NamespaceLabelIDs(ctx, r.p)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSetupFailed, err)
		}
		r.nsLabels = ids
	}
	return nil
}

// loop iterates pages until the target is reached, the mailbox is exhausted,
// listing fails or ctx is cancelled. It returns the terminal status.
func (r *run) loop(ctx context.Context) progress.Status {
	pageToken := r.req.PageToken
	for r.sum.Processed < r.req.MaxEmails {
		if ctx.Err() != nil {
			r.sum.NextPageToken = pageToken
			return progress.StatusStopped
		}

		want := min(r.pageSize, r.req.MaxEmails-r.sum.Processed)
		var (
			ids  []string
			next string
		)
		_, err := retry.Do(ctx, r.pl.fetchPolicy, func(ctx context.Context) error {
			var err error
			ids, next, err = r.p.ListMessages(ctx, r.req.Query, pageToken, want)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				r.sum.NextPageToken = pageToken
				return progress.StatusStopped
			}
			r.sum.Errors++
			r.noteError(fmt.Sprintf("list page %d: %v", r.pageNumber+1, err))
			r.sum.NextPageToken = pageToken
			r.log.Error("Listing messages failed, ending run early",
				zap.Int("page", r.pageNumber+1),
				zap.Error(err),
			)
			return progress.StatusCompleted
		}

		r.pageNumber++
		r.rec.CurrentBatch = r.pageNumber
		r.rec.TotalChunks = len(ids)
		r.pageItems = r.pageItems[:0]

		stopped := false
		for i, id := range ids {
			if ctx.Err() != nil {
				stopped = true
				break
			}
			r.rec.CurrentChunk = i + 1
			r.processMessage(ctx, id)
		}
		r.recordPage()

		r.log.Info("Page processed",
			zap.Int("page", r.pageNumber),
			zap.Int("page_size", len(ids)),
			zap.Int("processed", r.sum.Processed),
			zap.Int("labels_applied", r.sum.LabelsApplied),
			zap.Int("errors", r.sum.Errors),
		)

		if stopped {
			r.sum.NextPageToken = pageToken
			return progress.StatusStopped
		}
		pageToken = next
		r.sum.NextPageToken = next
		if next == "" || len(ids) == 0 {
			break
		}
	}
	return progress.StatusCompleted
}

func (r *run) processMessage(ctx context.Context, id string) {
	item := ItemResult{MessageID: id}
	aborted := false
	defer func() {
		if aborted {
			return
		}
		r.sum.Processed++
		r.sum.Results = append(r.sum.Results, item)
		r.publish(ctx, r.rec.Status)
	}()

	r.rec.Status = progress.StatusFetching
	var msg *mail.Message
	_, err := retry.Do(ctx, r.pl.fetchPolicy, func(ctx context.Context) error {
		var err error
		msg, err = r.p.GetMessage(ctx, id)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			aborted = true
			return
		}
		r.sum.FetchErrors++
		r.sum.Errors++
		item.Error = err.Error()
		r.noteError(fmt.Sprintf("fetch %s: %v", id, err))
		r.log.Warn("Fetching message failed", zap.String("message_id", id), zap.Error(err))
		return
	}
	item.Subject = msg.Subject
	item.Sender = msg.Sender
	r.rec.CurrentEmail = msg.Subject

	if r.req.SkipClassified && r.alreadyClassified(msg) {
		r.sum.Skipped++
		item.Skipped = true
		return
	}

	r.rec.Status = progress.StatusClassifying
	res := r.pl.classifier.Classify(ctx, msg.Subject, msg.Text(), msg.Sender)
	if res.Fallback && ctx.Err() != nil {
		aborted = true
		return
	}
	r.sum.Classified++
	r.sum.ByCategory[string(res.Category)]++
	r.sum.ByPriority[string(res.Priority)]++
	if res.Fallback {
		r.sum.Fallbacks++
	}
	r.pl.observer.RecordClassification(string(res.Category), res.Fallback)
	item.Category = res.Category
	item.Confidence = res.Confidence
	item.Priority = res.Priority
	item.Fallback = res.Fallback

	if !res.Matched() {
		return
	}
	r.sum.Matched++

	if !r.req.ApplyLabels {
		return
	}
	r.rec.Status = progress.StatusLabeling
	labelID, err := r.pl.reconciler.Apply(ctx, r.p, r.account, id, res.Category)
	r.pl.observer.RecordLabelApply(err == nil)
	if err != nil {
		r.sum.Errors++
		item.Error = err.Error()
		r.noteError(fmt.Sprintf("label %s: %v", id, err))
		r.log.Warn("Applying label failed",
			zap.String("message_id", id),
			zap.String("category", string(res.Category)),
			zap.Error(err),
		)
		return
	}
	item.LabelID = labelID
	if msg.HasLabel(labelID) {
		// Nothing changed on the message, so there is nothing to roll back.
		item.AlreadyLabeled = true
		r.sum.AlreadyLabeled++
		return
	}
	r.sum.LabelsApplied++
	r.pageItems = append(r.pageItems, history.Item{
		MessageID:        id,
		LabelID:          labelID,
		Category:         res.Category,
		PreviousLabelIDs: msg.LabelIDs,
	})
}

func (r *run) alreadyClassified(msg *mail.Message) bool {
	for _, id := range msg.LabelIDs {
		if r.nsLabels[id] {
			return true
		}
	}
	return false
}

func (r *run) noteError(msg string) {
	if len(r.sum.ErrorMessages) < maxRecordedErrors {
		r.sum.ErrorMessages = append(r.sum.ErrorMessages, msg)
	}
}

// recordPage writes one history entry for the labels applied on the current page.
func (r *run) recordPage() {
	if len(r.pageItems) == 0 || r.pl.history == nil {
		return
	}
	items := make([]history.Item, len(r.pageItems))
	copy(items, r.pageItems)

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	e, err := r.pl.history.Record(ctx, history.Entry{
		UserID:      r.req.UserID,
		SessionID:   r.req.SessionID,
		Type:        history.OpLabelApply,
		Description: fmt.Sprintf("Applied AI labels to %d emails (page %d)", len(items), r.pageNumber),
		Items:       items,
		CanRollback: true,
		Metadata: map[string]interface{}{
			"page":  r.pageNumber,
			"query": r.req.Query,
		},
	})
	if err != nil {
		r.log.Error("Recording label operation failed", zap.Int("page", r.pageNumber), zap.Error(err))
		return
	}
	r.sum.OperationIDs = append(r.sum.OperationIDs, e.ID)
}

func (r *run) syncRecord() {
	r.rec.Processed = r.sum.Processed
	r.rec.Classified = r.sum.Classified
	r.rec.Matched = r.sum.Matched
	r.rec.LabelsApplied = r.sum.LabelsApplied
	r.rec.Errors = r.sum.Errors
	r.rec.Skipped = r.sum.Skipped
	r.rec.Fallbacks = r.sum.Fallbacks
	r.rec.EmailsPerSecond, r.rec.ETASeconds = progress.Throughput(r.sum.Processed, r.req.MaxEmails, r.pl.now().Sub(r.start))
	if r.rec.Status.Terminal() {
		r.rec.ETASeconds = 0
	}
}

func (r *run) publish(ctx context.Context, status progress.Status) {
	r.rec.Status = status
	r.syncRecord()
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
	}
	if err := r.pl.progress.Update(ctx, r.req.SessionID, r.rec); err != nil {
		r.log.Warn("Publishing progress failed", zap.Error(err))
	}
}

// finish publishes the terminal record with a fresh context so it lands even
// after cancellation.
func (r *run) finish(status progress.Status) {
	r.sum.Status = status
	r.sum.DurationMs = r.pl.now().Sub(r.start).Milliseconds()
	r.rec.IsComplete = status == progress.StatusCompleted
	r.rec.CurrentEmail = ""
	r.publish(context.Background(), status)

	r.pl.observer.RecordRun(string(status), r.sum.Processed, r.pl.now().Sub(r.start))
	r.log.Info("Classification run finished",
		zap.String("status", string(status)),
		zap.Int("processed", r.sum.Processed),
		zap.Int("classified", r.sum.Classified),
		zap.Int("matched", r.sum.Matched),
		zap.Int("labels_applied", r.sum.LabelsApplied),
		zap.Int("skipped", r.sum.Skipped),
		zap.Int("errors", r.sum.Errors),
		zap.Int("fallbacks", r.sum.Fallbacks),
		zap.Int64("duration_ms", r.sum.DurationMs),
	)
}
