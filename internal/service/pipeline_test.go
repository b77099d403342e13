package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtriage/internal/classifier"
	"mailtriage/internal/history"
	"mailtriage/internal/labels"
	"mailtriage/internal/mail"
	"mailtriage/internal/mail/mailtest"
	"mailtriage/internal/progress"
	"mailtriage/pkg/retry"
	"mailtriage/pkg/taxonomy"
)

var fastPolicy = retry.Policy{Attempts: 3, Backoff: []time.Duration{time.Millisecond}}

// keywordClassifier answers from subject keywords and falls back otherwise.
type keywordClassifier struct {
	mu     sync.Mutex
	calls  int
	onCall func(n int)
}

func (k *keywordClassifier) Classify(ctx context.Context, subject, body, sender string) classifier.Result {
	k.mu.Lock()
	k.calls++
	n := k.calls
	k.mu.Unlock()
	if k.onCall != nil {
		k.onCall(n)
	}

	s := strings.ToLower(subject + " " + body)
	switch {
	case strings.Contains(s, "purchase order"):
		return classifier.Result{Category: taxonomy.VendorSupplier, Confidence: 0.9, Priority: classifier.PriorityMedium, Sentiment: "neutral"}
	case strings.Contains(s, "candidate"):
		return classifier.Result{Category: taxonomy.RecruitmentHR, Confidence: 0.8, Priority: classifier.PriorityHigh, Sentiment: "positive"}
	case strings.Contains(s, "pricing inquiry"):
		return classifier.Result{Category: taxonomy.ProspectLead, Confidence: 0.85, Priority: classifier.PriorityHigh, Sentiment: "positive"}
	default:
		return classifier.FallbackResult()
	}
}

func (k *keywordClassifier) Calls() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.calls
}

// recordingStore remembers every processed value published per session.
type recordingStore struct {
	*progress.MemoryStore
	mu        sync.Mutex
	processed []int
	statuses  []progress.Status
	clears    int
}

func (s *recordingStore) Clear(ctx context.Context, id string) error {
	s.mu.Lock()
	s.clears++
	s.processed = nil
	s.statuses = nil
	s.mu.Unlock()
	return s.MemoryStore.Clear(ctx, id)
}

func (s *recordingStore) Update(ctx context.Context, id string, rec progress.Record) error {
	s.mu.Lock()
	s.processed = append(s.processed, rec.Processed)
	s.statuses = append(s.statuses, rec.Status)
	s.mu.Unlock()
	return s.MemoryStore.Update(ctx, id, rec)
}

type fixture struct {
	p        *mailtest.Provider
	cls      *keywordClassifier
	progress *recordingStore
	history  *history.Service
	pipeline *Pipeline
}

func newFixture() *fixture {
	rec := labels.NewReconciler(fastPolicy)
	f := &fixture{
		p:        mailtest.New(),
		cls:      &keywordClassifier{},
		progress: &recordingStore{MemoryStore: progress.NewMemoryStore()},
	}
	f.history = history.NewService(history.NewMemoryStore(0), rec, 0)
	f.pipeline = NewPipeline(f.cls, rec, f.progress, f.history, Options{FetchPolicy: fastPolicy})
	return f
}

func (f *fixture) addMessages(subjects ...string) {
	for i, s := range subjects {
		f.p.AddMessage(mail.Message{ID: fmt.Sprintf("m%d", i+1), Subject: s, LabelIDs: []string{"INBOX"}})
	}
}

func assertCounterInvariants(t *testing.T, s *Summary) {
	t.Helper()
	assert.Equal(t, s.Processed, s.Classified+s.Skipped+s.FetchErrors, "processed identity")
	assert.GreaterOrEqual(t, s.Classified, s.Matched)
	assert.GreaterOrEqual(t, s.Matched, s.LabelsApplied)
	assert.Len(t, s.Results, s.Processed)
}

func TestRunClassifiesWithoutLabeling(t *testing.T) {
	f := newFixture()
	f.addMessages("Purchase order #88 from supplier", "Senior candidate for backend role", "hello there")

	sum, err := f.pipeline.Run(context.Background(), f.p, RunRequest{
		UserID: "u1", SessionID: "s1", MaxEmails: 3, ApplyLabels: false,
	})
	require.NoError(t, err)

	assert.Equal(t, progress.StatusCompleted, sum.Status)
	assert.Equal(t, 3, sum.Processed)
	assert.Equal(t, 3, sum.Classified)
	assert.Equal(t, 2, sum.Matched)
	assert.Equal(t, 0, sum.LabelsApplied)
	assert.Equal(t, 1, sum.Fallbacks)
	assert.Equal(t, 1, sum.ByCategory[string(taxonomy.VendorSupplier)])
	assert.Equal(t, 1, sum.ByCategory[string(taxonomy.RecruitmentHR)])
	assert.Equal(t, 1, sum.ByCategory[string(taxonomy.Uncategorized)])
	assert.Empty(t, sum.OperationIDs)
	assert.Empty(t, f.p.ApplyCalls)
	assert.Zero(t, f.p.CreateCalls)
	assertCounterInvariants(t, sum)

	rec, err := f.progress.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, rec.IsComplete)
	assert.Equal(t, progress.StatusCompleted, rec.Status)
	assert.Equal(t, 3, rec.Processed)
	assert.Equal(t, 1, rec.Fallbacks)
}

func TestRunSkipsAlreadyClassified(t *testing.T) {
	f := newFixture()
	prospect := f.p.AddLabel("AI/Prospect-Lead")
	f.p.AddMessage(mail.Message{ID: "m1", Subject: "Pricing inquiry", LabelIDs: []string{"INBOX", prospect}})

	sum, err := f.pipeline.Run(context.Background(), f.p, RunRequest{
		UserID: "u1", SessionID: "s1", MaxEmails: 10, ApplyLabels: true, SkipClassified: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 0, sum.Classified)
	assert.Equal(t, 0, f.cls.Calls())
	assert.Empty(t, f.p.ApplyCalls)
	assert.True(t, sum.Results[0].Skipped)
	assertCounterInvariants(t, sum)
}

func TestRunAppliesLabelsAndRecordsHistoryPerPage(t *testing.T) {
	f := newFixture()
	f.addMessages(
		"Purchase order 1", "Candidate A", "random",
		"Purchase order 2", "Pricing inquiry",
	)

	sum, err := f.pipeline.Run(context.Background(), f.p, RunRequest{
		UserID: "u1", SessionID: "s1", MaxEmails: 5, BatchSize: 3, ApplyLabels: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 5, sum.Processed)
	assert.Equal(t, 4, sum.Matched)
	assert.Equal(t, 4, sum.LabelsApplied)
	assert.Equal(t, 0, sum.Errors)
	assert.Empty(t, sum.NextPageToken)
	require.Len(t, sum.OperationIDs, 2)
	assertCounterInvariants(t, sum)

	vendor, ok := f.p.LabelID("AI/Vendor-Supplier")
	require.True(t, ok)
	assert.Contains(t, f.p.MessageLabels("m1"), vendor)
	assert.Contains(t, f.p.MessageLabels("m4"), vendor)
	assert.Equal(t, []string{"INBOX"}, f.p.MessageLabels("m3"))

	ops, err := f.history.List(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, sum.OperationIDs[1], ops[0].ID)
	assert.Equal(t, 2, ops[0].AffectedCount)
	assert.Equal(t, 2, ops[1].AffectedCount)

	entry, err := f.history.Get(context.Background(), sum.OperationIDs[0], "u1")
	require.NoError(t, err)
	assert.Equal(t, history.OpLabelApply, entry.Type)
	assert.Equal(t, "s1", entry.SessionID)
	assert.Equal(t, []string{"INBOX"}, entry.Items[0].PreviousLabelIDs)

	res, err := f.history.Rollback(context.Background(), sum.OperationIDs[1], "u1", f.p)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"INBOX"}, f.p.MessageLabels("m4"))
}

func TestRollbackKeepsLabelsPresentBeforeRun(t *testing.T) {
	f := newFixture()
	vendor := f.p.AddLabel(taxonomy.LabelName(taxonomy.VendorSupplier))
	f.p.AddMessage(mail.Message{ID: "m1", Subject: "Purchase order 1", LabelIDs: []string{"INBOX", vendor}})
	f.p.AddMessage(mail.Message{ID: "m2", Subject: "Purchase order 2", LabelIDs: []string{"INBOX"}})

	sum, err := f.pipeline.Run(context.Background(), f.p, RunRequest{
		UserID: "u1", SessionID: "s1", MaxEmails: 2, ApplyLabels: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Matched)
	assert.Equal(t, 1, sum.LabelsApplied)
	assert.Equal(t, 1, sum.AlreadyLabeled)
	assert.True(t, sum.Results[0].AlreadyLabeled)
	assert.Equal(t, vendor, sum.Results[0].LabelID)
	assertCounterInvariants(t, sum)

	require.Len(t, sum.OperationIDs, 1)
	entry, err := f.history.Get(context.Background(), sum.OperationIDs[0], "u1")
	require.NoError(t, err)
	require.Len(t, entry.Items, 1)
	assert.Equal(t, "m2", entry.Items[0].MessageID)

	res, err := f.history.Rollback(context.Background(), sum.OperationIDs[0], "u1", f.p)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Reverted)
	assert.ElementsMatch(t, []string{"INBOX", vendor}, f.p.MessageLabels("m1"))
	assert.Equal(t, []string{"INBOX"}, f.p.MessageLabels("m2"))
}

func TestRunStopsAtTargetAndReturnsNextPageToken(t *testing.T) {
	f := newFixture()
	f.addMessages("a", "b", "c", "d", "e", "f", "g")

	sum, err := f.pipeline.Run(context.Background(), f.p, RunRequest{
		UserID: "u1", SessionID: "s1", MaxEmails: 5, BatchSize: 3,
	})
	require.NoError(t, err)

	assert.Equal(t, 5, sum.Processed)
	assert.Equal(t, "5", sum.NextPageToken)
	assert.Equal(t, 2, f.p.ListCalls)

	resumed, err := f.pipeline.Run(context.Background(), f.p, RunRequest{
		UserID: "u1", SessionID: "s2", MaxEmails: 5, BatchSize: 3, PageToken: sum.NextPageToken,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, resumed.Processed)
	assert.Empty(t, resumed.NextPageToken)
}

func TestRunCountsPerItemFailures(t *testing.T) {
	f := newFixture()
	f.addMessages("Purchase order 1", "Candidate B", "Purchase order 3", "misc")
	f.p.GetErr = func(id string) error {
		if id == "m3" {
			return mail.NewError("get message", mail.KindNotFound, errors.New("deleted"))
		}
		return nil
	}
	f.p.ApplyErr = func(_ int, messageID, _ string) error {
		if messageID == "m2" {
			return mail.NewError("apply label", mail.KindServer, errors.New("backend"))
		}
		return nil
	}

	sum, err := f.pipeline.Run(context.Background(), f.p, RunRequest{
		UserID: "u1", SessionID: "s1", MaxEmails: 10, ApplyLabels: true,
	})
	require.NoError(t, err)

	assert.Equal(t, progress.StatusCompleted, sum.Status)
	assert.Equal(t, 4, sum.Processed)
	assert.Equal(t, 1, sum.FetchErrors)
	assert.Equal(t, 3, sum.Classified)
	assert.Equal(t, 2, sum.Matched)
	assert.Equal(t, 1, sum.LabelsApplied)
	assert.Equal(t, 2, sum.Errors)
	assert.NotEmpty(t, sum.Results[1].Error)
	assertCounterInvariants(t, sum)
}

func TestRunEndsEarlyWhenListingFails(t *testing.T) {
	f := newFixture()
	f.addMessages("a", "b", "c", "d")
	f.p.ListErr = func(token string) error {
		if token == "2" {
			return mail.NewError("list messages", mail.KindServer, errors.New("unavailable"))
		}
		return nil
	}

	sum, err := f.pipeline.Run(context.Background(), f.p, RunRequest{
		UserID: "u1", SessionID: "s1", MaxEmails: 4, BatchSize: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, progress.StatusCompleted, sum.Status)
	assert.Equal(t, 2, sum.Processed)
	assert.Equal(t, 1, sum.Errors)
	assert.Equal(t, "2", sum.NextPageToken)
	assertCounterInvariants(t, sum)
}

func TestRunSetupFailures(t *testing.T) {
	tests := []struct {
		name     string
		req      RunRequest
		setup    func(p *mailtest.Provider)
		wantAuth bool
	}{
		{
			name: "invalid credentials",
			req:  RunRequest{SessionID: "s1", MaxEmails: 5},
			setup: func(p *mailtest.Provider) {
				p.ProfileErr = mail.NewError("get profile", mail.KindAuth, errors.New("invalid credentials"))
			},
			wantAuth: true,
		},
		{
			name: "labels cannot be listed",
			req:  RunRequest{SessionID: "s1", MaxEmails: 5, ApplyLabels: true},
			setup: func(p *mailtest.Provider) {
				p.ListLabelErr = mail.NewError("list labels", mail.KindServer, errors.New("down"))
			},
		},
		{
			name: "skip filter cannot list labels",
			req:  RunRequest{SessionID: "s1", MaxEmails: 5, SkipClassified: true},
			setup: func(p *mailtest.Provider) {
				p.ListLabelErr = mail.NewError("list labels", mail.KindAuth, errors.New("scope missing"))
			},
			wantAuth: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.addMessages("Purchase order")
			tt.setup(f.p)
			tt.req.UserID = "u1"

			sum, err := f.pipeline.Run(context.Background(), f.p, tt.req)
			require.Error(t, err)
			assert.Nil(t, sum)
			assert.ErrorIs(t, err, ErrSetupFailed)
			assert.Equal(t, tt.wantAuth, IsAuthError(err))
			assert.Zero(t, f.cls.Calls())

			rec, err := f.progress.Get(context.Background(), "s1")
			require.NoError(t, err)
			assert.Equal(t, progress.StatusFailed, rec.Status)
			assert.False(t, rec.IsComplete)
			assert.NotEmpty(t, rec.Error)

			ops, err := f.history.List(context.Background(), "u1")
			require.NoError(t, err)
			assert.Empty(t, ops)
		})
	}
}

func TestRunProgressIsMonotonic(t *testing.T) {
	f := newFixture()
	f.addMessages("Purchase order", "Candidate", "x", "y", "Pricing inquiry", "z")

	_, err := f.pipeline.Run(context.Background(), f.p, RunRequest{
		UserID: "u1", SessionID: "s1", MaxEmails: 6, BatchSize: 4, ApplyLabels: true,
	})
	require.NoError(t, err)

	require.NotEmpty(t, f.progress.processed)
	for i := 1; i < len(f.progress.processed); i++ {
		assert.GreaterOrEqual(t, f.progress.processed[i], f.progress.processed[i-1])
	}
	assert.Equal(t, progress.StatusCompleted, f.progress.statuses[len(f.progress.statuses)-1])
}

func TestRunReusingSessionClearsPreviousProgress(t *testing.T) {
	f := newFixture()
	f.addMessages("Purchase order", "Candidate", "x")
	req := RunRequest{UserID: "u1", SessionID: "s1", MaxEmails: 3}

	_, err := f.pipeline.Run(context.Background(), f.p, req)
	require.NoError(t, err)
	assert.Zero(t, f.progress.clears)

	req.MaxEmails = 1
	sum, err := f.pipeline.Run(context.Background(), f.p, req)
	require.NoError(t, err)
	assert.Equal(t, 1, f.progress.clears)

	require.NotEmpty(t, f.progress.processed)
	assert.Zero(t, f.progress.processed[0])
	for i := 1; i < len(f.progress.processed); i++ {
		assert.GreaterOrEqual(t, f.progress.processed[i], f.progress.processed[i-1])
	}

	rec, err := f.progress.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, sum.Processed, rec.Processed)
	assert.Equal(t, 1, rec.Total)
}

func TestRunCancellation(t *testing.T) {
	f := newFixture()
	f.addMessages("Purchase order 1", "Purchase order 2", "Purchase order 3", "Purchase order 4")
	f.cls.onCall = func(n int) {
		if n == 2 {
			f.pipeline.Cancel("s1")
		}
	}

	sum, err := f.pipeline.Run(context.Background(), f.p, RunRequest{
		UserID: "u1", SessionID: "s1", MaxEmails: 4, ApplyLabels: true,
	})
	require.NoError(t, err)

	assert.Equal(t, progress.StatusStopped, sum.Status)
	assert.Less(t, sum.Processed, 4)
	assertCounterInvariants(t, sum)
	assert.Zero(t, f.pipeline.ActiveRuns())

	rec, err := f.progress.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, progress.StatusStopped, rec.Status)
	assert.False(t, rec.IsComplete)
	assert.Equal(t, sum.Processed, rec.Processed)

	if sum.LabelsApplied > 0 {
		assert.Len(t, sum.OperationIDs, 1)
	}
}

func TestRunRejectsConcurrentRunForSameSession(t *testing.T) {
	f := newFixture()
	f.addMessages("Purchase order")

	entered := make(chan struct{})
	release := make(chan struct{})
	f.cls.onCall = func(int) {
		close(entered)
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.pipeline.Run(context.Background(), f.p, RunRequest{UserID: "u1", SessionID: "s1", MaxEmails: 1})
		done <- err
	}()

	<-entered
	_, err := f.pipeline.Run(context.Background(), f.p, RunRequest{UserID: "u1", SessionID: "s1", MaxEmails: 1})
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	assert.NoError(t, <-done)
}

func TestResolveBoundsRequest(t *testing.T) {
	f := newFixture()

	req := f.pipeline.resolve(RunRequest{MaxEmails: 5000, BatchSize: 500})
	assert.Equal(t, HardMaxEmails, req.MaxEmails)
	assert.Equal(t, mail.MaxPageSize, req.BatchSize)
	assert.NotEmpty(t, req.SessionID)

	req = f.pipeline.resolve(RunRequest{SessionID: "keep"})
	assert.Equal(t, defaultMaxEmails, req.MaxEmails)
	assert.Equal(t, mail.MaxPageSize, req.BatchSize)
	assert.Equal(t, "keep", req.SessionID)
}

func TestRemoveLabelsRecordsReversibleOperation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	finance := f.p.AddLabel("AI/Finance-Billing")
	f.p.AddMessage(mail.Message{ID: "m1", LabelIDs: []string{"INBOX", finance}})
	f.p.AddMessage(mail.Message{ID: "m2", LabelIDs: []string{"INBOX"}})

	sum, err := f.pipeline.RemoveLabels(ctx, f.p, RemoveRequest{
		UserID: "u1", SessionID: "s1", Category: taxonomy.FinanceBilling, MessageIDs: []string{"m1", "m2", "missing"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Requested)
	assert.Equal(t, 1, sum.Removed)
	assert.Equal(t, 1, sum.NotLabeled)
	assert.Equal(t, 1, sum.Errors)
	require.NotEmpty(t, sum.OperationID)
	assert.Equal(t, []string{"INBOX"}, f.p.MessageLabels("m1"))

	entry, err := f.history.Get(ctx, sum.OperationID, "u1")
	require.NoError(t, err)
	assert.Equal(t, history.OpLabelRemove, entry.Type)
	assert.ElementsMatch(t, []string{"INBOX", finance}, entry.Items[0].PreviousLabelIDs)

	res, err := f.history.Rollback(ctx, sum.OperationID, "u1", f.p)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.ElementsMatch(t, []string{"INBOX", finance}, f.p.MessageLabels("m1"))
}

func TestRemoveLabelsValidatesInput(t *testing.T) {
	f := newFixture()

	_, err := f.pipeline.RemoveLabels(context.Background(), f.p, RemoveRequest{Category: "nonsense", MessageIDs: []string{"m1"}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.pipeline.RemoveLabels(context.Background(), f.p, RemoveRequest{Category: taxonomy.Personal})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRuns(t *testing.T) {
	r := NewRuns()
	cancelled := false
	require.NoError(t, r.Start("a", func() { cancelled = true }))
	assert.ErrorIs(t, r.Start("a", func() {}), ErrRunInProgress)
	assert.Equal(t, 1, r.Active())

	assert.True(t, r.Cancel("a"))
	assert.True(t, cancelled)
	assert.False(t, r.Cancel("b"))

	r.Done("a")
	assert.Zero(t, r.Active())
	assert.NoError(t, r.Start("a", func() {}))
}
