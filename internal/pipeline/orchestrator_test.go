package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/smartmail-orchestrator/internal/connectors"
	"github.com/xela07ax/smartmail-orchestrator/internal/domain"
	"github.com/xela07ax/smartmail-orchestrator/internal/tracker"
	"go.uber.org/zap/zaptest"
)

// fakeCaps — управляемые внешние возможности
type fakeCaps struct {
	mu sync.Mutex

	analysis    domain.Analysis
	analyzeErrs []error // ошибки по порядку попыток, nil — успех
	analyzeN    int

	slots []domain.TimeSlot

	sendErrs []error
	sendKeys []string
	sent     []domain.Reply
}

func (f *fakeCaps) Analyze(ctx context.Context, _ domain.Email) (domain.Analysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.analyzeN
	f.analyzeN++
	if n < len(f.analyzeErrs) && f.analyzeErrs[n] != nil {
		return domain.Analysis{}, f.analyzeErrs[n]
	}
	return f.analysis, nil
}

func (f *fakeCaps) CheckAvailability(_ context.Context, _, _ time.Time) ([]domain.TimeSlot, error) {
	return f.slots, nil
}

func (f *fakeCaps) GenerateResponse(_ context.Context, req domain.ResponseRequest) (domain.Reply, error) {
	reply := domain.Reply{Subject: "Re: " + req.Email.Subject, Body: "ok"}
	if req.Proposal != nil {
		reply.Body = "let's meet"
	}
	return reply, nil
}

func (f *fakeCaps) SendResponse(ctx context.Context, _ string, reply domain.Reply) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.sendKeys)
	f.sendKeys = append(f.sendKeys, domain.IdempotencyKey(ctx))
	if n < len(f.sendErrs) && f.sendErrs[n] != nil {
		return f.sendErrs[n]
	}
	f.sent = append(f.sent, reply)
	return nil
}

func (f *fakeCaps) capabilities() Capabilities {
	return Capabilities{Analyzer: f, Scheduler: f, Responder: f, Deliverer: f}
}

func newTestOrchestrator(t *testing.T, caps *fakeCaps) (*Orchestrator, *tracker.Tracker) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	tr := tracker.New(logger)
	o := NewOrchestrator(Config{RetryDelay: time.Millisecond, MaxRetryDelay: 5 * time.Millisecond},
		caps.capabilities(), tr, nil, logger)
	return o, tr
}

func testEmail() domain.Email {
	return domain.Email{ID: "e-1", From: "alice@example.com", To: []string{"bob@example.com"}, Subject: "Sync"}
}

func handshakeTypes(t *testing.T, tr *tracker.Tracker, ids []string) []string {
	t.Helper()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		h, ok := tr.Handshake(id)
		require.True(t, ok, "handshake %s", id)
		out = append(out, h.Type)
	}
	return out
}

func TestProcessReplyBranch(t *testing.T) {
	caps := &fakeCaps{analysis: domain.Analysis{Summary: "status update"}}
	o, tr := newTestOrchestrator(t, caps)

	res, err := o.Process(context.Background(), testEmail())
	require.NoError(t, err)

	assert.Equal(t, BranchReply, res.Branch)
	assert.Nil(t, res.Proposal)
	assert.Equal(t, []string{
		domain.StageStartProcessing,
		domain.StageRequestAnalysis,
		domain.StageGenerateResponse,
		domain.StageSendResponse,
	}, handshakeTypes(t, tr, res.HandshakeIDs))

	start, _ := tr.Handshake(res.HandshakeIDs[0])
	assert.Equal(t, domain.HandshakeCompleted, start.Status)
	assert.Equal(t, domain.ComponentOrchestrator, start.Source)
	assert.Equal(t, domain.ComponentOrchestrator, start.Target)
	assert.Equal(t, BranchReply, start.Payload["branch"])
	assert.Contains(t, start.Payload, "completedAt")

	totals := tr.Totals()
	assert.Equal(t, int64(4), totals.Total)
	assert.Equal(t, int64(4), totals.Succeeded)
	assert.Len(t, caps.sent, 1)
}

func TestProcessMeetingBranch(t *testing.T) {
	base := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	caps := &fakeCaps{
		analysis: domain.Analysis{
			RequiresMeeting:     true,
			MeetingContext:      "quarterly planning",
			AdditionalAttendees: []string{"carol@example.com", "ALICE@example.com"},
		},
		slots: []domain.TimeSlot{
			{Start: base.Add(4 * time.Hour), End: base.Add(5 * time.Hour)},
			{Start: base, End: base.Add(time.Hour)},
			{Start: base.Add(2 * time.Hour), End: base.Add(3 * time.Hour)},
			{Start: base.Add(6 * time.Hour), End: base.Add(7 * time.Hour)},
		},
	}
	o, tr := newTestOrchestrator(t, caps)

	res, err := o.Process(context.Background(), testEmail())
	require.NoError(t, err)

	assert.Equal(t, BranchMeeting, res.Branch)
	assert.Equal(t, []string{
		domain.StageStartProcessing,
		domain.StageRequestAnalysis,
		domain.StageCheckAvailability,
		domain.StageGenerateMeetingProposal,
		domain.StageGenerateResponse,
		domain.StageSendResponse,
	}, handshakeTypes(t, tr, res.HandshakeIDs))

	require.NotNil(t, res.Proposal)
	require.Len(t, res.Proposal.Slots, 3)
	assert.Equal(t, base, res.Proposal.Slots[0].Start)
	assert.Equal(t, []string{"alice@example.com", "carol@example.com"}, res.Proposal.Participants)
	assert.Equal(t, "quarterly planning", res.Proposal.Context)
	assert.Equal(t, "let's meet", res.Reply.Body)

	// локальная стадия адресована самому оркестратору
	proposal, _ := tr.Handshake(res.HandshakeIDs[3])
	assert.Equal(t, domain.ComponentOrchestrator, proposal.Target)
}

func TestSkippedBranchProducesFewerHandshakes(t *testing.T) {
	reply, _ := newTestOrchestrator(t, &fakeCaps{})
	meeting, _ := newTestOrchestrator(t, &fakeCaps{analysis: domain.Analysis{RequiresMeeting: true}})

	r1, err := reply.Process(context.Background(), testEmail())
	require.NoError(t, err)
	r2, err := meeting.Process(context.Background(), testEmail())
	require.NoError(t, err)

	assert.Less(t, len(r1.HandshakeIDs), len(r2.HandshakeIDs))
}

func TestRetryExhaustionFailsRun(t *testing.T) {
	boom := errors.New("model unavailable")
	caps := &fakeCaps{analyzeErrs: []error{boom, boom, boom, boom}}
	o, tr := newTestOrchestrator(t, caps)

	res, err := o.Process(context.Background(), testEmail())
	require.Error(t, err)
	assert.Nil(t, res)

	assert.ErrorIs(t, err, domain.ErrRetryExhausted)
	assert.ErrorIs(t, err, domain.ErrStageFailure)
	assert.ErrorIs(t, err, boom)

	var exhausted *domain.RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, domain.StageRequestAnalysis, exhausted.Stage)
	assert.Equal(t, domain.ComponentAI, exhausted.Component)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, 3, caps.analyzeN)

	origin, ok := tr.Handshake(exhausted.HandshakeID)
	require.True(t, ok)
	assert.Equal(t, 0, origin.RetryCount)

	// START + 3 попытки анализа, все failed; дальше пайплайн не пошёл
	totals := tr.Totals()
	assert.Equal(t, int64(4), totals.Total)
	assert.Equal(t, int64(4), totals.Failed)
	assert.Empty(t, caps.sendKeys)

	var startFailed bool
	for _, h := range tr.RecentHandshakes(0) {
		if h.Type == domain.StageStartProcessing {
			startFailed = h.Status == domain.HandshakeFailed
		}
	}
	assert.True(t, startFailed)

	ai, _ := tr.ServiceState(domain.ComponentAI)
	assert.Equal(t, int64(3), ai.Metrics.ErrorCount)
}

func TestRetryLinksAttempts(t *testing.T) {
	caps := &fakeCaps{analyzeErrs: []error{errors.New("transient")}}
	o, tr := newTestOrchestrator(t, caps)

	res, err := o.Process(context.Background(), testEmail())
	require.NoError(t, err)
	require.Len(t, res.HandshakeIDs, 5)

	first, _ := tr.Handshake(res.HandshakeIDs[1])
	second, _ := tr.Handshake(res.HandshakeIDs[2])

	assert.Equal(t, domain.StageRequestAnalysis, first.Type)
	assert.Equal(t, domain.HandshakeFailed, first.Status)
	assert.Equal(t, "transient", first.Error)

	assert.Equal(t, domain.StageRequestAnalysis, second.Type)
	assert.Equal(t, domain.HandshakeCompleted, second.Status)
	assert.Equal(t, first.ID, second.RetryOf)
	assert.Equal(t, 1, second.RetryCount)
	assert.Equal(t, first.Payload["emailId"], second.Payload["emailId"])
	assert.Equal(t, res.RunID, second.CorrelationID)
}

func TestIdempotencyKeyStableAcrossRetries(t *testing.T) {
	caps := &fakeCaps{sendErrs: []error{errors.New("smtp timeout"), errors.New("smtp timeout")}}
	o, _ := newTestOrchestrator(t, caps)

	res, err := o.Process(context.Background(), testEmail())
	require.NoError(t, err)

	require.Len(t, caps.sendKeys, 3)
	want := res.RunID + "/" + domain.StageSendResponse
	for _, k := range caps.sendKeys {
		assert.Equal(t, want, k)
	}
	assert.Len(t, caps.sent, 1)
}

func TestThrottleRetryAfterIsHonoured(t *testing.T) {
	caps := &fakeCaps{analyzeErrs: []error{&connectors.ThrottleError{RetryAfter: 40 * time.Millisecond}}}
	o, _ := newTestOrchestrator(t, caps)

	started := time.Now()
	_, err := o.Process(context.Background(), testEmail())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(started), 40*time.Millisecond)
}

func TestBackoffIsCapped(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeCaps{})

	assert.Equal(t, time.Millisecond, o.backoff(0))
	assert.Equal(t, 4*time.Millisecond, o.backoff(2))
	assert.Equal(t, 5*time.Millisecond, o.backoff(10))
	assert.Equal(t, 5*time.Millisecond, o.backoff(1000))
}

// brokenTracker отказывает в переходах, остальное делегирует трекеру
type brokenTracker struct {
	*tracker.Tracker
	failErr     error
	completeErr error
}

func (b *brokenTracker) Fail(id, msg string) error {
	if b.failErr != nil {
		return b.failErr
	}
	return b.Tracker.Fail(id, msg)
}

func (b *brokenTracker) Complete(id string, payload map[string]interface{}) error {
	if b.completeErr != nil {
		return b.completeErr
	}
	return b.Tracker.Complete(id, payload)
}

func TestTrackerErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name    string
		tracker func(*tracker.Tracker) *brokenTracker
		caps    *fakeCaps
		want    error
	}{
		{
			name:    "invalid transition on fail",
			tracker: func(tr *tracker.Tracker) *brokenTracker { return &brokenTracker{Tracker: tr, failErr: domain.ErrInvalidTransition} },
			caps:    &fakeCaps{analyzeErrs: []error{errors.New("ai down"), errors.New("ai down")}},
			want:    domain.ErrInvalidTransition,
		},
		{
			name:    "not found on complete",
			tracker: func(tr *tracker.Tracker) *brokenTracker { return &brokenTracker{Tracker: tr, completeErr: domain.ErrNotFound} },
			caps:    &fakeCaps{},
			want:    domain.ErrNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := zaptest.NewLogger(t)
			track := tt.tracker(tracker.New(logger))
			o := NewOrchestrator(Config{RetryDelay: time.Millisecond, MaxRetryDelay: 5 * time.Millisecond},
				tt.caps.capabilities(), track, nil, logger)

			_, err := o.Process(context.Background(), testEmail())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.NotErrorIs(t, err, domain.ErrRetryExhausted)
			assert.Equal(t, 1, tt.caps.analyzeN)
		})
	}
}
