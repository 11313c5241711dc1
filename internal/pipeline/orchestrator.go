package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/xela07ax/smartmail-orchestrator/internal/connectors"
	"github.com/xela07ax/smartmail-orchestrator/internal/domain"
	"github.com/xela07ax/smartmail-orchestrator/internal/metrics"
	"github.com/xela07ax/smartmail-orchestrator/internal/tracker"
	"go.uber.org/zap"
)

const (
	BranchMeeting = "meeting"
	BranchReply   = "reply"

	DefaultMaxAttempts   = 3
	DefaultRetryDelay    = 200 * time.Millisecond
	DefaultMaxRetryDelay = 5 * time.Second
	DefaultMeetingWindow = 7 * 24 * time.Hour
)

// Tracker — то, что оркестратору нужно от Correlation Tracker
type Tracker interface {
	Initiate(source, target, hsType string, payload map[string]interface{}, opts ...tracker.InitiateOption) string
	Complete(id string, payload map[string]interface{}) error
	Fail(id string, errMsg string) error
}

type Config struct {
	// Попыток на одну логическую стадию, включая первую
	MaxAttempts      int
	RetryDelay       time.Duration
	MaxRetryDelay    time.Duration
	MaxProposalSlots int
	MeetingWindow    time.Duration
	Guard            GuardConfig
}

// Result — итог одного прогона пайплайна
type Result struct {
	RunID        string                  `json:"runId"`
	EmailID      string                  `json:"emailId"`
	Branch       string                  `json:"branch"`
	Analysis     domain.Analysis         `json:"analysis"`
	Proposal     *domain.MeetingProposal `json:"proposal,omitempty"`
	Reply        domain.Reply            `json:"reply"`
	HandshakeIDs []string                `json:"handshakeIds"`
}

type Orchestrator struct {
	cfg    Config
	caps   Capabilities
	track  Tracker
	guards *guards
	prom   *metrics.Prom
	now    func() time.Time
	logger *zap.Logger
}

func NewOrchestrator(cfg Config, caps Capabilities, track Tracker, prom *metrics.Prom, logger *zap.Logger) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if cfg.MaxProposalSlots <= 0 {
		cfg.MaxProposalSlots = DefaultMaxProposalSlots
	}
	if cfg.MeetingWindow <= 0 {
		cfg.MeetingWindow = DefaultMeetingWindow
	}
	if prom == nil {
		prom = metrics.NewProm(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("mod", "pipeline"))

	return &Orchestrator{
		cfg:    cfg,
		caps:   caps,
		track:  track,
		guards: newGuards(cfg.Guard, prom, logger),
		prom:   prom,
		now:    time.Now,
		logger: logger,
	}
}

// run — состояние одного прогона
type run struct {
	id         string
	email      domain.Email
	handshakes []string
}

// Process проводит письмо через все стадии по порядку.
// При исчерпании повторов любой стадии START_PROCESSING завершается как failed.
func (o *Orchestrator) Process(ctx context.Context, email domain.Email) (*Result, error) {
	r := &run{id: uuid.New().String(), email: email}
	log := o.logger.With(zap.String("run_id", r.id), zap.String("email_id", email.ID))

	// 1. START_PROCESSING — self-handshake на всё время прогона
	startID := o.track.Initiate(domain.ComponentOrchestrator, domain.ComponentOrchestrator, domain.StageStartProcessing,
		map[string]interface{}{"emailId": email.ID, "from": email.From, "subject": email.Subject},
		tracker.WithCorrelationID(r.id),
	)
	r.handshakes = append(r.handshakes, startID)
	log.Info("processing started", zap.String("handshake_id", startID))

	res, err := o.stages(ctx, r)
	if err != nil {
		if failErr := o.track.Fail(startID, err.Error()); failErr != nil {
			log.Error("failed to close start handshake", zap.Error(failErr))
		}
		o.prom.PipelineRuns.WithLabelValues("failed", "").Inc()
		log.Error("processing failed", zap.Error(err))
		return nil, err
	}

	// 6. завершение START_PROCESSING при любой ветке
	if err := o.track.Complete(startID, map[string]interface{}{
		"branch":      res.Branch,
		"completedAt": o.now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return nil, fmt.Errorf("complete start handshake: %w", err)
	}

	res.HandshakeIDs = r.handshakes
	o.prom.PipelineRuns.WithLabelValues("processed", res.Branch).Inc()
	log.Info("processing finished", zap.String("branch", res.Branch), zap.Int("handshakes", len(r.handshakes)))
	return res, nil
}

func (o *Orchestrator) stages(ctx context.Context, r *run) (*Result, error) {
	res := &Result{RunID: r.id, EmailID: r.email.ID, Branch: BranchReply}

	// 2. REQUEST_ANALYSIS
	err := o.runStage(ctx, r, domain.StageRequestAnalysis, domain.ComponentAI,
		map[string]interface{}{"emailId": r.email.ID},
		func(ctx context.Context) (map[string]interface{}, error) {
			a, err := o.caps.Analyzer.Analyze(ctx, r.email)
			if err != nil {
				return nil, err
			}
			res.Analysis = a
			return map[string]interface{}{
				"requiresMeeting": a.RequiresMeeting,
				"priority":        a.Priority,
				"category":        a.Category,
			}, nil
		})
	if err != nil {
		return nil, err
	}

	// 3. ветка планирования встречи
	if res.Analysis.RequiresMeeting {
		res.Branch = BranchMeeting
		start, end := availabilityWindow(res.Analysis, o.now(), o.cfg.MeetingWindow)

		var slots []domain.TimeSlot
		err = o.runStage(ctx, r, domain.StageCheckAvailability, domain.ComponentCalendar,
			map[string]interface{}{
				"emailId": r.email.ID,
				"start":   start.UTC().Format(time.RFC3339),
				"end":     end.UTC().Format(time.RFC3339),
			},
			func(ctx context.Context) (map[string]interface{}, error) {
				s, err := o.caps.Scheduler.CheckAvailability(ctx, start, end)
				if err != nil {
					return nil, err
				}
				slots = s
				return map[string]interface{}{"slots": len(s)}, nil
			})
		if err != nil {
			return nil, err
		}

		err = o.runStage(ctx, r, domain.StageGenerateMeetingProposal, domain.ComponentOrchestrator,
			map[string]interface{}{"emailId": r.email.ID, "candidates": len(slots)},
			func(context.Context) (map[string]interface{}, error) {
				p := buildProposal(r.email, res.Analysis, slots, o.cfg.MaxProposalSlots)
				res.Proposal = &p
				return map[string]interface{}{
					"slots":        len(p.Slots),
					"participants": len(p.Participants),
				}, nil
			})
		if err != nil {
			return nil, err
		}
	}

	// 4. GENERATE_RESPONSE выполняется в обеих ветках
	err = o.runStage(ctx, r, domain.StageGenerateResponse, domain.ComponentAI,
		map[string]interface{}{"emailId": r.email.ID, "withProposal": res.Proposal != nil},
		func(ctx context.Context) (map[string]interface{}, error) {
			reply, err := o.caps.Responder.GenerateResponse(ctx, domain.ResponseRequest{
				Email:    r.email,
				Analysis: res.Analysis,
				Proposal: res.Proposal,
			})
			if err != nil {
				return nil, err
			}
			res.Reply = reply
			return map[string]interface{}{"subject": reply.Subject}, nil
		})
	if err != nil {
		return nil, err
	}

	// 5. SEND_RESPONSE
	err = o.runStage(ctx, r, domain.StageSendResponse, domain.ComponentEmail,
		map[string]interface{}{"emailId": r.email.ID},
		func(ctx context.Context) (map[string]interface{}, error) {
			if err := o.caps.Deliverer.SendResponse(ctx, r.email.ID, res.Reply); err != nil {
				return nil, err
			}
			return map[string]interface{}{"sent": true}, nil
		})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// trackerError — ошибка самого трекера, повторять её бессмысленно
type trackerError struct{ err error }

func (e *trackerError) Error() string { return e.err.Error() }
func (e *trackerError) Unwrap() error { return e.err }

// runStage выполняет одну логическую стадию: каждая попытка — новый handshake
// того же типа с тем же payload и ссылкой на предыдущую попытку.
func (o *Orchestrator) runStage(
	ctx context.Context,
	r *run,
	stage, target string,
	payload map[string]interface{},
	call func(ctx context.Context) (map[string]interface{}, error),
) error {
	var (
		attempt  int
		originID string
		prevID   string
		lastErr  error
	)
	stageCtx := domain.WithIdempotencyKey(ctx, r.id+"/"+stage)

	retrier := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(o.cfg.MaxAttempts)),
		retry.RetryIf(func(err error) bool {
			var tErr *trackerError
			return !errors.As(err, &tErr)
		}),
		retry.DelayType(func(n uint, err error, _ retry.DelayContext) time.Duration {
			// Коннектор сам сказал, когда приходить
			var thErr *connectors.ThrottleError
			if errors.As(err, &thErr) && thErr.RetryAfter > 0 {
				return thErr.RetryAfter
			}
			return o.backoff(n)
		}),
	)

	doErr := retrier.Do(func() error {
		opts := []tracker.InitiateOption{tracker.WithCorrelationID(r.id)}
		if attempt > 0 {
			opts = append(opts, tracker.WithRetryOf(prevID, attempt))
			o.prom.StageRetries.WithLabelValues(stage).Inc()
		}

		id := o.track.Initiate(domain.ComponentOrchestrator, target, stage, payload, opts...)
		r.handshakes = append(r.handshakes, id)
		if originID == "" {
			originID = id
		}
		prevID = id
		attempt++

		out, err := o.invoke(stageCtx, target, call)
		if err != nil {
			lastErr = &domain.StageError{Stage: stage, HandshakeID: id, Component: target, Attempt: attempt, Err: err}
			if failErr := o.track.Fail(id, err.Error()); failErr != nil {
				lastErr = &trackerError{err: failErr}
			}
			o.logger.Warn("stage attempt failed",
				zap.String("run_id", r.id),
				zap.String("stage", stage),
				zap.String("handshake_id", id),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return lastErr
		}

		if err := o.track.Complete(id, out); err != nil {
			lastErr = &trackerError{err: err}
			return lastErr
		}
		lastErr = nil
		return nil
	})
	if doErr == nil {
		return nil
	}

	var tErr *trackerError
	switch {
	case errors.As(lastErr, &tErr):
		return tErr.err
	case ctx.Err() != nil:
		return fmt.Errorf("stage %s interrupted: %w", stage, ctx.Err())
	case lastErr == nil:
		return doErr
	}
	return o.fallback(r, stage, target, originID, attempt, lastErr)
}

// invoke пропускает внешние вызовы через guard участника; локальные стадии идут напрямую
func (o *Orchestrator) invoke(ctx context.Context, target string, call func(ctx context.Context) (map[string]interface{}, error)) (map[string]interface{}, error) {
	if target == domain.ComponentOrchestrator {
		return call(ctx)
	}

	var out map[string]interface{}
	err := o.guards.get(target).Do(ctx, func(ctx context.Context) error {
		var callErr error
		out, callErr = call(ctx)
		return callErr
	})
	return out, err
}

// fallback: логируем с исходным handshake и отдаём ошибку наверх, без автоматических действий
func (o *Orchestrator) fallback(r *run, stage, target, originID string, attempts int, lastErr error) error {
	cause := lastErr
	var sErr *domain.StageError
	if errors.As(lastErr, &sErr) {
		cause = sErr.Err
	}

	o.logger.Error("stage retries exhausted",
		zap.String("run_id", r.id),
		zap.String("email_id", r.email.ID),
		zap.String("stage", stage),
		zap.String("component", target),
		zap.String("handshake_id", originID),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	)
	return &domain.RetryExhaustedError{
		Stage:       stage,
		HandshakeID: originID,
		Component:   target,
		Attempts:    attempts,
		Err:         lastErr,
	}
}

func (o *Orchestrator) backoff(n uint) time.Duration {
	if n > 16 {
		n = 16
	}
	d := o.cfg.RetryDelay << n
	if d <= 0 || d > o.cfg.MaxRetryDelay {
		return o.cfg.MaxRetryDelay
	}
	return d
}
