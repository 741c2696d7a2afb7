// Package app wires the long-running loops of the worker: the queue engine,
// the proactive scheduler, the stuck-job sweeper and retention cleanup.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dealerline/commsworker/internal/adapter/observability"
	"github.com/dealerline/commsworker/internal/domain"
	"github.com/dealerline/commsworker/internal/usecase"
)

// Engine drains the job queue: claims due jobs up to the concurrency bound,
// dispatches them to handlers, and applies the quiet-hour, retry and
// fallback policies to the outcome.
type Engine struct {
	store    domain.JobStore
	gateway  domain.TenantGateway
	handlers map[domain.JobType]usecase.Handler
	logger   *slog.Logger

	pollInterval  time.Duration
	maxConcurrent int
	retryDelay    time.Duration

	now func() time.Time

	mu       sync.Mutex
	inFlight int
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewEngine constructs the queue engine.
func NewEngine(store domain.JobStore, gateway domain.TenantGateway, handlers map[domain.JobType]usecase.Handler,
	logger *slog.Logger, pollInterval time.Duration, maxConcurrent int, retryDelay time.Duration) *Engine {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Engine{
		store:         store,
		gateway:       gateway,
		handlers:      handlers,
		logger:        logger,
		pollInterval:  pollInterval,
		maxConcurrent: maxConcurrent,
		retryDelay:    retryDelay,
		now:           time.Now,
	}
}

// Start launches the polling loop. It returns immediately; use Stop to halt
// polling and wait for in-flight handlers.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.pollInterval)
		defer ticker.Stop()

		e.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				e.logger.Info("queue engine stopping")
				return
			case <-ticker.C:
				e.tick(ctx)
			}
		}
	}()
}

// Stop halts polling and waits for in-flight handlers to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
}

// tick runs one claim cycle: it claims up to the free concurrency slots and
// dispatches each claimed job on its own goroutine.
func (e *Engine) tick(ctx context.Context) {
	e.mu.Lock()
	available := e.maxConcurrent - e.inFlight
	e.mu.Unlock()
	if available <= 0 {
		return
	}

	jobs, err := e.store.ClaimPending(ctx, available)
	if err != nil {
		e.logger.Error("job claim failed", slog.Any("error", err))
		return
	}
	// Claimed jobs run to completion even when Stop cancels the poll loop:
	// a cancelled context would fail the final store write and strand the
	// row in processing.
	jobCtx := context.WithoutCancel(ctx)
	for _, job := range jobs {
		job := job
		e.mu.Lock()
		e.inFlight++
		e.mu.Unlock()
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer func() {
				e.mu.Lock()
				e.inFlight--
				e.mu.Unlock()
			}()
			e.runJob(jobCtx, job)
		}()
	}
}

func (e *Engine) runJob(ctx context.Context, job domain.Job) {
	tracer := otel.Tracer("app.engine")
	ctx, span := tracer.Start(ctx, "engine.runJob")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("job.id", job.ID),
		attribute.String("job.type", string(job.Type)),
		attribute.String("tenant.id", job.TenantID),
	)

	logger := e.logger.With(
		slog.Int64("job_id", job.ID),
		slog.String("tenant_id", job.TenantID),
		slog.String("job_type", string(job.Type)),
		slog.String("attempt_id", ulid.Make().String()),
	)
	observability.StartDispatch(string(job.Type))
	start := e.now()

	cfg, err := e.gateway.TenantConfig(ctx, job.TenantID)
	if err != nil {
		logger.Error("tenant config lookup failed", slog.Any("error", err))
		e.handleFailure(ctx, job, logger, err)
		return
	}

	if !job.Payload.Urgent {
		qw := domain.NewQuietWindow(cfg.QuietHoursStart, cfg.QuietHoursEnd)
		if qw.Enabled() && qw.Contains(e.now()) {
			next := qw.NextAllowed(e.now())
			if err := e.store.Reschedule(ctx, job.ID, job.RetryCount, next, "Deferred for quiet hours", domain.JobPending); err != nil {
				logger.Error("quiet-hour defer failed", slog.Any("error", err))
				observability.FailDispatch(string(job.Type), string(domain.JobFailed))
				return
			}
			observability.DeferDispatch(string(job.Type))
			logger.Info("job deferred for quiet hours", slog.Time("process_after", next))
			return
		}
	}

	handler, ok := e.handlers[job.Type]
	if !ok {
		e.handleFailure(ctx, job, logger, fmt.Errorf("unsupported job type: %s", job.Type))
		return
	}

	res, err := handler(ctx, job, usecase.HandlerContext{Tenant: cfg, Logger: logger})
	if err != nil {
		e.handleFailure(ctx, job, logger, err)
		return
	}

	if err := e.store.MarkComplete(ctx, job.ID, res.Reason); err != nil {
		logger.Error("mark complete failed", slog.Any("error", err))
		observability.FailDispatch(string(job.Type), string(domain.JobFailed))
		return
	}
	observability.DispatchDuration.WithLabelValues(string(job.Type)).Observe(e.now().Sub(start).Seconds())
	if res.Skipped {
		observability.SkipDispatch(string(job.Type), res.Reason)
		logger.Info("job skipped", slog.String("reason", res.Reason))
		return
	}
	observability.CompleteDispatch(string(job.Type))
	logger.Info("job processed")
}

func (e *Engine) handleFailure(ctx context.Context, job domain.Job, logger *slog.Logger, cause error) {
	logger.Error("job processing failed", slog.Any("error", cause))

	attempts := job.RetryCount + 1
	if attempts < job.MaxRetries {
		next := e.now().Add(e.retryDelay)
		if err := e.store.Reschedule(ctx, job.ID, attempts, next, cause.Error(), domain.JobPending); err != nil {
			logger.Error("reschedule failed", slog.Any("error", err))
			observability.FailDispatch(string(job.Type), string(domain.JobFailed))
			return
		}
		observability.RetryDispatch(string(job.Type))
		return
	}

	if job.Type == domain.JobTypeSendSMS && job.Payload.CustomerID != 0 {
		e.emailFallback(ctx, job, logger, cause)
		return
	}

	if err := e.store.MarkFailed(ctx, job.ID, cause.Error(), domain.JobFailed); err != nil {
		logger.Error("mark failed errored", slog.Any("error", err))
	}
	observability.FailDispatch(string(job.Type), string(domain.JobFailed))
}

// emailFallback creates a companion send_email job for an SMS whose retries
// are exhausted. The source reference keys on the original job id, so
// re-entering the failure path cannot fan out duplicates.
func (e *Engine) emailFallback(ctx context.Context, job domain.Job, logger *slog.Logger, cause error) {
	contact, err := e.gateway.CustomerContact(ctx, job.TenantID, job.Payload.CustomerID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		logger.Error("fallback email lookup failed", slog.Any("error", err))
	}
	if contact == nil || contact.Email == "" {
		msg := fmt.Sprintf("SMS failed, no fallback email for customer %d", job.Payload.CustomerID)
		if err := e.store.MarkFailed(ctx, job.ID, msg, domain.JobFailed); err != nil {
			logger.Error("mark failed errored", slog.Any("error", err))
		}
		observability.FailDispatch(string(job.Type), string(domain.JobFailed))
		return
	}

	subject := job.Payload.Subject
	if subject == "" {
		subject = "SMS Fallback Notification"
	}
	ref := fmt.Sprintf("sms_fallback_%d", job.ID)
	_, _, err = e.store.InsertJob(ctx, domain.NewJob{
		TenantID: job.TenantID,
		Type:     domain.JobTypeSendEmail,
		Payload: domain.JobPayload{
			To:              contact.Email,
			Subject:         subject,
			Body:            job.Payload.Body,
			SourceJobID:     job.ID,
			SourceReference: ref,
		},
		SourceReference: ref,
	})
	if err != nil {
		logger.Error("fallback email insert failed", slog.Any("error", err))
		if err := e.store.MarkFailed(ctx, job.ID, cause.Error(), domain.JobFailed); err != nil {
			logger.Error("mark failed errored", slog.Any("error", err))
		}
		observability.FailDispatch(string(job.Type), string(domain.JobFailed))
		return
	}

	msg := fmt.Sprintf("SMS failed but fallback email scheduled for %s", contact.Email)
	if err := e.store.MarkFailed(ctx, job.ID, msg, domain.JobFailedFallbackEmail); err != nil {
		logger.Error("mark failed errored", slog.Any("error", err))
	}
	observability.FailDispatch(string(job.Type), string(domain.JobFailedFallbackEmail))
	logger.Warn("created fallback email job", slog.String("fallback_email", contact.Email))
}
