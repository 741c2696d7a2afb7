package app

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dealerline/commsworker/internal/adapter/observability"
	"github.com/dealerline/commsworker/internal/domain"
)

// Scheduler synthesises proactive jobs: service reminders and invoice
// reminders daily, appointment confirmations hourly. Each sweep re-lists
// tenants and re-computes candidates; insert_job's dedup is the only
// idempotency mechanism.
type Scheduler struct {
	store    domain.JobStore
	tenants  domain.TenantLister
	gateway  domain.TenantGateway
	renderer domain.TemplateRenderer
	logger   *slog.Logger

	serviceHourUTC      int
	invoiceHourUTC      int
	appointmentInterval time.Duration

	now func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler constructs the scheduler. The daily sweeps align their
// recurring runs to the given UTC hours; the appointment sweep repeats on a
// fixed interval.
func NewScheduler(store domain.JobStore, tenants domain.TenantLister, gateway domain.TenantGateway,
	renderer domain.TemplateRenderer, logger *slog.Logger,
	serviceHourUTC, invoiceHourUTC int, appointmentInterval time.Duration) *Scheduler {
	if appointmentInterval <= 0 {
		appointmentInterval = time.Hour
	}
	return &Scheduler{
		store:               store,
		tenants:             tenants,
		gateway:             gateway,
		renderer:            renderer,
		logger:              logger,
		serviceHourUTC:      serviceHourUTC,
		invoiceHourUTC:      invoiceHourUTC,
		appointmentInterval: appointmentInterval,
		now:                 time.Now,
	}
}

// Start launches the sweep loops. Each task runs once immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.runDaily(ctx, "service_reminder", s.serviceHourUTC, s.SweepServiceReminders)
	s.runEvery(ctx, "appointment_confirmation", s.appointmentInterval, s.SweepAppointmentConfirmations)
	s.runDaily(ctx, "invoice_reminder", s.invoiceHourUTC, s.SweepInvoiceReminders)
}

// Stop halts the sweep loops and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

func (s *Scheduler) runEvery(ctx context.Context, name string, interval time.Duration, sweep func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.safeRun(ctx, name, sweep)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.safeRun(ctx, name, sweep)
			}
		}
	}()
}

// runDaily runs the sweep immediately, then at hourUTC:00 every day.
func (s *Scheduler) runDaily(ctx context.Context, name string, hourUTC int, sweep func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.safeRun(ctx, name, sweep)

		for {
			wait := time.NewTimer(s.untilNextHourUTC(hourUTC))
			select {
			case <-ctx.Done():
				wait.Stop()
				return
			case <-wait.C:
				s.safeRun(ctx, name, sweep)
			}
		}
	}()
}

func (s *Scheduler) untilNextHourUTC(hourUTC int) time.Duration {
	now := s.now().UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

func (s *Scheduler) safeRun(ctx context.Context, name string, sweep func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled sweep panicked", slog.String("sweep", name), slog.Any("panic", r))
		}
	}()
	tracer := otel.Tracer("app.scheduler")
	ctx, span := tracer.Start(ctx, "scheduler.sweep")
	defer span.End()
	span.SetAttributes(attribute.String("sweep.name", name))
	sweep(ctx)
}

func (s *Scheduler) listTenants(ctx context.Context, sweep string) []string {
	ids, err := s.tenants.ListTenantIDs(ctx)
	if err != nil {
		s.logger.Error("tenant listing failed", slog.String("sweep", sweep), slog.Any("error", err))
		observability.SweepErrorsTotal.WithLabelValues(sweep).Inc()
		return nil
	}
	return ids
}

func (s *Scheduler) insert(ctx context.Context, sweep string, j domain.NewJob) {
	_, inserted, err := s.store.InsertJob(ctx, j)
	if err != nil {
		s.logger.Error("sweep insert failed",
			slog.String("sweep", sweep),
			slog.String("tenant_id", j.TenantID),
			slog.String("source_reference", j.SourceReference),
			slog.Any("error", err))
		observability.SweepErrorsTotal.WithLabelValues(sweep).Inc()
		return
	}
	if inserted {
		observability.SweepJobsInsertedTotal.WithLabelValues(sweep).Inc()
	}
}

// render resolves the event's template, falling back to the given copy when
// the renderer cannot serve it at all.
func (s *Scheduler) render(ctx context.Context, eventType, tenantID string, vars map[string]string, fallbackSubject, fallbackBody string) (string, string) {
	msg, err := s.renderer.Render(ctx, eventType, tenantID, vars)
	if err != nil {
		s.logger.Warn("template render failed, using built-in copy",
			slog.String("event_type", eventType),
			slog.String("tenant_id", tenantID),
			slog.Any("error", err))
		return fallbackSubject, fallbackBody
	}
	return msg.Subject, msg.Body
}

// SweepServiceReminders enqueues a two-year service reminder email for every
// candidate sale with an email on file.
func (s *Scheduler) SweepServiceReminders(ctx context.Context) {
	const sweep = "service_reminder"
	for _, tenantID := range s.listTenants(ctx, sweep) {
		candidates, err := s.gateway.ServiceReminderCandidates(ctx, tenantID)
		if err != nil {
			s.logger.Error("service reminder candidates failed", slog.String("tenant_id", tenantID), slog.Any("error", err))
			observability.SweepErrorsTotal.WithLabelValues(sweep).Inc()
			continue
		}
		for _, c := range candidates {
			if c.Email == "" {
				continue
			}
			fullName := strings.TrimSpace(c.FirstName + " " + c.LastName)
			if fullName == "" {
				fullName = "there"
			}
			model := c.Model
			if model == "" {
				model = "equipment"
			}
			subject, body := s.render(ctx, sweep, tenantID, map[string]string{
				"full_name":  fullName,
				"first_name": c.FirstName,
				"last_name":  c.LastName,
				"model":      model,
			},
				"2-Year Tune-Up Special",
				fmt.Sprintf("Hi %s, it has been almost two years since your %s purchase. Schedule a 2-Year Tune-Up Special to keep it running at peak performance.", fullName, model))

			s.insert(ctx, sweep, domain.NewJob{
				TenantID: tenantID,
				Type:     domain.JobTypeSendEmail,
				Payload: domain.JobPayload{
					To:         c.Email,
					Subject:    subject,
					Body:       body,
					CustomerID: c.CustomerID,
				},
				SourceReference: fmt.Sprintf("service_reminder_%s_%d", tenantID, c.CustomerID),
			})
		}
	}
	s.logger.Info("service reminder sweep completed")
}

// SweepAppointmentConfirmations enqueues a confirmation SMS for every
// appointment entering the 24-25 hour window.
func (s *Scheduler) SweepAppointmentConfirmations(ctx context.Context) {
	const sweep = "appointment_confirmation"
	for _, tenantID := range s.listTenants(ctx, sweep) {
		appts, err := s.gateway.AppointmentsInConfirmationWindow(ctx, tenantID)
		if err != nil {
			s.logger.Error("appointment candidates failed", slog.String("tenant_id", tenantID), slog.Any("error", err))
			observability.SweepErrorsTotal.WithLabelValues(sweep).Inc()
			continue
		}
		for _, a := range appts {
			if a.Phone == "" {
				continue
			}
			when := "soon"
			if !a.ScheduledStart.IsZero() {
				when = a.ScheduledStart.Format("2006-01-02 15:04")
			}
			_, body := s.render(ctx, sweep, tenantID, map[string]string{
				"first_name": a.FirstName,
				"when":       when,
			},
				"",
				fmt.Sprintf("Hi %s, this is a reminder of your service appointment scheduled for %s. Reply YES to confirm or call us to reschedule.", a.FirstName, when))

			s.insert(ctx, sweep, domain.NewJob{
				TenantID: tenantID,
				Type:     domain.JobTypeSendSMS,
				Payload: domain.JobPayload{
					To:         a.Phone,
					Body:       body,
					CustomerID: a.CustomerID,
				},
				SourceReference: fmt.Sprintf("appointment_%s_%d", tenantID, a.AppointmentID),
			})
		}
	}
	s.logger.Info("appointment confirmation sweep completed")
}

// SweepInvoiceReminders enqueues a reminder email for every invoice at least
// 30 days past due with a balance owing.
func (s *Scheduler) SweepInvoiceReminders(ctx context.Context) {
	const sweep = "invoice_reminder"
	for _, tenantID := range s.listTenants(ctx, sweep) {
		invoices, err := s.gateway.PastDueInvoices(ctx, tenantID)
		if err != nil {
			s.logger.Error("past-due invoices failed", slog.String("tenant_id", tenantID), slog.Any("error", err))
			observability.SweepErrorsTotal.WithLabelValues(sweep).Inc()
			continue
		}
		for _, inv := range invoices {
			if inv.Email == "" {
				continue
			}
			firstName := inv.FirstName
			if firstName == "" {
				firstName = "there"
			}
			daysPastDue := 0
			if !inv.DueDate.IsZero() {
				daysPastDue = int(math.Ceil(s.now().Sub(inv.DueDate).Seconds() / 86400))
			}
			balance := fmt.Sprintf("%.2f", inv.Balance)
			subject, body := s.render(ctx, sweep, tenantID, map[string]string{
				"first_name":    firstName,
				"invoice_id":    fmt.Sprintf("%d", inv.InvoiceID),
				"days_past_due": fmt.Sprintf("%d", daysPastDue),
				"balance":       balance,
			},
				"Friendly invoice reminder",
				fmt.Sprintf("Hello %s, invoice #%d is now %d days past due. Your outstanding balance is $%s. Please reply or log into your portal to pay.", firstName, inv.InvoiceID, daysPastDue, balance))

			s.insert(ctx, sweep, domain.NewJob{
				TenantID: tenantID,
				Type:     domain.JobTypeSendEmail,
				Payload: domain.JobPayload{
					To:         inv.Email,
					Subject:    subject,
					Body:       body,
					CustomerID: inv.CustomerID,
				},
				SourceReference: fmt.Sprintf("invoice_%s_%d", tenantID, inv.InvoiceID),
			})
		}
	}
	s.logger.Info("invoice reminder sweep completed")
}
