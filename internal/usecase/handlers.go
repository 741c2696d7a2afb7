// Package usecase holds the job handlers: one stateless function per job
// type, dispatched by the queue engine.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/dealerline/commsworker/internal/domain"
)

// Result is a handler's verdict. A skipped job is still marked complete;
// Reason is recorded for operators.
type Result struct {
	Skipped bool
	Reason  string
}

// HandlerContext carries the per-job collaborators into a handler.
type HandlerContext struct {
	Tenant domain.TenantConfig
	Logger *slog.Logger
}

// Handler is the contract every job type implements.
type Handler func(ctx context.Context, job domain.Job, hctx HandlerContext) (Result, error)

// Handlers bundles the ports the individual handlers need.
type Handlers struct {
	email    domain.EmailMessenger
	sms      domain.SMSMessenger
	gateway  domain.TenantGateway
	fetcher  domain.AttachmentFetcher
	validate *validator.Validate
}

// NewHandlers constructs the handler set.
func NewHandlers(email domain.EmailMessenger, sms domain.SMSMessenger, gateway domain.TenantGateway, fetcher domain.AttachmentFetcher) *Handlers {
	return &Handlers{
		email:    email,
		sms:      sms,
		gateway:  gateway,
		fetcher:  fetcher,
		validate: validator.New(),
	}
}

// Registry maps job types to their handlers.
func (h *Handlers) Registry() map[domain.JobType]Handler {
	return map[domain.JobType]Handler{
		domain.JobTypeSendEmail:      h.SendEmail,
		domain.JobTypeSendSMS:        h.SendSMS,
		domain.JobTypeNotifyCustomer: h.NotifyCustomer,
	}
}

type emailRequest struct {
	To      string `validate:"required,email"`
	Subject string `validate:"required"`
	Body    string `validate:"required"`
}

// SendEmail delivers a send_email job. When the payload names a receipt the
// PDF is fetched from the tenant's service API and attached; a missing
// receipt is logged and the email goes out without it.
func (h *Handlers) SendEmail(ctx context.Context, job domain.Job, hctx HandlerContext) (Result, error) {
	p := job.Payload
	req := emailRequest{To: p.To, Subject: p.Subject, Body: p.Body}
	if err := h.validate.Struct(req); err != nil {
		return Result{}, fmt.Errorf("op=usecase.send_email: %v: %w", err, domain.ErrInvalidArgument)
	}

	attachments := p.Attachments
	if p.ReceiptID != "" && hctx.Tenant.APIBaseURL != "" {
		data, contentType, err := h.fetcher.FetchReceiptPDF(ctx, hctx.Tenant.APIBaseURL, p.ReceiptID)
		switch {
		case err == nil:
			attachments = append(attachments, domain.Attachment{
				Filename:    fmt.Sprintf("sales_receipt_%s.pdf", p.ReceiptID),
				ContentType: contentType,
				Data:        data,
			})
		case isNotFound(err):
			hctx.Logger.Warn("receipt PDF not found, sending without attachment",
				slog.String("receipt_id", p.ReceiptID))
		default:
			return Result{}, fmt.Errorf("op=usecase.send_email: %w", err)
		}
	}

	msg := domain.EmailMessage{
		To:          p.To,
		Subject:     p.Subject,
		Body:        p.Body,
		HTMLBody:    p.HTMLBody,
		From:        p.From,
		ReplyTo:     p.ReplyTo,
		CC:          p.CC,
		BCC:         p.BCC,
		Attachments: attachments,
	}
	out, err := h.email.SendEmail(ctx, msg, hctx.Tenant)
	if err != nil {
		return Result{}, err
	}
	hctx.Logger.Info("email sent",
		slog.Int64("job_id", job.ID),
		slog.String("to", p.To),
		slog.String("message_id", out.MessageID))
	return Result{}, nil
}

type smsRequest struct {
	To   string `validate:"required"`
	Body string `validate:"required"`
}

// SendSMS delivers a send_sms job. The from number falls back to the
// tenant's configured sender inside the messenger.
func (h *Handlers) SendSMS(ctx context.Context, job domain.Job, hctx HandlerContext) (Result, error) {
	p := job.Payload
	req := smsRequest{To: p.To, Body: p.Body}
	if err := h.validate.Struct(req); err != nil {
		return Result{}, fmt.Errorf("op=usecase.send_sms: %v: %w", err, domain.ErrInvalidArgument)
	}

	out, err := h.sms.SendSMS(ctx, domain.SMSMessage{To: p.To, From: p.From, Body: p.Body}, hctx.Tenant)
	if err != nil {
		return Result{}, err
	}
	hctx.Logger.Info("sms sent",
		slog.Int64("job_id", job.ID),
		slog.String("to", p.To),
		slog.String("message_id", out.MessageID))
	return Result{}, nil
}

type notifyRequest struct {
	CustomerID int64  `validate:"required,gt=0"`
	Body       string `validate:"required"`
}

// NotifyCustomer resolves the delivery channel from the customer's stored
// preference and contact surface, then dispatches through the matching
// messenger. do_not_contact is authoritative: the job completes as skipped.
func (h *Handlers) NotifyCustomer(ctx context.Context, job domain.Job, hctx HandlerContext) (Result, error) {
	p := job.Payload
	req := notifyRequest{CustomerID: p.CustomerID, Body: p.Body}
	if err := h.validate.Struct(req); err != nil {
		return Result{}, fmt.Errorf("op=usecase.notify_customer: %v: %w", err, domain.ErrInvalidArgument)
	}

	customer, err := h.gateway.CustomerContact(ctx, job.TenantID, p.CustomerID)
	if err != nil {
		return Result{}, err
	}
	if customer == nil {
		return Result{}, fmt.Errorf("op=usecase.notify_customer: customer %d not found for tenant %s: %w",
			p.CustomerID, job.TenantID, domain.ErrNotFound)
	}

	preference := customer.ContactPreference
	if preference == "" {
		preference = p.PreferredChannel
	}
	if preference == domain.PrefDoNotContact {
		return Result{Skipped: true, Reason: "Customer opted out of communications"}, nil
	}

	channel := preference
	if channel == "" {
		if customer.Phone != "" {
			channel = domain.PrefSMS
		} else if customer.Email != "" {
			channel = domain.PrefEmail
		} else {
			channel = p.FallbackChannel
		}
	}

	if channel == domain.PrefSMS {
		if customer.Phone == "" {
			return Result{}, fmt.Errorf("op=usecase.notify_customer: customer %d has no phone number: %w",
				p.CustomerID, domain.ErrMissingContact)
		}
		out, err := h.sms.SendSMS(ctx, domain.SMSMessage{To: customer.Phone, From: p.From, Body: p.Body}, hctx.Tenant)
		if err != nil {
			return Result{}, err
		}
		hctx.Logger.Info("customer notified via sms",
			slog.Int64("job_id", job.ID),
			slog.Int64("customer_id", p.CustomerID),
			slog.String("message_id", out.MessageID))
		return Result{}, nil
	}

	// Every non-SMS channel delivers by email.
	if customer.Email == "" {
		return Result{}, fmt.Errorf("op=usecase.notify_customer: customer %d has no email address: %w",
			p.CustomerID, domain.ErrMissingContact)
	}
	subject := p.Subject
	if subject == "" {
		subject = "Notification"
	}
	out, err := h.email.SendEmail(ctx, domain.EmailMessage{To: customer.Email, Subject: subject, Body: p.Body}, hctx.Tenant)
	if err != nil {
		return Result{}, err
	}
	hctx.Logger.Info("customer notified via email",
		slog.Int64("job_id", job.ID),
		slog.Int64("customer_id", p.CustomerID),
		slog.String("message_id", out.MessageID))
	return Result{}, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
