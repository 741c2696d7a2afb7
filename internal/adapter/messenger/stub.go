package messenger

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dealerline/commsworker/internal/domain"
)

// Stub logs messages instead of delivering them. Used in dev environments
// where no provider credentials exist.
type Stub struct{}

// SendEmail implements domain.EmailMessenger.
func (Stub) SendEmail(_ context.Context, msg domain.EmailMessage, cfg domain.TenantConfig) (domain.SendOutcome, error) {
	id := uuid.New().String()
	slog.Info("stub email send",
		slog.String("tenant_id", cfg.TenantID),
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.String("message_id", id))
	return domain.SendOutcome{MessageID: id}, nil
}

// SendSMS implements domain.SMSMessenger.
func (Stub) SendSMS(_ context.Context, msg domain.SMSMessage, cfg domain.TenantConfig) (domain.SendOutcome, error) {
	id := uuid.New().String()
	slog.Info("stub sms send",
		slog.String("tenant_id", cfg.TenantID),
		slog.String("to", msg.To),
		slog.String("message_id", id))
	return domain.SendOutcome{MessageID: id}, nil
}
