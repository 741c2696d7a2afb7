package messenger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dealerline/commsworker/internal/domain"
)

// EmailRouter selects the email provider per tenant and delegates to its
// adapter. Selection order: explicit email_provider setting, then a
// configured Resend key, then SendGrid.
type EmailRouter struct {
	providers map[string]domain.EmailMessenger
}

// NewEmailRouter constructs a router over the given adapters.
func NewEmailRouter(sendgrid, resend domain.EmailMessenger) *EmailRouter {
	return &EmailRouter{providers: map[string]domain.EmailMessenger{
		"sendgrid": sendgrid,
		"resend":   resend,
	}}
}

// ProviderFor resolves the provider name for a tenant.
func (r *EmailRouter) ProviderFor(cfg domain.TenantConfig) string {
	if p := strings.ToLower(cfg.EmailProvider); p != "" {
		return p
	}
	if cfg.ResendKey != "" {
		return "resend"
	}
	if cfg.SendgridKey == "" {
		slog.Warn("no email provider configured, defaulting to sendgrid", slog.String("tenant_id", cfg.TenantID))
	}
	return "sendgrid"
}

// SendEmail implements domain.EmailMessenger.
func (r *EmailRouter) SendEmail(ctx context.Context, msg domain.EmailMessage, cfg domain.TenantConfig) (domain.SendOutcome, error) {
	name := r.ProviderFor(cfg)
	p, ok := r.providers[name]
	if !ok {
		return domain.SendOutcome{}, fmt.Errorf("op=email_router.send: unsupported provider %q: %w", name, domain.ErrInvalidArgument)
	}
	return p.SendEmail(ctx, msg, cfg)
}
