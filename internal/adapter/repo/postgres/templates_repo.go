package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/dealerline/commsworker/internal/domain"
)

// TemplatesRepo reads message templates from the central database.
type TemplatesRepo struct{ Pool PgxPool }

// NewTemplatesRepo constructs a TemplatesRepo with the given pool.
func NewTemplatesRepo(p PgxPool) *TemplatesRepo { return &TemplatesRepo{Pool: p} }

// FindTemplate returns the best active template for the event: a tenant
// override when one exists, otherwise the global row (tenant_id IS NULL),
// newest version first. Missing templates map to domain.ErrNotFound.
func (r *TemplatesRepo) FindTemplate(ctx context.Context, tenantID, eventType, communicationType string) (domain.MessageTemplate, error) {
	tracer := otel.Tracer("repo.templates")
	ctx, span := tracer.Start(ctx, "templates.FindTemplate")
	defer span.End()
	q := `SELECT id, tenant_id, event_type, communication_type,
		COALESCE(subject_template,''), COALESCE(body_text_template,''), COALESCE(body_html_template,''),
		is_active, version
		FROM message_templates
		WHERE event_type=$2 AND communication_type=$3 AND is_active
		  AND (tenant_id=$1 OR tenant_id IS NULL)
		ORDER BY tenant_id NULLS LAST, version DESC
		LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, tenantID, eventType, communicationType)
	var t domain.MessageTemplate
	if err := row.Scan(&t.ID, &t.TenantID, &t.EventType, &t.CommunicationType,
		&t.SubjectTemplate, &t.BodyTextTemplate, &t.BodyHTMLTemplate,
		&t.IsActive, &t.Version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MessageTemplate{}, fmt.Errorf("op=template.find: %w", domain.ErrNotFound)
		}
		return domain.MessageTemplate{}, fmt.Errorf("op=template.find: %w", err)
	}
	return t, nil
}
