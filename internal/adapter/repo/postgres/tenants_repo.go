package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/dealerline/commsworker/internal/domain"
)

// TenantsRepo reads tenant rows from the central database.
type TenantsRepo struct{ Pool PgxPool }

// NewTenantsRepo constructs a TenantsRepo with the given pool.
func NewTenantsRepo(p PgxPool) *TenantsRepo { return &TenantsRepo{Pool: p} }

// ListTenantIDs returns the ids of all active tenants.
func (r *TenantsRepo) ListTenantIDs(ctx context.Context) ([]string, error) {
	tracer := otel.Tracer("repo.tenants")
	ctx, span := tracer.Start(ctx, "tenants.ListTenantIDs")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT tenant_id FROM tenant_configs ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("op=tenant.list: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=tenant.list: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=tenant.list: %w", err)
	}
	return ids, nil
}

// GetTenantConfig loads one tenant's configuration row. Missing tenants map
// to domain.ErrTenantNotFound.
func (r *TenantsRepo) GetTenantConfig(ctx context.Context, tenantID string) (domain.TenantConfig, error) {
	tracer := otel.Tracer("repo.tenants")
	ctx, span := tracer.Start(ctx, "tenants.GetTenantConfig")
	defer span.End()
	q := `SELECT tenant_id,
		COALESCE(twilio_sid,''), COALESCE(twilio_auth_token,''), COALESCE(twilio_from_number,''),
		COALESCE(sendgrid_key,''), COALESCE(sendgrid_from,''),
		COALESCE(email_provider,''), COALESCE(resend_key,''), COALESCE(resend_from,''),
		COALESCE(quiet_hours_start,''), COALESCE(quiet_hours_end,''),
		COALESCE(api_base_url,''), COALESCE(company_name,''), COALESCE(dms_connection_string,'')
		FROM tenant_configs WHERE tenant_id=$1`
	row := r.Pool.QueryRow(ctx, q, tenantID)
	var c domain.TenantConfig
	if err := row.Scan(&c.TenantID,
		&c.TwilioSID, &c.TwilioAuthToken, &c.TwilioFromNumber,
		&c.SendgridKey, &c.SendgridFrom,
		&c.EmailProvider, &c.ResendKey, &c.ResendFrom,
		&c.QuietHoursStart, &c.QuietHoursEnd,
		&c.APIBaseURL, &c.CompanyName, &c.DMSConnString); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TenantConfig{}, fmt.Errorf("op=tenant.get_config: %w", domain.ErrTenantNotFound)
		}
		return domain.TenantConfig{}, fmt.Errorf("op=tenant.get_config: %w", err)
	}
	return c, nil
}
