// Package tenant hides the central-vs-tenant database split behind a single
// gateway: tenant configuration is read once from the central store and
// cached for the life of the process, and one lazily-created pgx pool per
// tenant serves all DMS reads.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/dealerline/commsworker/internal/adapter/repo/postgres"
	"github.com/dealerline/commsworker/internal/domain"
)

// ConfigSource loads tenant configuration rows (postgres.TenantsRepo).
type ConfigSource interface {
	GetTenantConfig(ctx context.Context, tenantID string) (domain.TenantConfig, error)
}

// DBPool is the slice of pgxpool used for tenant DMS reads.
type DBPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PoolFactory opens a pool against a tenant DMS connection string.
type PoolFactory func(ctx context.Context, dsn string, maxConns int32) (DBPool, error)

// DefaultPoolFactory opens a real pgx pool with the shared tuning.
func DefaultPoolFactory(ctx context.Context, dsn string, maxConns int32) (DBPool, error) {
	return postgres.NewPool(ctx, dsn, maxConns)
}

// Gateway implements domain.TenantGateway.
type Gateway struct {
	source   ConfigSource
	factory  PoolFactory
	maxConns int32

	mu      sync.RWMutex
	configs map[string]domain.TenantConfig
	pools   map[string]DBPool
}

// NewGateway constructs a Gateway. maxConns bounds each tenant pool.
func NewGateway(source ConfigSource, factory PoolFactory, maxConns int32) *Gateway {
	if factory == nil {
		factory = DefaultPoolFactory
	}
	return &Gateway{
		source:   source,
		factory:  factory,
		maxConns: maxConns,
		configs:  make(map[string]domain.TenantConfig),
		pools:    make(map[string]DBPool),
	}
}

// TenantConfig returns the tenant's configuration, loading it on first use.
func (g *Gateway) TenantConfig(ctx context.Context, tenantID string) (domain.TenantConfig, error) {
	g.mu.RLock()
	cfg, ok := g.configs[tenantID]
	g.mu.RUnlock()
	if ok {
		return cfg, nil
	}

	cfg, err := g.source.GetTenantConfig(ctx, tenantID)
	if err != nil {
		return domain.TenantConfig{}, err
	}

	g.mu.Lock()
	// Another goroutine may have loaded it while we queried; keep the first.
	if prev, ok := g.configs[tenantID]; ok {
		cfg = prev
	} else {
		g.configs[tenantID] = cfg
	}
	g.mu.Unlock()
	return cfg, nil
}

// pool returns the tenant's DMS pool, creating it on first use.
func (g *Gateway) pool(ctx context.Context, tenantID string) (DBPool, error) {
	g.mu.RLock()
	p, ok := g.pools[tenantID]
	g.mu.RUnlock()
	if ok {
		return p, nil
	}

	cfg, err := g.TenantConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if cfg.DMSConnString == "" {
		return nil, fmt.Errorf("op=tenant.pool: tenant %s has no DMS connection string: %w", tenantID, domain.ErrInvalidArgument)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.pools[tenantID]; ok {
		return p, nil
	}
	p, err = g.factory(ctx, cfg.DMSConnString, g.maxConns)
	if err != nil {
		return nil, fmt.Errorf("op=tenant.pool: %w", err)
	}
	g.pools[tenantID] = p
	return p, nil
}

// CustomerContact returns the customer's contact surface, or nil when the
// customer does not exist in the tenant DMS.
func (g *Gateway) CustomerContact(ctx context.Context, tenantID string, customerID int64) (*domain.CustomerContact, error) {
	tracer := otel.Tracer("tenant.gateway")
	ctx, span := tracer.Start(ctx, "tenant.CustomerContact")
	defer span.End()

	p, err := g.pool(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	q := `SELECT id, COALESCE(email,''), COALESCE(phone_mobile,''), COALESCE(contact_preference,''), do_not_disturb_until
		FROM customers WHERE id=$1`
	var c domain.CustomerContact
	if err := p.QueryRow(ctx, q, customerID).Scan(&c.CustomerID, &c.Email, &c.Phone, &c.ContactPreference, &c.DoNotDisturbUntil); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=tenant.customer_contact: %w", err)
	}
	return &c, nil
}

// ContactPreference returns the customer's stored preference; do_not_contact
// is authoritative and always wins over payload hints. Missing customers map
// to domain.ErrNotFound.
func (g *Gateway) ContactPreference(ctx context.Context, tenantID string, customerID int64) (string, error) {
	c, err := g.CustomerContact(ctx, tenantID, customerID)
	if err != nil {
		return "", err
	}
	if c == nil {
		return "", fmt.Errorf("op=tenant.contact_preference: customer %d: %w", customerID, domain.ErrNotFound)
	}
	return c.ContactPreference, nil
}

// FallbackEmail returns the customer's email for SMS fallback, empty when
// the customer is missing or has no email on file.
func (g *Gateway) FallbackEmail(ctx context.Context, tenantID string, customerID int64) (string, error) {
	c, err := g.CustomerContact(ctx, tenantID, customerID)
	if err != nil {
		return "", err
	}
	if c == nil {
		return "", nil
	}
	return c.Email, nil
}

// ServiceReminderCandidates finds sales whose purchase date is approaching
// the two-year service window (23 to 25 months ago), skipping customers with
// no email on file.
func (g *Gateway) ServiceReminderCandidates(ctx context.Context, tenantID string) ([]domain.ServiceReminderCandidate, error) {
	tracer := otel.Tracer("tenant.gateway")
	ctx, span := tracer.Start(ctx, "tenant.ServiceReminderCandidates")
	defer span.End()

	p, err := g.pool(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	q := `SELECT c.id, c.email, COALESCE(c.first_name,''), COALESCE(c.last_name,''),
			COALESCE(s.model,''), COALESCE(s.serial_number,'')
		FROM sales s
		INNER JOIN customers c ON c.id = s.customer_id
		WHERE s.purchase_date BETWEEN now() - INTERVAL '25 months' AND now() - INTERVAL '23 months'
		  AND c.email IS NOT NULL`
	rows, err := p.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=tenant.service_reminder_candidates: %w", err)
	}
	defer rows.Close()
	var out []domain.ServiceReminderCandidate
	for rows.Next() {
		var c domain.ServiceReminderCandidate
		if err := rows.Scan(&c.CustomerID, &c.Email, &c.FirstName, &c.LastName, &c.Model, &c.SerialNumber); err != nil {
			return nil, fmt.Errorf("op=tenant.service_reminder_candidates: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=tenant.service_reminder_candidates: %w", err)
	}
	return out, nil
}

// AppointmentsInConfirmationWindow finds appointments starting 24 to 25
// hours from now.
func (g *Gateway) AppointmentsInConfirmationWindow(ctx context.Context, tenantID string) ([]domain.AppointmentCandidate, error) {
	tracer := otel.Tracer("tenant.gateway")
	ctx, span := tracer.Start(ctx, "tenant.AppointmentsInConfirmationWindow")
	defer span.End()

	p, err := g.pool(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	q := `SELECT a.id, a.customer_id, a.scheduled_start, COALESCE(c.phone_mobile,''), COALESCE(c.first_name,'')
		FROM appointments a
		INNER JOIN customers c ON c.id = a.customer_id
		WHERE a.scheduled_start BETWEEN now() + INTERVAL '24 hours' AND now() + INTERVAL '25 hours'`
	rows, err := p.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=tenant.appointments_in_window: %w", err)
	}
	defer rows.Close()
	var out []domain.AppointmentCandidate
	for rows.Next() {
		var c domain.AppointmentCandidate
		if err := rows.Scan(&c.AppointmentID, &c.CustomerID, &c.ScheduledStart, &c.Phone, &c.FirstName); err != nil {
			return nil, fmt.Errorf("op=tenant.appointments_in_window: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=tenant.appointments_in_window: %w", err)
	}
	return out, nil
}

// PastDueInvoices finds invoices at least 30 days past due with a balance
// still owing.
func (g *Gateway) PastDueInvoices(ctx context.Context, tenantID string) ([]domain.InvoiceCandidate, error) {
	tracer := otel.Tracer("tenant.gateway")
	ctx, span := tracer.Start(ctx, "tenant.PastDueInvoices")
	defer span.End()

	p, err := g.pool(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	q := `SELECT i.id, i.customer_id, i.due_date, i.balance, COALESCE(c.email,''), COALESCE(c.first_name,'')
		FROM invoices i
		INNER JOIN customers c ON c.id = i.customer_id
		WHERE i.due_date <= now() - INTERVAL '30 days'
		  AND i.balance > 0`
	rows, err := p.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=tenant.past_due_invoices: %w", err)
	}
	defer rows.Close()
	var out []domain.InvoiceCandidate
	for rows.Next() {
		var c domain.InvoiceCandidate
		if err := rows.Scan(&c.InvoiceID, &c.CustomerID, &c.DueDate, &c.Balance, &c.Email, &c.FirstName); err != nil {
			return nil, fmt.Errorf("op=tenant.past_due_invoices: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=tenant.past_due_invoices: %w", err)
	}
	return out, nil
}

// Close shuts down every tenant pool. Safe to call once at worker exit.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, p := range g.pools {
		p.Close()
		delete(g.pools, id)
	}
}
