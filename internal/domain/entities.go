// Package domain defines the core entities and ports of the communication
// worker: durable jobs, tenant configuration, DMS candidate records, and the
// messenger/renderer interfaces that concrete adapters implement.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrTenantNotFound  = errors.New("tenant not found")
	ErrMissingContact  = errors.New("missing contact information")
	ErrInternal        = errors.New("internal error")
)

// JobType enumerates the closed set of job handlers.
type JobType string

const (
	JobTypeSendEmail      JobType = "send_email"
	JobTypeSendSMS        JobType = "send_sms"
	JobTypeNotifyCustomer JobType = "notify_customer"
)

// JobStatus is the lifecycle state of a row in communication_jobs.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobComplete   JobStatus = "complete"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
	// JobFailedFallbackEmail marks an SMS job whose retries were exhausted
	// but for which a companion send_email job was created.
	JobFailedFallbackEmail JobStatus = "failed_fallback_email"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobComplete, JobFailed, JobCancelled, JobFailedFallbackEmail:
		return true
	}
	return false
}

// Contact preference values stored in tenant DMS customer rows.
// PrefDoNotContact is authoritative: it always wins over payload hints.
const (
	PrefEmail        = "email"
	PrefSMS          = "sms"
	PrefPhone        = "phone"
	PrefDoNotContact = "do_not_contact"
)

// Attachment is an email attachment carried inline in the payload.
// Data round-trips as base64 through the JSON payload column.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// JobPayload is the superset of fields used by the three job types.
// Fields irrelevant to a given type stay zero and are omitted on the wire.
type JobPayload struct {
	To               string       `json:"to,omitempty"`
	Subject          string       `json:"subject,omitempty"`
	Body             string       `json:"body,omitempty"`
	HTMLBody         string       `json:"html_body,omitempty"`
	From             string       `json:"from,omitempty"`
	CC               []string     `json:"cc,omitempty"`
	BCC              []string     `json:"bcc,omitempty"`
	ReplyTo          string       `json:"reply_to,omitempty"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	CustomerID       int64        `json:"customer_id,omitempty"`
	ReceiptID        string       `json:"receipt_id,omitempty"`
	PreferredChannel string       `json:"preferred_channel,omitempty"`
	FallbackChannel  string       `json:"fallback_channel,omitempty"`
	SourceReference  string       `json:"source_reference,omitempty"`
	SourceJobID      int64        `json:"source_job_id,omitempty"`
	Urgent           bool         `json:"urgent,omitempty"`
}

// Job is a durable unit of outbound work.
//
// Invariants: RetryCount <= MaxRetries for non-terminal rows; a row in
// JobProcessing is owned by exactly one worker; at most one non-failed row
// exists per (TenantID, Type, SourceReference) when the reference is set.
type Job struct {
	ID              int64
	TenantID        string
	Type            JobType
	Payload         JobPayload
	Status          JobStatus
	RetryCount      int
	MaxRetries      int
	LastError       string
	ProcessAfter    time.Time
	SourceReference *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// NewJob describes a job to be inserted. A zero ProcessAfter means "now";
// an empty SourceReference disables deduplication.
type NewJob struct {
	TenantID        string
	Type            JobType
	Payload         JobPayload
	ProcessAfter    time.Time
	SourceReference string
}

// TenantConfig is one dealership's row in tenant_configs.
type TenantConfig struct {
	TenantID         string
	TwilioSID        string
	TwilioAuthToken  string
	TwilioFromNumber string
	SendgridKey      string
	SendgridFrom     string
	EmailProvider    string
	ResendKey        string
	ResendFrom       string
	QuietHoursStart  string
	QuietHoursEnd    string
	APIBaseURL       string
	CompanyName      string
	DMSConnString    string
}

// CustomerContact is the contact surface of a tenant DMS customer row.
type CustomerContact struct {
	CustomerID        int64
	Email             string
	Phone             string
	ContactPreference string
	DoNotDisturbUntil *time.Time
}

// ServiceReminderCandidate is a sale approaching its two-year service window.
type ServiceReminderCandidate struct {
	CustomerID   int64
	Email        string
	FirstName    string
	LastName     string
	Model        string
	SerialNumber string
}

// AppointmentCandidate is an appointment inside the confirmation window.
type AppointmentCandidate struct {
	AppointmentID  int64
	CustomerID     int64
	ScheduledStart time.Time
	Phone          string
	FirstName      string
}

// InvoiceCandidate is an invoice at least 30 days past due with balance owing.
type InvoiceCandidate struct {
	InvoiceID  int64
	CustomerID int64
	DueDate    time.Time
	Balance    float64
	Email      string
	FirstName  string
}

// MessageTemplate is a row of message_templates. A nil TenantID marks a
// global template shared by all tenants.
type MessageTemplate struct {
	ID                string
	TenantID          *string
	EventType         string
	CommunicationType string
	SubjectTemplate   string
	BodyTextTemplate  string
	BodyHTMLTemplate  string
	IsActive          bool
	Version           int
}

// JobStore (port): the central queue primitives. All writes are
// single-statement except ClaimPending, which runs select-lock-update in one
// transaction.
type JobStore interface {
	// ClaimPending atomically claims up to limit due pending jobs, oldest
	// first, skipping rows locked by other workers, and moves them to
	// processing. limit <= 0 returns nil without touching the store.
	ClaimPending(ctx context.Context, limit int) ([]Job, error)
	// MarkComplete finishes a job; note optionally records a skip reason.
	MarkComplete(ctx context.Context, id int64, note string) error
	// Reschedule returns a job to the given status (normally pending) with
	// an updated retry count, visibility time and diagnostic.
	Reschedule(ctx context.Context, id int64, retryCount int, processAfter time.Time, lastError string, status JobStatus) error
	// MarkFailed records a terminal failure; status is JobFailed or
	// JobFailedFallbackEmail.
	MarkFailed(ctx context.Context, id int64, lastError string, status JobStatus) error
	// InsertJob enqueues a new job. When the source reference matches an
	// existing pending/processing/complete row the insert is skipped and
	// inserted is false.
	InsertJob(ctx context.Context, j NewJob) (id int64, inserted bool, err error)
}

// TenantLister (port): tenant enumeration for scheduler sweeps.
type TenantLister interface {
	ListTenantIDs(ctx context.Context) ([]string, error)
}

// TenantGateway (port): hides the central-vs-tenant database split. Config
// reads are cached per process; pools are created lazily per tenant.
type TenantGateway interface {
	TenantConfig(ctx context.Context, tenantID string) (TenantConfig, error)
	// CustomerContact returns nil when the customer does not exist.
	CustomerContact(ctx context.Context, tenantID string, customerID int64) (*CustomerContact, error)
	// ContactPreference returns the customer's stored preference;
	// PrefDoNotContact is authoritative.
	ContactPreference(ctx context.Context, tenantID string, customerID int64) (string, error)
	ServiceReminderCandidates(ctx context.Context, tenantID string) ([]ServiceReminderCandidate, error)
	AppointmentsInConfirmationWindow(ctx context.Context, tenantID string) ([]AppointmentCandidate, error)
	PastDueInvoices(ctx context.Context, tenantID string) ([]InvoiceCandidate, error)
}

// SendOutcome is a provider's acknowledgement of a delivery request.
type SendOutcome struct {
	MessageID string
}

// EmailMessage is a validated request for the email messenger port.
type EmailMessage struct {
	To          string
	Subject     string
	Body        string
	HTMLBody    string
	From        string
	ReplyTo     string
	CC          []string
	BCC         []string
	Attachments []Attachment
}

// SMSMessage is a validated request for the SMS messenger port.
type SMSMessage struct {
	To   string
	From string
	Body string
}

// EmailMessenger (port): concrete adapters live under adapter/messenger.
type EmailMessenger interface {
	SendEmail(ctx context.Context, msg EmailMessage, cfg TenantConfig) (SendOutcome, error)
}

// SMSMessenger (port).
type SMSMessenger interface {
	SendSMS(ctx context.Context, msg SMSMessage, cfg TenantConfig) (SendOutcome, error)
}

// RenderedMessage is the output of the template renderer.
type RenderedMessage struct {
	Subject  string
	Body     string
	HTMLBody string
}

// TemplateRenderer (port): resolves subject/body for an event type, with
// per-tenant overrides. Returns ErrNotFound when no template exists.
type TemplateRenderer interface {
	Render(ctx context.Context, eventType, tenantID string, vars map[string]string) (RenderedMessage, error)
}

// AttachmentFetcher (port): produces attachment bytes (receipt PDFs) from a
// tenant's service API before a job reaches the email messenger.
type AttachmentFetcher interface {
	FetchReceiptPDF(ctx context.Context, baseURL, receiptID string) (data []byte, contentType string, err error)
}
