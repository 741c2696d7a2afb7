package template

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealerline/commsworker/internal/domain"
)

type sourceStub struct {
	tpl   domain.MessageTemplate
	err   error
	calls int
}

func (s *sourceStub) FindTemplate(_ context.Context, _, _, _ string) (domain.MessageTemplate, error) {
	s.calls++
	if s.err != nil {
		return domain.MessageTemplate{}, s.err
	}
	return s.tpl, nil
}

func TestRender_DatabaseTemplate(t *testing.T) {
	src := &sourceStub{tpl: domain.MessageTemplate{
		EventType:         "service_reminder",
		CommunicationType: "email",
		SubjectTemplate:   "Service due for your {{model}}",
		BodyTextTemplate:  "Hi {{first_name}},\nyour {{model}} needs a tune-up.",
	}}
	r, err := NewRenderer(src, time.Minute)
	require.NoError(t, err)

	msg, err := r.Render(context.Background(), "service_reminder", "t1", map[string]string{
		"model": "TR-500", "first_name": "Jo",
	})
	require.NoError(t, err)
	assert.Equal(t, "Service due for your TR-500", msg.Subject)
	assert.Equal(t, "Hi Jo,\nyour TR-500 needs a tune-up.", msg.Body)
	assert.Equal(t, "Hi Jo,<br>\nyour TR-500 needs a tune-up.", msg.HTMLBody, "text falls back to HTML with line breaks")
}

func TestRender_UnknownVariableIsEmpty(t *testing.T) {
	src := &sourceStub{tpl: domain.MessageTemplate{BodyTextTemplate: "Hi {{ first_name }}{{missing}}!"}}
	r, err := NewRenderer(src, time.Minute)
	require.NoError(t, err)

	msg, err := r.Render(context.Background(), "service_reminder", "t1", map[string]string{"first_name": "Jo"})
	require.NoError(t, err)
	assert.Equal(t, "Hi Jo!", msg.Body)
}

func TestRender_FallsBackToDefaultCatalogue(t *testing.T) {
	src := &sourceStub{err: fmt.Errorf("op=template.find: %w", domain.ErrNotFound)}
	r, err := NewRenderer(src, time.Minute)
	require.NoError(t, err)

	msg, err := r.Render(context.Background(), "appointment_confirmation", "t1", map[string]string{
		"first_name": "Jo", "when": "2025-03-11 09:00",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi Jo, this is a reminder of your service appointment scheduled for 2025-03-11 09:00. Reply YES to confirm or call us to reschedule.", msg.Body)
	assert.Empty(t, msg.Subject)
}

func TestRender_UnknownEvent(t *testing.T) {
	src := &sourceStub{err: fmt.Errorf("op=template.find: %w", domain.ErrNotFound)}
	r, err := NewRenderer(src, time.Minute)
	require.NoError(t, err)

	_, err = r.Render(context.Background(), "unknown_event", "t1", nil)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRender_CacheExpiry(t *testing.T) {
	src := &sourceStub{tpl: domain.MessageTemplate{BodyTextTemplate: "hello"}}
	r, err := NewRenderer(src, time.Minute)
	require.NoError(t, err)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, err := r.Render(context.Background(), "invoice_reminder", "t1", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, src.calls, "repeat renders hit the cache")

	now = now.Add(2 * time.Minute)
	_, err = r.Render(context.Background(), "invoice_reminder", "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls, "expired entry reloads from the source")

	r.ClearCache()
	_, err = r.Render(context.Background(), "invoice_reminder", "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, src.calls)
}

func TestCommunicationType(t *testing.T) {
	r, err := NewRenderer(&sourceStub{}, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, "sms", r.CommunicationType("appointment_confirmation"))
	assert.Equal(t, "email", r.CommunicationType("service_reminder"))
	assert.Equal(t, "email", r.CommunicationType("invoice_reminder"))
	assert.Equal(t, "email", r.CommunicationType("anything_else"))
}
