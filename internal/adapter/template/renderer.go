// Package template resolves and renders message content: database rows from
// message_templates (tenant overrides first, then global rows), with an
// embedded default catalogue as the final fallback. Resolved templates are
// cached in-process with a TTL.
package template

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "embed"

	"gopkg.in/yaml.v3"

	"github.com/dealerline/commsworker/internal/domain"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// TemplateSource loads template rows (postgres.TemplatesRepo).
type TemplateSource interface {
	FindTemplate(ctx context.Context, tenantID, eventType, communicationType string) (domain.MessageTemplate, error)
}

type catalogueEntry struct {
	EventType         string `yaml:"event_type"`
	CommunicationType string `yaml:"communication_type"`
	Subject           string `yaml:"subject"`
	BodyText          string `yaml:"body_text"`
	BodyHTML          string `yaml:"body_html"`
}

type catalogue struct {
	Templates []catalogueEntry `yaml:"templates"`
}

type cacheEntry struct {
	tpl     domain.MessageTemplate
	expires time.Time
}

// Renderer implements domain.TemplateRenderer.
type Renderer struct {
	source TemplateSource
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry

	defaults map[string]catalogueEntry // event_type -> entry
}

// NewRenderer constructs a Renderer over the given source. ttl bounds how
// long a resolved template is reused before the database is consulted again.
func NewRenderer(source TemplateSource, ttl time.Duration) (*Renderer, error) {
	var cat catalogue
	if err := yaml.Unmarshal(defaultsYAML, &cat); err != nil {
		return nil, fmt.Errorf("op=template.defaults: %w", err)
	}
	defaults := make(map[string]catalogueEntry, len(cat.Templates))
	for _, e := range cat.Templates {
		defaults[e.EventType] = e
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Renderer{
		source:   source,
		ttl:      ttl,
		now:      time.Now,
		cache:    make(map[string]cacheEntry),
		defaults: defaults,
	}, nil
}

// CommunicationType maps an event type to its delivery channel.
func (r *Renderer) CommunicationType(eventType string) string {
	if e, ok := r.defaults[eventType]; ok {
		return e.CommunicationType
	}
	return "email"
}

var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

func substitute(text string, vars map[string]string) string {
	if text == "" {
		return ""
	}
	return varPattern.ReplaceAllStringFunc(text, func(m string) string {
		name := strings.TrimSpace(m[2 : len(m)-2])
		return vars[name]
	})
}

// Render resolves the template for the event and substitutes {{var}}
// placeholders. Unknown variables render as empty strings. Returns
// domain.ErrNotFound when neither the database nor the default catalogue has
// a template for the event.
func (r *Renderer) Render(ctx context.Context, eventType, tenantID string, vars map[string]string) (domain.RenderedMessage, error) {
	tpl, err := r.resolve(ctx, eventType, tenantID)
	if err != nil {
		return domain.RenderedMessage{}, err
	}

	msg := domain.RenderedMessage{
		Subject:  substitute(tpl.SubjectTemplate, vars),
		Body:     substitute(tpl.BodyTextTemplate, vars),
		HTMLBody: substitute(tpl.BodyHTMLTemplate, vars),
	}
	if msg.HTMLBody == "" && msg.Body != "" {
		msg.HTMLBody = strings.ReplaceAll(msg.Body, "\n", "<br>\n")
	}
	return msg, nil
}

func (r *Renderer) resolve(ctx context.Context, eventType, tenantID string) (domain.MessageTemplate, error) {
	commType := r.CommunicationType(eventType)
	key := tenantID + ":" + eventType + ":" + commType

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && r.now().Before(entry.expires) {
		return entry.tpl, nil
	}

	tpl, err := r.source.FindTemplate(ctx, tenantID, eventType, commType)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.MessageTemplate{}, err
		}
		def, ok := r.defaults[eventType]
		if !ok {
			return domain.MessageTemplate{}, fmt.Errorf("op=template.resolve: event %s: %w", eventType, domain.ErrNotFound)
		}
		tpl = domain.MessageTemplate{
			EventType:         def.EventType,
			CommunicationType: def.CommunicationType,
			SubjectTemplate:   def.Subject,
			BodyTextTemplate:  def.BodyText,
			BodyHTMLTemplate:  def.BodyHTML,
			IsActive:          true,
		}
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{tpl: tpl, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()
	return tpl, nil
}

// ClearCache drops every cached template.
func (r *Renderer) ClearCache() {
	r.mu.Lock()
	r.cache = make(map[string]cacheEntry)
	r.mu.Unlock()
}
