package messenger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/dealerline/commsworker/internal/domain"
)

// SendGrid sends email through the SendGrid v3 mail API.
type SendGrid struct {
	BaseURL string
	hc      *http.Client
}

// NewSendGrid constructs the SendGrid adapter.
func NewSendGrid() *SendGrid {
	return &SendGrid{BaseURL: "https://api.sendgrid.com", hc: newHTTPClient()}
}

type sgAddress struct {
	Email string `json:"email"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sgAttachment struct {
	Content  string `json:"content"`
	Filename string `json:"filename"`
	Type     string `json:"type,omitempty"`
}

type sgPersonalization struct {
	To  []sgAddress `json:"to"`
	CC  []sgAddress `json:"cc,omitempty"`
	BCC []sgAddress `json:"bcc,omitempty"`
}

type sgMail struct {
	Personalizations []sgPersonalization `json:"personalizations"`
	From             sgAddress           `json:"from"`
	ReplyTo          *sgAddress          `json:"reply_to,omitempty"`
	Subject          string              `json:"subject"`
	Content          []sgContent         `json:"content"`
	Attachments      []sgAttachment      `json:"attachments,omitempty"`
}

// SendEmail delivers one email via SendGrid. The message id comes from the
// X-Message-Id response header.
func (s *SendGrid) SendEmail(ctx context.Context, msg domain.EmailMessage, cfg domain.TenantConfig) (domain.SendOutcome, error) {
	if cfg.SendgridKey == "" {
		return domain.SendOutcome{}, fmt.Errorf("op=sendgrid.send: missing API key: %w", domain.ErrInvalidArgument)
	}
	if msg.To == "" {
		return domain.SendOutcome{}, fmt.Errorf("op=sendgrid.send: missing recipient: %w", domain.ErrInvalidArgument)
	}
	from := msg.From
	if from == "" {
		from = cfg.SendgridFrom
	}
	if from == "" {
		from = "no-reply@example.com"
	}

	p := sgPersonalization{To: []sgAddress{{Email: msg.To}}}
	for _, cc := range msg.CC {
		p.CC = append(p.CC, sgAddress{Email: cc})
	}
	for _, bcc := range msg.BCC {
		p.BCC = append(p.BCC, sgAddress{Email: bcc})
	}
	mail := sgMail{
		Personalizations: []sgPersonalization{p},
		From:             sgAddress{Email: from},
		Subject:          msg.Subject,
		Content:          []sgContent{{Type: "text/plain", Value: msg.Body}},
	}
	if msg.HTMLBody != "" {
		mail.Content = append(mail.Content, sgContent{Type: "text/html", Value: msg.HTMLBody})
	}
	if msg.ReplyTo != "" {
		mail.ReplyTo = &sgAddress{Email: msg.ReplyTo}
	}
	for _, a := range msg.Attachments {
		mail.Attachments = append(mail.Attachments, sgAttachment{
			Content:  base64.StdEncoding.EncodeToString(a.Data),
			Filename: a.Filename,
			Type:     a.ContentType,
		})
	}
	payload, err := json.Marshal(mail)
	if err != nil {
		return domain.SendOutcome{}, fmt.Errorf("op=sendgrid.send: %w", err)
	}

	var messageID string
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/v3/mail/send", bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+cfg.SendgridKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

		if resp.StatusCode >= 400 {
			if retryableStatus(resp.StatusCode) {
				slog.Warn("sendgrid transient failure", slog.Int("status", resp.StatusCode))
				return fmt.Errorf("sendgrid status %d", resp.StatusCode)
			}
			return backoff.Permanent(fmt.Errorf("sendgrid status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
		}
		messageID = resp.Header.Get("X-Message-Id")
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(newSendBackoff(), ctx)); err != nil {
		return domain.SendOutcome{}, fmt.Errorf("op=sendgrid.send: %w", err)
	}
	return domain.SendOutcome{MessageID: messageID}, nil
}
