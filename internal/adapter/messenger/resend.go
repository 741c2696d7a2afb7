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

// Resend sends email through the Resend API.
type Resend struct {
	BaseURL string
	hc      *http.Client
}

// NewResend constructs the Resend adapter.
func NewResend() *Resend {
	return &Resend{BaseURL: "https://api.resend.com", hc: newHTTPClient()}
}

type resendAttachment struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

type resendMail struct {
	From        string             `json:"from"`
	To          []string           `json:"to"`
	Subject     string             `json:"subject"`
	Text        string             `json:"text"`
	HTML        string             `json:"html,omitempty"`
	CC          []string           `json:"cc,omitempty"`
	BCC         []string           `json:"bcc,omitempty"`
	ReplyTo     string             `json:"reply_to,omitempty"`
	Attachments []resendAttachment `json:"attachments,omitempty"`
}

// SendEmail delivers one email via Resend.
func (r *Resend) SendEmail(ctx context.Context, msg domain.EmailMessage, cfg domain.TenantConfig) (domain.SendOutcome, error) {
	if cfg.ResendKey == "" {
		return domain.SendOutcome{}, fmt.Errorf("op=resend.send: missing API key: %w", domain.ErrInvalidArgument)
	}
	if msg.To == "" {
		return domain.SendOutcome{}, fmt.Errorf("op=resend.send: missing recipient: %w", domain.ErrInvalidArgument)
	}
	from := msg.From
	if from == "" {
		from = cfg.ResendFrom
	}
	if from == "" {
		from = "no-reply@example.com"
	}

	mail := resendMail{
		From:    from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Text:    msg.Body,
		HTML:    msg.HTMLBody,
		CC:      msg.CC,
		BCC:     msg.BCC,
		ReplyTo: msg.ReplyTo,
	}
	for _, a := range msg.Attachments {
		mail.Attachments = append(mail.Attachments, resendAttachment{
			Filename: a.Filename,
			Content:  base64.StdEncoding.EncodeToString(a.Data),
		})
	}
	payload, err := json.Marshal(mail)
	if err != nil {
		return domain.SendOutcome{}, fmt.Errorf("op=resend.send: %w", err)
	}

	var messageID string
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/emails", bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+cfg.ResendKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

		if resp.StatusCode >= 400 {
			if retryableStatus(resp.StatusCode) {
				slog.Warn("resend transient failure", slog.Int("status", resp.StatusCode))
				return fmt.Errorf("resend status %d", resp.StatusCode)
			}
			return backoff.Permanent(fmt.Errorf("resend status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
		}

		var out struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		messageID = out.ID
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(newSendBackoff(), ctx)); err != nil {
		return domain.SendOutcome{}, fmt.Errorf("op=resend.send: %w", err)
	}
	return domain.SendOutcome{MessageID: messageID}, nil
}
