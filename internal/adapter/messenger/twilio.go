package messenger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/dealerline/commsworker/internal/domain"
)

// Twilio sends SMS through the Twilio Messages API using per-tenant
// credentials.
type Twilio struct {
	// BaseURL is overridable for tests; defaults to the public API.
	BaseURL string
	hc      *http.Client
}

// NewTwilio constructs the Twilio adapter.
func NewTwilio() *Twilio {
	return &Twilio{BaseURL: "https://api.twilio.com", hc: newHTTPClient()}
}

// SendSMS delivers one SMS. The from number falls back to the tenant's
// configured sender when the message does not carry one.
func (t *Twilio) SendSMS(ctx context.Context, msg domain.SMSMessage, cfg domain.TenantConfig) (domain.SendOutcome, error) {
	if cfg.TwilioSID == "" || cfg.TwilioAuthToken == "" {
		return domain.SendOutcome{}, fmt.Errorf("op=twilio.send: missing credentials: %w", domain.ErrInvalidArgument)
	}
	if msg.To == "" {
		return domain.SendOutcome{}, fmt.Errorf("op=twilio.send: missing destination number: %w", domain.ErrInvalidArgument)
	}
	from := msg.From
	if from == "" {
		from = cfg.TwilioFromNumber
	}
	if from == "" {
		return domain.SendOutcome{}, fmt.Errorf("op=twilio.send: missing from number: %w", domain.ErrInvalidArgument)
	}

	form := url.Values{}
	form.Set("To", msg.To)
	form.Set("From", from)
	form.Set("Body", msg.Body)
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.BaseURL, cfg.TwilioSID)

	var sid string
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.SetBasicAuth(cfg.TwilioSID, cfg.TwilioAuthToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := t.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

		if resp.StatusCode >= 400 {
			if retryableStatus(resp.StatusCode) {
				slog.Warn("twilio transient failure", slog.Int("status", resp.StatusCode))
				return fmt.Errorf("twilio status %d", resp.StatusCode)
			}
			return backoff.Permanent(fmt.Errorf("twilio status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
		}

		var out struct {
			SID string `json:"sid"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		sid = out.SID
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(newSendBackoff(), ctx)); err != nil {
		return domain.SendOutcome{}, fmt.Errorf("op=twilio.send: %w", err)
	}
	return domain.SendOutcome{MessageID: sid}, nil
}
