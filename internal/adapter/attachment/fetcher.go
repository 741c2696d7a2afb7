// Package attachment fetches receipt PDFs from tenant service APIs for
// email attachments.
package attachment

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dealerline/commsworker/internal/domain"
)

const maxPDFBytes = 25 << 20 // provider attachment ceiling

// Fetcher implements domain.AttachmentFetcher over HTTP.
type Fetcher struct {
	hc *http.Client
}

// NewFetcher constructs a Fetcher with an instrumented HTTP client.
func NewFetcher() *Fetcher {
	return &Fetcher{hc: &http.Client{
		Timeout:   30 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}}
}

// FetchReceiptPDF downloads the receipt PDF from the tenant's service API.
// Transient failures (network, 5xx) are retried with backoff; a 404 maps to
// domain.ErrNotFound without retrying. The content type is sniffed from the
// bytes because some service APIs mislabel PDFs.
func (f *Fetcher) FetchReceiptPDF(ctx context.Context, baseURL, receiptID string) ([]byte, string, error) {
	if baseURL == "" || receiptID == "" {
		return nil, "", fmt.Errorf("op=attachment.fetch_receipt: missing base URL or receipt id: %w", domain.ErrInvalidArgument)
	}
	url := strings.TrimRight(baseURL, "/") + "/api/Invoice/" + receiptID + "/pdf"

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = 5 * time.Second
	expo.MaxElapsedTime = 30 * time.Second

	var data []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := f.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusOK:
			data, err = io.ReadAll(io.LimitReader(resp.Body, maxPDFBytes))
			if err != nil {
				return err
			}
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("receipt %s: %w", receiptID, domain.ErrNotFound))
		case resp.StatusCode >= 500:
			slog.Warn("receipt PDF fetch transient failure",
				slog.String("receipt_id", receiptID),
				slog.Int("status", resp.StatusCode))
			return fmt.Errorf("receipt pdf status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("receipt pdf status %d", resp.StatusCode))
		}
	}
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		return nil, "", fmt.Errorf("op=attachment.fetch_receipt: %w", err)
	}

	contentType := mimetype.Detect(data).String()
	if !strings.Contains(contentType, "pdf") {
		slog.Warn("receipt endpoint returned unexpected content type",
			slog.String("receipt_id", receiptID),
			slog.String("content_type", contentType))
	}
	return data, contentType, nil
}
