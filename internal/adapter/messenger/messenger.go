// Package messenger implements the outbound delivery adapters: Twilio for
// SMS, SendGrid and Resend for email, a router that picks the email provider
// per tenant, and a stub for development.
//
// All adapters share an instrumented HTTP client and retry 429/5xx responses
// with exponential backoff inside the call; other 4xx statuses are permanent
// and surface immediately.
package messenger

import (
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const requestTimeout = 30 * time.Second

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout:   requestTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

func newSendBackoff() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = 5 * time.Second
	expo.MaxElapsedTime = 30 * time.Second
	return expo
}

// retryableStatus reports whether the provider response is worth retrying
// inside the same dispatch attempt.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
