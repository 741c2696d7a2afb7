package attachment

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealerline/commsworker/internal/domain"
)

// Minimal but valid-enough PDF header for sniffing.
var pdfBytes = []byte("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n1 0 obj\n<<>>\nendobj\ntrailer\n<<>>\n%%EOF")

func TestFetchReceiptPDF(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/Invoice/R-42/pdf", r.URL.Path)
		// Deliberately wrong header; the fetcher must sniff the bytes.
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(pdfBytes)
	}))
	defer srv.Close()

	f := NewFetcher()
	data, contentType, err := f.FetchReceiptPDF(context.Background(), srv.URL+"/", "R-42")
	require.NoError(t, err)
	assert.Equal(t, pdfBytes, data)
	assert.Contains(t, contentType, "pdf")
}

func TestFetchReceiptPDF_RetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write(pdfBytes)
	}))
	defer srv.Close()

	f := NewFetcher()
	data, _, err := f.FetchReceiptPDF(context.Background(), srv.URL, "R-42")
	require.NoError(t, err)
	assert.Equal(t, pdfBytes, data)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchReceiptPDF_NotFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher()
	_, _, err := f.FetchReceiptPDF(context.Background(), srv.URL, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, int32(1), calls.Load(), "404 must not be retried")
}

func TestFetchReceiptPDF_Validation(t *testing.T) {
	f := NewFetcher()
	_, _, err := f.FetchReceiptPDF(context.Background(), "", "R-42")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, _, err = f.FetchReceiptPDF(context.Background(), "http://x", "")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}
