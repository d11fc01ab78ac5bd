package escalation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-triage/internal/errs"
)

func fastTransport(t *testing.T, url string, attempts int) *HTTPTransport {
	t.Helper()
	tr, err := NewHTTPTransport(HTTPConfig{
		URL:           url,
		Timeout:       2 * time.Second,
		MaxAttempts:   attempts,
		BaseBackoff:   time.Millisecond,
		RatePerSecond: 1000,
		Burst:         10,
	}, nil)
	require.NoError(t, err)
	return tr
}

func TestSubmitRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		assert.Equal(t, "t-1", r.Header.Get(IdempotencyHeader))
		assert.Equal(t, "sig", r.Header.Get(SignatureHeader))
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ticketId":"PRV-9","acknowledged":true}`))
	}))
	defer srv.Close()

	receipt, err := fastTransport(t, srv.URL, 3).Submit(context.Background(), Submission{TicketID: "t-1", Body: []byte(`{}`), Signature: "sig"})
	require.NoError(t, err)
	assert.Equal(t, "PRV-9", receipt.ProviderTicketID)
	assert.True(t, receipt.Acknowledged)
	assert.Equal(t, 3, receipt.Attempts)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestSubmitDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad envelope", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := fastTransport(t, srv.URL, 3).Submit(context.Background(), Submission{TicketID: "t-1", Body: []byte(`{}`)})
	var te *errs.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusBadRequest, te.StatusCode)
	assert.Equal(t, 1, te.Attempts)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestSubmitSurfacesExhaustedRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := fastTransport(t, srv.URL, 2).Submit(context.Background(), Submission{TicketID: "t-1", Body: []byte(`{}`)})
	var te *errs.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 2, te.Attempts)
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
	assert.Equal(t, errs.KindTransportError, errs.Kind(err))
}

func TestSubmitRequiresTicketID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"acknowledged":true}`))
	}))
	defer srv.Close()

	_, err := fastTransport(t, srv.URL, 1).Submit(context.Background(), Submission{TicketID: "t-1", Body: []byte(`{}`)})
	assert.Error(t, err)
}

func TestNewHTTPTransportRequiresURL(t *testing.T) {
	_, err := NewHTTPTransport(HTTPConfig{}, nil)
	assert.Error(t, err)
}
