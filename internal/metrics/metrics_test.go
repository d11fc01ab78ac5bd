package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}
}

func TestObserveBatchNormalisesOutcome(t *testing.T) {
	before := testutil.ToFloat64(batchesTotal.WithLabelValues(OutcomeSuccess))
	ObserveBatch(-time.Second, "weird")
	after := testutil.ToFloat64(batchesTotal.WithLabelValues(OutcomeSuccess))
	if after != before+1 {
		t.Fatalf("expected success counter to increase by one, got %v -> %v", before, after)
	}
}

func TestObserveRedactionIgnoresZeroCounts(t *testing.T) {
	before := testutil.ToFloat64(redactionsTotal.WithLabelValues("email", "high"))
	ObserveRedaction("email", "high", 0)
	ObserveRedaction("email", "high", 3)
	if got := testutil.ToFloat64(redactionsTotal.WithLabelValues("email", "high")); got != before+3 {
		t.Fatalf("expected +3, got %v -> %v", before, got)
	}
}

func TestSetOpenTicketsZeroesMissingStates(t *testing.T) {
	SetOpenTickets(map[string]int{"on_track": 2}, []string{"on_track", "breached"})
	if got := testutil.ToFloat64(ticketsBySLA.WithLabelValues("breached")); got != 0 {
		t.Fatalf("expected breached gauge 0, got %v", got)
	}
	if got := testutil.ToFloat64(ticketsBySLA.WithLabelValues("on_track")); got != 2 {
		t.Fatalf("expected on_track gauge 2, got %v", got)
	}
}
