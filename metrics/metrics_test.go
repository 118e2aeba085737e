package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecordAndRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	m.DuplicateDropped("messages")
	m.DuplicateDropped("messages")
	m.Commit("reactions", nil)
	m.Commit("reactions", errors.New("boom"))
	m.RolledBack("reactions")
	m.SubscriptionObserver("presence")(4)

	if got := testutil.ToFloat64(m.duplicates.WithLabelValues("messages")); got != 2 {
		t.Fatalf("expected 2 duplicates, got %v", got)
	}
	if got := testutil.ToFloat64(m.commits.WithLabelValues("reactions", "failure")); got != 1 {
		t.Fatalf("expected 1 failed commit, got %v", got)
	}
	if got := testutil.ToFloat64(m.rollbacks.WithLabelValues("reactions")); got != 1 {
		t.Fatalf("expected 1 rollback, got %v", got)
	}
	if got := testutil.ToFloat64(m.subscriptions.WithLabelValues("presence")); got != 4 {
		t.Fatalf("expected 4 open presence subscriptions, got %v", got)
	}

	if _, err := New(reg); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.DuplicateDropped("messages")
	m.Commit("reactions", nil)
	m.RolledBack("reactions")
	m.SetOpenSubscriptions("presence", 1)
	if m.SubscriptionObserver("presence") != nil {
		t.Fatalf("expected nil observer from nil metrics")
	}
}
