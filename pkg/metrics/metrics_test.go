package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounterVecs(t *testing.T) {
	SieveExecutions.Reset()
	SieveActions.Reset()
	SieveImplicitKeeps.Reset()
	RelayDeliveries.Reset()

	SieveExecutions.WithLabelValues("user", "ok").Inc()
	SieveExecutions.WithLabelValues("user", "ok").Inc()
	SieveExecutions.WithLabelValues("before", "resource_limit").Inc()
	SieveActions.WithLabelValues("fileinto", "ok").Inc()
	SieveImplicitKeeps.WithLabelValues("failure").Inc()
	RelayDeliveries.WithLabelValues("temporary_failure").Inc()

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"user executions", testutil.ToFloat64(SieveExecutions.WithLabelValues("user", "ok")), 2},
		{"before executions", testutil.ToFloat64(SieveExecutions.WithLabelValues("before", "resource_limit")), 1},
		{"fileinto", testutil.ToFloat64(SieveActions.WithLabelValues("fileinto", "ok")), 1},
		{"failure keep", testutil.ToFloat64(SieveImplicitKeeps.WithLabelValues("failure")), 1},
		{"relay", testutil.ToFloat64(RelayDeliveries.WithLabelValues("temporary_failure")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, tt.got)
		}
	}

	if n := testutil.CollectAndCount(SieveExecutions); n != 2 {
		t.Errorf("Expected 2 execution series, got %d", n)
	}
}

func TestInstructionHistogramBuckets(t *testing.T) {
	SieveInstructions.Observe(3)
	SieveInstructions.Observe(1000)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Error gathering metrics: %v", err)
	}
	for _, family := range families {
		if family.GetName() != "sievevm_instructions_per_execution" {
			continue
		}
		h := family.GetMetric()[0].GetHistogram()
		if got := len(h.GetBucket()); got != 8 {
			t.Errorf("Expected 8 buckets, got %d", got)
		}
		if h.GetSampleCount() < 2 {
			t.Errorf("Expected at least 2 samples, got %d", h.GetSampleCount())
		}
		return
	}
	t.Error("Expected to find sievevm_instructions_per_execution in output")
}

func TestMetricsOutput(t *testing.T) {
	SieveResourceLimitHits.Inc()
	MailboxStores.WithLabelValues("ok").Inc()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Error gathering metrics: %v", err)
	}

	want := map[string]bool{
		"sievevm_resource_limit_hits_total": false,
		"sievevm_mailbox_stores_total":      false,
	}
	for _, family := range families {
		if !strings.HasPrefix(family.GetName(), "sievevm_") {
			continue
		}
		if _, ok := want[family.GetName()]; ok {
			want[family.GetName()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("Expected to find %s metric in output", name)
		}
	}
}
