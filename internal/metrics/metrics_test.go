package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second Register: %v", err)
	}
}

func TestObserveFetchCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ObserveFetch("metrics_test", 200*time.Millisecond, OutcomeSuccess)
	ObserveFetch("metrics_test", 0, OutcomeRateLimited)
	ObserveFetch("metrics_test", 0, OutcomeRateLimited)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	counts := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "skysentry_fetches_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			var region, outcome string
			for _, lp := range m.GetLabel() {
				switch lp.GetName() {
				case "region":
					region = lp.GetValue()
				case "outcome":
					outcome = lp.GetValue()
				}
			}
			if region == "metrics_test" {
				counts[outcome] = m.GetCounter().GetValue()
			}
		}
	}
	if counts[OutcomeSuccess] != 1 || counts[OutcomeRateLimited] != 2 {
		t.Errorf("fetch counts = %v", counts)
	}
}
