package api

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"board-sync/authority"
	"board-sync/domain"
)

func gathered(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	out := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			for _, l := range m.GetLabel() {
				name += "{" + l.GetValue() + "}"
			}
			switch {
			case m.GetCounter() != nil:
				out[name] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[name] = m.GetGauge().GetValue()
			}
		}
	}
	return out
}

func TestMetricsObserveAuthority(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	a := startAuthority(t, authority.WithObserver(metrics))
	ctx := context.Background()

	if _, err := a.Attach(ctx, "viewer"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	a.Add(ctx, "r1", domain.Item{ID: "x1"}, "Boston", nil, 1)
	a.Add(ctx, "r1", domain.Item{ID: "x1"}, "Boston", nil, 2)
	a.Delete(ctx, "r1", "ghost", 3)

	got := gathered(t, reg)
	want := map[string]float64{
		"board_operations_applied_total{add}":    1,
		"board_operations_dropped_total{add}":    1,
		"board_operations_dropped_total{delete}": 1,
		"board_subscribers":                      1,
		"board_subscriber_evictions_total":       0,
	}
	for name, v := range want {
		if got[name] != v {
			t.Fatalf("%s: want %v, got %v (all: %v)", name, v, got[name], got)
		}
	}
}
