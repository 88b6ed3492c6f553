package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIdempotent(t *testing.T) {
	Register()
	Register()

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "ntsync_mux_wire_subscribes_total" {
			found = true
		}
	}
	if !found {
		t.Error("ntsync_mux_wire_subscribes_total not registered")
	}
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(Writes.WithLabelValues("queued"))
	Writes.WithLabelValues("queued").Inc()
	if got := testutil.ToFloat64(Writes.WithLabelValues("queued")); got != before+1 {
		t.Errorf("writes{queued} = %v, want %v", got, before+1)
	}
}
