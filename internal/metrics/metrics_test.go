package metrics

import (
    "testing"

    "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterDefaultIsIdempotent(t *testing.T) {
    RegisterDefault()
    RegisterDefault()
    Orchestrations.WithLabelValues("RESCHEDULE", "succeeded").Inc()
    if got := testutil.ToFloat64(Orchestrations.WithLabelValues("RESCHEDULE", "succeeded")); got < 1 {
        t.Fatalf("counter = %v", got)
    }
    n, err := testutil.GatherAndCount(Registry, "orchestrations_total")
    if err != nil || n == 0 {
        t.Fatalf("gather: %d %v", n, err)
    }
}
