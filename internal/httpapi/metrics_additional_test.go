package httpapi

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestIncrementBackpressure_IncrementsCounter(t *testing.T) {
	baseline := testutil.ToFloat64(backpressureTotal.WithLabelValues("queue"))
	IncrementBackpressure("queue")
	IncrementBackpressure("queue")
	got := testutil.ToFloat64(backpressureTotal.WithLabelValues("queue"))
	if got < baseline+2 {
		t.Fatalf("expected backpressure counter >= %v, got %v", baseline+2, got)
	}

	before := testutil.ToFloat64(backpressureTotal.WithLabelValues("unspecified"))
	IncrementBackpressure("")
	after := testutil.ToFloat64(backpressureTotal.WithLabelValues("unspecified"))
	if after < before+1 {
		t.Fatalf("expected unspecified reason to increment by at least 1: before=%v after=%v", before, after)
	}
}

func TestRecordBackendDispatch_IncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(backendDispatchTotal.WithLabelValues("stubcpu"))
	RecordBackendDispatch("stubcpu")
	after := testutil.ToFloat64(backendDispatchTotal.WithLabelValues("stubcpu"))
	if after < before+1 {
		t.Fatalf("expected stubcpu dispatch counter to increment: before=%v after=%v", before, after)
	}

	beforeUnknown := testutil.ToFloat64(backendDispatchTotal.WithLabelValues("unknown"))
	RecordBackendDispatch("")
	afterUnknown := testutil.ToFloat64(backendDispatchTotal.WithLabelValues("unknown"))
	if afterUnknown < beforeUnknown+1 {
		t.Fatalf("expected empty backend name to count as unknown: before=%v after=%v", beforeUnknown, afterUnknown)
	}
}
