package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/meterledger/pkg/errs"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: SchedulerJobReasonDeadlineExceeded},
		{name: "forbidden", err: errs.ErrPermissionDenied, want: SchedulerJobReasonForbidden},
		{name: "conflict", err: fmt.Errorf("settle: %w", errs.ErrConflict), want: SchedulerJobReasonConflict},
		{name: "unique_violation", err: errs.ErrAlreadyExists, want: SchedulerJobReasonUniqueViolation},
		{name: "unknown", err: errors.New("boom"), want: SchedulerJobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestSchedulerMetricsCounters(t *testing.T) {
	m := NewSchedulerMetrics(prometheus.NewRegistry(), Config{})

	m.IncJobRun("settlement_sweep")
	m.IncJobError("settlement_sweep", context.DeadlineExceeded)
	m.AddBatchProcessed("settlement_sweep", "users", 4)
	m.AddBatchProcessed("settlement_sweep", "users", 0)

	if got := testutil.ToFloat64(m.jobRuns.WithLabelValues("settlement_sweep")); got != 1 {
		t.Fatalf("expected 1 run, got %v", got)
	}
	if got := testutil.ToFloat64(m.jobErrors.WithLabelValues("settlement_sweep", SchedulerJobReasonDeadlineExceeded)); got != 1 {
		t.Fatalf("expected 1 error, got %v", got)
	}
	if got := testutil.ToFloat64(m.batchProcessed.WithLabelValues("settlement_sweep", "users")); got != 4 {
		t.Fatalf("expected 4 processed, got %v", got)
	}
}
