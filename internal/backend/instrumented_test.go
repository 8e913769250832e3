package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/watchtower/internal/observability"
	"github.com/pitabwire/watchtower/model"
)

func TestInstrumented_RecordsCallsAndTransactions(t *testing.T) {
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	mem := loadedMemory(t)
	b := Instrument(mem, "memory", metrics)
	ctx := context.Background()

	if _, err := b.Get(ctx, "item", model.Query{}); err != nil {
		t.Fatalf("Get: %v", err)
	}
	_ = b.InTx(ctx, func(tx model.Backend) error {
		return tx.Delete(ctx, "item", "100")
	})
	_ = b.InTx(ctx, func(tx model.Backend) error {
		_ = tx.Delete(ctx, "item", "999")
		return errors.New("abort")
	})

	if got := testutil.ToFloat64(metrics.BackendRequestsTotal.WithLabelValues("memory", "get", "ok")); got != 1 {
		t.Errorf("get ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.BackendRequestsTotal.WithLabelValues("memory", "delete", "ok")); got != 1 {
		t.Errorf("delete ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.BackendRequestsTotal.WithLabelValues("memory", "delete", "error")); got != 1 {
		t.Errorf("delete error = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.BackendTransactionsTotal.WithLabelValues("memory", "commit")); got != 1 {
		t.Errorf("commit = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.BackendTransactionsTotal.WithLabelValues("memory", "rollback")); got != 1 {
		t.Errorf("rollback = %v, want 1", got)
	}
}

func TestInstrumented_HealthCheckDelegates(t *testing.T) {
	b := Instrument(NewMemory(), "memory", nil)
	if err := b.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck = %v", err)
	}
}
