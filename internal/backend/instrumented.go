package backend

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/watchtower/internal/observability"
	"github.com/pitabwire/watchtower/model"
)

// Recorder receives backend measurements.
type Recorder interface {
	RecordBackendRequest(driver, operation, status string, duration time.Duration)
	RecordBackendTransaction(driver, outcome string)
}

// Instrumented wraps a Backend with a span and a metric per call.
type Instrumented struct {
	next   model.Backend
	driver string
	rec    Recorder
}

// Instrument wraps next. rec may be nil.
func Instrument(next model.Backend, driver string, rec Recorder) *Instrumented {
	return &Instrumented{next: next, driver: driver, rec: rec}
}

// Get implements model.BackendReader.
func (i *Instrumented) Get(ctx context.Context, kind string, q model.Query) ([]model.Record, error) {
	ctx, span, start := i.begin(ctx, "get", kind)
	recs, err := i.next.Get(ctx, kind, q)
	i.end(span, "get", start, err)
	return recs, err
}

// Count implements model.BackendReader.
func (i *Instrumented) Count(ctx context.Context, kind string, q model.Query) (int, error) {
	ctx, span, start := i.begin(ctx, "count", kind)
	n, err := i.next.Count(ctx, kind, q)
	i.end(span, "count", start, err)
	return n, err
}

// Create implements model.Backend.
func (i *Instrumented) Create(ctx context.Context, kind string, recs ...model.Record) ([]string, error) {
	ctx, span, start := i.begin(ctx, "create", kind)
	ids, err := i.next.Create(ctx, kind, recs...)
	i.end(span, "create", start, err)
	return ids, err
}

// Update implements model.Backend.
func (i *Instrumented) Update(ctx context.Context, kind string, recs ...model.Record) error {
	ctx, span, start := i.begin(ctx, "update", kind)
	err := i.next.Update(ctx, kind, recs...)
	i.end(span, "update", start, err)
	return err
}

// Delete implements model.Backend.
func (i *Instrumented) Delete(ctx context.Context, kind string, ids ...string) error {
	ctx, span, start := i.begin(ctx, "delete", kind)
	err := i.next.Delete(ctx, kind, ids...)
	i.end(span, "delete", start, err)
	return err
}

// InTx implements model.Backend. Calls made through tx are instrumented too.
func (i *Instrumented) InTx(ctx context.Context, fn func(tx model.Backend) error) error {
	ctx, span := observability.StartSpan(ctx, "backend.tx", observability.AttrDriver.String(i.driver))
	err := i.next.InTx(ctx, func(tx model.Backend) error {
		return fn(&Instrumented{next: tx, driver: i.driver, rec: i.rec})
	})
	if i.rec != nil {
		outcome := "commit"
		if err != nil {
			outcome = "rollback"
		}
		i.rec.RecordBackendTransaction(i.driver, outcome)
	}
	observability.EndSpanWithError(span, err)
	return err
}

// HealthCheck delegates to the wrapped backend when it supports health
// checks.
func (i *Instrumented) HealthCheck(ctx context.Context) error {
	if hc, ok := i.next.(interface{ HealthCheck(context.Context) error }); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// Unwrap returns the wrapped backend.
func (i *Instrumented) Unwrap() model.Backend { return i.next }

func (i *Instrumented) begin(ctx context.Context, op, kind string) (context.Context, trace.Span, time.Time) {
	ctx, span := observability.StartBackendSpan(ctx, i.driver, op, kind)
	return ctx, span, time.Now()
}

func (i *Instrumented) end(span trace.Span, op string, start time.Time, err error) {
	if i.rec != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		i.rec.RecordBackendRequest(i.driver, op, status, time.Since(start))
	}
	observability.EndSpanWithError(span, err)
}
