// Package audit records who changed what. Entries are written through the
// backend inside the caller's transaction, so an entry exists exactly when
// the change it describes was committed. The audit log line for an entry
// is emitted only once that transaction has committed.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/watchtower/model"
)

// Kind is the backend entity kind holding audit entries.
const Kind = "auditlog"

// Audited actions.
const (
	ActionAdd    = "add"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Entry describes one audited change.
type Entry struct {
	Action       string
	ResourceType string
	ResourceID   string
	ResourceName string
	Details      map[string]any
}

// Recorder writes audit entries.
type Recorder struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder.
func NewRecorder(logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{logger: logger, now: time.Now}
}

type pendingKey struct{}

// pending holds the log lines of entries written by an uncommitted
// transaction.
type pending struct {
	mu     sync.Mutex
	fields [][]zap.Field
}

func (p *pending) add(f []zap.Field) {
	p.mu.Lock()
	p.fields = append(p.fields, f)
	p.mu.Unlock()
}

// InTx runs fn in a transaction of b. Entries recorded with the context
// handed to fn are logged after the commit and never when it rolls back.
func (r *Recorder) InTx(ctx context.Context, b model.Backend, fn func(ctx context.Context, tx model.Backend) error) error {
	p := &pending{}
	txCtx := context.WithValue(ctx, pendingKey{}, p)
	if err := b.InTx(ctx, func(tx model.Backend) error {
		return fn(txCtx, tx)
	}); err != nil {
		return err
	}
	for _, f := range p.fields {
		r.logger.Info("audit", f...)
	}
	return nil
}

// Record stores e through b, which should be the transaction of the change.
// Under a context from InTx the log line waits for the commit; otherwise
// the write is already durable and it is logged at once.
func (r *Recorder) Record(ctx context.Context, b model.Backend, e Entry) error {
	rec := model.Record{
		"eventid":      uuid.NewString(),
		"action":       e.Action,
		"resourcetype": e.ResourceType,
		"resourceid":   e.ResourceID,
		"resourcename": e.ResourceName,
		"clock":        r.now().Unix(),
	}
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		rec["userid"] = rctx.SubjectID
		rec["username"] = rctx.Username
		rec["correlationid"] = rctx.CorrelationID
	}
	if len(e.Details) > 0 {
		rec["details"] = e.Details
	}

	if _, err := b.Create(ctx, Kind, rec); err != nil {
		return fmt.Errorf("audit %s %s %s: %w", e.Action, e.ResourceType, e.ResourceID, err)
	}

	fields := []zap.Field{
		zap.String("event_id", rec.String("eventid")),
		zap.String("action", e.Action),
		zap.String("resource_type", e.ResourceType),
		zap.String("resource_id", e.ResourceID),
		zap.String("user_id", rec.String("userid")),
	}
	if p, ok := ctx.Value(pendingKey{}).(*pending); ok {
		p.add(fields)
		return nil
	}
	r.logger.Info("audit", fields...)
	return nil
}

// RecordAll records one entry per id with the same action and type.
func (r *Recorder) RecordAll(ctx context.Context, b model.Backend, action, resourceType string, recs []model.Record, nameField string) error {
	for _, rec := range recs {
		if err := r.Record(ctx, b, Entry{
			Action:       action,
			ResourceType: resourceType,
			ResourceID:   rec.ID(),
			ResourceName: rec.String(nameField),
		}); err != nil {
			return err
		}
	}
	return nil
}

// Changes lists the fields whose value differs between before and after,
// as [old, new] pairs.
func Changes(before, after model.Record, fields ...string) map[string]any {
	out := map[string]any{}
	for _, f := range fields {
		if _, ok := after[f]; !ok {
			continue
		}
		if before.String(f) != after.String(f) {
			out[f] = []string{before.String(f), after.String(f)}
		}
	}
	return out
}
