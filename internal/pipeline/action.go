package pipeline

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/pitabwire/watchtower/model"
)

// ErrReadOnly is returned by the backend handed to read-only actions when
// they attempt a write.
var ErrReadOnly = errors.New("pipeline: write attempted by a read-only handler")

// ActionError is an action failure carrying the flash text to show instead
// of the handler's failure message.
type ActionError struct {
	Message string
	Err     error
}

func (e *ActionError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ActionError) Unwrap() error { return e.Err }

// Fail wraps err so the failure flash reads message.
func Fail(message string, err error) error {
	return &ActionError{Message: message, Err: err}
}

// Action is what an ActFunc works with.
type Action struct {
	Handler   string
	Inputs    model.Inputs
	Request   model.Request
	Decision  model.AuthorizationDecision
	Backend   model.Backend
	Principal *model.RequestContext
	Logger    *zap.Logger

	prefs    model.PreferenceStore
	recorder Recorder
}

// Pref returns the user's stored preference for key, or def. Store errors
// are logged and answered with def.
func (a *Action) Pref(ctx context.Context, key, def string) string {
	if a.prefs == nil || a.Principal == nil {
		return def
	}
	v, ok, err := a.prefs.Get(ctx, a.Principal.SubjectID, key)
	if err != nil {
		a.storeError("get", key, err)
		return def
	}
	if !ok {
		return def
	}
	return v
}

// SetPref stores a preference for the user. Failures are logged and never
// fail the action.
func (a *Action) SetPref(ctx context.Context, key, value string) {
	if a.prefs == nil || a.Principal == nil {
		return
	}
	if err := a.prefs.Set(ctx, a.Principal.SubjectID, key, value); err != nil {
		a.storeError("set", key, err)
	}
}

// DeletePref removes a stored preference for the user.
func (a *Action) DeletePref(ctx context.Context, key string) {
	if a.prefs == nil || a.Principal == nil {
		return
	}
	if err := a.prefs.Delete(ctx, a.Principal.SubjectID, key); err != nil {
		a.storeError("delete", key, err)
	}
}

func (a *Action) storeError(op, key string, err error) {
	a.Logger.Warn("preference store error", zap.String("operation", op), zap.String("key", key), zap.Error(err))
	if a.recorder != nil {
		a.recorder.RecordStoreError("preferences", op)
	}
}

// readOnlyBackend hands out reads and refuses every write.
type readOnlyBackend struct {
	model.BackendReader
}

func (readOnlyBackend) Create(context.Context, string, ...model.Record) ([]string, error) {
	return nil, ErrReadOnly
}

func (readOnlyBackend) Update(context.Context, string, ...model.Record) error {
	return ErrReadOnly
}

func (readOnlyBackend) Delete(context.Context, string, ...string) error {
	return ErrReadOnly
}

func (readOnlyBackend) InTx(_ context.Context, _ func(tx model.Backend) error) error {
	return ErrReadOnly
}

// readerView hides the write half of a backend from VALIDATE and AUTHORIZE.
type readerView struct {
	r model.BackendReader
}

func (v readerView) Get(ctx context.Context, kind string, q model.Query) ([]model.Record, error) {
	return v.r.Get(ctx, kind, q)
}

func (v readerView) Count(ctx context.Context, kind string, q model.Query) (int, error) {
	return v.r.Count(ctx, kind, q)
}
