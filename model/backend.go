package model

import (
	"context"
	"errors"
	"fmt"
)

// Record is one backend entity as a field map. The identifier lives under
// the "id" key.
type Record map[string]any

// ID returns the record identifier as a string.
func (r Record) ID() string {
	s, _ := Scalar(r["id"])
	return s
}

// String returns a field as a string, or "" when absent or not scalar.
func (r Record) String(name string) string {
	s, _ := Scalar(r[name])
	return s
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return Record(copyMap(r))
}

// SortOrder is the direction of a sorted read.
type SortOrder string

const (
	SortAsc  SortOrder = "ASC"
	SortDesc SortOrder = "DESC"
)

// Query narrows a backend read. Editable and Accessible scope the result to
// records the principal carried in the context has write or read rights on.
// Filter matches field values exactly, Search by case-insensitive substring.
type Query struct {
	IDs        []string
	Editable   bool
	Accessible bool
	Filter     map[string]string
	Search     map[string]string
	SortField  string
	SortOrder  SortOrder
	Limit      int
}

// ErrBackendFailure is returned by backends for an operation that was
// attempted and failed. Callers treat it as an action failure.
var ErrBackendFailure = errors.New("backend operation failed")

// BackendError describes a failed backend call.
type BackendError struct {
	Kind string
	Op   string
	Err  error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s.%s: %v", e.Kind, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Is makes every BackendError match ErrBackendFailure.
func (e *BackendError) Is(target error) bool {
	return target == ErrBackendFailure
}

// BackendReader is the read-only view of the backend handed to the VALIDATE
// and AUTHORIZE phases. Rights are evaluated against the principal found in
// ctx via RequestContextFrom.
type BackendReader interface {
	Get(ctx context.Context, kind string, q Query) ([]Record, error)
	Count(ctx context.Context, kind string, q Query) (int, error)
}

// Backend is the full backend, only reachable from the ACT phase.
type Backend interface {
	BackendReader

	Create(ctx context.Context, kind string, recs ...Record) ([]string, error)
	Update(ctx context.Context, kind string, recs ...Record) error
	Delete(ctx context.Context, kind string, ids ...string) error

	// InTx runs fn inside one transaction boundary. If fn returns an error no
	// mutation made through tx is visible afterwards.
	InTx(ctx context.Context, fn func(tx Backend) error) error
}

// PreferenceStore keeps per-user display preferences such as sort order and
// list filters. It is not authoritative: callers log and ignore its errors.
type PreferenceStore interface {
	Get(ctx context.Context, userID, key string) (string, bool, error)
	Set(ctx context.Context, userID, key, value string) error
	Delete(ctx context.Context, userID, key string) error
}
