package model

import (
	"context"
	"errors"
	"fmt"
)

// UserType is the console tier of a principal. A higher tier holds every
// right of the lower ones.
type UserType int

const (
	UserTypeUser       UserType = 1
	UserTypeAdmin      UserType = 2
	UserTypeSuperAdmin UserType = 3
)

var userTypeNames = map[UserType]string{
	UserTypeUser:       "user",
	UserTypeAdmin:      "admin",
	UserTypeSuperAdmin: "super_admin",
}

func (t UserType) String() string {
	if n, ok := userTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("user_type(%d)", int(t))
}

// ParseUserType accepts the numeric tier carried in session claims.
func ParseUserType(v int) (UserType, bool) {
	t := UserType(v)
	_, ok := userTypeNames[t]
	return t, ok
}

// RequestContext is the principal behind a console request. It is built
// once by the session middleware and only read afterwards.
type RequestContext struct {
	SubjectID string
	Username  string
	UserType  UserType
	Roles     []string
	Claims    map[string]any

	SessionID     string
	CorrelationID string
	TraceID       string
	Locale        string
	Timezone      string
}

// Validate reports every missing or malformed identity field.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, errors.New("subject is required"))
	}
	if _, ok := ParseUserType(int(rc.UserType)); !ok {
		errs = append(errs, fmt.Errorf("user type %d is not valid", rc.UserType))
	}
	return errors.Join(errs...)
}

// AtLeast reports whether the principal's tier is min or higher. A nil
// principal is below every tier.
func (rc *RequestContext) AtLeast(min UserType) bool {
	return rc != nil && rc.UserType >= min
}

type contextKey struct{}

// WithRequestContext attaches the principal to ctx.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom returns the principal on ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// SubjectFrom returns the subject of the principal on ctx, or "".
func SubjectFrom(ctx context.Context) string {
	if rctx := RequestContextFrom(ctx); rctx != nil {
		return rctx.SubjectID
	}
	return ""
}
