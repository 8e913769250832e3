package model

import (
	"context"
	"encoding/json"
	"net/http"
)

// ResultKind discriminates the three response shapes of a pipeline run.
type ResultKind int

const (
	ResultRender ResultKind = iota + 1
	ResultRedirect
	ResultRaw
)

func (k ResultKind) String() string {
	switch k {
	case ResultRender:
		return "render"
	case ResultRedirect:
		return "redirect"
	case ResultRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// Views rendered for terminal failures.
const (
	ViewError = "error"
)

// ActionResult is what a pipeline run hands to the transport: a full page,
// a redirect carrying an optional flash, or a raw fragment.
type ActionResult struct {
	Kind ResultKind

	// Render
	View   string
	Title  string
	Data   map[string]any
	Status int

	// Redirect
	Target string

	// Raw
	ContentType string
	Payload     string

	Flash *FlashMessage
}

// Render returns a full page result.
func Render(view, title string, data map[string]any) ActionResult {
	if data == nil {
		data = map[string]any{}
	}
	return ActionResult{Kind: ResultRender, View: view, Title: title, Data: data, Status: http.StatusOK}
}

// Redirect returns a redirect to target, which is an action name optionally
// followed by a query string ("item.list?hostid=10").
func Redirect(target string) ActionResult {
	return ActionResult{Kind: ResultRedirect, Target: target}
}

// Raw returns an opaque payload with its content type.
func Raw(contentType, payload string) ActionResult {
	return ActionResult{Kind: ResultRaw, ContentType: contentType, Payload: payload, Status: http.StatusOK}
}

// JSON marshals v into a raw JSON block.
func JSON(v any) (ActionResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return ActionResult{}, err
	}
	return Raw("application/json; charset=utf-8", string(data)), nil
}

// FatalPage is the generic failure page shown for fatal validation errors.
// It never carries field detail.
func FatalPage() ActionResult {
	res := Render(ViewError, "Error", map[string]any{"error": NewFatalRequestError()})
	res.Status = http.StatusBadRequest
	return res
}

// ForbiddenPage is shown when authorization is denied. It never explains
// why access was refused.
func ForbiddenPage() ActionResult {
	res := Render(ViewError, "Access denied", map[string]any{
		"error": NewForbiddenError("You are not permitted to access this page."),
	})
	res.Status = http.StatusForbidden
	return res
}

// WithFlash returns a copy of the result carrying msg.
func (r ActionResult) WithFlash(msg FlashMessage) ActionResult {
	r.Flash = &msg
	return r
}

// FlashLevel is the severity of a flash message.
type FlashLevel string

const (
	FlashOK    FlashLevel = "ok"
	FlashError FlashLevel = "error"
)

// FlashMessage is a one-shot status message shown on the page following a
// redirect. Form carries echoed inputs so a form can be shown again.
type FlashMessage struct {
	Level   FlashLevel     `json:"level"`
	Text    string         `json:"text"`
	Details []string       `json:"details,omitempty"`
	Form    map[string]any `json:"form,omitempty"`
}

// NewFlashOK returns a success message.
func NewFlashOK(text string) FlashMessage {
	return FlashMessage{Level: FlashOK, Text: text}
}

// NewFlashError returns an error message with optional detail lines.
func NewFlashError(text string, details ...string) FlashMessage {
	return FlashMessage{Level: FlashError, Text: text, Details: details}
}

// FlashStore keeps at most one pending flash message per session. Pop
// returns and removes it.
type FlashStore interface {
	Put(ctx context.Context, sessionID string, msg FlashMessage) error
	Pop(ctx context.Context, sessionID string) (*FlashMessage, error)
}
