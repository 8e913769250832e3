// Package transport contains the HTTP router, the middleware chain and the
// console action endpoint.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/watchtower/model"
)

var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrForbidden:          http.StatusForbidden,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrValidationError:    http.StatusUnprocessableEntity,
	model.ErrFatalRequest:       http.StatusBadRequest,
	model.ErrActionFailed:       http.StatusUnprocessableEntity,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrBackendUnavailable: http.StatusBadGateway,
	model.ErrBackendTimeout:     http.StatusGatewayTimeout,
}

// StatusFor maps an envelope code to its HTTP status. Unknown codes are 500.
func StatusFor(code string) int {
	if s, ok := statusForCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// WriteJSON writes body as JSON.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// envelopeOf returns err as an envelope, hiding anything else behind a
// generic internal error. The request correlator is attached so users can
// quote it.
func envelopeOf(r *http.Request, err error) *model.ErrorEnvelope {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	out := *ee
	out.CorrelationID = CorrelationIDFrom(r.Context())
	return &out
}

// WriteError answers a request the console cannot serve as a page, such as
// one without a session, with {"error": envelope}.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	ee := envelopeOf(r, err)
	WriteJSON(w, StatusFor(ee.Code), struct {
		Error *model.ErrorEnvelope `json:"error"`
	}{ee})
}

// errorPage is the error view for an envelope, served with the envelope's
// status.
func errorPage(r *http.Request, title string, err error) model.ActionResult {
	ee := envelopeOf(r, err)
	res := model.Render(model.ViewError, title, map[string]any{"error": ee})
	res.Status = StatusFor(ee.Code)
	return res
}
