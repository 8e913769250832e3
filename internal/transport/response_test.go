package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pitabwire/watchtower/model"
)

// correlated returns a request that went through Correlation with id.
func correlated(id string) *http.Request {
	var out *http.Request
	req := httptest.NewRequest("GET", "/console/user.edit?userid=9", nil)
	req.Header.Set(HeaderCorrelationID, id)
	Correlation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { out = r })).
		ServeHTTP(httptest.NewRecorder(), req)
	return out
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) model.ErrorEnvelope {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body.Error
}

func TestWriteError_carriesCorrelationID(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, correlated("corr-77"), model.NewUnauthorizedError("Session expired"))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	env := decodeError(t, w)
	if env.Code != model.ErrUnauthorized || env.Message != "Session expired" || env.CorrelationID != "corr-77" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestWriteError_hidesForeignErrors(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, correlated("corr-1"), errors.New("pq: relation \"hosts\" does not exist"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	for _, leak := range []string{"pq:", "hosts", "does not exist"} {
		if strings.Contains(w.Body.String(), leak) {
			t.Errorf("body leaks %q from the cause: %s", leak, w.Body.String())
		}
	}
	env := decodeError(t, w)
	if env.Code != model.ErrInternalError || env.CorrelationID != "corr-1" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestWriteError_unwrapsEnvelopes(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("host.get: %w", model.NewBackendUnavailableError().Wrap(cause))

	w := httptest.NewRecorder()
	WriteError(w, correlated("corr-2"), err)

	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
	if strings.Contains(w.Body.String(), "connection refused") {
		t.Errorf("body leaks the cause: %s", w.Body.String())
	}
}

func TestErrorPage_keepsEnvelopeStatus(t *testing.T) {
	shared := model.NewNotFoundError("The requested page does not exist.")
	res := errorPage(correlated("corr-3"), "Not found", shared)

	if res.View != model.ViewError || res.Status != http.StatusNotFound || res.Title != "Not found" {
		t.Errorf("result = %+v", res)
	}
	ee := res.Data["error"].(*model.ErrorEnvelope)
	if ee.CorrelationID != "corr-3" {
		t.Errorf("CorrelationID = %q", ee.CorrelationID)
	}
	if shared.CorrelationID != "" {
		t.Error("the caller's envelope must not be modified")
	}
}

func TestStatusFor(t *testing.T) {
	want := map[string]int{
		model.ErrBadRequest:         400,
		model.ErrUnauthorized:       401,
		model.ErrForbidden:          403,
		model.ErrNotFound:           404,
		model.ErrConflict:           409,
		model.ErrValidationError:    422,
		model.ErrFatalRequest:       400,
		model.ErrActionFailed:       422,
		model.ErrInternalError:      500,
		model.ErrBackendUnavailable: 502,
		model.ErrBackendTimeout:     504,
		"SOMETHING_NEW":             500,
	}
	for code, status := range want {
		if got := StatusFor(code); got != status {
			t.Errorf("StatusFor(%s) = %d, want %d", code, got, status)
		}
	}
}
