package model

import (
	"net/http"
	"testing"
)

func TestRender_defaults(t *testing.T) {
	r := Render("dashboard.list", "Dashboards", nil)
	if r.Kind != ResultRender {
		t.Errorf("Kind = %v, want render", r.Kind)
	}
	if r.Data == nil {
		t.Error("Data should be initialized")
	}
	if r.Status != http.StatusOK {
		t.Errorf("Status = %d, want 200", r.Status)
	}
}

func TestRedirect_WithFlash(t *testing.T) {
	base := Redirect("item.list")
	r := base.WithFlash(NewFlashOK("3 items deleted"))

	if base.Flash != nil {
		t.Error("WithFlash should not modify the receiver")
	}
	if r.Kind != ResultRedirect || r.Target != "item.list" {
		t.Errorf("got %v %q, want redirect item.list", r.Kind, r.Target)
	}
	if r.Flash == nil || r.Flash.Level != FlashOK || r.Flash.Text != "3 items deleted" {
		t.Errorf("Flash = %+v", r.Flash)
	}
}

func TestJSON(t *testing.T) {
	r, err := JSON(map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	if r.Kind != ResultRaw {
		t.Errorf("Kind = %v, want raw", r.Kind)
	}
	if r.Payload != `{"a":1}` {
		t.Errorf("Payload = %q", r.Payload)
	}
	if r.ContentType != "application/json; charset=utf-8" {
		t.Errorf("ContentType = %q", r.ContentType)
	}
}

func TestFatalPage_isGeneric(t *testing.T) {
	r := FatalPage()
	if r.Status != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", r.Status)
	}
	env, ok := r.Data["error"].(*ErrorEnvelope)
	if !ok {
		t.Fatalf("error data = %T, want *ErrorEnvelope", r.Data["error"])
	}
	if env.Code != ErrFatalRequest {
		t.Errorf("Code = %q, want %q", env.Code, ErrFatalRequest)
	}
	if len(env.Details) != 0 {
		t.Error("fatal page must not carry field details")
	}
}

func TestForbiddenPage(t *testing.T) {
	r := ForbiddenPage()
	if r.Status != http.StatusForbidden {
		t.Errorf("Status = %d, want 403", r.Status)
	}
	if r.View != ViewError {
		t.Errorf("View = %q, want %q", r.View, ViewError)
	}
}

func TestNewFlashError(t *testing.T) {
	f := NewFlashError("Cannot delete items", "item 3 is locked")
	if f.Level != FlashError {
		t.Errorf("Level = %q, want error", f.Level)
	}
	if len(f.Details) != 1 {
		t.Errorf("Details = %v", f.Details)
	}
}
