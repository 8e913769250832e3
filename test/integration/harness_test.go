package integration

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/pitabwire/watchtower/internal/controllers"
	"github.com/pitabwire/watchtower/model"
)

func TestHarness_Startup(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.Do("GET", "/health", "", nil, nil)
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("health status = %v, want ok", body["status"])
	}
}

func TestHarness_RootRedirectsToDashboards(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.Do("GET", "/", h.Token(Operator()), nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	if got := resp.Header.Get("Location"); got != "/console/dashboard.list" {
		t.Errorf("Location = %q", got)
	}
}

func TestHarness_FormCarriesCSRFToken(t *testing.T) {
	h := NewTestHarness(t)
	h.Monitor().Store().Put(controllers.KindProxy, model.Record{"id": "30", "name": "px-east", "operating_mode": "0"})

	resp := h.GET("/console/proxy.list", SuperAdmin())
	h.AssertStatus(t, resp, http.StatusOK)
	body := h.ReadBody(resp)

	if !strings.Contains(body, h.CSRFToken(SuperAdmin())) {
		t.Error("rendered form should embed the session's anti-forgery token")
	}
	if !strings.Contains(body, "px-east") {
		t.Error("proxy should be listed")
	}
}

func TestHarness_MonitorRecording(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/console/dashboard.list", SuperAdmin())
	resp.Body.Close()

	calls := h.Monitor().Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if calls[0].Method != "dashboard.get" {
		t.Errorf("method = %q, want dashboard.get", calls[0].Method)
	}

	var params map[string]any
	if err := json.Unmarshal(calls[0].Params, &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if params["accessible"] != true {
		t.Errorf("params = %v, want an accessible-only read", params)
	}

	h.Monitor().Reset()
	if n := h.Monitor().CallCount(); n != 0 {
		t.Errorf("calls after reset = %d", n)
	}
}

func TestHarness_PopupOverRPC(t *testing.T) {
	h := NewTestHarness(t)
	h.Monitor().Store().Put(controllers.KindHost,
		model.Record{"id": "10", "host": "web01", "name": "web01"},
		model.Record{"id": "11", "host": "db01", "name": "db01"},
	)

	resp := h.GET("/console/popup?srctbl=hosts&ajax=1", SuperAdmin())
	h.AssertStatus(t, resp, http.StatusOK)
	defer resp.Body.Close()

	var body struct {
		Records []map[string]any `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Records) != 2 {
		t.Errorf("records = %d, want 2", len(body.Records))
	}
}
