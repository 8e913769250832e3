package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/watchtower/internal/backend"
	"github.com/pitabwire/watchtower/model"
)

// RecordedCall captures a JSON-RPC call received by the mock monitor.
type RecordedCall struct {
	Method     string
	Subject    string
	UserType   string
	Correlator string
	Params     json.RawMessage
	ReceivedAt time.Time
}

// MockMonitor is a JSON-RPC 2.0 monitoring server backed by an in-memory
// store. Calls are scoped by the principal headers the console forwards, so
// the store's grants apply exactly as they would on a real server.
type MockMonitor struct {
	t      *testing.T
	server *httptest.Server
	store  *backend.Memory

	mu       sync.Mutex
	calls    []RecordedCall
	down     bool
	delay    time.Duration
	rpcFault map[string]string
}

type mockRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     int64           `json:"id"`
}

type mockError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

type mockGetParams struct {
	IDs         []string          `json:"ids"`
	Editable    bool              `json:"editable"`
	Accessible  bool              `json:"accessible"`
	Filter      map[string]string `json:"filter"`
	Search      map[string]string `json:"search"`
	SortField   string            `json:"sortfield"`
	SortOrder   string            `json:"sortorder"`
	Limit       int               `json:"limit"`
	CountOutput bool              `json:"countOutput"`
}

// newMockMonitor starts the mock server over a fresh store.
func newMockMonitor(t *testing.T) *MockMonitor {
	t.Helper()

	mm := &MockMonitor{
		t:        t,
		store:    backend.NewMemory(),
		rpcFault: make(map[string]string),
	}
	mm.server = httptest.NewServer(http.HandlerFunc(mm.handle))
	t.Cleanup(mm.server.Close)
	return mm
}

// URL returns the JSON-RPC endpoint.
func (mm *MockMonitor) URL() string {
	return mm.server.URL + "/api_jsonrpc.php"
}

// Store returns the data behind the server, for seeding and assertions.
func (mm *MockMonitor) Store() *backend.Memory {
	return mm.store
}

// SetDown makes every call fail with 503 until cleared.
func (mm *MockMonitor) SetDown(down bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.down = down
}

// SetDelay holds every response for d.
func (mm *MockMonitor) SetDelay(d time.Duration) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.delay = d
}

// FailMethod answers method with a JSON-RPC application error carrying data.
func (mm *MockMonitor) FailMethod(method, data string) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.rpcFault[method] = data
}

// Calls returns a copy of all recorded calls.
func (mm *MockMonitor) Calls() []RecordedCall {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	out := make([]RecordedCall, len(mm.calls))
	copy(out, mm.calls)
	return out
}

// CallsTo returns the recorded calls of one method.
func (mm *MockMonitor) CallsTo(method string) []RecordedCall {
	var out []RecordedCall
	for _, c := range mm.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// CallCount returns the number of calls received.
func (mm *MockMonitor) CallCount() int {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return len(mm.calls)
}

// Reset clears the recorded calls and injected failures.
func (mm *MockMonitor) Reset() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.calls = nil
	mm.down = false
	mm.delay = 0
	mm.rpcFault = make(map[string]string)
}

func (mm *MockMonitor) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req mockRequest
	if err := json.Unmarshal(body, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	mm.mu.Lock()
	mm.calls = append(mm.calls, RecordedCall{
		Method:     req.Method,
		Subject:    r.Header.Get("X-Console-Subject"),
		UserType:   r.Header.Get("X-Console-User-Type"),
		Correlator: r.Header.Get("X-Correlation-Id"),
		Params:     req.Params,
		ReceivedAt: time.Now(),
	})
	down, delay := mm.down, mm.delay
	fault, faulted := mm.rpcFault[req.Method]
	mm.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if down {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json-rpc")
	if faulted {
		writeRPC(w, req.ID, nil, &mockError{Code: -32500, Message: "Application error.", Data: fault})
		return
	}

	result, err := mm.dispatch(principalContext(r), req.Method, req.Params)
	if err != nil {
		writeRPC(w, req.ID, nil, &mockError{Code: -32500, Message: "Application error.", Data: err.Error()})
		return
	}
	writeRPC(w, req.ID, result, nil)
}

func writeRPC(w http.ResponseWriter, id int64, result any, rpcErr *mockError) {
	resp := map[string]any{"jsonrpc": "2.0", "id": id}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// principalContext rebuilds the caller's identity from the forwarded headers.
func principalContext(r *http.Request) context.Context {
	subject := r.Header.Get("X-Console-Subject")
	if subject == "" {
		return r.Context()
	}
	ut, _ := strconv.Atoi(r.Header.Get("X-Console-User-Type"))
	return model.WithRequestContext(r.Context(), &model.RequestContext{
		SubjectID: subject,
		UserType:  model.UserType(ut),
	})
}

func (mm *MockMonitor) dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "apiinfo.version":
		return "7.0.0", nil
	case "transaction.execute":
		var p struct {
			Operations []struct {
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			} `json:"operations"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		err := mm.store.InTx(ctx, func(tx model.Backend) error {
			for _, op := range p.Operations {
				if _, err := entityCall(ctx, tx, op.Method, op.Params); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return true, nil
	}
	return entityCall(ctx, mm.store, method, params)
}

func entityCall(ctx context.Context, b model.Backend, method string, params json.RawMessage) (any, error) {
	kind, op, ok := strings.Cut(method, ".")
	if !ok {
		return nil, fmt.Errorf("method %q not found", method)
	}
	switch op {
	case "get":
		var p mockGetParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		q := model.Query{
			IDs:        p.IDs,
			Editable:   p.Editable,
			Accessible: p.Accessible,
			Filter:     p.Filter,
			Search:     p.Search,
			SortField:  p.SortField,
			SortOrder:  model.SortOrder(p.SortOrder),
			Limit:      p.Limit,
		}
		if p.CountOutput {
			n, err := b.Count(ctx, kind, q)
			if err != nil {
				return nil, err
			}
			return strconv.Itoa(n), nil
		}
		return b.Get(ctx, kind, q)
	case "create":
		var recs []model.Record
		if err := json.Unmarshal(params, &recs); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		ids, err := b.Create(ctx, kind, recs...)
		if err != nil {
			return nil, err
		}
		return map[string]any{"ids": ids}, nil
	case "update":
		var recs []model.Record
		if err := json.Unmarshal(params, &recs); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		if err := b.Update(ctx, kind, recs...); err != nil {
			return nil, err
		}
		return true, nil
	case "delete":
		var ids []string
		if err := json.Unmarshal(params, &ids); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		if err := b.Delete(ctx, kind, ids...); err != nil {
			return nil, err
		}
		return true, nil
	}
	return nil, fmt.Errorf("method %q not found", method)
}
