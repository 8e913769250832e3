package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/watchtower/model"
)

type rpcCall struct {
	Method string
	Params json.RawMessage
	Header http.Header
}

type fakeRPCServer struct {
	mu      sync.Mutex
	calls   []rpcCall
	status  int
	handler func(method string, params json.RawMessage) (any, *rpcError)
}

func (s *fakeRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		ID     int64           `json:"id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.mu.Lock()
	s.calls = append(s.calls, rpcCall{Method: req.Method, Params: req.Params, Header: r.Header.Clone()})
	status := s.status
	s.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	result, rerr := s.handler(req.Method, req.Params)
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if rerr != nil {
		resp["error"] = rerr
	} else {
		resp["result"] = result
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *fakeRPCServer) lastCall() rpcCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

func newRPCFixture(t *testing.T, handler func(string, json.RawMessage) (any, *rpcError)) (*RPC, *fakeRPCServer) {
	t.Helper()
	fake := &fakeRPCServer{handler: handler}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return NewRPC(srv.URL, "secret-token", time.Second, NewCircuitBreaker(2, 1, time.Minute)), fake
}

func TestRPC_GetForwardsQueryAndPrincipal(t *testing.T) {
	rpc, fake := newRPCFixture(t, func(method string, _ json.RawMessage) (any, *rpcError) {
		return []map[string]any{{"id": "100", "name": "CPU load"}}, nil
	})
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{
		SubjectID: "u-1", UserType: model.UserTypeAdmin, CorrelationID: "corr-1",
	})

	recs, err := rpc.Get(ctx, "item", model.Query{IDs: []string{"100"}, Editable: true})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(recs) != 1 || recs[0].String("name") != "CPU load" {
		t.Errorf("recs = %v", recs)
	}

	call := fake.lastCall()
	if call.Method != "item.get" {
		t.Errorf("method = %q, want item.get", call.Method)
	}
	var p getParams
	_ = json.Unmarshal(call.Params, &p)
	if !p.Editable || len(p.IDs) != 1 || p.IDs[0] != "100" {
		t.Errorf("params = %+v", p)
	}
	if got := call.Header.Get("Authorization"); got != "Bearer secret-token" {
		t.Errorf("Authorization = %q", got)
	}
	if got := call.Header.Get("X-Console-Subject"); got != "u-1" {
		t.Errorf("X-Console-Subject = %q", got)
	}
	if got := call.Header.Get("X-Console-User-Type"); got != "2" {
		t.Errorf("X-Console-User-Type = %q", got)
	}
	if got := call.Header.Get("X-Correlation-Id"); got != "corr-1" {
		t.Errorf("X-Correlation-Id = %q", got)
	}
}

func TestRPC_CountAcceptsStringResult(t *testing.T) {
	rpc, fake := newRPCFixture(t, func(string, json.RawMessage) (any, *rpcError) {
		return "3", nil
	})

	n, err := rpc.Count(context.Background(), "host", model.Query{})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}
	var p getParams
	_ = json.Unmarshal(fake.lastCall().Params, &p)
	if !p.CountOutput {
		t.Error("countOutput not requested")
	}
}

func TestRPC_ApplicationErrorIsUserFacing(t *testing.T) {
	rpc, _ := newRPCFixture(t, func(string, json.RawMessage) (any, *rpcError) {
		return nil, &rpcError{Code: -32602, Message: "Invalid params.", Data: "Item is used in a trigger."}
	})

	err := rpc.Delete(context.Background(), "item", "100")
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) {
		t.Fatalf("err = %v, want wrapped ErrorEnvelope", err)
	}
	if env.Message != "Item is used in a trigger." {
		t.Errorf("Message = %q", env.Message)
	}
	if !errors.Is(err, model.ErrBackendFailure) {
		t.Error("err should match ErrBackendFailure")
	}
}

func TestRPC_BreakerOpensOnServerErrors(t *testing.T) {
	rpc, fake := newRPCFixture(t, nil)
	fake.status = http.StatusBadGateway
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := rpc.Get(ctx, "item", model.Query{}); err == nil {
			t.Fatal("expected error from 502")
		}
	}
	_, err := rpc.Get(ctx, "item", model.Query{})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if len(fake.calls) != 2 {
		t.Errorf("server saw %d calls, want 2", len(fake.calls))
	}
}

func TestRPC_CanceledCallsDoNotTripBreaker(t *testing.T) {
	rpc, _ := newRPCFixture(t, func(string, json.RawMessage) (any, *rpcError) {
		return []map[string]any{}, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 3; i++ {
		if _, err := rpc.Get(ctx, "item", model.Query{}); err == nil {
			t.Fatal("expected an error from a canceled call")
		}
	}
	if s := rpc.breaker.State(); s != BreakerClosed {
		t.Errorf("breaker = %v, want closed", s)
	}
}

func TestRPC_InTxSendsOneBatch(t *testing.T) {
	rpc, fake := newRPCFixture(t, func(string, json.RawMessage) (any, *rpcError) {
		return map[string]any{}, nil
	})
	ctx := context.Background()

	err := rpc.InTx(ctx, func(tx model.Backend) error {
		if err := tx.Update(ctx, "dashboard", model.Record{"id": "1", "name": "Ops"}); err != nil {
			return err
		}
		_, err := tx.Create(ctx, "auditlog", model.Record{"action": "update"})
		return err
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	if len(fake.calls) != 1 {
		t.Fatalf("server saw %d calls, want 1", len(fake.calls))
	}
	call := fake.lastCall()
	if call.Method != "transaction.execute" {
		t.Errorf("method = %q", call.Method)
	}
	var p struct {
		Operations []rpcOp `json:"operations"`
	}
	_ = json.Unmarshal(call.Params, &p)
	if len(p.Operations) != 2 || p.Operations[0].Method != "dashboard.update" || p.Operations[1].Method != "auditlog.create" {
		t.Errorf("operations = %+v", p.Operations)
	}
}

func TestRPC_InTxErrorSendsNothing(t *testing.T) {
	rpc, fake := newRPCFixture(t, nil)
	boom := errors.New("boom")

	err := rpc.InTx(context.Background(), func(tx model.Backend) error {
		_ = tx.Delete(context.Background(), "item", "1")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
	if len(fake.calls) != 0 {
		t.Errorf("server saw %d calls, want 0", len(fake.calls))
	}
}

func TestRPC_ServerFailureIsUnavailable(t *testing.T) {
	rpc, fake := newRPCFixture(t, nil)
	fake.status = http.StatusServiceUnavailable

	_, err := rpc.Get(context.Background(), "proxy", model.Query{})

	if !errors.Is(err, model.NewBackendUnavailableError()) {
		t.Errorf("err = %v, want BACKEND_UNAVAILABLE", err)
	}
	var env *model.ErrorEnvelope
	if errors.As(err, &env) && strings.Contains(env.Message, "503") {
		t.Errorf("user-facing message leaks the status: %q", env.Message)
	}
}

func TestRPC_DeadlineIsTimeout(t *testing.T) {
	rpc, _ := newRPCFixture(t, nil)
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := rpc.Get(ctx, "proxy", model.Query{})

	if !errors.Is(err, model.NewBackendTimeoutError()) {
		t.Errorf("err = %v, want BACKEND_TIMEOUT", err)
	}
}
