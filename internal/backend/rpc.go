package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pitabwire/watchtower/internal/observability"
	"github.com/pitabwire/watchtower/model"
)

// RPC is a Backend talking JSON-RPC 2.0 to a monitoring server. Entity
// operations map to methods named "<kind>.<op>". The principal is forwarded
// in headers so the server scopes editable and accessible reads.
type RPC struct {
	url     string
	token   string
	client  *http.Client
	breaker *CircuitBreaker
	seq     *atomic.Int64
}

// NewRPC creates an RPC backend. breaker may be nil.
func NewRPC(url, token string, timeout time.Duration, breaker *CircuitBreaker) *RPC {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPC{
		url:   url,
		token: token,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		breaker: breaker,
		seq:     &atomic.Int64{},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

type getParams struct {
	IDs         []string          `json:"ids,omitempty"`
	Editable    bool              `json:"editable,omitempty"`
	Accessible  bool              `json:"accessible,omitempty"`
	Filter      map[string]string `json:"filter,omitempty"`
	Search      map[string]string `json:"search,omitempty"`
	SortField   string            `json:"sortfield,omitempty"`
	SortOrder   string            `json:"sortorder,omitempty"`
	Limit       int               `json:"limit,omitempty"`
	CountOutput bool              `json:"countOutput,omitempty"`
}

func toParams(q model.Query) getParams {
	return getParams{
		IDs:        q.IDs,
		Editable:   q.Editable,
		Accessible: q.Accessible,
		Filter:     q.Filter,
		Search:     q.Search,
		SortField:  q.SortField,
		SortOrder:  string(q.SortOrder),
		Limit:      q.Limit,
	}
}

// Get implements model.BackendReader.
func (r *RPC) Get(ctx context.Context, kind string, q model.Query) ([]model.Record, error) {
	var out []model.Record
	if err := r.call(ctx, kind+".get", toParams(q), &out); err != nil {
		return nil, &model.BackendError{Kind: kind, Op: "get", Err: err}
	}
	if out == nil {
		out = []model.Record{}
	}
	return out, nil
}

// Count implements model.BackendReader.
func (r *RPC) Count(ctx context.Context, kind string, q model.Query) (int, error) {
	p := toParams(q)
	p.CountOutput = true
	p.Limit = 0
	var raw json.RawMessage
	if err := r.call(ctx, kind+".get", p, &raw); err != nil {
		return 0, &model.BackendError{Kind: kind, Op: "count", Err: err}
	}
	n, err := parseCount(raw)
	if err != nil {
		return 0, &model.BackendError{Kind: kind, Op: "count", Err: err}
	}
	return n, nil
}

// Create implements model.Backend.
func (r *RPC) Create(ctx context.Context, kind string, recs ...model.Record) ([]string, error) {
	var out struct {
		IDs []string `json:"ids"`
	}
	if err := r.call(ctx, kind+".create", recs, &out); err != nil {
		return nil, &model.BackendError{Kind: kind, Op: "create", Err: err}
	}
	return out.IDs, nil
}

// Update implements model.Backend.
func (r *RPC) Update(ctx context.Context, kind string, recs ...model.Record) error {
	if err := r.call(ctx, kind+".update", recs, nil); err != nil {
		return &model.BackendError{Kind: kind, Op: "update", Err: err}
	}
	return nil
}

// Delete implements model.Backend.
func (r *RPC) Delete(ctx context.Context, kind string, ids ...string) error {
	if err := r.call(ctx, kind+".delete", ids, nil); err != nil {
		return &model.BackendError{Kind: kind, Op: "delete", Err: err}
	}
	return nil
}

// InTx collects the writes fn makes and sends them as one
// "transaction.execute" call, which the server applies atomically. Reads
// inside fn do not see the pending writes, and Create returns empty ids.
func (r *RPC) InTx(ctx context.Context, fn func(tx model.Backend) error) error {
	tx := &rpcTx{rpc: r}
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.ops) == 0 {
		return nil
	}
	if err := r.call(ctx, "transaction.execute", map[string]any{"operations": tx.ops}, nil); err != nil {
		return &model.BackendError{Op: "commit", Err: err}
	}
	return nil
}

// HealthCheck calls apiinfo.version.
func (r *RPC) HealthCheck(ctx context.Context) error {
	var v string
	return r.call(ctx, "apiinfo.version", []any{}, &v)
}

func (r *RPC) call(ctx context.Context, method string, params, out any) error {
	report := func(bool) {}
	if r.breaker != nil {
		var err error
		if report, err = r.breaker.Acquire(); err != nil {
			return model.NewBackendUnavailableError().Wrap(err)
		}
	}
	failed := false
	defer func() { report(failed) }()

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: r.seq.Add(1)})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json-rpc")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		req.Header.Set("X-Console-Subject", rctx.SubjectID)
		req.Header.Set("X-Console-User-Type", strconv.Itoa(int(rctx.UserType)))
		if rctx.CorrelationID != "" {
			req.Header.Set("X-Correlation-Id", rctx.CorrelationID)
		}
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := r.client.Do(req)
	if err != nil {
		// A caller that gave up says nothing about the monitor.
		failed = !errors.Is(err, context.Canceled)
		return unreachable(fmt.Errorf("%s: %w", method, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		failed = true
		return unreachable(fmt.Errorf("%s: reading response: %w", method, err))
	}
	if resp.StatusCode >= 500 {
		failed = true
		return model.NewBackendUnavailableError().Wrap(fmt.Errorf("%s: server returned %d", method, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: server returned %d", method, resp.StatusCode)
	}

	var rr rpcResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return fmt.Errorf("%s: decoding response: %w", method, err)
	}
	if rr.Error != nil {
		msg := rr.Error.Data
		if msg == "" {
			msg = rr.Error.Message
		}
		return model.NewActionFailedError(msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return fmt.Errorf("%s: decoding result: %w", method, err)
	}
	return nil
}

// unreachable classifies a transport failure. Timeouts, whether from the
// client or the caller's deadline, are reported separately.
func unreachable(err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return model.NewBackendTimeoutError().Wrap(err)
	}
	return model.NewBackendUnavailableError().Wrap(err)
}

func parseCount(raw json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("count result %s is not a number", raw)
	}
	return strconv.Atoi(s)
}

type rpcOp struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

// rpcTx buffers writes for InTx.
type rpcTx struct {
	rpc *RPC
	ops []rpcOp
}

func (t *rpcTx) Get(ctx context.Context, kind string, q model.Query) ([]model.Record, error) {
	return t.rpc.Get(ctx, kind, q)
}

func (t *rpcTx) Count(ctx context.Context, kind string, q model.Query) (int, error) {
	return t.rpc.Count(ctx, kind, q)
}

func (t *rpcTx) Create(_ context.Context, kind string, recs ...model.Record) ([]string, error) {
	t.ops = append(t.ops, rpcOp{Method: kind + ".create", Params: recs})
	return make([]string, len(recs)), nil
}

func (t *rpcTx) Update(_ context.Context, kind string, recs ...model.Record) error {
	t.ops = append(t.ops, rpcOp{Method: kind + ".update", Params: recs})
	return nil
}

func (t *rpcTx) Delete(_ context.Context, kind string, ids ...string) error {
	t.ops = append(t.ops, rpcOp{Method: kind + ".delete", Params: ids})
	return nil
}

func (t *rpcTx) InTx(_ context.Context, fn func(tx model.Backend) error) error {
	return fn(t)
}
