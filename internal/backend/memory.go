package backend

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/watchtower/model"
)

// Call is one recorded backend operation.
type Call struct {
	Op   string
	Kind string
	IDs  []string
	InTx bool
}

// Memory is an in-process Backend. Rights come from its ACL. Transactions
// work on a snapshot that replaces the live tables on commit, so a failed
// transaction leaves nothing behind. Suitable for tests and demos.
type Memory struct {
	txMu   sync.Mutex
	mu     sync.RWMutex
	tables map[string]map[string]model.Record
	seq    int64
	acl    *ACL

	obsMu  sync.Mutex
	faults map[string]error
	calls  []Call
}

// NewMemory creates an empty memory backend.
func NewMemory() *Memory {
	return &Memory{
		tables: make(map[string]map[string]model.Record),
		acl:    NewACL(),
		faults: make(map[string]error),
	}
}

// ACL returns the rights table.
func (m *Memory) ACL() *ACL { return m.acl }

// Put stores records as-is, bypassing rights and faults. Records without an
// id get the next sequence number.
func (m *Memory) Put(kind string, recs ...model.Record) []string {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.view(m.tables, &m.seq, false)
	return v.insert(kind, recs)
}

// FailOn makes every op on kind fail with err. An empty kind matches all
// kinds. Ops are get, count, create, update, delete and commit.
func (m *Memory) FailOn(op, kind string, err error) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.faults[op+":"+kind] = err
}

// ClearFaults removes every injected failure.
func (m *Memory) ClearFaults() {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.faults = make(map[string]error)
}

// Calls returns the recorded operations in order.
func (m *Memory) Calls() []Call {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Writes counts recorded create, update and delete calls.
func (m *Memory) Writes() int {
	n := 0
	for _, c := range m.Calls() {
		switch c.Op {
		case "create", "update", "delete":
			n++
		}
	}
	return n
}

// ResetCalls clears the call log.
func (m *Memory) ResetCalls() {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.calls = nil
}

// All returns every record of kind, ignoring rights, sorted by id.
func (m *Memory) All(kind string) []model.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Record, 0, len(m.tables[kind]))
	for _, r := range m.tables[kind] {
		out = append(out, r.Clone())
	}
	sortRecords(out, "id", model.SortAsc)
	return out
}

// Get implements model.BackendReader.
func (m *Memory) Get(ctx context.Context, kind string, q model.Query) ([]model.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view(m.tables, &m.seq, false).get(ctx, kind, q)
}

// Count implements model.BackendReader.
func (m *Memory) Count(ctx context.Context, kind string, q model.Query) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view(m.tables, &m.seq, false).count(ctx, kind, q)
}

// Create implements model.Backend.
func (m *Memory) Create(ctx context.Context, kind string, recs ...model.Record) ([]string, error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view(m.tables, &m.seq, false).create(ctx, kind, recs)
}

// Update implements model.Backend.
func (m *Memory) Update(ctx context.Context, kind string, recs ...model.Record) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view(m.tables, &m.seq, false).update(ctx, kind, recs)
}

// Delete implements model.Backend.
func (m *Memory) Delete(ctx context.Context, kind string, ids ...string) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view(m.tables, &m.seq, false).delete(ctx, kind, ids)
}

// InTx runs fn against a snapshot and publishes it only if fn succeeds.
// Transactions are serialized; fn must only use tx for writes.
func (m *Memory) InTx(ctx context.Context, fn func(tx model.Backend) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	snap := cloneTables(m.tables)
	seq := m.seq
	m.mu.RUnlock()

	m.record(Call{Op: "begin", InTx: true})
	tx := &memTx{v: m.view(snap, &seq, true)}
	if err := fn(tx); err != nil {
		m.record(Call{Op: "rollback", InTx: true})
		return err
	}
	if err := m.fault("commit", ""); err != nil {
		m.record(Call{Op: "rollback", InTx: true})
		return &model.BackendError{Kind: "", Op: "commit", Err: err}
	}

	m.mu.Lock()
	m.tables = snap
	m.seq = seq
	m.mu.Unlock()
	for _, id := range tx.v.deleted {
		m.acl.forget(id[0], id[1])
	}
	m.record(Call{Op: "commit", InTx: true})
	return nil
}

// HealthCheck always succeeds.
func (m *Memory) HealthCheck(context.Context) error { return nil }

// Fixtures is the YAML layout accepted by LoadFixtures.
type Fixtures struct {
	Entities map[string][]map[string]any `yaml:"entities"`
	Grants   []struct {
		Subject string   `yaml:"subject"`
		Kind    string   `yaml:"kind"`
		IDs     []string `yaml:"ids"`
		Right   string   `yaml:"right"`
	} `yaml:"grants"`
}

// LoadFixtures seeds entities and grants from a YAML file.
func (m *Memory) LoadFixtures(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("backend: reading fixtures %s: %w", path, err)
	}
	var fx Fixtures
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return fmt.Errorf("backend: parsing fixtures %s: %w", path, err)
	}
	for kind, rows := range fx.Entities {
		recs := make([]model.Record, 0, len(rows))
		for _, row := range rows {
			recs = append(recs, model.Record(row))
		}
		m.Put(kind, recs...)
	}
	for _, g := range fx.Grants {
		r := ParseRight(g.Right)
		if r == RightNone {
			return fmt.Errorf("backend: fixtures %s: unknown right %q", path, g.Right)
		}
		for _, id := range g.IDs {
			m.acl.Grant(g.Subject, g.Kind, id, r)
		}
	}
	return nil
}

func (m *Memory) record(c Call) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.calls = append(m.calls, c)
}

func (m *Memory) fault(op, kind string) error {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	if err, ok := m.faults[op+":"+kind]; ok {
		return err
	}
	return m.faults[op+":"]
}

func (m *Memory) view(tables map[string]map[string]model.Record, seq *int64, inTx bool) *memView {
	return &memView{m: m, tables: tables, seq: seq, inTx: inTx}
}

// memTx is the Backend handed to InTx callbacks.
type memTx struct {
	v *memView
}

func (t *memTx) Get(ctx context.Context, kind string, q model.Query) ([]model.Record, error) {
	return t.v.get(ctx, kind, q)
}

func (t *memTx) Count(ctx context.Context, kind string, q model.Query) (int, error) {
	return t.v.count(ctx, kind, q)
}

func (t *memTx) Create(ctx context.Context, kind string, recs ...model.Record) ([]string, error) {
	return t.v.create(ctx, kind, recs)
}

func (t *memTx) Update(ctx context.Context, kind string, recs ...model.Record) error {
	return t.v.update(ctx, kind, recs)
}

func (t *memTx) Delete(ctx context.Context, kind string, ids ...string) error {
	return t.v.delete(ctx, kind, ids)
}

// InTx joins the surrounding transaction.
func (t *memTx) InTx(_ context.Context, fn func(tx model.Backend) error) error {
	return fn(t)
}

// memView runs operations over one set of tables. Callers hold the locks
// the tables need.
type memView struct {
	m       *Memory
	tables  map[string]map[string]model.Record
	seq     *int64
	inTx    bool
	deleted [][2]string
}

func (v *memView) get(ctx context.Context, kind string, q model.Query) ([]model.Record, error) {
	v.m.record(Call{Op: "get", Kind: kind, IDs: q.IDs, InTx: v.inTx})
	if err := v.m.fault("get", kind); err != nil {
		return nil, &model.BackendError{Kind: kind, Op: "get", Err: err}
	}
	return v.query(ctx, kind, q), nil
}

func (v *memView) count(ctx context.Context, kind string, q model.Query) (int, error) {
	v.m.record(Call{Op: "count", Kind: kind, IDs: q.IDs, InTx: v.inTx})
	if err := v.m.fault("count", kind); err != nil {
		return 0, &model.BackendError{Kind: kind, Op: "count", Err: err}
	}
	q.Limit = 0
	return len(v.query(ctx, kind, q)), nil
}

func (v *memView) query(ctx context.Context, kind string, q model.Query) []model.Record {
	rctx := model.RequestContextFrom(ctx)
	var wanted map[string]bool
	if len(q.IDs) > 0 {
		wanted = make(map[string]bool, len(q.IDs))
		for _, id := range q.IDs {
			wanted[id] = true
		}
	}
	out := []model.Record{}
	for id, rec := range v.tables[kind] {
		if wanted != nil && !wanted[id] {
			continue
		}
		if q.Editable && !v.m.acl.Allows(rctx, kind, id, RightWrite) {
			continue
		}
		if q.Accessible && !v.m.acl.Allows(rctx, kind, id, RightRead) {
			continue
		}
		if !matches(rec, q) {
			continue
		}
		out = append(out, rec.Clone())
	}
	sortRecords(out, q.SortField, q.SortOrder)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func (v *memView) create(_ context.Context, kind string, recs []model.Record) ([]string, error) {
	v.m.record(Call{Op: "create", Kind: kind, InTx: v.inTx})
	if err := v.m.fault("create", kind); err != nil {
		return nil, &model.BackendError{Kind: kind, Op: "create", Err: err}
	}
	for _, r := range recs {
		if id := r.ID(); id != "" {
			if _, exists := v.tables[kind][id]; exists {
				return nil, &model.BackendError{Kind: kind, Op: "create", Err: fmt.Errorf("record %s already exists", id)}
			}
		}
	}
	return v.insert(kind, recs), nil
}

func (v *memView) insert(kind string, recs []model.Record) []string {
	if v.tables[kind] == nil {
		v.tables[kind] = make(map[string]model.Record)
	}
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		rec := r.Clone()
		if rec == nil {
			rec = model.Record{}
		}
		id := rec.ID()
		if id == "" {
			*v.seq++
			id = strconv.FormatInt(*v.seq, 10)
		} else if n, err := strconv.ParseInt(id, 10, 64); err == nil && n > *v.seq {
			*v.seq = n
		}
		rec["id"] = id
		v.tables[kind][id] = rec
		ids = append(ids, id)
	}
	return ids
}

func (v *memView) update(_ context.Context, kind string, recs []model.Record) error {
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID())
	}
	v.m.record(Call{Op: "update", Kind: kind, IDs: ids, InTx: v.inTx})
	if err := v.m.fault("update", kind); err != nil {
		return &model.BackendError{Kind: kind, Op: "update", Err: err}
	}
	for _, id := range ids {
		if _, ok := v.tables[kind][id]; !ok {
			return &model.BackendError{Kind: kind, Op: "update", Err: fmt.Errorf("record %q not found", id)}
		}
	}
	for _, r := range recs {
		cur := v.tables[kind][r.ID()]
		for k, val := range r.Clone() {
			cur[k] = val
		}
	}
	return nil
}

func (v *memView) delete(_ context.Context, kind string, ids []string) error {
	v.m.record(Call{Op: "delete", Kind: kind, IDs: ids, InTx: v.inTx})
	if err := v.m.fault("delete", kind); err != nil {
		return &model.BackendError{Kind: kind, Op: "delete", Err: err}
	}
	for _, id := range ids {
		if _, ok := v.tables[kind][id]; !ok {
			return &model.BackendError{Kind: kind, Op: "delete", Err: fmt.Errorf("record %q not found", id)}
		}
	}
	for _, id := range ids {
		delete(v.tables[kind], id)
		if v.inTx {
			v.deleted = append(v.deleted, [2]string{kind, id})
		} else {
			v.m.acl.forget(kind, id)
		}
	}
	return nil
}

func cloneTables(in map[string]map[string]model.Record) map[string]map[string]model.Record {
	out := make(map[string]map[string]model.Record, len(in))
	for kind, recs := range in {
		t := make(map[string]model.Record, len(recs))
		for id, r := range recs {
			t[id] = r.Clone()
		}
		out[kind] = t
	}
	return out
}
