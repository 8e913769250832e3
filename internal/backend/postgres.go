package backend

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/watchtower/model"
)

//go:embed schema.sql
var schemaSQL string

// querier is the part of pgx shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres is a Backend storing every entity kind as JSONB rows in one
// table, with rights in entity_rights.
type Postgres struct {
	pool *pgxpool.Pool
	q    querier
	tx   pgx.Tx
}

// NewPostgres creates a Postgres backend over pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, q: pool}
}

// EnsureSchema creates the tables if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.q.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Grant upserts a right for subject on an entity.
func (p *Postgres) Grant(ctx context.Context, subject, kind, id string, r Right) error {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return &model.BackendError{Kind: kind, Op: "grant", Err: fmt.Errorf("invalid id %q", id)}
	}
	_, err = p.q.Exec(ctx, `
		INSERT INTO entity_rights (subject_id, kind, entity_id, permission)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subject_id, kind, entity_id) DO UPDATE SET permission = EXCLUDED.permission`,
		subject, kind, n, int(r),
	)
	if err != nil {
		return &model.BackendError{Kind: kind, Op: "grant", Err: err}
	}
	return nil
}

// Get implements model.BackendReader.
func (p *Postgres) Get(ctx context.Context, kind string, q model.Query) ([]model.Record, error) {
	where, args := p.where(ctx, kind, q)
	sql := `SELECT e.id, e.data FROM entities e WHERE ` + where

	if q.SortField != "" && q.SortField != "id" {
		args = append(args, q.SortField)
		sql += fmt.Sprintf(" ORDER BY e.data->>$%d %s, e.id", len(args), sortDir(q.SortOrder))
	} else {
		sql += " ORDER BY e.id " + sortDir(q.SortOrder)
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, &model.BackendError{Kind: kind, Op: "get", Err: err}
	}
	defer rows.Close()

	out := []model.Record{}
	for rows.Next() {
		var id int64
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, &model.BackendError{Kind: kind, Op: "get", Err: fmt.Errorf("scan: %w", err)}
		}
		rec := model.Record{}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &rec); err != nil {
				return nil, &model.BackendError{Kind: kind, Op: "get", Err: fmt.Errorf("unmarshal: %w", err)}
			}
		}
		rec["id"] = strconv.FormatInt(id, 10)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.BackendError{Kind: kind, Op: "get", Err: err}
	}
	return out, nil
}

// Count implements model.BackendReader.
func (p *Postgres) Count(ctx context.Context, kind string, q model.Query) (int, error) {
	where, args := p.where(ctx, kind, q)
	var n int
	if err := p.q.QueryRow(ctx, `SELECT count(*) FROM entities e WHERE `+where, args...).Scan(&n); err != nil {
		return 0, &model.BackendError{Kind: kind, Op: "count", Err: err}
	}
	return n, nil
}

// Create implements model.Backend. Records carrying an id keep it.
func (p *Postgres) Create(ctx context.Context, kind string, recs ...model.Record) ([]string, error) {
	ids := make([]string, 0, len(recs))
	err := p.InTx(ctx, func(tx model.Backend) error {
		pt := tx.(*Postgres)
		for _, r := range recs {
			data, err := json.Marshal(withoutID(r))
			if err != nil {
				return fmt.Errorf("marshal: %w", err)
			}
			var id int64
			if rid := r.ID(); rid != "" {
				n, perr := strconv.ParseInt(rid, 10, 64)
				if perr != nil {
					return fmt.Errorf("invalid id %q", rid)
				}
				err = pt.q.QueryRow(ctx,
					`INSERT INTO entities (kind, id, data) VALUES ($1, $2, $3) RETURNING id`,
					kind, n, data).Scan(&id)
			} else {
				err = pt.q.QueryRow(ctx,
					`INSERT INTO entities (kind, data) VALUES ($1, $2) RETURNING id`,
					kind, data).Scan(&id)
			}
			if isUniqueViolation(err) {
				return fmt.Errorf("record %s already exists: %w", r.ID(), err)
			}
			if err != nil {
				return err
			}
			ids = append(ids, strconv.FormatInt(id, 10))
		}
		return nil
	})
	if err != nil {
		return nil, &model.BackendError{Kind: kind, Op: "create", Err: err}
	}
	return ids, nil
}

// Update implements model.Backend. Fields are merged into the stored
// document.
func (p *Postgres) Update(ctx context.Context, kind string, recs ...model.Record) error {
	err := p.InTx(ctx, func(tx model.Backend) error {
		pt := tx.(*Postgres)
		for _, r := range recs {
			id, err := strconv.ParseInt(r.ID(), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", r.ID())
			}
			data, err := json.Marshal(withoutID(r))
			if err != nil {
				return fmt.Errorf("marshal: %w", err)
			}
			tag, err := pt.q.Exec(ctx, `
				UPDATE entities SET data = data || $3::jsonb, updated_at = now()
				WHERE kind = $1 AND id = $2`,
				kind, id, data)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("record %q not found", r.ID())
			}
		}
		return nil
	})
	if err != nil {
		return &model.BackendError{Kind: kind, Op: "update", Err: err}
	}
	return nil
}

// Delete implements model.Backend. Either every id is deleted or none.
func (p *Postgres) Delete(ctx context.Context, kind string, ids ...string) error {
	nums, err := parseIDs(ids)
	if err != nil {
		return &model.BackendError{Kind: kind, Op: "delete", Err: err}
	}
	err = p.InTx(ctx, func(tx model.Backend) error {
		pt := tx.(*Postgres)
		tag, err := pt.q.Exec(ctx, `DELETE FROM entities WHERE kind = $1 AND id = ANY($2::bigint[])`, kind, nums)
		if err != nil {
			return err
		}
		if int(tag.RowsAffected()) != len(ids) {
			return fmt.Errorf("deleted %d of %d records", tag.RowsAffected(), len(ids))
		}
		return nil
	})
	if err != nil {
		return &model.BackendError{Kind: kind, Op: "delete", Err: err}
	}
	return nil
}

// InTx runs fn in a database transaction. Inside a transaction it joins the
// current one.
func (p *Postgres) InTx(ctx context.Context, fn func(tx model.Backend) error) error {
	if p.tx != nil {
		return fn(p)
	}
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return &model.BackendError{Op: "begin", Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&Postgres{pool: p.pool, q: tx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return &model.BackendError{Op: "commit", Err: err}
	}
	return nil
}

// HealthCheck pings the database.
func (p *Postgres) HealthCheck(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// where builds the filter shared by Get and Count.
func (p *Postgres) where(ctx context.Context, kind string, q model.Query) (string, []any) {
	clauses := []string{"e.kind = $1"}
	args := []any{kind}
	next := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if len(q.IDs) > 0 {
		nums, err := parseIDs(q.IDs)
		if err != nil {
			// Non-numeric ids cannot exist.
			return "e.kind = $1 AND FALSE", args
		}
		clauses = append(clauses, "e.id = ANY("+next(nums)+"::bigint[])")
	}
	for field, want := range q.Filter {
		f, w := next(field), next(want)
		clauses = append(clauses, fmt.Sprintf(
			"(e.data->>%[1]s = %[2]s OR (jsonb_typeof(e.data->%[1]s) = 'array' AND e.data->%[1]s ? %[2]s))", f, w))
	}
	for field, needle := range q.Search {
		if needle == "" {
			continue
		}
		clauses = append(clauses, fmt.Sprintf("e.data->>%s ILIKE %s", next(field), next("%"+escapeLike(needle)+"%")))
	}

	if q.Editable || q.Accessible {
		need := RightRead
		if q.Editable {
			need = RightWrite
		}
		rctx := model.RequestContextFrom(ctx)
		switch {
		case rctx == nil:
			clauses = append(clauses, "FALSE")
		case rctx.UserType < model.UserTypeSuperAdmin:
			clauses = append(clauses, fmt.Sprintf(`EXISTS (
				SELECT 1 FROM entity_rights r
				WHERE r.kind = e.kind AND r.entity_id = e.id
				  AND r.subject_id = %s AND r.permission >= %s)`, next(rctx.SubjectID), next(int(need))))
		}
	}
	return strings.Join(clauses, " AND "), args
}

func sortDir(o model.SortOrder) string {
	if o == model.SortDesc {
		return "DESC"
	}
	return "ASC"
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func withoutID(r model.Record) map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		if k != "id" {
			out[k] = v
		}
	}
	return out
}

func parseIDs(ids []string) ([]int64, error) {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", id)
		}
		out = append(out, n)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
