package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB captures the pgx methods used by Postgres collections. *pgxpool.Pool satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const documentsTable = "documents"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Postgres stores documents of one kind as JSONB rows of the documents table.
type Postgres[T any] struct {
	DB   DB
	Kind string
}

// NewPostgres returns a collection scoped to kind.
func NewPostgres[T any](db DB, kind string) *Postgres[T] {
	return &Postgres[T]{DB: db, Kind: kind}
}

// Get loads the document with the given id.
func (p *Postgres[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	query, args, err := psql.Select("data").From(documentsTable).
		Where(sq.Eq{"kind": p.Kind, "id": id}).ToSql()
	if err != nil {
		return zero, err
	}
	var raw []byte
	if err := p.DB.QueryRow(ctx, query, args...).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return zero, ErrNotFound
		}
		return zero, fmt.Errorf("store: get %s/%s: %w", p.Kind, id, err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, err
	}
	return out, nil
}

// Find returns every document matching q.
func (p *Postgres[T]) Find(ctx context.Context, q Query) ([]T, error) {
	query, args, err := buildFind(p.Kind, q)
	if err != nil {
		return nil, err
	}
	rows, err := p.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: find %s: %w", p.Kind, err)
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// FindOne returns the first document matching q.
func (p *Postgres[T]) FindOne(ctx context.Context, q Query) (T, error) {
	q.Limit = 1
	return firstOf(p.Find(ctx, q))
}

// Count reports how many documents match the filters of q.
func (p *Postgres[T]) Count(ctx context.Context, q Query) (int, error) {
	if err := validateQuery(q); err != nil {
		return 0, err
	}
	query, args, err := whereFilters(psql.Select("count(*)").From(documentsTable).Where(sq.Eq{"kind": p.Kind}), q.Filters).ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := p.DB.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count %s: %w", p.Kind, err)
	}
	return n, nil
}

// Save upserts the document in a single statement.
func (p *Postgres[T]) Save(ctx context.Context, id string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	query, args, err := psql.Insert(documentsTable).
		Columns("kind", "id", "data").
		Values(p.Kind, id, raw).
		Suffix("ON CONFLICT (kind, id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()").
		ToSql()
	if err != nil {
		return err
	}
	if _, err := p.DB.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("store: save %s/%s: %w", p.Kind, id, err)
	}
	return nil
}

// Delete removes the document stored under id.
func (p *Postgres[T]) Delete(ctx context.Context, id string) error {
	query, args, err := psql.Delete(documentsTable).Where(sq.Eq{"kind": p.Kind, "id": id}).ToSql()
	if err != nil {
		return err
	}
	tag, err := p.DB.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: delete %s/%s: %w", p.Kind, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func buildFind(kind string, q Query) (string, []any, error) {
	if err := validateQuery(q); err != nil {
		return "", nil, err
	}
	b := whereFilters(psql.Select("data").From(documentsTable).Where(sq.Eq{"kind": kind}), q.Filters)
	if len(q.Sort) == 0 {
		b = b.OrderBy("created_at ASC")
	}
	for _, s := range q.Sort {
		dir := "ASC"
		if s.Desc {
			dir = "DESC"
		}
		b = b.OrderBy(sortField(s.Field) + " " + dir)
	}
	if q.Limit > 0 {
		b = b.Limit(uint64(q.Limit))
	}
	if q.Offset > 0 {
		b = b.Offset(uint64(q.Offset))
	}
	return b.ToSql()
}

func whereFilters(b sq.SelectBuilder, filters []Filter) sq.SelectBuilder {
	for _, f := range filters {
		column := jsonField(f.Field)
		switch f.Op {
		case OpEq:
			b = b.Where(sq.Expr(column+" = ?", scalar(f.Value)))
		case OpNe:
			b = b.Where(sq.Expr(column+" IS DISTINCT FROM ?", scalar(f.Value)))
		case OpIn:
			b = b.Where(sq.Expr(column+" = ANY(?)", filterValues(f.Value)))
		}
	}
	return b
}

// sortField orders timestamp fields (suffix _at) chronologically; RFC 3339
// text with trimmed fractions does not sort lexically.
func sortField(field string) string {
	if strings.HasSuffix(field, "_at") {
		return "(" + jsonField(field) + ")::timestamptz"
	}
	return jsonField(field)
}

// jsonField renders a text accessor; field names are validated against fieldPattern first.
func jsonField(field string) string {
	return "data->>'" + field + "'"
}
