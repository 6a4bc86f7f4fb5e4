// Package store provides document-style collections with filtering, sorting and
// atomic single-record saves. Aggregates are stored whole; there are no
// multi-record transactions.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: record not found")

// ErrInvalidField is returned when a filter or sort names an unsupported field.
var ErrInvalidField = errors.New("store: invalid field")

// Op is a filter comparison operator.
type Op string

const (
	OpEq Op = "eq"
	OpNe Op = "ne"
	OpIn Op = "in"
)

// Filter restricts a query to documents whose top-level field matches Value.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Eq builds an equality filter.
func Eq(field string, value any) Filter { return Filter{Field: field, Op: OpEq, Value: value} }

// Ne builds an inequality filter.
func Ne(field string, value any) Filter { return Filter{Field: field, Op: OpNe, Value: value} }

// In builds a membership filter.
func In(field string, values ...any) Filter { return Filter{Field: field, Op: OpIn, Value: values} }

// Sort orders results by a top-level field.
type Sort struct {
	Field string
	Desc  bool
}

// Query describes a find operation.
type Query struct {
	Filters []Filter
	Sort    []Sort
	Limit   int
	Offset  int
}

// Where returns a query with the provided filters.
func Where(filters ...Filter) Query { return Query{Filters: filters} }

// OrderBy appends a sort clause.
func (q Query) OrderBy(field string, desc bool) Query {
	q.Sort = append(append([]Sort(nil), q.Sort...), Sort{Field: field, Desc: desc})
	return q
}

// Collection is the persistence boundary consumed by the services.
type Collection[T any] interface {
	Get(ctx context.Context, id string) (T, error)
	Find(ctx context.Context, q Query) ([]T, error)
	FindOne(ctx context.Context, q Query) (T, error)
	Count(ctx context.Context, q Query) (int, error)
	Save(ctx context.Context, id string, v T) error
	Delete(ctx context.Context, id string) error
}

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validateQuery(q Query) error {
	for _, f := range q.Filters {
		if !fieldPattern.MatchString(f.Field) {
			return fmt.Errorf("%w: %q", ErrInvalidField, f.Field)
		}
		switch f.Op {
		case OpEq, OpNe, OpIn:
		default:
			return fmt.Errorf("store: unsupported operator %q", f.Op)
		}
	}
	for _, s := range q.Sort {
		if !fieldPattern.MatchString(s.Field) {
			return fmt.Errorf("%w: %q", ErrInvalidField, s.Field)
		}
	}
	return nil
}

func firstOf[T any](items []T, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}
	if len(items) == 0 {
		return zero, ErrNotFound
	}
	return items[0], nil
}

func filterValues(v any) []string {
	switch vals := v.(type) {
	case []any:
		out := make([]string, 0, len(vals))
		for _, el := range vals {
			out = append(out, scalar(el))
		}
		return out
	case []string:
		return append([]string(nil), vals...)
	default:
		return []string{scalar(v)}
	}
}

type stringer interface{ String() string }

func scalar(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}
