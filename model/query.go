package model

import (
	"context"
	"fmt"
	"math"
)

// Operator names a comparison applied by a Condition.
type Operator string

// Supported condition operators.
const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpIn       Operator = "in"
	OpContains Operator = "contains"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpNull     Operator = "null"
	OpNotNull  Operator = "not_null"
)

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpEq, OpNeq, OpIn, OpContains, OpGt, OpGte, OpLt, OpLte, OpNull, OpNotNull:
		return true
	}
	return false
}

// Condition is a single predicate on a field. When Any is non-empty the
// condition is the disjunction of those conditions and Field is ignored.
// Field may be a dot path across relations.
type Condition struct {
	Field    string
	Operator Operator
	Value    any
	Any      []Condition
}

// Or builds a disjunctive condition group.
func Or(conds ...Condition) Condition {
	return Condition{Any: conds}
}

// Sort orders results by a field.
type Sort struct {
	Field      string
	Descending bool
}

// AggregateKind names a relationship aggregate function.
type AggregateKind string

// Supported aggregate kinds.
const (
	AggCount  AggregateKind = "count"
	AggExists AggregateKind = "exists"
	AggAvg    AggregateKind = "avg"
	AggMax    AggregateKind = "max"
	AggMin    AggregateKind = "min"
	AggSum    AggregateKind = "sum"
)

// Aggregate requests a value computed over a relation, exposed on each record
// under Alias().
type Aggregate struct {
	Relation string        `yaml:"relation" json:"relation"`
	Kind     AggregateKind `yaml:"kind" json:"kind"`
	Column   string        `yaml:"column,omitempty" json:"column,omitempty"`
	As       string        `yaml:"as,omitempty" json:"as,omitempty"`
}

// Alias returns the field name the aggregate is exposed under, e.g.
// "posts_count" or "orders_sum_total".
func (a Aggregate) Alias() string {
	if a.As != "" {
		return a.As
	}
	if a.Column == "" || a.Kind == AggCount || a.Kind == AggExists {
		return fmt.Sprintf("%s_%s", a.Relation, a.Kind)
	}
	return fmt.Sprintf("%s_%s_%s", a.Relation, a.Kind, a.Column)
}

// NeedsColumn reports whether the aggregate kind operates on a column.
func (a Aggregate) NeedsColumn() bool {
	switch a.Kind {
	case AggAvg, AggMax, AggMin, AggSum:
		return true
	}
	return false
}

// Query is the storage-level request produced for a table render.
type Query struct {
	Conditions []Condition
	Sorts      []Sort
	With       []string
	Aggregates []Aggregate
	Page       int
	PerPage    int
}

// Offset returns the number of records skipped before the current page.
// Offsets beyond the int range saturate at math.MaxInt, past any total.
func (q Query) Offset() int {
	if q.Page < 1 || q.PerPage < 1 {
		return 0
	}
	if q.Page-1 > math.MaxInt/q.PerPage {
		return math.MaxInt
	}
	return (q.Page - 1) * q.PerPage
}

// Page is one page of records together with the unpaginated total.
type Page struct {
	Records []Record
	Total   int
}

// Source is the storage collaborator behind a table.
type Source interface {
	// Fetch runs the query and returns the requested page.
	Fetch(ctx context.Context, q Query) (Page, error)

	// Find returns the records whose primary key is in ids. Identities that
	// no longer exist are omitted without error.
	Find(ctx context.Context, ids []string) ([]Record, error)
}

// Mutator is implemented by sources that support the built-in write handlers.
type Mutator interface {
	Delete(ctx context.Context, ids []string) (int, error)
	Update(ctx context.Context, ids []string, values map[string]any) (int, error)
}
