// Package table declares data tables: their columns, filters and the row,
// bulk and header operations a remote client may invoke.
package table

import (
	"errors"
	"fmt"

	"github.com/pitabwire/tabula/model"
)

// DefaultPerPage is the page size used when a table declares none.
const DefaultPerPage = 25

// Table is a declared tabular view over a Source.
type Table struct {
	ID         string
	Title      string
	Source     model.Source
	PrimaryKey string

	Columns []Column
	Filters []Filter

	Actions       []*Operation
	BulkActions   []*Operation
	HeaderActions []*Operation
	Groups        []Group

	DefaultSort      string
	DefaultDirection string
	PerPage          int
	Searchable       bool

	// Scope conditions are always applied and cannot be removed by the client.
	Scope []model.Condition
	// With lists relations eager-loaded in addition to those implied by
	// column keys.
	With []string
}

// KeyField returns the primary key field, "id" by default.
func (t *Table) KeyField() string {
	if t.PrimaryKey == "" {
		return "id"
	}
	return t.PrimaryKey
}

// PageSize returns the declared page size or DefaultPerPage.
func (t *Table) PageSize() int {
	if t.PerPage < 1 {
		return DefaultPerPage
	}
	return t.PerPage
}

// Column returns the column declared under key.
func (t *Table) Column(key string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Key == key {
			return c, true
		}
	}
	return Column{}, false
}

// Filter returns the filter declared under key.
func (t *Table) Filter(key string) (Filter, bool) {
	for _, f := range t.Filters {
		if f.Key == key {
			return f, true
		}
	}
	return Filter{}, false
}

// Operations returns every declared operation, row actions first.
func (t *Table) Operations() []*Operation {
	ops := make([]*Operation, 0, len(t.Actions)+len(t.BulkActions)+len(t.HeaderActions))
	ops = append(ops, t.Actions...)
	ops = append(ops, t.BulkActions...)
	return append(ops, t.HeaderActions...)
}

// Operation returns the operation declared under name, of any kind.
func (t *Table) Operation(name string) (*Operation, bool) {
	for _, op := range t.Operations() {
		if op.Name == name {
			return op, true
		}
	}
	return nil, false
}

// IsSearchable reports whether global search has any effect.
func (t *Table) IsSearchable() bool {
	if !t.Searchable {
		return false
	}
	for _, c := range t.Columns {
		if c.IsSearchable() {
			return true
		}
	}
	return false
}

// Validate checks the declaration for mistakes that would otherwise surface
// at request time. All problems are reported together.
func (t *Table) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if t.ID == "" {
		add("table id is required")
	}
	if t.Source == nil {
		add("table %q: source is required", t.ID)
	}

	columns := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		switch {
		case c.Key == "":
			add("table %q: column key is required", t.ID)
		case columns[c.Key]:
			add("table %q: duplicate column %q", t.ID, c.Key)
		}
		columns[c.Key] = true
		if c.Aggregate != nil {
			if c.Aggregate.Relation == "" {
				add("table %q: column %q: aggregate relation is required", t.ID, c.Key)
			}
			if c.Aggregate.NeedsColumn() && c.Aggregate.Column == "" {
				add("table %q: column %q: %s aggregate needs a column", t.ID, c.Key, c.Aggregate.Kind)
			}
			if c.Searchable {
				add("table %q: column %q: aggregate columns cannot be searchable", t.ID, c.Key)
			}
		}
	}

	if t.DefaultSort != "" {
		if c, ok := t.Column(t.DefaultSort); !ok || !c.Sortable {
			add("table %q: default sort %q is not a sortable column", t.ID, t.DefaultSort)
		}
	}

	filters := make(map[string]bool, len(t.Filters))
	for _, f := range t.Filters {
		if f.Key == "" || filters[f.Key] {
			add("table %q: filter key %q is empty or duplicated", t.ID, f.Key)
		}
		filters[f.Key] = true
	}

	names := make(map[string]bool)
	check := func(ops []*Operation, want Kind) {
		for _, op := range ops {
			if op == nil {
				add("table %q: nil %s operation", t.ID, want)
				continue
			}
			if op.Name == "" {
				add("table %q: operation name is required", t.ID)
			}
			if names[op.Name] {
				add("table %q: duplicate operation name %q", t.ID, op.Name)
			}
			names[op.Name] = true
			if op.Kind != want {
				add("table %q: operation %q is declared as %s but listed with %s operations", t.ID, op.Name, op.Kind, want)
			}
			if op.Kind == KindBulk && op.Authorize == nil {
				add("table %q: bulk action %q must declare an authorization predicate", t.ID, op.Name)
			}
		}
	}
	check(t.Actions, KindRow)
	check(t.BulkActions, KindBulk)
	check(t.HeaderActions, KindHeader)

	for _, g := range t.Groups {
		for _, name := range g.Operations {
			op, ok := t.Operation(name)
			if !ok {
				add("table %q: group %q references unknown operation %q", t.ID, g.Name, name)
			} else if op.Kind == KindHeader {
				add("table %q: group %q holds row and bulk actions only, %q is a header action", t.ID, g.Name, name)
			}
		}
	}

	if len(errs) > 0 {
		return model.NewConfigurationError("%v", errors.Join(errs...))
	}
	return nil
}
