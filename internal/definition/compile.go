package definition

import (
	"context"
	"strings"

	"github.com/pitabwire/tabula/model"
	"github.com/pitabwire/tabula/table"
)

// SourceResolver looks up a configured storage collaborator by name.
type SourceResolver interface {
	Source(name string) (model.Source, bool)
}

// Sources is a fixed SourceResolver.
type Sources map[string]model.Source

// Source implements SourceResolver.
func (s Sources) Source(name string) (model.Source, bool) {
	src, ok := s[name]
	return src, ok
}

// HandlerBinder turns a handler name into an execution body for one action.
type HandlerBinder interface {
	Bind(name string, b table.Binding) (table.Handler, error)
}

// Compile resolves the source and handlers of def and returns a Factory
// that builds a fresh table per call. Definitions should have passed the
// Validator first; unresolvable references are reported as configuration
// errors.
func Compile(def TableDefinition, sources SourceResolver, handlers HandlerBinder) (Factory, error) {
	src, ok := sources.Source(def.Source)
	if !ok {
		return nil, model.NewConfigurationError("table %q: source %q is not configured", def.ID, def.Source)
	}

	primaryKey := def.PrimaryKey
	if primaryKey == "" {
		primaryKey = "id"
	}
	bodies := make(map[string]table.Handler)
	groups := []struct {
		kind    table.Kind
		actions []ActionDefinition
	}{
		{table.KindRow, def.Actions},
		{table.KindBulk, def.BulkActions},
		{table.KindHeader, def.HeaderActions},
	}
	for _, group := range groups {
		for _, a := range group.actions {
			if a.Handler == "" {
				continue
			}
			if handlers == nil {
				return nil, model.NewConfigurationError("table %q: action %q names handler %q but no handlers are registered", def.ID, a.Name, a.Handler)
			}
			h, err := handlers.Bind(a.Handler, table.Binding{
				Table:      def.ID,
				PrimaryKey: primaryKey,
				Operation:  a.Name,
				Kind:       group.kind,
				Source:     src,
				Options:    a.HandlerOptions,
			})
			if err != nil {
				return nil, model.NewConfigurationError("table %q: action %q: %v", def.ID, a.Name, err)
			}
			bodies[a.Name] = h
		}
	}

	return func(context.Context) (*table.Table, error) {
		return build(def, src, bodies), nil
	}, nil
}

func build(def TableDefinition, src model.Source, bodies map[string]table.Handler) *table.Table {
	t := &table.Table{
		ID:               def.ID,
		Title:            def.Title,
		Source:           src,
		PrimaryKey:       def.PrimaryKey,
		DefaultSort:      def.DefaultSort,
		DefaultDirection: strings.ToLower(def.DefaultDirection),
		PerPage:          def.PerPage,
		Searchable:       def.Searchable,
		With:             def.With,
	}
	for _, c := range def.Scope {
		t.Scope = append(t.Scope, condition(c))
	}
	for _, c := range def.Columns {
		t.Columns = append(t.Columns, table.Column{
			Key:                  c.Key,
			Label:                c.Label,
			Hidden:               c.Hidden,
			Sortable:             c.Sortable,
			Searchable:           c.Searchable,
			SearchTarget:         c.SearchTarget,
			DefaultSortDirection: c.DefaultSortDirection,
			Enum:                 c.Enum,
			EnumTitle:            c.EnumTitle,
			TimeLayout:           c.TimeLayout,
			Limit:                c.Limit,
			Prefix:               c.Prefix,
			Suffix:               c.Suffix,
			Variants:             c.Variants,
			Aggregate:            c.Aggregate,
		})
	}
	for _, f := range def.Filters {
		t.Filters = append(t.Filters, table.Filter{
			Key:         f.Key,
			Field:       f.Field,
			Label:       f.Label,
			Type:        table.FilterType(f.Type),
			Default:     f.Default,
			Options:     f.Options,
			Min:         f.Min,
			Max:         f.Max,
			Placeholder: f.Placeholder,
		})
	}
	for _, a := range def.Actions {
		t.Actions = append(t.Actions, table.NewAction(a.Name, actionOptions(a, bodies)...))
	}
	for _, a := range def.BulkActions {
		t.BulkActions = append(t.BulkActions, table.NewBulkAction(a.Name, actionOptions(a, bodies)...))
	}
	for _, a := range def.HeaderActions {
		t.HeaderActions = append(t.HeaderActions, table.NewHeaderAction(a.Name, actionOptions(a, bodies)...))
	}
	for _, g := range def.Groups {
		t.Groups = append(t.Groups, table.Group{
			Name:       g.Name,
			Label:      g.Label,
			Icon:       g.Icon,
			Color:      g.Color,
			Order:      g.Order,
			Operations: g.Actions,
		})
	}
	return t
}

func actionOptions(a ActionDefinition, bodies map[string]table.Handler) []table.Option {
	var opts []table.Option
	if a.Label != "" {
		opts = append(opts, table.WithLabel(a.Label))
	}
	if a.Color != "" {
		opts = append(opts, table.WithColor(a.Color))
	}
	if a.Style != "" {
		opts = append(opts, table.WithStyle(a.Style))
	}
	if a.Icon != "" {
		opts = append(opts, table.WithIcon(a.Icon))
	}
	if a.URL != "" {
		opts = append(opts, table.WithURL(a.URL))
	}
	if a.Authorize != nil {
		opts = append(opts, table.AuthorizeWhen(predicate(a.Authorize)))
	}
	switch {
	case a.Show != nil:
		opts = append(opts, table.VisibleWhen(predicate(a.Show)))
	case a.Hide != nil:
		opts = append(opts, table.HiddenWhen(predicate(a.Hide)))
	}
	switch {
	case a.Disable != nil:
		opts = append(opts, table.DisabledWhen(predicate(a.Disable)))
	case a.Enable != nil:
		opts = append(opts, table.DisabledWhen(table.Not(predicate(a.Enable))))
	}
	if c := a.Confirmation; c != nil {
		opts = append(opts, table.RequireConfirmation(table.Confirmation{
			Title:   c.Title,
			Message: c.Message,
			Confirm: c.Confirm,
			Cancel:  c.Cancel,
		}))
	}
	if h, ok := bodies[a.Name]; ok {
		opts = append(opts, table.Executes(h))
	}
	return opts
}

func predicate(r *RuleDefinition) table.Predicate {
	var preds []table.Predicate
	if len(r.Capabilities) > 0 {
		preds = append(preds, table.RequireCapabilities(r.Capabilities...))
	}
	if r.Field != "" {
		if len(r.In) > 0 {
			preds = append(preds, table.FieldIn(r.Field, r.In...))
		} else {
			preds = append(preds, table.FieldEquals(r.Field, r.Equals))
		}
	}
	switch len(preds) {
	case 0:
		return table.Always
	case 1:
		return preds[0]
	}
	return table.All(preds...)
}

func condition(c ConditionDefinition) model.Condition {
	if len(c.Any) > 0 {
		conds := make([]model.Condition, 0, len(c.Any))
		for _, sub := range c.Any {
			conds = append(conds, condition(sub))
		}
		return model.Or(conds...)
	}
	return model.Condition{Field: c.Field, Operator: model.Operator(c.Operator), Value: c.Value}
}
