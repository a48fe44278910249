package table

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pitabwire/tabula/model"
)

// FilterType selects the built-in behaviour of a filter.
type FilterType string

// Built-in filter types.
const (
	FilterSearch    FilterType = "search"
	FilterSelect    FilterType = "select"
	FilterRange     FilterType = "range"
	FilterDateRange FilterType = "date-range"
)

// DateLayout is the wire format of date-range bounds.
const DateLayout = "2006-01-02"

// FilterValue is the raw request input for one filter. Single-valued filters
// use Value; range filters use From and To.
type FilterValue struct {
	Value string
	From  string
	To    string
}

// IsZero reports whether no input was given.
func (v FilterValue) IsZero() bool {
	return v.Value == "" && v.From == "" && v.To == ""
}

// Filter declares a user-controlled predicate on the query. Filters never
// mutate data.
type Filter struct {
	Key         string
	Field       string
	Label       string
	Type        FilterType
	Default     any
	Options     map[string]string
	Min         any
	Max         any
	Placeholder string

	// Apply replaces the built-in behaviour of Type when set.
	Apply func(v FilterValue) []model.Condition
}

// TargetField returns the record field the filter applies to.
func (f Filter) TargetField() string {
	if f.Field != "" {
		return f.Field
	}
	return f.Key
}

// DisplayLabel returns Label, falling back to a headline of Key.
func (f Filter) DisplayLabel() string {
	if f.Label != "" {
		return f.Label
	}
	return Headline(f.Key)
}

// Resolve returns the effective input, substituting Default when the request
// gave none.
func (f Filter) Resolve(v FilterValue) FilterValue {
	if !v.IsZero() || f.Default == nil {
		return v
	}
	if m, ok := f.Default.(map[string]any); ok {
		return FilterValue{From: stringOf(m["from"]), To: stringOf(m["to"])}
	}
	return FilterValue{Value: fmt.Sprint(f.Default)}
}

func stringOf(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// Conditions translates an input into query conditions. Unusable input
// (unknown option, unparsable bound) contributes nothing.
func (f Filter) Conditions(v FilterValue) []model.Condition {
	v = f.Resolve(v)
	if v.IsZero() {
		return nil
	}
	if f.Apply != nil {
		return f.Apply(v)
	}

	field := f.TargetField()
	switch f.Type {
	case FilterSelect:
		if len(f.Options) > 0 {
			if _, ok := f.Options[v.Value]; !ok {
				return nil
			}
		}
		return []model.Condition{{Field: field, Operator: model.OpEq, Value: v.Value}}

	case FilterRange:
		var conds []model.Condition
		if n, err := strconv.ParseFloat(strings.TrimSpace(v.From), 64); err == nil {
			conds = append(conds, model.Condition{Field: field, Operator: model.OpGte, Value: n})
		}
		if n, err := strconv.ParseFloat(strings.TrimSpace(v.To), 64); err == nil {
			conds = append(conds, model.Condition{Field: field, Operator: model.OpLte, Value: n})
		}
		return conds

	case FilterDateRange:
		var conds []model.Condition
		if t, err := time.Parse(DateLayout, strings.TrimSpace(v.From)); err == nil {
			conds = append(conds, model.Condition{Field: field, Operator: model.OpGte, Value: t})
		}
		if t, err := time.Parse(DateLayout, strings.TrimSpace(v.To)); err == nil {
			// Inclusive of the whole end day.
			conds = append(conds, model.Condition{Field: field, Operator: model.OpLt, Value: t.AddDate(0, 0, 1)})
		}
		return conds

	default:
		if strings.TrimSpace(v.Value) == "" {
			return nil
		}
		return []model.Condition{{Field: field, Operator: model.OpContains, Value: strings.TrimSpace(v.Value)}}
	}
}

// Describe returns the client view of the filter.
func (f Filter) Describe() model.FilterDescriptor {
	typ := f.Type
	if typ == "" {
		typ = FilterSearch
	}
	return model.FilterDescriptor{
		Key:         f.Key,
		Label:       f.DisplayLabel(),
		Type:        string(typ),
		Default:     f.Default,
		Options:     f.Options,
		Min:         f.Min,
		Max:         f.Max,
		Placeholder: f.Placeholder,
	}
}
