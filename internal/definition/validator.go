package definition

import (
	"fmt"
	"strings"

	"github.com/pitabwire/tabula/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// HandlerCatalog reports which execution bodies are registered.
type HandlerCatalog interface {
	Has(name string) bool
}

// Validator validates definitions structurally and referentially.
type Validator struct {
	handlers HandlerCatalog
	sources  SourceResolver
}

// NewValidator creates a Validator. Either catalog may be nil to skip the
// corresponding reference checks.
func NewValidator(handlers HandlerCatalog, sources SourceResolver) *Validator {
	return &Validator{handlers: handlers, sources: sources}
}

var (
	validFilterTypes = map[string]bool{
		"": true, "search": true, "select": true, "range": true, "date-range": true,
	}
	validDirections = map[string]bool{"": true, "asc": true, "desc": true}
	validAggregates = map[model.AggregateKind]bool{
		model.AggCount: true, model.AggExists: true, model.AggAvg: true,
		model.AggMax: true, model.AggMin: true, model.AggSum: true,
	}
)

// Validate checks all documents. Table ids must be unique across documents.
func (v *Validator) Validate(docs []Document) []VError {
	var errs []VError
	seen := make(map[string]string)
	for i, doc := range docs {
		for j, t := range doc.Tables {
			prefix := fmt.Sprintf("definitions[%d].tables[%d]", i, j)
			if t.ID != "" {
				if prev, dup := seen[t.ID]; dup {
					errs = append(errs, VError{
						Path:    prefix + ".id",
						Code:    "DUPLICATE",
						Message: fmt.Sprintf("table %q is already declared at %s", t.ID, prev),
					})
				}
				seen[t.ID] = prefix
			}
			errs = append(errs, v.validateTable(prefix, t)...)
		}
	}
	return errs
}

func (v *Validator) validateTable(prefix string, t TableDefinition) []VError {
	var errs []VError
	add := func(path, code, format string, args ...any) {
		errs = append(errs, VError{Path: prefix + path, Code: code, Message: fmt.Sprintf(format, args...)})
	}

	if t.ID == "" {
		add(".id", "REQUIRED", "id is required")
	}
	if t.Source == "" {
		add(".source", "REQUIRED", "source is required")
	} else if v.sources != nil {
		if _, ok := v.sources.Source(t.Source); !ok {
			add(".source", "REF_NOT_FOUND", "source %q is not configured", t.Source)
		}
	}
	if t.PerPage < 0 || t.PerPage > 500 {
		add(".per_page", "RANGE", "per_page must be 0-500")
	}
	if !validDirections[strings.ToLower(t.DefaultDirection)] {
		add(".default_direction", "INVALID_ENUM", "invalid direction %q", t.DefaultDirection)
	}

	for i, c := range t.Scope {
		errs = append(errs, validateCondition(fmt.Sprintf("%s.scope[%d]", prefix, i), c)...)
	}

	columns := make(map[string]ColumnDefinition, len(t.Columns))
	for i, c := range t.Columns {
		cp := fmt.Sprintf(".columns[%d]", i)
		switch {
		case c.Key == "":
			add(cp+".key", "REQUIRED", "key is required")
		case columns[c.Key].Key != "":
			add(cp+".key", "DUPLICATE", "column %q is declared twice", c.Key)
		}
		columns[c.Key] = c
		if !validDirections[strings.ToLower(c.DefaultSortDirection)] {
			add(cp+".default_sort_direction", "INVALID_ENUM", "invalid direction %q", c.DefaultSortDirection)
		}
		if c.Limit < 0 {
			add(cp+".limit", "RANGE", "limit must not be negative")
		}
		if agg := c.Aggregate; agg != nil {
			if agg.Relation == "" {
				add(cp+".aggregate.relation", "REQUIRED", "aggregate relation is required")
			}
			if !validAggregates[agg.Kind] {
				add(cp+".aggregate.kind", "INVALID_ENUM", "invalid aggregate kind %q", agg.Kind)
			} else if agg.NeedsColumn() && agg.Column == "" {
				add(cp+".aggregate.column", "REQUIRED", "%s aggregate needs a column", agg.Kind)
			}
			if c.Searchable {
				add(cp+".searchable", "INVALID_VALUE", "aggregate columns cannot be searchable")
			}
		}
	}

	if t.DefaultSort != "" {
		if c, ok := columns[t.DefaultSort]; !ok || !c.Sortable {
			add(".default_sort", "REF_NOT_FOUND", "default sort %q is not a sortable column", t.DefaultSort)
		}
	}

	filters := make(map[string]bool, len(t.Filters))
	for i, f := range t.Filters {
		fp := fmt.Sprintf(".filters[%d]", i)
		switch {
		case f.Key == "":
			add(fp+".key", "REQUIRED", "key is required")
		case filters[f.Key]:
			add(fp+".key", "DUPLICATE", "filter %q is declared twice", f.Key)
		}
		filters[f.Key] = true
		if !validFilterTypes[f.Type] {
			add(fp+".type", "INVALID_ENUM", "invalid filter type %q", f.Type)
		}
		if f.Type == "select" && len(f.Options) == 0 {
			add(fp+".options", "REQUIRED", "select filters need options")
		}
	}

	names := make(map[string]string)
	kinds := []struct {
		key     string
		actions []ActionDefinition
	}{
		{"actions", t.Actions},
		{"bulk_actions", t.BulkActions},
		{"header_actions", t.HeaderActions},
	}
	for _, k := range kinds {
		for i, a := range k.actions {
			ap := fmt.Sprintf(".%s[%d]", k.key, i)
			if a.Name == "" {
				add(ap+".name", "REQUIRED", "name is required")
			} else if _, dup := names[a.Name]; dup {
				add(ap+".name", "DUPLICATE", "operation %q is declared twice", a.Name)
			}
			names[a.Name] = k.key
			errs = append(errs, v.validateAction(prefix+ap, k.key, a)...)
		}
	}

	for i, g := range t.Groups {
		gp := fmt.Sprintf(".groups[%d]", i)
		if g.Name == "" {
			add(gp+".name", "REQUIRED", "name is required")
		}
		for j, name := range g.Actions {
			kind, ok := names[name]
			switch {
			case !ok:
				add(fmt.Sprintf("%s.actions[%d]", gp, j), "REF_NOT_FOUND", "operation %q is not declared", name)
			case kind == "header_actions":
				add(fmt.Sprintf("%s.actions[%d]", gp, j), "INVALID_VALUE", "groups hold row and bulk actions only, %q is in %s", name, kind)
			}
		}
	}

	return errs
}

func (v *Validator) validateAction(prefix, kind string, a ActionDefinition) []VError {
	var errs []VError
	add := func(path, code, format string, args ...any) {
		errs = append(errs, VError{Path: prefix + path, Code: code, Message: fmt.Sprintf(format, args...)})
	}

	if kind == "bulk_actions" && a.Authorize == nil {
		add(".authorize", "REQUIRED", "bulk actions must declare an authorization rule")
	}
	if a.URL != "" && a.Handler != "" {
		add(".handler", "INVALID_VALUE", "an action with a url cannot have a handler")
	}
	if a.Handler != "" && v.handlers != nil && !v.handlers.Has(a.Handler) {
		add(".handler", "REF_NOT_FOUND", "handler %q is not registered", a.Handler)
	}
	if a.Show != nil && a.Hide != nil {
		add(".hide", "INVALID_VALUE", "show and hide are mutually exclusive")
	}
	if a.Enable != nil && a.Disable != nil {
		add(".disable", "INVALID_VALUE", "enable and disable are mutually exclusive")
	}

	rules := []struct {
		key  string
		rule *RuleDefinition
	}{
		{"authorize", a.Authorize}, {"show", a.Show}, {"hide", a.Hide}, {"enable", a.Enable}, {"disable", a.Disable},
	}
	for _, r := range rules {
		if r.rule == nil {
			continue
		}
		if len(r.rule.Capabilities) == 0 && r.rule.Field == "" {
			add("."+r.key, "REQUIRED", "a rule needs capabilities or a field")
		}
		if r.rule.Field != "" && r.rule.Equals == nil && len(r.rule.In) == 0 {
			add("."+r.key+".equals", "REQUIRED", "a field rule needs equals or in")
		}
		if r.rule.Field != "" && kind != "actions" {
			add("."+r.key+".field", "INVALID_VALUE", "field rules only apply to row actions")
		}
	}
	return errs
}

func validateCondition(prefix string, c ConditionDefinition) []VError {
	var errs []VError
	if len(c.Any) > 0 {
		for i, sub := range c.Any {
			errs = append(errs, validateCondition(fmt.Sprintf("%s.any[%d]", prefix, i), sub)...)
		}
		return errs
	}
	if c.Field == "" {
		errs = append(errs, VError{Path: prefix + ".field", Code: "REQUIRED", Message: "field is required"})
	}
	if !model.Operator(c.Operator).Valid() {
		errs = append(errs, VError{Path: prefix + ".operator", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid operator %q", c.Operator)})
	}
	return errs
}
