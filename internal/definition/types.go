package definition

import "github.com/pitabwire/tabula/model"

// Document is one YAML definition file.
type Document struct {
	Version    string            `yaml:"version"`
	Tables     []TableDefinition `yaml:"tables"`
	Checksum   string            `yaml:"-"`
	SourceFile string            `yaml:"-"`
}

// TableDefinition declares a table in YAML.
type TableDefinition struct {
	ID               string                `yaml:"id"`
	Title            string                `yaml:"title"`
	Source           string                `yaml:"source"`
	PrimaryKey       string                `yaml:"primary_key"`
	Searchable       bool                  `yaml:"searchable"`
	PerPage          int                   `yaml:"per_page"`
	DefaultSort      string                `yaml:"default_sort"`
	DefaultDirection string                `yaml:"default_direction"`
	With             []string              `yaml:"with"`
	Scope            []ConditionDefinition `yaml:"scope"`
	Columns          []ColumnDefinition    `yaml:"columns"`
	Filters          []FilterDefinition    `yaml:"filters"`
	Actions          []ActionDefinition    `yaml:"actions"`
	BulkActions      []ActionDefinition    `yaml:"bulk_actions"`
	HeaderActions    []ActionDefinition    `yaml:"header_actions"`
	Groups           []GroupDefinition     `yaml:"groups"`
}

// ConditionDefinition is a scope condition. A non-empty Any makes it a
// disjunction.
type ConditionDefinition struct {
	Field    string                `yaml:"field"`
	Operator string                `yaml:"operator"`
	Value    any                   `yaml:"value"`
	Any      []ConditionDefinition `yaml:"any"`
}

// ColumnDefinition declares a column.
type ColumnDefinition struct {
	Key                  string            `yaml:"key"`
	Label                string            `yaml:"label"`
	Hidden               bool              `yaml:"hidden"`
	Sortable             bool              `yaml:"sortable"`
	Searchable           bool              `yaml:"searchable"`
	SearchTarget         string            `yaml:"search_target"`
	DefaultSortDirection string            `yaml:"default_sort_direction"`
	Enum                 map[string]string `yaml:"enum"`
	EnumTitle            bool              `yaml:"enum_title"`
	TimeLayout           string            `yaml:"time_layout"`
	Limit                int               `yaml:"limit"`
	Prefix               string            `yaml:"prefix"`
	Suffix               string            `yaml:"suffix"`
	Variants             map[string]string `yaml:"variants"`
	Aggregate            *model.Aggregate  `yaml:"aggregate"`
}

// FilterDefinition declares a filter.
type FilterDefinition struct {
	Key         string            `yaml:"key"`
	Field       string            `yaml:"field"`
	Label       string            `yaml:"label"`
	Type        string            `yaml:"type"`
	Default     any               `yaml:"default"`
	Options     map[string]string `yaml:"options"`
	Min         any               `yaml:"min"`
	Max         any               `yaml:"max"`
	Placeholder string            `yaml:"placeholder"`
}

// ActionDefinition declares a row, bulk or header action. Handler names a
// registered execution body; HandlerOptions are passed to it when bound.
type ActionDefinition struct {
	Name           string                  `yaml:"name"`
	Label          string                  `yaml:"label"`
	Color          string                  `yaml:"color"`
	Style          string                  `yaml:"style"`
	Icon           string                  `yaml:"icon"`
	URL            string                  `yaml:"url"`
	Handler        string                  `yaml:"handler"`
	HandlerOptions map[string]any          `yaml:"handler_options"`
	Authorize      *RuleDefinition         `yaml:"authorize"`
	Show           *RuleDefinition         `yaml:"show"`
	Hide           *RuleDefinition         `yaml:"hide"`
	Enable         *RuleDefinition         `yaml:"enable"`
	Disable        *RuleDefinition         `yaml:"disable"`
	Confirmation   *ConfirmationDefinition `yaml:"confirmation"`
}

// RuleDefinition is a predicate: every listed capability is granted and,
// when Field is set, the record field equals Equals or is one of In.
type RuleDefinition struct {
	Capabilities []string `yaml:"capabilities"`
	Field        string   `yaml:"field"`
	Equals       any      `yaml:"equals"`
	In           []any    `yaml:"in"`
}

// ConfirmationDefinition asks the client to confirm an action.
type ConfirmationDefinition struct {
	Title   string `yaml:"title"`
	Message string `yaml:"message"`
	Confirm string `yaml:"confirm"`
	Cancel  string `yaml:"cancel"`
}

// GroupDefinition presents several row or bulk actions as one control.
type GroupDefinition struct {
	Name    string   `yaml:"name"`
	Label   string   `yaml:"label"`
	Icon    string   `yaml:"icon"`
	Color   string   `yaml:"color"`
	Order   int      `yaml:"order"`
	Actions []string `yaml:"actions"`
}
