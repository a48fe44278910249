package table

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pitabwire/tabula/model"
)

// EmptyValue is rendered for columns whose value is missing or nil.
const EmptyValue = "—"

// Ellipsis marks truncated values.
const Ellipsis = "..."

// Sort directions.
const (
	Asc  = "asc"
	Desc = "desc"
)

// Column declares one displayed field. Key may be a dot path across relations
// (e.g. "team.name"), in which case the relations are eager-loaded.
type Column struct {
	Key                  string
	Label                string
	Hidden               bool
	Sortable             bool
	Searchable           bool
	SearchTarget         string
	DefaultSortDirection string

	// Formatting, applied in this order: Enum / EnumTitle, TimeLayout,
	// Limit, Prefix, Suffix.
	Enum       map[string]string
	EnumTitle  bool
	TimeLayout string
	Limit      int
	Prefix     string
	Suffix     string

	// Variants maps a raw value to a display variant (e.g. a badge color).
	// Variant, when set, wins over Variants.
	Variants map[string]string
	Variant  func(rec model.Record, value any) string

	// Aggregate makes the column a read-only relationship aggregate.
	Aggregate *model.Aggregate
}

// Field returns the record field the column reads from.
func (c Column) Field() string {
	if c.Aggregate != nil {
		return c.Aggregate.Alias()
	}
	return c.Key
}

// SearchField returns the field searched for this column.
func (c Column) SearchField() string {
	if c.SearchTarget != "" {
		return c.SearchTarget
	}
	return c.Key
}

// IsSearchable reports whether the column takes part in global search.
// Aggregate columns never do.
func (c Column) IsSearchable() bool {
	return c.Searchable && c.Aggregate == nil
}

// DisplayLabel returns Label, falling back to a headline of Key.
func (c Column) DisplayLabel() string {
	if c.Label != "" {
		return c.Label
	}
	return Headline(strings.ReplaceAll(c.Key, ".", " "))
}

// Relations returns every relation path implied by a dot-path key, e.g.
// "author.team.name" gives ["author", "author.team"].
func (c Column) Relations() []string {
	if c.Aggregate != nil {
		return nil
	}
	return RelationPaths(c.Key)
}

// RelationPaths returns the relation prefixes of a dot path.
func RelationPaths(path string) []string {
	parts := strings.Split(path, ".")
	if len(parts) < 2 {
		return nil
	}
	out := make([]string, 0, len(parts)-1)
	for i := 1; i < len(parts); i++ {
		out = append(out, strings.Join(parts[:i], "."))
	}
	return out
}

// SortDirection normalizes a requested direction. An empty request uses the
// column default; anything other than "desc" is ascending.
func (c Column) SortDirection(requested string) string {
	d := strings.ToLower(strings.TrimSpace(requested))
	if d == "" {
		d = strings.ToLower(c.DefaultSortDirection)
	}
	if d == Desc {
		return Desc
	}
	return Asc
}

func (c Column) hasFormatting() bool {
	return len(c.Enum) > 0 || c.EnumTitle || c.TimeLayout != "" || c.Limit > 0 || c.Prefix != "" || c.Suffix != ""
}

// Format renders a raw value for display. Nil values render as EmptyValue.
// Values are passed through untouched when no formatting rule is declared.
func (c Column) Format(v any) any {
	if v == nil {
		return EmptyValue
	}
	var s string
	if many, ok := v.([]any); ok {
		s = c.joinMany(many)
		if s == "" {
			return EmptyValue
		}
	} else {
		if !c.hasFormatting() {
			return v
		}
		s = c.label(v)
	}

	if c.Limit > 0 && utf8.RuneCountInString(s) > c.Limit {
		s = string([]rune(s)[:c.Limit]) + Ellipsis
	}
	return c.Prefix + s + c.Suffix
}

// joinMany renders a to-many value as a comma separated list of labels.
func (c Column) joinMany(values []any) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if v == nil {
			continue
		}
		parts = append(parts, c.label(v))
	}
	return strings.Join(parts, ", ")
}

func (c Column) label(v any) string {
	if t, ok := v.(time.Time); ok && c.TimeLayout != "" {
		return t.Format(c.TimeLayout)
	}
	s := fmt.Sprint(v)
	if label, ok := c.Enum[s]; ok {
		return label
	}
	if c.EnumTitle {
		return Headline(s)
	}
	return s
}

// VariantFor returns the display variant for a record, or "" when none.
func (c Column) VariantFor(rec model.Record, v any) string {
	if c.Variant != nil {
		return c.Variant(rec, v)
	}
	if v == nil || len(c.Variants) == 0 {
		return ""
	}
	return c.Variants[fmt.Sprint(v)]
}
