package table

import (
	"context"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/pitabwire/tabula/model"
)

// Kind distinguishes the three operation variants.
type Kind string

const (
	// KindRow operations act on a single record and are rendered per row.
	KindRow Kind = "row"
	// KindBulk operations act on a client-selected set of records.
	KindBulk Kind = "bulk"
	// KindHeader operations act on the table as a whole.
	KindHeader Kind = "header"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindRow || k == KindBulk || k == KindHeader
}

// Predicate decides something about an operation for a record. The record
// is nil for bulk and header operations.
type Predicate func(ctx context.Context, rec model.Record) bool

// Invocation is what an execution body receives.
type Invocation struct {
	Table     string
	Operation string
	Kind      Kind
	Record    model.Record
	Records   []model.Record
	Params    map[string]any
	Principal *model.RequestContext
}

// Result is what an execution body returns. Both fields are optional.
type Result struct {
	Redirect string
	Message  string
}

// Handler is the execution body of an operation.
type Handler func(ctx context.Context, inv Invocation) (Result, error)

// Binding describes the operation a named handler is being attached to.
type Binding struct {
	Table      string
	PrimaryKey string
	Operation  string
	Kind       Kind
	Source     model.Source
	Options    map[string]any
}

// Confirmation asks the client to confirm before invoking.
type Confirmation struct {
	Title   string
	Message string
	Confirm string
	Cancel  string
}

// Operation is a declared row, bulk or header action.
type Operation struct {
	Kind         Kind
	Name         string
	Label        string
	Color        string
	Style        string
	Icon         string
	URL          string
	Authorize    Predicate
	Visible      Predicate
	Disabled     Predicate
	Confirmation *Confirmation
	Execute      Handler
}

// Default presentation values. Fields equal to these are omitted when an
// operation is serialized.
const (
	DefaultColor = "primary"
	DefaultStyle = "button"
)

// Option configures an Operation.
type Option func(*Operation)

// NewAction declares a single-record operation.
func NewAction(name string, opts ...Option) *Operation {
	return newOperation(KindRow, name, opts)
}

// NewBulkAction declares an operation over selected records. It must be given
// an authorization predicate with AuthorizeWhen.
func NewBulkAction(name string, opts ...Option) *Operation {
	return newOperation(KindBulk, name, opts)
}

// NewHeaderAction declares a table-level operation.
func NewHeaderAction(name string, opts ...Option) *Operation {
	return newOperation(KindHeader, name, opts)
}

func newOperation(kind Kind, name string, opts []Option) *Operation {
	op := &Operation{
		Kind:  kind,
		Name:  name,
		Label: Headline(name),
		Color: DefaultColor,
		Style: DefaultStyle,
	}
	for _, opt := range opts {
		opt(op)
	}
	return op
}

// WithLabel sets the display label.
func WithLabel(label string) Option {
	return func(o *Operation) { o.Label = label }
}

// WithColor sets the display color.
func WithColor(color string) Option {
	return func(o *Operation) { o.Color = color }
}

// WithStyle sets the display style (button, link, icon).
func WithStyle(style string) Option {
	return func(o *Operation) { o.Style = style }
}

// WithIcon sets the display icon.
func WithIcon(icon string) Option {
	return func(o *Operation) { o.Icon = icon }
}

// WithURL makes the operation a plain navigation link.
func WithURL(url string) Option {
	return func(o *Operation) { o.URL = url }
}

// AuthorizeWhen sets the authorization predicate.
func AuthorizeWhen(p Predicate) Option {
	return func(o *Operation) { o.Authorize = p }
}

// VisibleWhen sets the visibility predicate.
func VisibleWhen(p Predicate) Option {
	return func(o *Operation) { o.Visible = p }
}

// HiddenWhen hides the operation when p holds.
func HiddenWhen(p Predicate) Option {
	return func(o *Operation) { o.Visible = Not(p) }
}

// DisabledWhen disables the operation when p holds.
func DisabledWhen(p Predicate) Option {
	return func(o *Operation) { o.Disabled = p }
}

// RequireConfirmation asks the client to confirm before invoking.
func RequireConfirmation(c Confirmation) Option {
	return func(o *Operation) { o.Confirmation = &c }
}

// Executes attaches the execution body.
func Executes(h Handler) Option {
	return func(o *Operation) { o.Execute = h }
}

// Authorized evaluates the authorization predicate for rec. A single-record
// or header operation without a predicate is permitted. A bulk operation
// without one is a configuration error, whatever rec is.
func (o *Operation) Authorized(ctx context.Context, rec model.Record) (bool, error) {
	if o.Authorize != nil {
		return o.Authorize(ctx, rec), nil
	}
	if o.Kind == KindBulk {
		return false, model.NewConfigurationError("bulk action %q must declare an authorization predicate", o.Name)
	}
	return true, nil
}

// IsVisible evaluates the visibility predicate. Operations are visible by
// default.
func (o *Operation) IsVisible(ctx context.Context, rec model.Record) bool {
	if o.Visible == nil {
		return true
	}
	return o.Visible(ctx, rec)
}

// IsDisabled evaluates the disabled predicate. Operations are enabled by
// default.
func (o *Operation) IsDisabled(ctx context.Context, rec model.Record) bool {
	if o.Disabled == nil {
		return false
	}
	return o.Disabled(ctx, rec)
}

// Group presents several operations as a single control. Its row members
// form a per-record control and its bulk members a control over the
// selection; a group may hold both.
type Group struct {
	Name       string
	Label      string
	Icon       string
	Color      string
	Order      int
	Operations []string
}

// IsVisible reports whether any member of the given kind is visible. Row
// members are tested against rec; bulk members have no record and get nil.
func (g Group) IsVisible(ctx context.Context, t *Table, kind Kind, rec model.Record) bool {
	if kind != KindRow {
		rec = nil
	}
	for _, name := range g.Operations {
		op, ok := t.Operation(name)
		if ok && op.Kind == kind && op.IsVisible(ctx, rec) {
			return true
		}
	}
	return false
}

// Headline turns an identifier such as "archive_user" into "Archive User".
func Headline(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-' || r == '.' || r == ' '
	})
	// Casers are stateful, so one is built per call.
	return cases.Title(language.English).String(strings.Join(words, " "))
}
