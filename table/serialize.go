package table

import (
	"context"

	"github.com/pitabwire/tabula/model"
)

// CallbackIssuer signs invocation callbacks for serialized operations.
type CallbackIssuer interface {
	Issue(target model.CallbackTarget) (model.SignedCallback, error)
}

// descriptorField is one serialized operation field. Fields are omitted when
// their value equals zero, unless always is set.
type descriptorField struct {
	key    string
	always bool
	zero   any
	value  func(o *Operation) any
}

var descriptorFields = []descriptorField{
	{key: "name", always: true, value: func(o *Operation) any { return o.Name }},
	{key: "label", always: true, value: func(o *Operation) any { return o.Label }},
	{key: "color", always: true, value: func(o *Operation) any { return o.Color }},
	{key: "kind", zero: KindRow, value: func(o *Operation) any { return o.Kind }},
	{key: "style", zero: DefaultStyle, value: func(o *Operation) any { return o.Style }},
	{key: "icon", zero: "", value: func(o *Operation) any { return o.Icon }},
	{key: "url", zero: "", value: func(o *Operation) any { return o.URL }},
	{key: "requiresConfirmation", zero: false, value: func(o *Operation) any { return o.Confirmation != nil }},
	{key: "confirmation", zero: (*confirmationView)(nil), value: func(o *Operation) any { return confirmationOf(o) }},
}

type confirmationView struct {
	Title   string `json:"title,omitempty"`
	Message string `json:"message,omitempty"`
	Confirm string `json:"confirm,omitempty"`
	Cancel  string `json:"cancel,omitempty"`
}

func confirmationOf(o *Operation) *confirmationView {
	if o.Confirmation == nil {
		return nil
	}
	c := confirmationView(*o.Confirmation)
	return &c
}

// Describe serializes the static metadata of an operation.
func Describe(o *Operation) model.Descriptor {
	d := make(model.Descriptor, len(descriptorFields))
	for _, f := range descriptorFields {
		v := f.value(o)
		if !f.always && v == f.zero {
			continue
		}
		d[f.key] = v
	}
	return d
}

// RowEntry serializes a row action for one record. It returns false when the
// action is hidden or not authorized for the record. A disabled action yields
// only {"disabled": true}; otherwise the entry carries a callback signed for
// this record.
func RowEntry(ctx context.Context, t *Table, o *Operation, rec model.Record, issuer CallbackIssuer) (model.Descriptor, bool, error) {
	if !o.IsVisible(ctx, rec) {
		return nil, false, nil
	}
	ok, err := o.Authorized(ctx, rec)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	if o.IsDisabled(ctx, rec) {
		return model.Descriptor{"disabled": true}, true, nil
	}

	d := Describe(o)
	if o.URL != "" {
		return d, true, nil
	}
	cb, err := issuer.Issue(model.CallbackTarget{
		Table:     t.ID,
		Operation: o.Name,
		Kind:      string(o.Kind),
		Record:    rec.Key(t.KeyField()),
	})
	if err != nil {
		return nil, false, err
	}
	d["callback"] = cb
	return d, true, nil
}

// TableEntry serializes a bulk or header action. Authorization and visibility
// are evaluated once without a record; a bulk action lacking an authorization
// predicate fails with a configuration error.
func TableEntry(ctx context.Context, t *Table, o *Operation, issuer CallbackIssuer) (model.Descriptor, bool, error) {
	ok, err := o.Authorized(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	if !ok || !o.IsVisible(ctx, nil) {
		return nil, false, nil
	}

	d := Describe(o)
	if o.IsDisabled(ctx, nil) {
		d["disabled"] = true
		return d, true, nil
	}
	if o.URL != "" {
		return d, true, nil
	}
	cb, err := issuer.Issue(model.CallbackTarget{
		Table:     t.ID,
		Operation: o.Name,
		Kind:      string(o.Kind),
	})
	if err != nil {
		return nil, false, err
	}
	d["callback"] = cb
	return d, true, nil
}
