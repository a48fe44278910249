package invoker

import (
	"context"
	"errors"
	"fmt"

	"github.com/pitabwire/tabula/model"
	"github.com/pitabwire/tabula/table"
)

// Built-in handler names.
const (
	HandlerDelete = "delete"
	HandlerUpdate = "update"
)

// Handler options understood by the built-ins.
const (
	OptionValues   = "values"
	OptionMessage  = "message"
	OptionRedirect = "redirect"
)

func mutator(b table.Binding) (model.Mutator, error) {
	if b.Kind == table.KindHeader {
		return nil, errors.New("write handlers need a row or bulk action")
	}
	m, ok := b.Source.(model.Mutator)
	if !ok {
		return nil, fmt.Errorf("source of table %q does not support writes", b.Table)
	}
	return m, nil
}

// targets returns the primary keys an invocation acts on.
func targets(primaryKey string, inv table.Invocation) []string {
	if inv.Kind == table.KindRow {
		if key := inv.Record.Key(primaryKey); key != "" {
			return []string{key}
		}
		return nil
	}
	ids := make([]string, 0, len(inv.Records))
	for _, rec := range inv.Records {
		if key := rec.Key(primaryKey); key != "" {
			ids = append(ids, key)
		}
	}
	return ids
}

func result(options map[string]any, format string, n int) table.Result {
	res := table.Result{Message: fmt.Sprintf(format, n)}
	if msg, ok := options[OptionMessage].(string); ok && msg != "" {
		res.Message = msg
	}
	if to, ok := options[OptionRedirect].(string); ok {
		res.Redirect = to
	}
	return res
}

func deleteFactory(b table.Binding) (table.Handler, error) {
	m, err := mutator(b)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, inv table.Invocation) (table.Result, error) {
		ids := targets(b.PrimaryKey, inv)
		if len(ids) == 0 {
			return result(b.Options, "Deleted %d records.", 0), nil
		}
		n, err := m.Delete(ctx, ids)
		if err != nil {
			return table.Result{}, fmt.Errorf("deleting from %s: %w", b.Table, err)
		}
		return result(b.Options, "Deleted %d records.", n), nil
	}, nil
}

func updateFactory(b table.Binding) (table.Handler, error) {
	m, err := mutator(b)
	if err != nil {
		return nil, err
	}
	values, ok := b.Options[OptionValues].(map[string]any)
	if !ok || len(values) == 0 {
		return nil, errors.New(`update needs a non-empty "values" option`)
	}
	return func(ctx context.Context, inv table.Invocation) (table.Result, error) {
		ids := targets(b.PrimaryKey, inv)
		if len(ids) == 0 {
			return result(b.Options, "Updated %d records.", 0), nil
		}
		n, err := m.Update(ctx, ids, values)
		if err != nil {
			return table.Result{}, fmt.Errorf("updating %s: %w", b.Table, err)
		}
		return result(b.Options, "Updated %d records.", n), nil
	}, nil
}
