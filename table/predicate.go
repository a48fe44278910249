package table

import (
	"context"
	"fmt"
	"slices"

	"github.com/pitabwire/tabula/model"
)

// Always is a predicate that always holds.
func Always(context.Context, model.Record) bool { return true }

// Never is a predicate that never holds.
func Never(context.Context, model.Record) bool { return false }

// Not negates p.
func Not(p Predicate) Predicate {
	return func(ctx context.Context, rec model.Record) bool { return !p(ctx, rec) }
}

// All holds when every predicate holds.
func All(preds ...Predicate) Predicate {
	return func(ctx context.Context, rec model.Record) bool {
		for _, p := range preds {
			if !p(ctx, rec) {
				return false
			}
		}
		return true
	}
}

// AnyOf holds when at least one predicate holds.
func AnyOf(preds ...Predicate) Predicate {
	return func(ctx context.Context, rec model.Record) bool {
		for _, p := range preds {
			if p(ctx, rec) {
				return true
			}
		}
		return false
	}
}

// FieldEquals holds when the record's field renders equal to value. It never
// holds for a nil record.
func FieldEquals(field string, value any) Predicate {
	want := fmt.Sprint(value)
	return func(_ context.Context, rec model.Record) bool {
		v, ok := rec.Get(field)
		return ok && v != nil && fmt.Sprint(v) == want
	}
}

// FieldIn holds when the record's field renders equal to one of values.
func FieldIn(field string, values ...any) Predicate {
	want := make([]string, len(values))
	for i, v := range values {
		want[i] = fmt.Sprint(v)
	}
	return func(_ context.Context, rec model.Record) bool {
		v, ok := rec.Get(field)
		return ok && v != nil && slices.Contains(want, fmt.Sprint(v))
	}
}

// RequireCapabilities holds when the principal's capability set, as attached
// to the context, grants every capability.
func RequireCapabilities(caps ...string) Predicate {
	return func(ctx context.Context, _ model.Record) bool {
		return model.CapabilitiesFrom(ctx).HasAll(caps...)
	}
}
