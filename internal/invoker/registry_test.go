package invoker

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/juju/clock/testclock"

	"github.com/pitabwire/tabula/internal/store"
	"github.com/pitabwire/tabula/model"
	"github.com/pitabwire/tabula/table"
)

func TestRegistry_builtins(t *testing.T) {
	r := NewRegistry()
	if got := r.Names(); !reflect.DeepEqual(got, []string{HandlerDelete, HandlerUpdate}) {
		t.Errorf("Names() = %v", got)
	}
	if !r.Has(HandlerDelete) || r.Has("missing") {
		t.Error("Has() reports wrong membership")
	}
}

func TestRegistry_Register_duplicatePanics(t *testing.T) {
	r := NewRegistry()
	defer func() {
		if recover() == nil {
			t.Error("Register() of a duplicate name did not panic")
		}
	}()
	r.Register(HandlerDelete, Static(nil))
}

func TestRegistry_Bind(t *testing.T) {
	r := NewRegistry()
	r.Register("notify", Static(func(context.Context, table.Invocation) (table.Result, error) {
		return table.Result{Message: "sent"}, nil
	}))

	h, err := r.Bind("notify", table.Binding{Table: "users", Operation: "notify", Kind: table.KindHeader})
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	res, err := h(context.Background(), table.Invocation{})
	if err != nil || res.Message != "sent" {
		t.Errorf("handler = %+v, %v", res, err)
	}

	if _, err := r.Bind("missing", table.Binding{}); err == nil {
		t.Error("Bind(missing) error = nil")
	}
}

func TestRegistry_Bind_withCircuitBreaker(t *testing.T) {
	r := NewRegistry(
		WithCircuitBreaker(BreakerSettings{FailureThreshold: 1}),
		WithClock(testclock.NewClock(testEpoch)),
	)
	r.Register("flaky", Static(func(context.Context, table.Invocation) (table.Result, error) {
		return table.Result{}, errors.New("timeout")
	}))

	h, err := r.Bind("flaky", table.Binding{Table: "users", Operation: "flaky"})
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	_, _ = h(context.Background(), table.Invocation{})
	_, err = h(context.Background(), table.Invocation{})
	if !model.IsCode(err, model.ErrStoreUnavailable) {
		t.Errorf("error = %v, want %s", err, model.ErrStoreUnavailable)
	}
}

func seedUsers() *store.MemoryCollection {
	return store.NewMemoryCollection("users", "id",
		model.Record{"id": 1, "status": "active"},
		model.Record{"id": 2, "status": "active"},
		model.Record{"id": 3, "status": "active"},
	)
}

// readOnly hides the Mutator methods of a source.
type readOnly struct{ model.Source }

func TestBuiltins_bindErrors(t *testing.T) {
	users := seedUsers()
	r := NewRegistry()

	tests := []struct {
		name    string
		handler string
		binding table.Binding
	}{
		{name: "read-only source", handler: HandlerDelete, binding: table.Binding{Kind: table.KindRow, Source: readOnly{users}}},
		{name: "header action", handler: HandlerDelete, binding: table.Binding{Kind: table.KindHeader, Source: users}},
		{name: "update without values", handler: HandlerUpdate, binding: table.Binding{Kind: table.KindRow, Source: users}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Bind(tt.handler, tt.binding); err == nil {
				t.Error("Bind() error = nil")
			}
		})
	}
}

func TestBuiltin_delete(t *testing.T) {
	users := seedUsers()
	h, err := NewRegistry().Bind(HandlerDelete, table.Binding{
		Table: "users", PrimaryKey: "id", Kind: table.KindBulk, Source: users,
		Options: map[string]any{OptionRedirect: "/users"},
	})
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	res, err := h(context.Background(), table.Invocation{
		Kind:    table.KindBulk,
		Records: []model.Record{{"id": 1}, {"id": 3}},
	})
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if res.Message != "Deleted 2 records." || res.Redirect != "/users" {
		t.Errorf("result = %+v", res)
	}
	if users.Len() != 1 {
		t.Errorf("Len() = %d, want 1", users.Len())
	}
}

func TestBuiltin_update(t *testing.T) {
	users := seedUsers()
	h, err := NewRegistry().Bind(HandlerUpdate, table.Binding{
		Table: "users", PrimaryKey: "id", Kind: table.KindRow, Source: users,
		Options: map[string]any{
			OptionValues:  map[string]any{"status": "archived"},
			OptionMessage: "User archived.",
		},
	})
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	res, err := h(context.Background(), table.Invocation{Kind: table.KindRow, Record: model.Record{"id": 2}})
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if res.Message != "User archived." {
		t.Errorf("Message = %q", res.Message)
	}
	recs, _ := users.Find(context.Background(), []string{"2"})
	if len(recs) != 1 || recs[0]["status"] != "archived" {
		t.Errorf("record 2 = %v, want archived", recs)
	}

	res, err = h(context.Background(), table.Invocation{Kind: table.KindRow})
	if err != nil || res.Message != "User archived." {
		t.Errorf("missing record: %+v, %v", res, err)
	}
}
