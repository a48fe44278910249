package definition

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/model"
	"github.com/pitabwire/tabula/table"
)

// Factory builds the table registered under one identity.
type Factory func(ctx context.Context) (*table.Table, error)

// snapshot is an immutable identity → factory map.
type snapshot struct {
	factories map[string]Factory
	checksum  string
}

// Registry is the allow-list of tables that may be rendered or invoked.
// Reads are lock-free through an atomic snapshot; writers copy on write.
type Registry struct {
	mu      sync.Mutex
	snap    atomic.Pointer[snapshot]
	metrics *observability.Metrics
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMetrics reports the registered table count.
func WithMetrics(m *observability.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{}
	for _, opt := range opts {
		opt(r)
	}
	r.store(&snapshot{factories: map[string]Factory{}})
	return r
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

func (r *Registry) store(s *snapshot) {
	r.snap.Store(s)
	if r.metrics != nil {
		r.metrics.SetTablesRegistered(len(s.factories))
	}
}

// Register adds a table. Registering an identity twice is a configuration
// error.
func (r *Registry) Register(id string, f Factory) error {
	if id == "" || f == nil {
		return model.NewConfigurationError("table registration needs an id and a factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current()
	if _, dup := cur.factories[id]; dup {
		return model.NewConfigurationError("table %q is already registered", id)
	}
	next := make(map[string]Factory, len(cur.factories)+1)
	for k, v := range cur.factories {
		next[k] = v
	}
	next[id] = f
	r.store(&snapshot{factories: next, checksum: cur.checksum})
	return nil
}

// Replace atomically swaps the registry contents.
func (r *Registry) Replace(factories map[string]Factory, checksum string) {
	next := make(map[string]Factory, len(factories))
	for k, v := range factories {
		next[k] = v
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store(&snapshot{factories: next, checksum: checksum})
}

// Resolve builds the table registered under id. Unknown identities are
// NOT_FOUND; a factory producing a table under another id is a
// configuration error.
func (r *Registry) Resolve(ctx context.Context, id string) (*table.Table, error) {
	f, ok := r.current().factories[id]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("table %q is not registered", id))
	}
	t, err := f(ctx)
	if err != nil {
		return nil, fmt.Errorf("building table %q: %w", id, err)
	}
	if t == nil || t.ID != id {
		return nil, model.NewConfigurationError("factory for table %q built a different table", id)
	}
	return t, nil
}

// IDs returns the registered identities, sorted.
func (r *Registry) IDs() []string {
	s := r.current()
	ids := make([]string, 0, len(s.factories))
	for id := range s.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered tables.
func (r *Registry) Len() int {
	return len(r.current().factories)
}

// Checksum returns the combined checksum of the loaded definition files.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

// ValidateAll builds every registered table and validates its declaration.
// All problems are reported together.
func (r *Registry) ValidateAll(ctx context.Context) error {
	var errs []error
	for _, id := range r.IDs() {
		t, err := r.Resolve(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := t.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return model.NewConfigurationError("%v", errors.Join(errs...))
	}
	return nil
}

// Handlers both lists and binds execution bodies.
type Handlers interface {
	HandlerBinder
	HandlerCatalog
}

// RegisterDocuments validates, compiles and registers every table of docs.
// Nothing is registered when any document is invalid.
func (r *Registry) RegisterDocuments(docs []Document, sources SourceResolver, handlers Handlers) error {
	if sources == nil {
		return model.NewConfigurationError("table definitions need configured sources")
	}
	var catalog HandlerCatalog
	var binder HandlerBinder
	if handlers != nil {
		catalog, binder = handlers, handlers
	}
	if verrs := NewValidator(catalog, sources).Validate(docs); len(verrs) > 0 {
		msgs := make([]string, len(verrs))
		for i, e := range verrs {
			msgs[i] = e.Error()
		}
		return model.NewConfigurationError("invalid table definitions: %s", strings.Join(msgs, "; "))
	}

	factories := make(map[string]Factory)
	for _, doc := range docs {
		for _, def := range doc.Tables {
			f, err := Compile(def, sources, binder)
			if err != nil {
				return err
			}
			factories[def.ID] = f
		}
	}

	r.mu.Lock()
	cur := r.current()
	for id := range factories {
		if _, dup := cur.factories[id]; dup {
			r.mu.Unlock()
			return model.NewConfigurationError("table %q is already registered", id)
		}
	}
	next := make(map[string]Factory, len(cur.factories)+len(factories))
	for k, v := range cur.factories {
		next[k] = v
	}
	for k, v := range factories {
		next[k] = v
	}
	r.store(&snapshot{factories: next, checksum: Checksum(docs)})
	r.mu.Unlock()
	return nil
}

// Checksum combines the checksums of docs independent of their order.
func Checksum(docs []Document) string {
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		parts = append(parts, d.Checksum)
	}
	sort.Strings(parts)
	return fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(parts, ":"))))
}
