// Package store provides the storage collaborators behind tables: an
// in-process collection and a SQL store.
package store

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/pitabwire/tabula/model"
)

// RelationKind distinguishes to-one from to-many relations.
type RelationKind string

// Relation kinds.
const (
	BelongsTo RelationKind = "belongs_to"
	HasMany   RelationKind = "has_many"
)

type memoryRelation struct {
	kind   RelationKind
	target *MemoryCollection
	// key is the local foreign key for BelongsTo and the remote foreign key
	// for HasMany.
	key string
}

// MemoryCollection is an in-process Source and Mutator. It is safe for
// concurrent use.
type MemoryCollection struct {
	name       string
	primaryKey string

	mu        sync.RWMutex
	records   []model.Record
	relations map[string]memoryRelation
}

// NewMemoryCollection creates a collection seeded with records.
func NewMemoryCollection(name, primaryKey string, records ...model.Record) *MemoryCollection {
	if primaryKey == "" {
		primaryKey = "id"
	}
	c := &MemoryCollection{
		name:       name,
		primaryKey: primaryKey,
		relations:  make(map[string]memoryRelation),
	}
	for _, r := range records {
		c.records = append(c.records, maps.Clone(r))
	}
	return c
}

// Name returns the collection name.
func (c *MemoryCollection) Name() string {
	return c.name
}

// BelongsTo declares a to-one relation resolved through the local
// foreignKey field.
func (c *MemoryCollection) BelongsTo(name string, target *MemoryCollection, foreignKey string) *MemoryCollection {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relations[name] = memoryRelation{kind: BelongsTo, target: target, key: foreignKey}
	return c
}

// HasMany declares a to-many relation resolved through the target's
// foreignKey field.
func (c *MemoryCollection) HasMany(name string, target *MemoryCollection, foreignKey string) *MemoryCollection {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relations[name] = memoryRelation{kind: HasMany, target: target, key: foreignKey}
	return c
}

// Insert appends a record.
func (c *MemoryCollection) Insert(rec model.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, maps.Clone(rec))
}

// Len returns the number of stored records.
func (c *MemoryCollection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

func (c *MemoryCollection) snapshot() []model.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Record, len(c.records))
	for i, r := range c.records {
		out[i] = maps.Clone(r)
	}
	return out
}

func (c *MemoryCollection) relation(name string) (memoryRelation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.relations[name]
	return r, ok
}

// related returns copies of the records rel links to from rec.
func (c *MemoryCollection) related(rec model.Record, rel memoryRelation) []model.Record {
	var out []model.Record
	switch rel.kind {
	case BelongsTo:
		fk := rec.Key(rel.key)
		if fk == "" {
			return nil
		}
		for _, r := range rel.target.snapshot() {
			if r.Key(rel.target.primaryKey) == fk {
				return []model.Record{r}
			}
		}
	case HasMany:
		pk := rec.Key(c.primaryKey)
		for _, r := range rel.target.snapshot() {
			if r.Key(rel.key) == pk {
				out = append(out, r)
			}
		}
	}
	return out
}

// load attaches the relation chain named by path ("author.team") to rec.
func (c *MemoryCollection) load(rec model.Record, path string) {
	head, rest, nested := strings.Cut(path, ".")
	rel, ok := c.relation(head)
	if !ok {
		return
	}

	existing, loaded := rec[head]
	if !loaded {
		related := c.related(rec, rel)
		if rel.kind == BelongsTo {
			if len(related) > 0 {
				existing = related[0]
			} else {
				existing = nil
			}
		} else {
			if related == nil {
				related = []model.Record{}
			}
			existing = related
		}
		rec[head] = existing
	}
	if !nested {
		return
	}
	switch v := existing.(type) {
	case model.Record:
		rel.target.load(v, rest)
	case []model.Record:
		for _, r := range v {
			rel.target.load(r, rest)
		}
	}
}

func (c *MemoryCollection) aggregate(rec model.Record, agg model.Aggregate) any {
	rel, ok := c.relation(agg.Relation)
	if !ok {
		return nil
	}
	related := c.related(rec, rel)
	switch agg.Kind {
	case model.AggCount:
		return int64(len(related))
	case model.AggExists:
		return len(related) > 0
	}

	var (
		values []float64
		raw    []any
	)
	for _, r := range related {
		v := r[agg.Column]
		if v == nil {
			continue
		}
		raw = append(raw, v)
		if f, ok := asFloat(v); ok {
			values = append(values, f)
		}
	}
	if len(raw) == 0 {
		return nil
	}
	switch agg.Kind {
	case model.AggSum:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum
	case model.AggAvg:
		if len(values) == 0 {
			return nil
		}
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	case model.AggMax:
		return slices.MaxFunc(raw, compareValues)
	case model.AggMin:
		return slices.MinFunc(raw, compareValues)
	}
	return nil
}

// relationPaths lists the relation chains a query needs loaded in order to
// evaluate its conditions and sorts.
func relationPaths(q model.Query) []string {
	seen := map[string]bool{}
	var out []string
	addChain := func(path string) {
		parts := strings.Split(path, ".")
		for i := 1; i <= len(parts); i++ {
			p := strings.Join(parts[:i], ".")
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	add := func(field string) {
		if i := strings.LastIndex(field, "."); i > 0 {
			addChain(field[:i])
		}
	}
	var walk func([]model.Condition)
	walk = func(conds []model.Condition) {
		for _, cond := range conds {
			if len(cond.Any) > 0 {
				walk(cond.Any)
				continue
			}
			add(cond.Field)
		}
	}
	walk(q.Conditions)
	for _, s := range q.Sorts {
		add(s.Field)
	}
	for _, w := range q.With {
		addChain(w)
	}
	return out
}

// Fetch implements model.Source. Aggregates are computed before filtering so
// conditions and sorts may reference them.
func (c *MemoryCollection) Fetch(ctx context.Context, q model.Query) (model.Page, error) {
	if err := ctx.Err(); err != nil {
		return model.Page{}, err
	}

	paths := relationPaths(q)
	var filtered []model.Record
	for _, rec := range c.snapshot() {
		for _, agg := range q.Aggregates {
			rec[agg.Alias()] = c.aggregate(rec, agg)
		}
		for _, p := range paths {
			c.load(rec, p)
		}
		keep := true
		for _, cond := range q.Conditions {
			if !matches(rec, cond) {
				keep = false
				break
			}
		}
		if keep {
			filtered = append(filtered, rec)
		}
	}

	if len(q.Sorts) > 0 {
		slices.SortStableFunc(filtered, func(a, b model.Record) int {
			for _, s := range q.Sorts {
				av, _ := a.Get(s.Field)
				bv, _ := b.Get(s.Field)
				r := compareValues(av, bv)
				if s.Descending {
					r = -r
				}
				if r != 0 {
					return r
				}
			}
			return 0
		})
	}

	total := len(filtered)
	start := min(q.Offset(), total)
	end := total
	if q.PerPage > 0 {
		end = start + min(q.PerPage, total-start)
	}
	return model.Page{Records: filtered[start:end], Total: total}, nil
}

// Find implements model.Source. Unknown identities are skipped.
func (c *MemoryCollection) Find(ctx context.Context, ids []string) ([]model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []model.Record
	for _, rec := range c.snapshot() {
		if want[rec.Key(c.primaryKey)] {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Delete implements model.Mutator.
func (c *MemoryCollection) Delete(ctx context.Context, ids []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	before := len(c.records)
	c.records = slices.DeleteFunc(c.records, func(r model.Record) bool {
		return slices.Contains(ids, r.Key(c.primaryKey))
	})
	return before - len(c.records), nil
}

// Update implements model.Mutator.
func (c *MemoryCollection) Update(ctx context.Context, ids []string, values map[string]any) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.records {
		if slices.Contains(ids, r.Key(c.primaryKey)) {
			maps.Copy(r, values)
			n++
		}
	}
	return n, nil
}
