package store

import (
	"context"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pitabwire/tabula/model"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validIdent(s string) bool {
	return identPattern.MatchString(s)
}

func quote(ident string) string {
	return `"` + ident + `"`
}

// DriverName maps a configured driver to the registered database/sql name.
func DriverName(driver string) (string, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return "sqlite3", nil
	case "postgres", "postgresql", "pgx":
		return "pgx", nil
	}
	return "", fmt.Errorf("store: unsupported driver %q", driver)
}

// SQLStore is a SQL database holding the collections behind tables.
type SQLStore struct {
	db *sqlx.DB
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	name, err := DriverName(driver)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", name, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: connecting to %s: %w", name, err)
	}

	if name == "sqlite3" {
		if strings.Contains(dsn, ":memory:") {
			// Every connection to :memory: is a separate database.
			db.SetMaxOpenConns(1)
		}
		for _, pragma := range []string{
			"PRAGMA foreign_keys = ON",
			"PRAGMA busy_timeout = 5000",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("store: %s: %w", pragma, err)
			}
		}
	}
	return &SQLStore{db: db}, nil
}

// NewSQLStore wraps an existing connection pool.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

// DB returns the underlying connection pool.
func (s *SQLStore) DB() *sqlx.DB {
	return s.db
}

// Ping checks connectivity. It implements observability.HealthChecker.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Table returns a Source over the named database table.
func (s *SQLStore) Table(name, primaryKey string) (*SQLTable, error) {
	if primaryKey == "" {
		primaryKey = "id"
	}
	if !validIdent(name) || !validIdent(primaryKey) {
		return nil, fmt.Errorf("store: invalid table identifier %q (primary key %q)", name, primaryKey)
	}
	return &SQLTable{
		store:      s,
		name:       name,
		primaryKey: primaryKey,
		relations:  make(map[string]sqlRelation),
	}, nil
}

type sqlRelation struct {
	kind   RelationKind
	target *SQLTable
	key    string
}

// SQLTable is a Source and Mutator over one database table.
type SQLTable struct {
	store      *SQLStore
	name       string
	primaryKey string

	mu        sync.RWMutex
	relations map[string]sqlRelation
}

// Name returns the database table name.
func (t *SQLTable) Name() string {
	return t.name
}

// BelongsTo declares a to-one relation through the local foreignKey column.
// It panics on an invalid identifier, which is a wiring mistake.
func (t *SQLTable) BelongsTo(name string, target *SQLTable, foreignKey string) *SQLTable {
	return t.relate(name, sqlRelation{kind: BelongsTo, target: target, key: foreignKey})
}

// HasMany declares a to-many relation through the target's foreignKey column.
func (t *SQLTable) HasMany(name string, target *SQLTable, foreignKey string) *SQLTable {
	return t.relate(name, sqlRelation{kind: HasMany, target: target, key: foreignKey})
}

func (t *SQLTable) relate(name string, rel sqlRelation) *SQLTable {
	if !validIdent(name) || !validIdent(rel.key) || rel.target == nil {
		panic(fmt.Sprintf("store: invalid relation %q on %q", name, t.name))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.relations[name] = rel
	return t
}

func (t *SQLTable) relation(name string) (sqlRelation, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rel, ok := t.relations[name]
	if !ok {
		return sqlRelation{}, fmt.Errorf("store: %q has no relation %q", t.name, name)
	}
	return rel, nil
}

// link returns the join predicate between the related alias and the owner
// alias.
func (t *SQLTable) link(rel sqlRelation, related, owner string) string {
	if rel.kind == BelongsTo {
		return fmt.Sprintf("%s.%s = %s.%s", related, quote(rel.target.primaryKey), owner, quote(rel.key))
	}
	return fmt.Sprintf("%s.%s = %s.%s", related, quote(rel.key), owner, quote(t.primaryKey))
}

// builder accumulates positional arguments and subquery aliases.
type builder struct {
	args    []any
	aliases int
}

func (b *builder) arg(v any) string {
	b.args = append(b.args, v)
	return "?"
}

func (b *builder) alias() string {
	b.aliases++
	return fmt.Sprintf("r%d", b.aliases)
}

func (t *SQLTable) selectWithAggregates(b *builder, aggs []model.Aggregate) (string, error) {
	cols := []string{"t.*"}
	for _, agg := range aggs {
		alias := agg.Alias()
		if !validIdent(alias) {
			return "", fmt.Errorf("store: invalid aggregate alias %q", alias)
		}
		rel, err := t.relation(agg.Relation)
		if err != nil {
			return "", err
		}
		r := b.alias()
		from := fmt.Sprintf("FROM %s %s WHERE %s", quote(rel.target.name), r, t.link(rel, r, "t"))

		var expr string
		switch agg.Kind {
		case model.AggCount:
			expr = "SELECT COUNT(*) " + from
		case model.AggExists:
			expr = "SELECT CASE WHEN EXISTS (SELECT 1 " + from + ") THEN 1 ELSE 0 END"
		case model.AggSum, model.AggAvg, model.AggMax, model.AggMin:
			if !validIdent(agg.Column) {
				return "", fmt.Errorf("store: invalid aggregate column %q", agg.Column)
			}
			expr = fmt.Sprintf("SELECT %s(%s.%s) %s", strings.ToUpper(string(agg.Kind)), r, quote(agg.Column), from)
		default:
			return "", fmt.Errorf("store: unsupported aggregate %q", agg.Kind)
		}
		cols = append(cols, fmt.Sprintf("(%s) AS %s", expr, quote(alias)))
	}
	return fmt.Sprintf("SELECT %s FROM %s t", strings.Join(cols, ", "), quote(t.name)), nil
}

// condition renders c against the owner alias. Dot paths become EXISTS
// subqueries through the named relations.
func (t *SQLTable) condition(b *builder, owner string, c model.Condition) (string, error) {
	if len(c.Any) > 0 {
		parts := make([]string, 0, len(c.Any))
		for _, sub := range c.Any {
			p, err := t.condition(b, owner, sub)
			if err != nil {
				return "", err
			}
			parts = append(parts, p)
		}
		return "(" + strings.Join(parts, " OR ") + ")", nil
	}

	head, rest, nested := strings.Cut(c.Field, ".")
	if !validIdent(head) {
		return "", fmt.Errorf("store: invalid field %q", c.Field)
	}
	if !nested {
		return compare(b, owner+"."+quote(head), c.Operator, c.Value)
	}

	rel, err := t.relation(head)
	if err != nil {
		return "", err
	}
	r := b.alias()
	inner, err := rel.target.condition(b, r, model.Condition{Field: rest, Operator: c.Operator, Value: c.Value})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("EXISTS (SELECT 1 FROM %s %s WHERE %s AND %s)", quote(rel.target.name), r, t.link(rel, r, owner), inner), nil
}

func compare(b *builder, col string, op model.Operator, v any) (string, error) {
	switch op {
	case model.OpEq:
		return col + " = " + b.arg(v), nil
	case model.OpNeq:
		return fmt.Sprintf("(%s <> %s OR %s IS NULL)", col, b.arg(v), col), nil
	case model.OpGt:
		return col + " > " + b.arg(v), nil
	case model.OpGte:
		return col + " >= " + b.arg(v), nil
	case model.OpLt:
		return col + " < " + b.arg(v), nil
	case model.OpLte:
		return col + " <= " + b.arg(v), nil
	case model.OpNull:
		return col + " IS NULL", nil
	case model.OpNotNull:
		return col + " IS NOT NULL", nil
	case model.OpContains:
		pattern := "%" + escapeLike(strings.ToLower(fmt.Sprint(v))) + "%"
		return fmt.Sprintf(`LOWER(CAST(%s AS TEXT)) LIKE %s ESCAPE '\'`, col, b.arg(pattern)), nil
	case model.OpIn:
		values := asSlice(v)
		if len(values) == 0 {
			return "1 = 0", nil
		}
		marks := make([]string, len(values))
		for i, item := range values {
			marks[i] = b.arg(item)
		}
		return fmt.Sprintf("%s IN (%s)", col, strings.Join(marks, ", ")), nil
	}
	return "", fmt.Errorf("store: unsupported operator %q", op)
}

// escapeLike escapes LIKE wildcards so user input matches literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

// sortExpr renders a sort field. Paths through belongs-to relations become
// scalar subqueries; paths through has-many relations cannot be ordered by
// and report false.
func (t *SQLTable) sortExpr(b *builder, owner, field string) (string, bool, error) {
	head, rest, nested := strings.Cut(field, ".")
	if !validIdent(head) {
		return "", false, fmt.Errorf("store: invalid sort field %q", field)
	}
	if !nested {
		return owner + "." + quote(head), true, nil
	}
	rel, err := t.relation(head)
	if err != nil {
		return "", false, err
	}
	if rel.kind != BelongsTo {
		return "", false, nil
	}
	r := b.alias()
	inner, ok, err := rel.target.sortExpr(b, r, rest)
	if err != nil || !ok {
		return "", ok, err
	}
	return fmt.Sprintf("(SELECT %s FROM %s %s WHERE %s)", inner, quote(rel.target.name), r, t.link(rel, r, owner)), true, nil
}

// Fetch implements model.Source. Aggregates are selected in a derived table
// so that conditions and sorts may reference them like ordinary columns.
func (t *SQLTable) Fetch(ctx context.Context, q model.Query) (model.Page, error) {
	b := &builder{}
	inner, err := t.selectWithAggregates(b, q.Aggregates)
	if err != nil {
		return model.Page{}, err
	}

	var where []string
	for _, c := range q.Conditions {
		clause, err := t.condition(b, "q", c)
		if err != nil {
			return model.Page{}, err
		}
		where = append(where, clause)
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}

	var order []string
	for _, s := range q.Sorts {
		expr, ok, err := t.sortExpr(b, "q", s.Field)
		if err != nil {
			return model.Page{}, err
		}
		if !ok {
			continue
		}
		if s.Descending {
			expr += " DESC"
		} else {
			expr += " ASC"
		}
		order = append(order, expr)
	}
	// Stable pagination needs a total order.
	order = append(order, "q."+quote(t.primaryKey)+" ASC")

	db := t.store.db
	from := "FROM (" + inner + ") q" + whereSQL

	var total int
	if err := db.GetContext(ctx, &total, db.Rebind("SELECT COUNT(*) "+from), b.args...); err != nil {
		return model.Page{}, fmt.Errorf("store: counting %s: %w", t.name, err)
	}

	if q.PerPage > 0 && q.Offset() >= total {
		return model.Page{Records: []model.Record{}, Total: total}, nil
	}

	query := "SELECT * " + from + " ORDER BY " + strings.Join(order, ", ")
	args := slices.Clone(b.args)
	if q.PerPage > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, q.PerPage, q.Offset())
	}
	records, err := t.query(ctx, query, args...)
	if err != nil {
		return model.Page{}, err
	}
	for _, path := range q.With {
		if err := t.eagerLoad(ctx, records, path); err != nil {
			return model.Page{}, err
		}
	}
	return model.Page{Records: records, Total: total}, nil
}

func (t *SQLTable) query(ctx context.Context, query string, args ...any) ([]model.Record, error) {
	db := t.store.db
	rows, err := db.QueryxContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: querying %s: %w", t.name, err)
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("store: scanning %s: %w", t.name, err)
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		out = append(out, model.Record(row))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: reading %s: %w", t.name, err)
	}
	return out, nil
}

func (t *SQLTable) findBy(ctx context.Context, column string, keys []string) ([]model.Record, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(fmt.Sprintf("SELECT * FROM %s WHERE %s IN (?)", quote(t.name), quote(column)), keys)
	if err != nil {
		return nil, fmt.Errorf("store: expanding keys: %w", err)
	}
	return t.query(ctx, query, args...)
}

// eagerLoad attaches the relation chain named by path to every record with
// one query per relation.
func (t *SQLTable) eagerLoad(ctx context.Context, records []model.Record, path string) error {
	if len(records) == 0 {
		return nil
	}
	head, rest, nested := strings.Cut(path, ".")
	rel, err := t.relation(head)
	if err != nil {
		return err
	}

	var pending []model.Record
	for _, rec := range records {
		switch rec[head].(type) {
		case model.Record, []model.Record:
		default:
			pending = append(pending, rec)
		}
	}

	if len(pending) > 0 {
		var ownKey, relatedKey string
		if rel.kind == BelongsTo {
			ownKey, relatedKey = rel.key, rel.target.primaryKey
		} else {
			ownKey, relatedKey = t.primaryKey, rel.key
		}

		seen := make(map[string]bool)
		var keys []string
		for _, rec := range pending {
			if k := rec.Key(ownKey); k != "" && !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
		related, err := rel.target.findBy(ctx, relatedKey, keys)
		if err != nil {
			return err
		}
		grouped := make(map[string][]model.Record)
		for _, r := range related {
			k := r.Key(relatedKey)
			grouped[k] = append(grouped[k], r)
		}

		for _, rec := range pending {
			matches := grouped[rec.Key(ownKey)]
			if rel.kind == BelongsTo {
				if len(matches) > 0 {
					rec[head] = maps.Clone(matches[0])
				} else {
					rec[head] = nil
				}
				continue
			}
			children := make([]model.Record, len(matches))
			for i, m := range matches {
				children[i] = maps.Clone(m)
			}
			rec[head] = children
		}
	}

	if !nested {
		return nil
	}
	var children []model.Record
	for _, rec := range records {
		switch v := rec[head].(type) {
		case model.Record:
			children = append(children, v)
		case []model.Record:
			children = append(children, v...)
		}
	}
	return rel.target.eagerLoad(ctx, children, rest)
}

// Find implements model.Source.
func (t *SQLTable) Find(ctx context.Context, ids []string) ([]model.Record, error) {
	return t.findBy(ctx, t.primaryKey, ids)
}

// Delete implements model.Mutator.
func (t *SQLTable) Delete(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(fmt.Sprintf("DELETE FROM %s WHERE %s IN (?)", quote(t.name), quote(t.primaryKey)), ids)
	if err != nil {
		return 0, fmt.Errorf("store: expanding keys: %w", err)
	}
	return t.exec(ctx, query, args...)
}

// Update implements model.Mutator.
func (t *SQLTable) Update(ctx context.Context, ids []string, values map[string]any) (int, error) {
	if len(ids) == 0 || len(values) == 0 {
		return 0, nil
	}
	cols := slices.Sorted(maps.Keys(values))
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, col := range cols {
		if !validIdent(col) || col == t.primaryKey {
			return 0, fmt.Errorf("store: column %q cannot be updated", col)
		}
		sets[i] = quote(col) + " = ?"
		args = append(args, values[col])
	}
	args = append(args, ids)
	query, args, err := sqlx.In(fmt.Sprintf("UPDATE %s SET %s WHERE %s IN (?)",
		quote(t.name), strings.Join(sets, ", "), quote(t.primaryKey)), args...)
	if err != nil {
		return 0, fmt.Errorf("store: expanding keys: %w", err)
	}
	return t.exec(ctx, query, args...)
}

func (t *SQLTable) exec(ctx context.Context, query string, args ...any) (int, error) {
	db := t.store.db
	res, err := db.ExecContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("store: writing %s: %w", t.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: writing %s: %w", t.name, err)
	}
	return int(n), nil
}
