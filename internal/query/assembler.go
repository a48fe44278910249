package query

import (
	"context"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/model"
	"github.com/pitabwire/tabula/table"
)

// Assembler builds storage queries for tables and serializes the results.
type Assembler struct {
	issuer  table.CallbackIssuer
	logger  *zap.Logger
	metrics *observability.Metrics
}

// AssemblerOption configures optional dependencies.
type AssemblerOption func(*Assembler)

// WithLogger sets the fallback logger.
func WithLogger(l *zap.Logger) AssemblerOption {
	return func(a *Assembler) { a.logger = l }
}

// WithMetrics records render metrics.
func WithMetrics(m *observability.Metrics) AssemblerOption {
	return func(a *Assembler) { a.metrics = m }
}

// NewAssembler creates an Assembler that signs action callbacks with issuer.
func NewAssembler(issuer table.CallbackIssuer, opts ...AssemblerOption) *Assembler {
	a := &Assembler{issuer: issuer, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Build translates request parameters into a storage query. It also returns
// the effective sort, or nil when the result is unordered.
func (a *Assembler) Build(t *table.Table, p Params) (model.Query, *model.SortState) {
	q := model.Query{
		Page:    max(p.Page, 1),
		PerPage: p.PerPage,
	}
	if q.PerPage < 1 {
		q.PerPage = t.PageSize()
	}

	q.With = eagerLoads(t)
	for _, c := range t.Columns {
		if c.Aggregate != nil {
			q.Aggregates = append(q.Aggregates, *c.Aggregate)
		}
	}

	q.Conditions = append(q.Conditions, t.Scope...)
	if search := searchCondition(t, p.Search); search != nil {
		q.Conditions = append(q.Conditions, *search)
	}
	for _, f := range t.Filters {
		q.Conditions = append(q.Conditions, f.Conditions(p.Filters[f.Key])...)
	}

	state := resolveSort(t, p.Sort, p.Direction)
	if state != nil {
		col, _ := t.Column(state.Column)
		q.Sorts = []model.Sort{{Field: col.Field(), Descending: state.Direction == table.Desc}}
	}
	return q, state
}

// eagerLoads returns the declared relations plus every relation implied by a
// dot-path column, without duplicates.
func eagerLoads(t *table.Table) []string {
	var out []string
	for _, w := range t.With {
		if !slices.Contains(out, w) {
			out = append(out, w)
		}
	}
	for _, c := range t.Columns {
		for _, rel := range c.Relations() {
			if !slices.Contains(out, rel) {
				out = append(out, rel)
			}
		}
	}
	return out
}

// searchCondition is the disjunction of a contains match over every
// searchable column, or nil when search does not apply.
func searchCondition(t *table.Table, term string) *model.Condition {
	term = strings.TrimSpace(term)
	if term == "" || !t.IsSearchable() {
		return nil
	}
	var terms []model.Condition
	for _, c := range t.Columns {
		if c.IsSearchable() {
			terms = append(terms, model.Condition{Field: c.SearchField(), Operator: model.OpContains, Value: term})
		}
	}
	cond := model.Or(terms...)
	return &cond
}

// resolveSort applies the request sort when it names a sortable column and
// falls back to the declared default otherwise.
func resolveSort(t *table.Table, column, direction string) *model.SortState {
	if column != "" {
		if c, ok := t.Column(column); ok && c.Sortable {
			return &model.SortState{Column: c.Key, Direction: c.SortDirection(direction)}
		}
	}
	if t.DefaultSort == "" {
		return nil
	}
	c, ok := t.Column(t.DefaultSort)
	if !ok || !c.Sortable {
		return nil
	}
	return &model.SortState{Column: c.Key, Direction: c.SortDirection(t.DefaultDirection)}
}

// Assemble runs the query for t and serializes the current page together
// with row, bulk and header action metadata.
func (a *Assembler) Assemble(ctx context.Context, t *table.Table, p Params) (result *model.TableResult, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "table.assemble", observability.AttrTableID.String(t.ID))
	defer func() {
		observability.EndSpanWithError(span, err)
		if a.metrics != nil {
			rows := 0
			if result != nil {
				rows = len(result.Data)
			}
			a.metrics.RecordTableRender(t.ID, err == nil, rows, time.Since(start))
		}
	}()

	q, sortState := a.Build(t, p)
	observability.RequestLogger(ctx, a.logger).Debug("assembling table",
		zap.String("table", t.ID),
		zap.Int("page", q.Page),
		zap.Int("per_page", q.PerPage),
		zap.Int("conditions", len(q.Conditions)),
		zap.Strings("with", q.With),
	)

	page, err := fetch(ctx, t, q)
	if err != nil {
		return nil, err
	}

	rows := make([]model.Row, 0, len(page.Records))
	for _, rec := range page.Records {
		row, err := a.row(ctx, t, rec)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}

	bulk, err := a.tableEntries(ctx, t, t.BulkActions)
	if err != nil {
		return nil, err
	}
	header, err := a.tableEntries(ctx, t, t.HeaderActions)
	if err != nil {
		return nil, err
	}

	declared := make([]model.Descriptor, 0, len(t.Actions))
	for _, op := range t.Actions {
		declared = append(declared, table.Describe(op))
	}

	return &model.TableResult{
		Name:          t.ID,
		PrimaryKey:    t.KeyField(),
		Config:        describeConfig(t, q.PerPage),
		Data:          rows,
		Pagination:    paginate(p, q.Page, q.PerPage, page.Total, len(rows)),
		Sort:          sortState,
		Search:        strings.TrimSpace(p.Search),
		Filters:       activeFilters(t, p),
		Actions:       declared,
		BulkActions:   bulk,
		BulkGroups:    bulkGroups(ctx, t),
		HeaderActions: header,
		Groups:        describeGroups(t),
	}, nil
}

func fetch(ctx context.Context, t *table.Table, q model.Query) (page model.Page, err error) {
	ctx, span := observability.StartSpan(ctx, "store.fetch", observability.AttrTableID.String(t.ID))
	defer func() { observability.EndSpanWithError(span, err) }()
	return t.Source.Fetch(ctx, q)
}

func (a *Assembler) row(ctx context.Context, t *table.Table, rec model.Record) (model.Row, error) {
	row := model.Row{
		Key:     rec.Key(t.KeyField()),
		Values:  make(map[string]any, len(t.Columns)),
		Actions: make(map[string]model.Descriptor),
	}
	for _, c := range t.Columns {
		raw, _ := rec.Get(c.Field())
		row.Values[c.Key] = c.Format(raw)
		if v := c.VariantFor(rec, raw); v != "" {
			if row.Meta == nil {
				row.Meta = make(map[string]map[string]any)
			}
			row.Meta[c.Key] = map[string]any{"variant": v}
		}
	}
	for _, op := range t.Actions {
		d, ok, err := table.RowEntry(ctx, t, op, rec, a.issuer)
		if err != nil {
			return model.Row{}, err
		}
		if ok {
			row.Actions[op.Name] = d
		}
	}
	for _, g := range t.Groups {
		if g.IsVisible(ctx, t, table.KindRow, rec) {
			row.Groups = append(row.Groups, g.Name)
		}
	}
	return row, nil
}

func (a *Assembler) tableEntries(ctx context.Context, t *table.Table, ops []*table.Operation) ([]model.Descriptor, error) {
	out := make([]model.Descriptor, 0, len(ops))
	for _, op := range ops {
		d, ok, err := table.TableEntry(ctx, t, op, a.issuer)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func describeConfig(t *table.Table, perPage int) model.TableConfig {
	cfg := model.TableConfig{
		Title:      t.Title,
		Columns:    make([]model.ColumnDescriptor, 0, len(t.Columns)),
		Filters:    make([]model.FilterDescriptor, 0, len(t.Filters)),
		Searchable: t.IsSearchable(),
		PerPage:    perPage,
	}
	for _, c := range t.Columns {
		cfg.Columns = append(cfg.Columns, model.ColumnDescriptor{
			Key:        c.Key,
			Label:      c.DisplayLabel(),
			Visible:    !c.Hidden,
			Sortable:   c.Sortable,
			Searchable: c.IsSearchable(),
			Aggregate:  c.Aggregate,
		})
	}
	for _, f := range t.Filters {
		cfg.Filters = append(cfg.Filters, f.Describe())
	}
	cfg.DefaultSort = resolveSort(t, "", "")
	return cfg
}

// bulkGroups names the groups shown over the selection, in declaration
// order.
func bulkGroups(ctx context.Context, t *table.Table) []string {
	out := make([]string, 0, len(t.Groups))
	for _, g := range t.Groups {
		if g.IsVisible(ctx, t, table.KindBulk, nil) {
			out = append(out, g.Name)
		}
	}
	return out
}

func describeGroups(t *table.Table) []model.GroupDescriptor {
	out := make([]model.GroupDescriptor, 0, len(t.Groups))
	for _, g := range t.Groups {
		out = append(out, model.GroupDescriptor{
			Name:    g.Name,
			Label:   g.Label,
			Icon:    g.Icon,
			Color:   g.Color,
			Order:   g.Order,
			Actions: slices.Clone(g.Operations),
		})
	}
	slices.SortStableFunc(out, func(a, b model.GroupDescriptor) int { return a.Order - b.Order })
	return out
}

// activeFilters reports the effective input of every filter that applied.
func activeFilters(t *table.Table, p Params) map[string]any {
	out := make(map[string]any)
	for _, f := range t.Filters {
		v := f.Resolve(p.Filters[f.Key])
		switch {
		case v.IsZero():
		case v.Value != "":
			out[f.Key] = v.Value
		default:
			out[f.Key] = map[string]string{"from": v.From, "to": v.To}
		}
	}
	return out
}

// paginate builds the page window. count is the number of rows on the
// current page.
func paginate(p Params, page, perPage, total, count int) model.Pagination {
	lastPage := total / perPage
	if total%perPage != 0 || lastPage == 0 {
		lastPage++
	}
	pg := model.Pagination{
		CurrentPage: page,
		LastPage:    lastPage,
		PerPage:     perPage,
		Total:       total,
	}
	if count > 0 {
		pg.From = (page-1)*perPage + 1
		pg.To = pg.From + count - 1
	}

	link := func(n int) string {
		values := make(url.Values, len(p.Values)+1)
		for k, v := range p.Values {
			values[k] = slices.Clone(v)
		}
		values.Set("page", strconv.Itoa(n))
		return p.Path + "?" + values.Encode()
	}

	prev := model.PageLink{Label: "Previous"}
	if page > 1 {
		prev.URL = link(min(page-1, lastPage))
	}
	pg.Links = append(pg.Links, prev)

	last := 0
	for _, n := range pageWindow(page, lastPage) {
		if last != 0 && n != last+1 {
			pg.Links = append(pg.Links, model.PageLink{Label: "..."})
		}
		pg.Links = append(pg.Links, model.PageLink{URL: link(n), Label: strconv.Itoa(n), Active: n == page})
		last = n
	}

	next := model.PageLink{Label: "Next"}
	if page < lastPage {
		next.URL = link(page + 1)
	}
	pg.Links = append(pg.Links, next)
	return pg
}

// pageWindow lists the page numbers shown: the first two, the last two and
// two either side of the current page.
func pageWindow(page, lastPage int) []int {
	const edge, around = 2, 2
	var out []int
	for n := 1; n <= lastPage; n++ {
		if n <= edge || n > lastPage-edge || (n >= page-around && n <= page+around) {
			out = append(out, n)
		}
	}
	return out
}
