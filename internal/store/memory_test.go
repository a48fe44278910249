package store

import (
	"context"
	"math"
	"reflect"
	"testing"

	"github.com/pitabwire/tabula/model"
)

func seedMemory() (*MemoryCollection, *MemoryCollection, *MemoryCollection) {
	teams := NewMemoryCollection("teams", "id",
		model.Record{"id": 1, "name": "Platform"},
		model.Record{"id": 2, "name": "Growth"},
	)
	users := NewMemoryCollection("users", "id",
		model.Record{"id": 1, "name": "Alice", "email": "alice@example.com", "status": "active", "team_id": 1},
		model.Record{"id": 2, "name": "Bob", "email": "bob@example.com", "status": "archived", "team_id": 2},
		model.Record{"id": 3, "name": "Charlie", "email": "charlie@example.org", "status": "active", "team_id": nil},
	)
	posts := NewMemoryCollection("posts", "id",
		model.Record{"id": 10, "user_id": 1, "title": "Hello", "score": 3},
		model.Record{"id": 11, "user_id": 1, "title": "Again", "score": 5},
		model.Record{"id": 12, "user_id": 2, "title": "Bob's", "score": 1},
	)
	users.BelongsTo("team", teams, "team_id").HasMany("posts", posts, "user_id")
	return users, teams, posts
}

func names(page model.Page) []string {
	out := make([]string, len(page.Records))
	for i, r := range page.Records {
		out[i], _ = r["name"].(string)
	}
	return out
}

func TestMemoryCollection_Fetch(t *testing.T) {
	users, _, _ := seedMemory()
	ctx := context.Background()

	tests := []struct {
		name      string
		query     model.Query
		want      []string
		wantTotal int
	}{
		{
			name:      "all",
			query:     model.Query{},
			want:      []string{"Alice", "Bob", "Charlie"},
			wantTotal: 3,
		},
		{
			name: "search disjunction case-insensitive",
			query: model.Query{Conditions: []model.Condition{model.Or(
				model.Condition{Field: "name", Operator: model.OpContains, Value: "ALI"},
				model.Condition{Field: "email", Operator: model.OpContains, Value: "ali"},
			)}},
			want:      []string{"Alice"},
			wantTotal: 1,
		},
		{
			name:      "sort desc",
			query:     model.Query{Sorts: []model.Sort{{Field: "name", Descending: true}}},
			want:      []string{"Charlie", "Bob", "Alice"},
			wantTotal: 3,
		},
		{
			name: "filter and page",
			query: model.Query{
				Conditions: []model.Condition{{Field: "status", Operator: model.OpEq, Value: "active"}},
				Page:       2,
				PerPage:    1,
			},
			want:      []string{"Charlie"},
			wantTotal: 2,
		},
		{
			name:      "belongs-to condition",
			query:     model.Query{Conditions: []model.Condition{{Field: "team.name", Operator: model.OpEq, Value: "Growth"}}},
			want:      []string{"Bob"},
			wantTotal: 1,
		},
		{
			name:      "has-many condition",
			query:     model.Query{Conditions: []model.Condition{{Field: "posts.title", Operator: model.OpContains, Value: "again"}}},
			want:      []string{"Alice"},
			wantTotal: 1,
		},
		{
			name: "aggregate filter and sort",
			query: model.Query{
				Aggregates: []model.Aggregate{{Relation: "posts", Kind: model.AggCount}},
				Conditions: []model.Condition{{Field: "posts_count", Operator: model.OpGte, Value: 1}},
				Sorts:      []model.Sort{{Field: "posts_count", Descending: true}},
			},
			want:      []string{"Alice", "Bob"},
			wantTotal: 2,
		},
		{
			name:      "in",
			query:     model.Query{Conditions: []model.Condition{{Field: "id", Operator: model.OpIn, Value: []any{"1", 3}}}},
			want:      []string{"Alice", "Charlie"},
			wantTotal: 2,
		},
		{
			name:      "null relation key",
			query:     model.Query{Conditions: []model.Condition{{Field: "team_id", Operator: model.OpNull}}},
			want:      []string{"Charlie"},
			wantTotal: 1,
		},
		{
			name:      "page past end",
			query:     model.Query{Page: 5, PerPage: 2},
			want:      []string{},
			wantTotal: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := users.Fetch(ctx, tt.query)
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if got := names(page); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("names = %v, want %v", got, tt.want)
			}
			if page.Total != tt.wantTotal {
				t.Errorf("Total = %d, want %d", page.Total, tt.wantTotal)
			}
		})
	}
}

func TestMemoryCollection_FetchOverflowingPage(t *testing.T) {
	users, _, _ := seedMemory()

	tests := []struct {
		name  string
		query model.Query
		want  []string
	}{
		{name: "page beyond int range", query: model.Query{Page: math.MaxInt, PerPage: 2}},
		{name: "page size beyond int range", query: model.Query{Page: 3, PerPage: math.MaxInt/2 + 1}},
		{name: "maximal page size", query: model.Query{Page: 1, PerPage: math.MaxInt}, want: []string{"Alice", "Bob", "Charlie"}},
		{name: "second maximal page", query: model.Query{Page: 2, PerPage: math.MaxInt}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := users.Fetch(context.Background(), tt.query)
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if got := names(page); len(got) != len(tt.want) || (len(got) > 0 && !reflect.DeepEqual(got, tt.want)) {
				t.Errorf("Fetch() = %v, want %v", got, tt.want)
			}
			if page.Total != 3 {
				t.Errorf("Total = %d, want 3", page.Total)
			}
		})
	}
}

func TestMemoryCollection_Fetch_eagerAndAggregates(t *testing.T) {
	users, _, _ := seedMemory()
	page, err := users.Fetch(context.Background(), model.Query{
		With: []string{"team", "posts"},
		Aggregates: []model.Aggregate{
			{Relation: "posts", Kind: model.AggCount},
			{Relation: "posts", Kind: model.AggExists},
			{Relation: "posts", Kind: model.AggSum, Column: "score"},
			{Relation: "posts", Kind: model.AggAvg, Column: "score"},
			{Relation: "posts", Kind: model.AggMax, Column: "score"},
		},
	})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	alice, charlie := page.Records[0], page.Records[2]

	if v, _ := alice.Get("team.name"); v != "Platform" {
		t.Errorf("alice team.name = %v, want Platform", v)
	}
	if v, ok := charlie.Get("team"); !ok || v != nil {
		t.Errorf("charlie team = %v, %v; want loaded nil", v, ok)
	}
	if got := alice["posts_count"]; got != int64(2) {
		t.Errorf("posts_count = %#v, want 2", got)
	}
	if got := alice["posts_exists"]; got != true {
		t.Errorf("posts_exists = %#v, want true", got)
	}
	if got := alice["posts_sum_score"]; got != 8.0 {
		t.Errorf("posts_sum_score = %#v, want 8", got)
	}
	if got := alice["posts_avg_score"]; got != 4.0 {
		t.Errorf("posts_avg_score = %#v, want 4", got)
	}
	if got := alice["posts_max_score"]; got != 5 {
		t.Errorf("posts_max_score = %#v, want 5", got)
	}
	if got := charlie["posts_sum_score"]; got != nil {
		t.Errorf("charlie posts_sum_score = %#v, want nil", got)
	}
	if posts, _ := charlie["posts"].([]model.Record); posts == nil || len(posts) != 0 {
		t.Errorf("charlie posts = %#v, want empty slice", charlie["posts"])
	}
}

func TestMemoryCollection_Fetch_doesNotLeakState(t *testing.T) {
	users, _, _ := seedMemory()
	_, _ = users.Fetch(context.Background(), model.Query{With: []string{"team"}})
	page, _ := users.Fetch(context.Background(), model.Query{})
	if _, ok := page.Records[0]["team"]; ok {
		t.Error("relation loaded by an earlier fetch leaked into storage")
	}
}

func TestMemoryCollection_Find(t *testing.T) {
	users, _, _ := seedMemory()
	recs, err := users.Find(context.Background(), []string{"1", "3", "99", "42"})
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("Find() returned %d records, want 2", len(recs))
	}
}

func TestMemoryCollection_mutations(t *testing.T) {
	users, _, _ := seedMemory()
	ctx := context.Background()

	n, err := users.Update(ctx, []string{"1", "2"}, map[string]any{"status": "archived"})
	if err != nil || n != 2 {
		t.Fatalf("Update() = %d, %v; want 2", n, err)
	}
	page, _ := users.Fetch(ctx, model.Query{Conditions: []model.Condition{{Field: "status", Operator: model.OpEq, Value: "archived"}}})
	if page.Total != 2 {
		t.Errorf("archived total = %d, want 2", page.Total)
	}

	n, err = users.Delete(ctx, []string{"2", "99"})
	if err != nil || n != 1 {
		t.Fatalf("Delete() = %d, %v; want 1", n, err)
	}
	if users.Len() != 2 {
		t.Errorf("Len() = %d, want 2", users.Len())
	}
}

func TestMemoryCollection_cancelledContext(t *testing.T) {
	users, _, _ := seedMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := users.Fetch(ctx, model.Query{}); err == nil {
		t.Error("Fetch() with cancelled context error = nil")
	}
}

func TestCompareValues(t *testing.T) {
	tests := []struct {
		a, b any
		want int
	}{
		{1, 2, -1},
		{int64(2), 2.0, 0},
		{"10", 9, 1},
		{"b", "a", 1},
		{nil, "a", -1},
		{"a", nil, 1},
		{false, true, -1},
		{"2024-01-02", "2024-01-10", -1},
	}
	for _, tt := range tests {
		if got := compareValues(tt.a, tt.b); got != tt.want {
			t.Errorf("compareValues(%v, %v) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}
