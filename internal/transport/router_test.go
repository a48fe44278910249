package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pitabwire/tabula/internal/callback"
	"github.com/pitabwire/tabula/internal/capability"
	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/dispatch"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/internal/openapi"
	"github.com/pitabwire/tabula/internal/query"
	"github.com/pitabwire/tabula/internal/store"
	"github.com/pitabwire/tabula/model"
	"github.com/pitabwire/tabula/table"
)

const (
	testSessionSecret = "session-secret-0123456789abcdef0123"
	testIssuer        = "tabula-test"
)

type tableMap map[string]*table.Table

func (m tableMap) Resolve(_ context.Context, id string) (*table.Table, error) {
	t, ok := m[id]
	if !ok {
		return nil, model.NewNotFoundError("table " + id + " is not registered")
	}
	return t, nil
}

type server struct {
	handler  http.Handler
	users    *store.MemoryCollection
	issuer   *callback.Issuer
	archived []string
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Session.Issuer = testIssuer
	cfg.Server.CORS.AllowedOrigins = []string{"https://app.example.com"}
	cfg.Server.HandlerTimeout = 5 * time.Second
	cfg.Server.MaxBodyBytes = 4096
	return cfg
}

func newServer(t *testing.T) *server {
	t.Helper()
	s := &server{}
	cfg := testConfig()

	iss, err := callback.NewIssuer([]byte("0123456789abcdef0123456789abcdef"), testIssuer)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	s.issuer = iss
	idx, err := openapi.NewInvocationIndex(context.Background(), callback.Path, "test")
	if err != nil {
		t.Fatalf("NewInvocationIndex() error = %v", err)
	}

	s.users = store.NewMemoryCollection("users", "id",
		model.Record{"id": 1, "name": "Alice", "status": "active"},
		model.Record{"id": 2, "name": "Bob", "status": "archived"},
		model.Record{"id": 3, "name": "Charlie", "status": "active"},
	)
	tables := tableMap{"users": {
		ID:     "users",
		Source: s.users,
		Columns: []table.Column{
			{Key: "name", Sortable: true, Searchable: true},
			{Key: "status"},
		},
		Actions: []*table.Operation{
			table.NewAction("archive",
				table.AuthorizeWhen(table.All(
					table.RequireCapabilities("users:archive"),
					table.FieldEquals("status", "active"),
				)),
				table.Executes(func(_ context.Context, inv table.Invocation) (table.Result, error) {
					s.archived = append(s.archived, inv.Record.Key("id"))
					return table.Result{Redirect: "/users", Message: "Archived"}, nil
				}),
			),
			table.NewAction("touch"),
		},
	}}

	auth := NewSessionAuthenticator(cfg.Session, []byte(testSessionSecret))
	policy := capability.NewStaticPolicy(map[string][]string{"support": {"users:archive"}})

	reg := prometheus.NewRegistry()
	s.handler = NewRouter(Dependencies{
		Config:         cfg,
		Authenticate:   auth.Middleware,
		Capabilities:   capability.NewResolver(policy),
		Tables:         tables,
		Renderer:       query.NewAssembler(iss),
		Invoker:        dispatch.NewDispatcher(iss, tables, idx),
		Schema:         idx.Document(),
		Metrics:        observability.InitMetrics(reg),
		MetricsHandler: observability.HandlerFor(reg),
		Readiness: observability.ReadinessChecks{
			TablesRegistered: func() int { return len(tables) },
		},
	})
	return s
}

func sessionToken(t *testing.T, roles ...string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":       "user-1",
		"tenant_id": "acme",
		"iss":       testIssuer,
		"roles":     roles,
		"exp":       time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSessionSecret))
	if err != nil {
		t.Fatalf("signing session: %v", err)
	}
	return tok
}

func (s *server) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

// render fetches the users table as the given roles.
func (s *server) render(t *testing.T, roles ...string) model.TableResult {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/tables/users?sort=name", nil)
	req.Header.Set("Authorization", "Bearer "+sessionToken(t, roles...))
	w := s.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("render status = %d, body = %s", w.Code, w.Body)
	}
	var result model.TableResult
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("decoding render: %v", err)
	}
	return result
}

type renderedCallback struct {
	URL     string                `json:"url"`
	Payload model.CallbackPayload `json:"payload"`
}

func callbackOf(t *testing.T, d model.Descriptor) renderedCallback {
	t.Helper()
	raw, err := json.Marshal(d["callback"])
	if err != nil {
		t.Fatal(err)
	}
	var cb renderedCallback
	if err := json.Unmarshal(raw, &cb); err != nil || cb.URL == "" {
		t.Fatalf("descriptor %v has no callback", d)
	}
	return cb
}

func invokeRequest(t *testing.T, cb renderedCallback, roles ...string) *http.Request {
	t.Helper()
	body, _ := json.Marshal(cb.Payload)
	req := httptest.NewRequest(http.MethodPost, cb.URL, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+sessionToken(t, roles...))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestRouter_render(t *testing.T) {
	s := newServer(t)
	result := s.render(t, "support")

	if result.Name != "users" || len(result.Data) != 3 {
		t.Fatalf("result = %s with %d rows", result.Name, len(result.Data))
	}
	if got := result.Data[0].Values["name"]; got != "Alice" {
		t.Errorf("first row name = %v, want Alice", got)
	}
	if _, ok := result.Data[0].Actions["archive"]; !ok {
		t.Error("active row lacks the archive action")
	}
	if _, ok := result.Data[1].Actions["archive"]; ok {
		t.Error("archived row offers the archive action")
	}
}

func TestRouter_renderUnknownTable(t *testing.T) {
	s := newServer(t)
	req := httptest.NewRequest(http.MethodGet, "/tables/orders", nil)
	req.Header.Set("Authorization", "Bearer "+sessionToken(t))

	if w := s.do(req); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRouter_requiresSession(t *testing.T) {
	s := newServer(t)
	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/tables/users", nil),
		httptest.NewRequest(http.MethodPost, callback.Path, nil),
		httptest.NewRequest(http.MethodGet, SchemaPath, nil),
	} {
		if w := s.do(req); w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s status = %d, want 401", req.Method, req.URL.Path, w.Code)
		}
	}
}

func TestRouter_invokeJson(t *testing.T) {
	s := newServer(t)
	cb := callbackOf(t, s.render(t, "support").Data[0].Actions["archive"])

	req := invokeRequest(t, cb, "support")
	req.Header.Set("Accept", "application/json")
	w := s.do(req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	var resp model.InvocationResponse
	_ = json.NewDecoder(w.Body).Decode(&resp)
	want := model.InvocationResponse{Success: true, RedirectURL: "/users", Message: "Archived"}
	if resp != want {
		t.Errorf("response = %+v, want %+v", resp, want)
	}
	if len(s.archived) != 1 || s.archived[0] != "1" {
		t.Errorf("archived = %v, want [1]", s.archived)
	}
}

func TestRouter_invokeRedirects(t *testing.T) {
	s := newServer(t)
	result := s.render(t, "support")

	tests := []struct {
		name    string
		cb      renderedCallback
		referer string
		want    string
	}{
		{name: "body redirect", cb: callbackOf(t, result.Data[0].Actions["archive"]), want: "/users"},
		{name: "referer", cb: callbackOf(t, result.Data[0].Actions["touch"]), referer: "https://app.example.com/admin/users", want: "https://app.example.com/admin/users"},
		{name: "root", cb: callbackOf(t, result.Data[0].Actions["touch"]), want: "/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := invokeRequest(t, tt.cb, "support")
			if tt.referer != "" {
				req.Header.Set("Referer", tt.referer)
			}
			w := s.do(req)
			if w.Code != http.StatusSeeOther {
				t.Fatalf("status = %d, want 303, body = %s", w.Code, w.Body)
			}
			if got := w.Header().Get("Location"); got != tt.want {
				t.Errorf("Location = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRouter_invokeRejections(t *testing.T) {
	s := newServer(t)
	cb := callbackOf(t, s.render(t, "support").Data[0].Actions["archive"])

	tests := []struct {
		name   string
		mutate func(*http.Request)
		roles  []string
		want   int
	}{
		{
			name:   "tampered token",
			mutate: func(r *http.Request) { r.URL.RawQuery = strings.Replace(r.URL.RawQuery, "record=1", "record=3", 1) },
			roles:  []string{"support"},
			want:   http.StatusForbidden,
		},
		{
			name:  "missing capability",
			roles: nil,
			want:  http.StatusForbidden,
		},
		{
			name:   "cross origin",
			mutate: func(r *http.Request) { r.Header.Set("Origin", "https://evil.example.net") },
			roles:  []string{"support"},
			want:   http.StatusForbidden,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := invokeRequest(t, cb, tt.roles...)
			req.Header.Set("Accept", "application/json")
			if tt.mutate != nil {
				tt.mutate(req)
			}
			w := s.do(req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tt.want, w.Body)
			}
		})
	}
	if len(s.archived) != 0 {
		t.Errorf("archived = %v, want none", s.archived)
	}
}

func TestRouter_invokeBodyLimits(t *testing.T) {
	s := newServer(t)
	cb := callbackOf(t, s.render(t, "support").Data[0].Actions["archive"])

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "malformed", body: "{", want: http.StatusBadRequest},
		{name: "schema", body: `{"table":"dXNlcnM","name":"archive"}`, want: http.StatusUnprocessableEntity},
		{name: "too large", body: `{"params":{"x":"` + strings.Repeat("a", 5000) + `"}}`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, cb.URL, strings.NewReader(tt.body))
			req.Header.Set("Authorization", "Bearer "+sessionToken(t, "support"))
			req.Header.Set("Accept", "application/json")

			if w := s.do(req); w.Code != tt.want {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tt.want, w.Body)
			}
		})
	}
}

func TestRouter_schema(t *testing.T) {
	s := newServer(t)
	req := httptest.NewRequest(http.MethodGet, SchemaPath, nil)
	req.Header.Set("Authorization", "Bearer "+sessionToken(t))
	w := s.do(req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var doc map[string]any
	if err := json.NewDecoder(w.Body).Decode(&doc); err != nil {
		t.Fatalf("decoding schema: %v", err)
	}
	paths, _ := doc["paths"].(map[string]any)
	if _, ok := paths[callback.Path]; !ok {
		t.Errorf("schema paths = %v, want %s", paths, callback.Path)
	}
}

func TestRouter_publicEndpoints(t *testing.T) {
	s := newServer(t)
	tests := []struct {
		path string
		want int
	}{
		{path: "/health", want: http.StatusOK},
		{path: "/ready", want: http.StatusOK},
		{path: "/metrics", want: http.StatusOK},
	}
	for _, tt := range tests {
		if w := s.do(httptest.NewRequest(http.MethodGet, tt.path, nil)); w.Code != tt.want {
			t.Errorf("GET %s status = %d, want %d", tt.path, w.Code, tt.want)
		}
	}
}

func TestRouter_readyWithoutTables(t *testing.T) {
	r := NewRouter(Dependencies{Config: testConfig()})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}
