package callback

import (
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/model"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestIssuer(t *testing.T, opts ...Option) (*Issuer, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	iss, err := NewIssuer(testKey, "tabula-test", append([]Option{WithClock(clk)}, opts...)...)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	return iss, clk
}

func TestNewIssuer_rejectsShortKey(t *testing.T) {
	if _, err := NewIssuer([]byte("short"), "tabula"); err == nil {
		t.Error("NewIssuer(short key) error = nil, want error")
	}
	if _, err := NewIssuer(testKey, ""); err == nil {
		t.Error("NewIssuer(no issuer) error = nil, want error")
	}
}

func TestIssue_andVerify(t *testing.T) {
	iss, _ := newTestIssuer(t, WithBaseURL("https://admin.example.com/"))
	target := model.CallbackTarget{Table: "users", Operation: "archive", Kind: "row", Record: "42"}

	cb, err := iss.Issue(target)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if !strings.HasPrefix(cb.URL, "https://admin.example.com"+Path+"?") {
		t.Errorf("URL = %q, want prefix %q", cb.URL, "https://admin.example.com"+Path)
	}
	u, _ := url.Parse(cb.URL)
	if u.Query().Get("record") != "42" {
		t.Errorf("record query = %q, want 42", u.Query().Get("record"))
	}
	if u.Query().Get("token") != cb.Token {
		t.Error("URL token does not match issued token")
	}
	if cb.Method != "POST" {
		t.Errorf("Method = %q, want POST", cb.Method)
	}
	if got := cb.ExpiresAt.Sub(cb.IssuedAt); got != DefaultTTL {
		t.Errorf("validity window = %v, want %v", got, DefaultTTL)
	}
	if table, _ := Decode(cb.Payload.Table); table != "users" {
		t.Errorf("payload table = %q, want users", table)
	}
	if kind, _ := Decode(cb.Payload.Action); kind != "row" {
		t.Errorf("payload action = %q, want row", kind)
	}

	claims, err := iss.Verify(cb.Token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Target() != target {
		t.Errorf("Target() = %+v, want %+v", claims.Target(), target)
	}
	if claims.ID == "" {
		t.Error("claims carry no token id")
	}
}

func TestIssue_withoutRecordOmitsQuery(t *testing.T) {
	iss, _ := newTestIssuer(t)
	cb, err := iss.Issue(model.CallbackTarget{Table: "users", Operation: "purge", Kind: "bulk"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if strings.Contains(cb.URL, "record=") {
		t.Errorf("URL = %q, want no record parameter", cb.URL)
	}
}

func TestIssue_requiresTableIdentity(t *testing.T) {
	iss, _ := newTestIssuer(t)
	_, err := iss.Issue(model.CallbackTarget{Operation: "archive", Kind: "row"})
	if !model.IsCode(err, model.ErrConfiguration) {
		t.Errorf("Issue() error = %v, want configuration error", err)
	}
}

func TestVerify_expiry(t *testing.T) {
	iss, clk := newTestIssuer(t)
	cb, err := iss.Issue(model.CallbackTarget{Table: "users", Operation: "archive", Kind: "row", Record: "1"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	clk.Advance(14 * time.Minute)
	if _, err := iss.Verify(cb.Token); err != nil {
		t.Fatalf("Verify() at +14m error = %v, want valid", err)
	}

	clk.Advance(2 * time.Minute)
	_, err = iss.Verify(cb.Token)
	if !errors.Is(err, ErrInvalidCallback) {
		t.Fatalf("Verify() at +16m error = %v, want ErrInvalidCallback", err)
	}
	if !errors.Is(err, jwt.ErrTokenExpired) {
		t.Errorf("Verify() at +16m cause = %v, want ErrTokenExpired", err)
	}
}

func TestVerify_customTtl(t *testing.T) {
	iss, clk := newTestIssuer(t, WithTTL(time.Minute))
	cb, _ := iss.Issue(model.CallbackTarget{Table: "users", Operation: "archive", Kind: "row"})
	clk.Advance(61 * time.Second)
	if _, err := iss.Verify(cb.Token); !errors.Is(err, ErrInvalidCallback) {
		t.Errorf("Verify() after custom ttl error = %v, want ErrInvalidCallback", err)
	}
}

func TestVerify_rejects(t *testing.T) {
	iss, clk := newTestIssuer(t)
	cb, _ := iss.Issue(model.CallbackTarget{Table: "users", Operation: "archive", Kind: "row", Record: "1"})

	otherKey, _ := NewIssuer([]byte("fedcba9876543210fedcba9876543210"), "tabula-test", WithClock(clk))
	forged, _ := otherKey.Issue(model.CallbackTarget{Table: "users", Operation: "archive", Kind: "row", Record: "1"})

	otherIssuer, _ := NewIssuer(testKey, "someone-else", WithClock(clk))
	foreign, _ := otherIssuer.Issue(model.CallbackTarget{Table: "users", Operation: "archive", Kind: "row"})

	unsigned, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		Table: "users", Operation: "archive", Kind: "row",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tabula-test",
			ExpiresAt: jwt.NewNumericDate(clk.Now().Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	parts := strings.Split(cb.Token, ".")
	tamperedPayload, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Table: "users", Operation: "purge", Kind: "bulk",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tabula-test",
			ExpiresAt: jwt.NewNumericDate(clk.Now().Add(time.Hour)),
		},
	}).SigningString()
	tampered := strings.Join([]string{strings.Split(tamperedPayload, ".")[0], strings.Split(tamperedPayload, ".")[1], parts[2]}, ".")

	tests := map[string]string{
		"empty":           "",
		"garbage":         "not-a-token",
		"wrong key":       forged.Token,
		"wrong issuer":    foreign.Token,
		"alg none":        unsigned,
		"tampered claims": tampered,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := iss.Verify(token); !errors.Is(err, ErrInvalidCallback) {
				t.Errorf("Verify() error = %v, want ErrInvalidCallback", err)
			}
		})
	}
}

func TestEncode_Decode(t *testing.T) {
	for _, s := range []string{"users", "billing/invoices", "row"} {
		got, err := Decode(Encode(s))
		if err != nil || got != s {
			t.Errorf("Decode(Encode(%q)) = %q, %v", s, got, err)
		}
	}
	if _, err := Decode("!!!"); err == nil {
		t.Error("Decode(!!!) error = nil, want error")
	}
}

func TestIssue_recordsMetrics(t *testing.T) {
	m := observability.InitMetrics(prometheus.NewRegistry())
	iss, _ := newTestIssuer(t, WithMetrics(m))

	for _, kind := range []string{"row", "row", "bulk"} {
		if _, err := iss.Issue(model.CallbackTarget{Table: "users", Operation: "archive", Kind: kind}); err != nil {
			t.Fatalf("Issue() error = %v", err)
		}
	}
	if _, err := iss.Issue(model.CallbackTarget{Operation: "archive", Kind: "row"}); err == nil {
		t.Fatal("Issue() without table error = nil, want error")
	}

	if got := testutil.ToFloat64(m.CallbacksIssuedTotal.WithLabelValues("row")); got != 2 {
		t.Errorf("row callbacks = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CallbacksIssuedTotal.WithLabelValues("bulk")); got != 1 {
		t.Errorf("bulk callbacks = %v, want 1", got)
	}
}
