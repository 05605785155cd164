package introspect

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

func mintToken(t *testing.T, email string) string {
	t.Helper()
	token, err := jwt.NewBuilder().
		Subject("user-1").
		Claim("email", email).
		IssuedAt(time.Now()).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte("test-key")))
	if err != nil {
		t.Fatal(err)
	}
	return string(signed)
}

func newIntrospectionServer(t *testing.T, responseBody string, delay time.Duration) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		if r.PostFormValue("client_id") != "qr-client" || r.PostFormValue("token") == "" {
			t.Errorf("unexpected introspection form: %v", r.PostForm)
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(responseBody))
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestClient(t *testing.T, baseURL string, timeoutSeconds int) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:        baseURL,
		Realm:          "qr",
		ClientID:       "qr-client",
		ClientSecret:   "qr-secret",
		TimeoutSeconds: timeoutSeconds,
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestValidateActiveToken(t *testing.T) {
	server := newIntrospectionServer(t,
		`{"active":true,"username":"alice","client_id":"qr-client","sub":"user-1","scope":"openid email","exp":1893456000}`, 0)

	c := newTestClient(t, server.URL, 5)
	// the endpoint path mirrors the realm layout
	if !strings.Contains(c.endpoint, "/realms/qr/protocol/openid-connect/token/introspect") {
		t.Fatalf("unexpected endpoint: %s", c.endpoint)
	}

	identity, err := c.Validate(context.Background(), mintToken(t, "alice@example.com"))
	if err != nil {
		t.Fatal(err)
	}
	if identity.Subject != "user-1" || identity.Username != "alice" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
	if identity.Email != "alice@example.com" {
		t.Fatalf("email not extracted from token payload: %+v", identity)
	}
	if len(identity.Scope) != 2 || identity.Scope[0] != "openid" {
		t.Fatalf("unexpected scope: %v", identity.Scope)
	}
	if identity.ExpiresAt.IsZero() {
		t.Fatal("expiry not extracted")
	}
}

func TestValidateInactiveToken(t *testing.T) {
	server := newIntrospectionServer(t, `{"active":false}`, 0)
	c := newTestClient(t, server.URL, 5)

	_, err := c.Validate(context.Background(), mintToken(t, "alice@example.com"))
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestValidateEmptyToken(t *testing.T) {
	c := newTestClient(t, "http://localhost:1", 5)
	if _, err := c.Validate(context.Background(), ""); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestValidateOpaqueTokenWithoutEmail(t *testing.T) {
	server := newIntrospectionServer(t, `{"active":true,"username":"bob","sub":"user-2"}`, 0)
	c := newTestClient(t, server.URL, 5)

	// opaque tokens introspect fine, they just carry no payload claims
	identity, err := c.Validate(context.Background(), "opaque-token")
	if err != nil {
		t.Fatal(err)
	}
	if identity.Email != "" || identity.Subject != "user-2" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestValidateFailsClosedOnTimeout(t *testing.T) {
	server := newIntrospectionServer(t, `{"active":true}`, 500*time.Millisecond)
	c := newTestClient(t, server.URL, 5)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Validate(ctx, "tok"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid on timeout, got %v", err)
	}
}

func TestValidateFailsClosedOnServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	c := newTestClient(t, server.URL, 5)
	if _, err := c.Validate(context.Background(), "tok"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestNewClientRequiresCompleteConfig(t *testing.T) {
	if _, err := NewClient(Config{BaseURL: "http://x"}); err == nil {
		t.Fatal("expected error on incomplete config")
	}
}
