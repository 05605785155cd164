// Package introspect validates the secondary device's bearer token against
// an OAuth2 token introspection endpoint (RFC 7662).
package introspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ErrTokenInvalid covers every rejection: inactive token, malformed token,
// or a failed/timed-out introspection call. Callers fail closed.
var ErrTokenInvalid = errors.New("token invalid")

type Identity struct {
	Subject   string
	Username  string
	Email     string
	ClientID  string
	Scope     []string
	ExpiresAt time.Time
}

type Validator interface {
	Validate(ctx context.Context, token string) (*Identity, error)
}

type Config struct {
	// BaseURL of the issuer, e.g. https://idp.example.com
	BaseURL      string `yaml:"base_url" validate:"required,url"`
	Realm        string `yaml:"realm" validate:"required"`
	ClientID     string `yaml:"client_id" validate:"required"`
	ClientSecret string `yaml:"client_secret" validate:"required"`
	// Timeout bounds the introspection round trip. Default 5s.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

type Client struct {
	endpoint     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" || cfg.Realm == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("introspect: incomplete configuration")
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		endpoint:     strings.TrimSuffix(cfg.BaseURL, "/") + "/realms/" + cfg.Realm + "/protocol/openid-connect/token/introspect",
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   &http.Client{Timeout: timeout},
	}, nil
}

type introspectionResponse struct {
	Active   bool   `json:"active"`
	Username string `json:"username"`
	ClientID string `json:"client_id"`
	Subject  string `json:"sub"`
	Scope    string `json:"scope"`
	Exp      int64  `json:"exp"`
}

func (c *Client) Validate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrTokenInvalid
	}

	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTokenInvalid, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Warn("token introspection call failed", "error", err)
		return nil, fmt.Errorf("%w: %s", ErrTokenInvalid, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: introspection returned %d", ErrTokenInvalid, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTokenInvalid, err)
	}

	var ir introspectionResponse
	if err := json.Unmarshal(body, &ir); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTokenInvalid, err)
	}
	if !ir.Active {
		return nil, fmt.Errorf("%w: token is not active", ErrTokenInvalid)
	}

	identity := &Identity{
		Subject:  ir.Subject,
		Username: ir.Username,
		ClientID: ir.ClientID,
		Scope:    parseScope(ir.Scope),
	}
	if ir.Exp > 0 {
		identity.ExpiresAt = time.Unix(ir.Exp, 0)
	}

	// The introspection response is the trust source; the token payload only
	// supplements claims the endpoint does not echo back, such as email.
	if claims, err := jwt.ParseInsecure([]byte(token)); err == nil {
		if email, ok := claims.PrivateClaims()["email"].(string); ok {
			identity.Email = email
		}
	}

	return identity, nil
}

func parseScope(scope string) []string {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return nil
	}
	return strings.Split(scope, " ")
}
