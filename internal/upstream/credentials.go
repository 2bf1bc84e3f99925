package upstream

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// InternalHeader marks requests made by the scheduler. It must carry the internal secret.
const InternalHeader = "X-Internal-Warm"

// Provider yields a bearer token. An empty token with a nil error means "not here, try the next one".
// r is nil for scheduled work that has no inbound request.
type Provider interface {
	Name() string
	Token(ctx context.Context, r *http.Request) (string, error)
}

// IsInternal reports whether r is scheduled work: no inbound request, or one carrying the marker.
func IsInternal(r *http.Request, secret string) bool {
	if r == nil {
		return true
	}
	v := r.Header.Get(InternalHeader)
	if v == "" || secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(v), []byte(secret)) == 1
}

type CookieProvider struct{ Cookie string }

func (p CookieProvider) Name() string { return "cookie" }

func (p CookieProvider) Token(_ context.Context, r *http.Request) (string, error) {
	if r == nil || p.Cookie == "" {
		return "", nil
	}
	c, err := r.Cookie(p.Cookie)
	if err != nil {
		return "", nil
	}
	return strings.TrimSpace(c.Value), nil
}

type HeaderProvider struct{}

func (HeaderProvider) Name() string { return "header" }

func (HeaderProvider) Token(_ context.Context, r *http.Request) (string, error) {
	if r == nil {
		return "", nil
	}
	h := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", nil
	}
	return strings.TrimSpace(h[len(prefix):]), nil
}

// ServiceProvider hands out a static service token to internal callers only.
type ServiceProvider struct {
	ServiceToken   string
	InternalSecret string
}

func (p ServiceProvider) Name() string { return "service" }

func (p ServiceProvider) Token(_ context.Context, r *http.Request) (string, error) {
	if !IsInternal(r, p.InternalSecret) {
		return "", nil
	}
	return p.ServiceToken, nil
}

// LoginProvider signs in with email/password and caches the access token until shortly before it expires.
type LoginProvider struct {
	URL            string
	Email          string
	Password       string
	APIKey         string
	InternalSecret string
	Client         *http.Client
	Now            func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func (p *LoginProvider) Name() string { return "login" }

const loginSkew = 30 * time.Second

type loginResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (p *LoginProvider) Token(ctx context.Context, r *http.Request) (string, error) {
	if p.URL == "" || p.Email == "" || !IsInternal(r, p.InternalSecret) {
		return "", nil
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" && now().Before(p.expires) {
		return p.token, nil
	}

	body, err := json.Marshal(map[string]string{"email": p.Email, "password": p.Password})
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("apikey", p.APIKey)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("login: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("login: %w", &HTTPError{Status: resp.StatusCode, Body: snippet(raw)})
	}
	var lr loginResponse
	if err := json.Unmarshal(raw, &lr); err != nil {
		return "", fmt.Errorf("login: decode: %w", err)
	}
	if lr.AccessToken == "" {
		return "", fmt.Errorf("login: response carried no access_token")
	}
	ttl := time.Duration(lr.ExpiresIn) * time.Second
	if ttl <= loginSkew {
		ttl = 2 * loginSkew
	}
	p.token = lr.AccessToken
	p.expires = now().Add(ttl - loginSkew)
	return p.token, nil
}

// Chain asks providers in order; the first non-empty token wins.
type Chain struct {
	providers []Provider
}

func NewChain(ps ...Provider) *Chain {
	return &Chain{providers: ps}
}

// Token returns the token and the name of the provider that supplied it.
func (c *Chain) Token(ctx context.Context, r *http.Request) (string, string, error) {
	tried := make([]string, 0, len(c.providers))
	var cause error
	for _, p := range c.providers {
		tried = append(tried, p.Name())
		tok, err := p.Token(ctx, r)
		if err != nil {
			cause = err
			continue
		}
		if tok != "" {
			return tok, p.Name(), nil
		}
	}
	return "", "", &AuthError{Tried: tried, Cause: cause}
}

func (c *Chain) Names() []string {
	out := make([]string, len(c.providers))
	for i, p := range c.providers {
		out[i] = p.Name()
	}
	return out
}

// ChainFromNames builds a chain in the configured order from the available providers.
func ChainFromNames(names []string, available ...Provider) (*Chain, error) {
	byName := make(map[string]Provider, len(available))
	for _, p := range available {
		byName[p.Name()] = p
	}
	ps := make([]Provider, 0, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		p, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("unknown credential provider %q", n)
		}
		ps = append(ps, p)
	}
	if len(ps) == 0 {
		return nil, fmt.Errorf("credential chain is empty")
	}
	return NewChain(ps...), nil
}
