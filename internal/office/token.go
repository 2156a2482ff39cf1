package office

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"o365collect/internal/domain"
)

// refreshMargin forces a refresh when a cached token is about to expire.
const refreshMargin = 60 * time.Second

// TokenCache holds one bearer token per tenant, obtained with the
// client-credentials grant against the tenant's authority. Concurrent
// callers for the same tenant share a single in-flight refresh.
type TokenCache struct {
	httpc *http.Client

	mu     sync.Mutex
	tokens map[string]*oauth2.Token
	group  singleflight.Group

	// authorityOverride redirects the grant at a test server.
	authorityOverride string

	now func() time.Time
}

func NewTokenCache(httpc *http.Client) *TokenCache {
	if httpc == nil {
		httpc = http.DefaultClient
	}
	return &TokenCache{
		httpc:  httpc,
		tokens: make(map[string]*oauth2.Token),
		now:    time.Now,
	}
}

// Token returns a bearer token for the tenant, refreshing when the cached
// one has less than refreshMargin remaining. Neither the secret nor the
// token value is ever logged by this package.
func (c *TokenCache) Token(ctx context.Context, tenant domain.Tenant) (string, error) {
	c.mu.Lock()
	tok := c.tokens[tenant.TenantID]
	c.mu.Unlock()
	if tok != nil && c.now().Add(refreshMargin).Before(tok.Expiry) {
		return tok.AccessToken, nil
	}

	v, err, _ := c.group.Do(tenant.TenantID, func() (any, error) {
		// Re-check under the flight: a racer may have refreshed already.
		c.mu.Lock()
		cached := c.tokens[tenant.TenantID]
		c.mu.Unlock()
		if cached != nil && c.now().Add(refreshMargin).Before(cached.Expiry) {
			return cached, nil
		}
		fresh, err := c.fetch(ctx, tenant)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.tokens[tenant.TenantID] = fresh
		c.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return "", err
	}
	return v.(*oauth2.Token).AccessToken, nil
}

func (c *TokenCache) fetch(ctx context.Context, tenant domain.Tenant) (*oauth2.Token, error) {
	authority, management, err := tenant.Variant.Endpoints()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAuthFailed, err)
	}
	if c.authorityOverride != "" {
		authority = c.authorityOverride
	}
	secret, err := tenant.Secret.Resolve()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAuthFailed, err)
	}
	cc := clientcredentials.Config{
		ClientID:     tenant.ClientID,
		ClientSecret: secret,
		TokenURL:     authority + "/" + tenant.TenantID + "/oauth2/token",
		EndpointParams: url.Values{
			"resource": {management},
		},
		AuthStyle: oauth2.AuthStyleInParams,
	}
	tok, err := cc.Token(context.WithValue(ctx, oauth2.HTTPClient, c.httpc))
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			return nil, &domain.AuthError{
				Status:  rerr.Response.StatusCode,
				Excerpt: excerpt(rerr.Body, 200),
			}
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrAuthFailed, err)
	}
	return tok, nil
}

// Invalidate drops the cached token so the next caller refreshes. Used when
// the API answers 401 mid-cycle.
func (c *TokenCache) Invalidate(tenantID string) {
	c.mu.Lock()
	delete(c.tokens, tenantID)
	c.mu.Unlock()
}

func excerpt(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
