// SPDX-License-Identifier: MIT

package identity

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/atlascloud/atlas-sdk-go/core"
	"github.com/atlascloud/atlas-sdk-go/internal/cache"
)

// refreshMargin is deducted from a token's lifetime when caching so a cached
// hit is never about to expire.
const refreshMargin = 2 * time.Minute

// cachedToken is the serializable cache entry, JSON-friendly for the redis
// backend.
type cachedToken struct {
	Token     string    `json:"token"`
	ExpiresOn time.Time `json:"expires_on"`
}

// CachedCredential wraps another credential with a per-scope token cache.
// With a redis-backed cache, multiple processes of one workload share tokens
// instead of hammering the token service separately.
type CachedCredential struct {
	inner core.TokenCredential
	store cache.Cache
}

// NewCachedCredential wraps inner with the given cache. Pass nil to get a
// process-local in-memory cache.
func NewCachedCredential(inner core.TokenCredential, store cache.Cache) *CachedCredential {
	if store == nil {
		store = cache.NewMemoryCache("identity.tokens", 0)
	}
	return &CachedCredential{inner: inner, store: store}
}

// GetToken implements core.TokenCredential.
func (c *CachedCredential) GetToken(ctx context.Context, opts core.TokenRequestOptions) (core.AccessToken, error) {
	key := scopeKey(opts.Scopes)
	if v, ok := c.store.Get(key); ok {
		if tok, ok := decodeCachedToken(v); ok && time.Now().Before(tok.ExpiresOn) {
			return core.AccessToken{Token: tok.Token, ExpiresOn: tok.ExpiresOn}, nil
		}
	}

	tok, err := c.inner.GetToken(ctx, opts)
	if err != nil {
		return core.AccessToken{}, err
	}
	ttl := time.Until(tok.ExpiresOn) - refreshMargin
	if ttl > 0 {
		c.store.Set(key, cachedToken{Token: tok.Token, ExpiresOn: tok.ExpiresOn}, ttl)
	}
	return tok, nil
}

// scopeKey produces a stable cache key regardless of scope ordering.
func scopeKey(scopes []string) string {
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)
	return strings.Join(sorted, " ")
}

// decodeCachedToken accepts both the in-memory struct form and the
// JSON-map form the redis backend returns.
func decodeCachedToken(v any) (cachedToken, bool) {
	if tok, ok := v.(cachedToken); ok {
		return tok, true
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return cachedToken{}, false
	}
	var tok cachedToken
	if err := json.Unmarshal(raw, &tok); err != nil || tok.Token == "" {
		return cachedToken{}, false
	}
	return tok, true
}
