// SPDX-License-Identifier: MIT

package core

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// AccessToken is an OAuth2 bearer token with its expiry.
type AccessToken struct {
	Token     string
	ExpiresOn time.Time
}

// TokenRequestOptions names the scopes a token must cover.
type TokenRequestOptions struct {
	Scopes []string
}

// TokenCredential acquires bearer tokens. Implementations live in the
// identity package; services that mint their own signatures (storage shared
// key) use signing policies instead.
type TokenCredential interface {
	GetToken(ctx context.Context, opts TokenRequestOptions) (AccessToken, error)
}

// tokenRefreshWindow is how long before expiry a cached token is refreshed.
// Inside the window a failed refresh is not fatal while the old token is
// still valid.
const tokenRefreshWindow = 2 * time.Minute

// BearerTokenPolicy caches a token per pipeline and attaches it as an
// Authorization header. Concurrent callers needing a refresh are collapsed
// into a single credential round trip.
type BearerTokenPolicy struct {
	cred   TokenCredential
	scopes []string

	group singleflight.Group
	mu    sync.RWMutex
	token AccessToken
}

// NewBearerTokenPolicy creates the auth policy for the given credential and
// scopes.
func NewBearerTokenPolicy(cred TokenCredential, scopes []string) *BearerTokenPolicy {
	return &BearerTokenPolicy{cred: cred, scopes: scopes}
}

// Do implements Policy.
func (b *BearerTokenPolicy) Do(req *Request) (*http.Response, error) {
	token, err := b.ensureToken(req.Context(), false)
	if err != nil {
		return nil, err
	}
	req.Raw().Header.Set(headerAuthorization, "Bearer "+token.Token)

	resp, err := req.Next()
	if err != nil {
		return nil, err
	}

	// One re-issue on an auth challenge: the token may have been revoked
	// between cache and use.
	if resp.StatusCode == http.StatusUnauthorized && strings.Contains(resp.Header.Get("WWW-Authenticate"), "Bearer") {
		drain(resp)
		token, err = b.ensureToken(req.Context(), true)
		if err != nil {
			return nil, err
		}
		if rewindErr := req.RewindBody(); rewindErr != nil {
			return nil, rewindErr
		}
		req.Raw().Header.Set(headerAuthorization, "Bearer "+token.Token)
		return req.Next()
	}
	return resp, nil
}

func (b *BearerTokenPolicy) ensureToken(ctx context.Context, force bool) (AccessToken, error) {
	b.mu.RLock()
	cached := b.token
	b.mu.RUnlock()

	now := time.Now()
	if !force && cached.Token != "" && now.Before(cached.ExpiresOn.Add(-tokenRefreshWindow)) {
		return cached, nil
	}

	v, err, _ := b.group.Do("refresh", func() (any, error) {
		fresh, err := b.cred.GetToken(ctx, TokenRequestOptions{Scopes: b.scopes})
		if err != nil {
			return AccessToken{}, err
		}
		b.mu.Lock()
		b.token = fresh
		b.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		// A refresh inside the window may fail while the previous token is
		// still good. Serve it and let the next call retry the refresh.
		if !force && cached.Token != "" && now.Before(cached.ExpiresOn) {
			return cached, nil
		}
		return AccessToken{}, err
	}
	return v.(AccessToken), nil
}
