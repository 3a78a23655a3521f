// SPDX-License-Identifier: MIT

// Package identity implements TokenCredential types for the Atlas token
// service: client secrets, signed client assertions, instance metadata and
// credential chains.
package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/atlascloud/atlas-sdk-go/core"
)

// Environment variables read by EnvironmentCredential and the authority
// override.
const (
	envTenantID      = "ATLAS_TENANT_ID"
	envClientID      = "ATLAS_CLIENT_ID"
	envClientSecret  = "ATLAS_CLIENT_SECRET"
	envAuthorityHost = "ATLAS_AUTHORITY_HOST"
)

// defaultAuthorityHost is the public token service.
const defaultAuthorityHost = "https://login.atlas.example"

// CredentialUnavailableError means a credential is not configured in this
// environment (no env vars, no metadata endpoint). Chains skip these and try
// the next credential; any other error aborts the chain.
type CredentialUnavailableError struct {
	CredentialType string
	Reason         string
}

func (e *CredentialUnavailableError) Error() string {
	return fmt.Sprintf("%s: credential unavailable: %s", e.CredentialType, e.Reason)
}

// AuthenticationFailedError means the token service rejected the request.
type AuthenticationFailedError struct {
	CredentialType string
	StatusCode     int
	Body           string
}

func (e *AuthenticationFailedError) Error() string {
	return fmt.Sprintf("%s: authentication failed (status %d): %s", e.CredentialType, e.StatusCode, e.Body)
}

func authorityHost(override string) string {
	if override != "" {
		return strings.TrimRight(override, "/")
	}
	if env := os.Getenv(envAuthorityHost); env != "" {
		return strings.TrimRight(env, "/")
	}
	return defaultAuthorityHost
}

// tokenResponse is the token endpoint's wire form.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// expiry resolves the token lifetime, preferring expires_in and falling back
// to the exp claim inside the token.
func (t tokenResponse) expiry(now time.Time) time.Time {
	if t.ExpiresIn > 0 {
		return now.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(t.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	// No lifetime information anywhere: force an early refresh.
	return now.Add(5 * time.Minute)
}

func parseTokenResponse(body []byte, credentialType string) (core.AccessToken, error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return core.AccessToken{}, fmt.Errorf("%s: malformed token response: %w", credentialType, err)
	}
	if tr.AccessToken == "" {
		return core.AccessToken{}, fmt.Errorf("%s: token response missing access_token", credentialType)
	}
	return core.AccessToken{Token: tr.AccessToken, ExpiresOn: tr.expiry(time.Now())}, nil
}

var _ core.TokenCredential = (*ClientSecretCredential)(nil)
var _ core.TokenCredential = (*ClientAssertionCredential)(nil)
var _ core.TokenCredential = (*InstanceMetadataCredential)(nil)
var _ core.TokenCredential = (*ChainedTokenCredential)(nil)
