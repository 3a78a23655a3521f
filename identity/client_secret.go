// SPDX-License-Identifier: MIT

package identity

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/atlascloud/atlas-sdk-go/core"
	"github.com/atlascloud/atlas-sdk-go/internal/log"
	"github.com/atlascloud/atlas-sdk-go/internal/metrics"
)

// ClientSecretCredentialOptions configures ClientSecretCredential.
type ClientSecretCredentialOptions struct {
	// AuthorityHost overrides the token service host.
	AuthorityHost string
	// ClientOptions configures the pipeline used for token requests.
	ClientOptions core.ClientOptions
}

// ClientSecretCredential authenticates a service principal with a shared
// secret via the OAuth2 client-credentials grant.
type ClientSecretCredential struct {
	tenantID string
	clientID string
	secret   string
	endpoint string
	pl       core.Pipeline
}

// NewClientSecretCredential validates its inputs and builds the credential.
func NewClientSecretCredential(tenantID, clientID, secret string, opts *ClientSecretCredentialOptions) (*ClientSecretCredential, error) {
	if tenantID == "" || clientID == "" || secret == "" {
		return nil, errors.New("identity: tenantID, clientID and secret are all required")
	}
	if opts == nil {
		opts = &ClientSecretCredentialOptions{}
	}
	return &ClientSecretCredential{
		tenantID: tenantID,
		clientID: clientID,
		secret:   secret,
		endpoint: tokenEndpoint(authorityHost(opts.AuthorityHost), tenantID),
		pl:       core.NewPipeline("identity", core.Version, nil, &opts.ClientOptions),
	}, nil
}

// GetToken implements core.TokenCredential.
func (c *ClientSecretCredential) GetToken(ctx context.Context, opts core.TokenRequestOptions) (core.AccessToken, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.secret},
		"scope":         {strings.Join(opts.Scopes, " ")},
	}
	return requestToken(ctx, c.pl, "ClientSecretCredential", c.endpoint, form)
}

// ClientAssertionCredential authenticates with a JWT assertion signed by the
// principal's RSA key instead of a shared secret.
type ClientAssertionCredential struct {
	tenantID string
	clientID string
	key      *rsa.PrivateKey
	endpoint string
	pl       core.Pipeline
}

// NewClientAssertionCredential builds an assertion credential from the
// principal's private key.
func NewClientAssertionCredential(tenantID, clientID string, key *rsa.PrivateKey, opts *ClientSecretCredentialOptions) (*ClientAssertionCredential, error) {
	if tenantID == "" || clientID == "" || key == nil {
		return nil, errors.New("identity: tenantID, clientID and key are all required")
	}
	if opts == nil {
		opts = &ClientSecretCredentialOptions{}
	}
	return &ClientAssertionCredential{
		tenantID: tenantID,
		clientID: clientID,
		key:      key,
		endpoint: tokenEndpoint(authorityHost(opts.AuthorityHost), tenantID),
		pl:       core.NewPipeline("identity", core.Version, nil, &opts.ClientOptions),
	}, nil
}

// GetToken implements core.TokenCredential.
func (c *ClientAssertionCredential) GetToken(ctx context.Context, opts core.TokenRequestOptions) (core.AccessToken, error) {
	assertion, err := c.signAssertion()
	if err != nil {
		return core.AccessToken{}, fmt.Errorf("identity: signing client assertion: %w", err)
	}
	form := url.Values{
		"grant_type":            {"client_credentials"},
		"client_id":             {c.clientID},
		"client_assertion_type": {"urn:ietf:params:oauth:client-assertion-type:jwt-bearer"},
		"client_assertion":      {assertion},
		"scope":                 {strings.Join(opts.Scopes, " ")},
	}
	return requestToken(ctx, c.pl, "ClientAssertionCredential", c.endpoint, form)
}

func (c *ClientAssertionCredential) signAssertion() (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    c.clientID,
		Subject:   c.clientID,
		Audience:  jwt.ClaimStrings{c.endpoint},
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
	})
	return token.SignedString(c.key)
}

func tokenEndpoint(host, tenantID string) string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/token", host, url.PathEscape(tenantID))
}

// requestToken posts the form to the token endpoint and parses the response.
func requestToken(ctx context.Context, pl core.Pipeline, credentialType, endpoint string, form url.Values) (core.AccessToken, error) {
	req, err := core.NewRequest(ctx, http.MethodPost, endpoint)
	if err != nil {
		return core.AccessToken{}, err
	}
	if err := req.SetBody(core.BytesBody([]byte(form.Encode())), "application/x-www-form-urlencoded"); err != nil {
		return core.AccessToken{}, err
	}

	resp, err := pl.Do(req)
	if err != nil {
		metrics.RecordTokenRefresh(credentialType, "failure")
		return core.AccessToken{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		metrics.RecordTokenRefresh(credentialType, "failure")
		return core.AccessToken{}, err
	}
	if !core.Success(resp) {
		metrics.RecordTokenRefresh(credentialType, "failure")
		return core.AccessToken{}, &AuthenticationFailedError{
			CredentialType: credentialType,
			StatusCode:     resp.StatusCode,
			Body:           string(body),
		}
	}

	tok, err := parseTokenResponse(body, credentialType)
	if err != nil {
		metrics.RecordTokenRefresh(credentialType, "failure")
		return core.AccessToken{}, err
	}
	metrics.RecordTokenRefresh(credentialType, "success")
	logger := log.WithComponent("identity")
	logger.Debug().
		Str("credential", credentialType).
		Time("expires_on", tok.ExpiresOn).
		Msg("token acquired")
	return tok, nil
}
