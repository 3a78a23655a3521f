// SPDX-License-Identifier: MIT

package identity

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/atlascloud/atlas-sdk-go/core"
	"github.com/atlascloud/atlas-sdk-go/internal/metrics"
)

// imdsEndpoint is the link-local instance metadata service available inside
// Atlas compute.
const imdsEndpoint = "http://169.254.169.254/metadata/identity/oauth2/token"

const imdsAPIVersion = "2019-08-01"

// InstanceMetadataCredentialOptions configures InstanceMetadataCredential.
type InstanceMetadataCredentialOptions struct {
	// ClientID selects a user-assigned identity; empty means the
	// system-assigned identity.
	ClientID string
	// Endpoint overrides the metadata endpoint, for tests.
	Endpoint string
	// ClientOptions configures the pipeline used for token requests.
	ClientOptions core.ClientOptions
}

// InstanceMetadataCredential acquires tokens from the instance metadata
// service (IMDS) of the VM or container the code runs on. Outside Atlas
// compute it reports CredentialUnavailableError so chains can move on.
type InstanceMetadataCredential struct {
	clientID string
	endpoint string
	pl       core.Pipeline
}

// NewInstanceMetadataCredential builds the IMDS credential.
func NewInstanceMetadataCredential(opts *InstanceMetadataCredentialOptions) *InstanceMetadataCredential {
	if opts == nil {
		opts = &InstanceMetadataCredentialOptions{}
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = imdsEndpoint
	}
	clientOpts := opts.ClientOptions
	if clientOpts.Retry.MaxRetries == 0 {
		// IMDS is local: fail fast so chains stay responsive off-cloud.
		clientOpts.Retry.MaxRetries = 1
		clientOpts.Retry.RetryDelay = 500 * time.Millisecond
	}
	return &InstanceMetadataCredential{
		clientID: opts.ClientID,
		endpoint: endpoint,
		pl:       core.NewPipeline("identity", core.Version, nil, &clientOpts),
	}
}

// GetToken implements core.TokenCredential.
func (c *InstanceMetadataCredential) GetToken(ctx context.Context, opts core.TokenRequestOptions) (core.AccessToken, error) {
	if len(opts.Scopes) != 1 {
		return core.AccessToken{}, errors.New("InstanceMetadataCredential: exactly one scope is required")
	}
	resource := strings.TrimSuffix(opts.Scopes[0], "/.default")

	query := url.Values{
		"api-version": {imdsAPIVersion},
		"resource":    {resource},
	}
	if c.clientID != "" {
		query.Set("client_id", c.clientID)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := core.NewRequest(ctx, http.MethodGet, c.endpoint+"?"+query.Encode())
	if err != nil {
		return core.AccessToken{}, err
	}
	req.Raw().Header.Set("Metadata", "true")

	resp, err := c.pl.Do(req)
	if err != nil {
		// No route to the metadata service means we are not on Atlas compute.
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			metrics.RecordTokenRefresh("InstanceMetadataCredential", "unavailable")
			return core.AccessToken{}, &CredentialUnavailableError{
				CredentialType: "InstanceMetadataCredential",
				Reason:         err.Error(),
			}
		}
		metrics.RecordTokenRefresh("InstanceMetadataCredential", "failure")
		return core.AccessToken{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return core.AccessToken{}, err
	}

	switch {
	case core.Success(resp):
		tok, err := parseTokenResponse(body, "InstanceMetadataCredential")
		if err != nil {
			metrics.RecordTokenRefresh("InstanceMetadataCredential", "failure")
			return core.AccessToken{}, err
		}
		metrics.RecordTokenRefresh("InstanceMetadataCredential", "success")
		return tok, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		// An endpoint that answers but has no identity configured.
		metrics.RecordTokenRefresh("InstanceMetadataCredential", "unavailable")
		return core.AccessToken{}, &CredentialUnavailableError{
			CredentialType: "InstanceMetadataCredential",
			Reason:         "no managed identity is configured for this resource",
		}
	default:
		metrics.RecordTokenRefresh("InstanceMetadataCredential", "failure")
		return core.AccessToken{}, &AuthenticationFailedError{
			CredentialType: "InstanceMetadataCredential",
			StatusCode:     resp.StatusCode,
			Body:           string(body),
		}
	}
}
