// SPDX-License-Identifier: MIT

package identity

import (
	"context"
	"fmt"
	"os"

	"github.com/atlascloud/atlas-sdk-go/core"
)

// EnvironmentCredential reads a service principal from the process
// environment (ATLAS_TENANT_ID, ATLAS_CLIENT_ID, ATLAS_CLIENT_SECRET).
type EnvironmentCredential struct {
	inner *ClientSecretCredential
}

// NewEnvironmentCredential builds the credential from environment variables,
// reporting CredentialUnavailableError when any is missing.
func NewEnvironmentCredential(opts *ClientSecretCredentialOptions) (*EnvironmentCredential, error) {
	for _, v := range []string{envTenantID, envClientID, envClientSecret} {
		if os.Getenv(v) == "" {
			return nil, &CredentialUnavailableError{
				CredentialType: "EnvironmentCredential",
				Reason:         fmt.Sprintf("%s is not set", v),
			}
		}
	}
	inner, err := NewClientSecretCredential(os.Getenv(envTenantID), os.Getenv(envClientID), os.Getenv(envClientSecret), opts)
	if err != nil {
		return nil, err
	}
	return &EnvironmentCredential{inner: inner}, nil
}

// GetToken implements core.TokenCredential.
func (c *EnvironmentCredential) GetToken(ctx context.Context, opts core.TokenRequestOptions) (core.AccessToken, error) {
	return c.inner.GetToken(ctx, opts)
}
