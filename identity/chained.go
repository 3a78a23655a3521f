// SPDX-License-Identifier: MIT

package identity

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/atlascloud/atlas-sdk-go/core"
	"github.com/atlascloud/atlas-sdk-go/internal/log"
)

// ChainedTokenCredential tries a list of credentials in order, skipping any
// that report CredentialUnavailableError. The first credential to return a
// token is remembered and used exclusively afterwards.
type ChainedTokenCredential struct {
	sources []core.TokenCredential

	mu     sync.Mutex
	winner core.TokenCredential
}

// NewChainedTokenCredential builds a chain from the given sources.
func NewChainedTokenCredential(sources ...core.TokenCredential) (*ChainedTokenCredential, error) {
	if len(sources) == 0 {
		return nil, errors.New("identity: a credential chain needs at least one credential")
	}
	for _, s := range sources {
		if s == nil {
			return nil, errors.New("identity: credential chain entries must not be nil")
		}
	}
	return &ChainedTokenCredential{sources: sources}, nil
}

// GetToken implements core.TokenCredential.
func (c *ChainedTokenCredential) GetToken(ctx context.Context, opts core.TokenRequestOptions) (core.AccessToken, error) {
	c.mu.Lock()
	winner := c.winner
	c.mu.Unlock()
	if winner != nil {
		return winner.GetToken(ctx, opts)
	}

	logger := log.WithComponent("identity.chain")
	var unavailable []string
	for _, source := range c.sources {
		tok, err := source.GetToken(ctx, opts)
		if err == nil {
			c.mu.Lock()
			c.winner = source
			c.mu.Unlock()
			return tok, nil
		}
		var cu *CredentialUnavailableError
		if errors.As(err, &cu) {
			logger.Debug().Str("credential", cu.CredentialType).Msg("credential unavailable, trying next")
			unavailable = append(unavailable, cu.Error())
			continue
		}
		// A configured credential that failed outright is an error the caller
		// needs to see, not something to paper over.
		return core.AccessToken{}, err
	}
	return core.AccessToken{}, &CredentialUnavailableError{
		CredentialType: "ChainedTokenCredential",
		Reason:         strings.Join(unavailable, "; "),
	}
}
