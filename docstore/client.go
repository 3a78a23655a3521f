// SPDX-License-Identifier: MIT

package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/atlascloud/atlas-sdk-go/core"
	"github.com/atlascloud/atlas-sdk-go/internal/log"
	"github.com/atlascloud/atlas-sdk-go/internal/metrics"
	"github.com/atlascloud/atlas-sdk-go/internal/resilience"
)

// tokenScope is the OAuth2 scope of the document database service.
const tokenScope = "https://docstore.atlas.example/.default"

// breaker settings for regional endpoints.
const (
	breakerThreshold = 5
	breakerReset     = 30 * time.Second
)

// ClientOptions configures a docstore Client on top of the shared pipeline
// options.
type ClientOptions struct {
	core.ClientOptions

	// PreferredLocations orders regional endpoints for reads and writes,
	// most preferred first, by location name.
	PreferredLocations []string
}

// Client is the account-level client.
type Client struct {
	endpoint  string
	pl        core.Pipeline
	locations *locationCache

	breakerMu sync.Mutex
	breakers  map[string]*resilience.CircuitBreaker

	sessionMu    sync.RWMutex
	sessionToken string
}

// NewClient builds a client authorizing with a bearer token.
func NewClient(endpoint string, cred core.TokenCredential, opts *ClientOptions) (*Client, error) {
	if endpoint == "" {
		return nil, errors.New("docstore: endpoint is required")
	}
	if cred == nil {
		return nil, errors.New("docstore: credential is required")
	}
	if opts == nil {
		opts = &ClientOptions{}
	}
	endpoint = strings.TrimRight(endpoint, "/")
	auth := core.NewBearerTokenPolicy(cred, []string{tokenScope})
	return &Client{
		endpoint:  endpoint,
		pl:        core.NewPipeline("docstore", core.Version, auth, &opts.ClientOptions),
		locations: newLocationCache(endpoint, opts.PreferredLocations),
		breakers:  make(map[string]*resilience.CircuitBreaker),
	}, nil
}

// Endpoint returns the account's default endpoint.
func (c *Client) Endpoint() string { return c.endpoint }

// NewContainer returns a client for one container within a database.
func (c *Client) NewContainer(database, container string) *ContainerClient {
	return &ContainerClient{
		client: c,
		path:   fmt.Sprintf("/dbs/%s/colls/%s", url.PathEscape(database), url.PathEscape(container)),
	}
}

// refreshTopology rereads the account's region layout when the cached copy
// has gone stale. A refresh failure is logged and tolerated, the client then
// keeps routing to the default endpoint.
func (c *Client) refreshTopology(ctx context.Context) {
	if !c.locations.stale(time.Now()) {
		return
	}
	req, err := core.NewRequest(ctx, http.MethodGet, c.endpoint+"/")
	if err != nil {
		return
	}
	logger := log.WithComponent("docstore")
	resp, err := c.pl.Do(req)
	if err != nil {
		logger.Warn().Err(err).Msg("topology refresh failed")
		return
	}
	defer resp.Body.Close()
	if !core.Success(resp) {
		logger.Warn().
			Int(log.FieldStatus, resp.StatusCode).
			Msg("topology refresh failed")
		return
	}
	var topology accountTopology
	if err := json.NewDecoder(resp.Body).Decode(&topology); err != nil {
		logger.Warn().Err(err).Msg("topology decode failed")
		return
	}
	c.locations.update(topology, time.Now())
}

func (c *Client) breaker(endpoint string) *resilience.CircuitBreaker {
	c.breakerMu.Lock()
	defer c.breakerMu.Unlock()
	cb, ok := c.breakers[endpoint]
	if !ok {
		cb = resilience.NewCircuitBreaker(endpoint, breakerThreshold, breakerReset)
		c.breakers[endpoint] = cb
	}
	return cb
}

// errEndpointDown marks a response that should move the request to the next
// location instead of surfacing immediately.
var errEndpointDown = errors.New("docstore: endpoint unavailable")

// do sends the request against each eligible endpoint in preference order.
// A 503 or transport error quarantines the endpoint and tries the next one,
// any other outcome is final.
func (c *Client) do(ctx context.Context, kind operationKind, method, path string, prepare func(*core.Request) error) (*http.Response, error) {
	c.refreshTopology(ctx)

	var lastErr error
	for i, endpoint := range c.locations.resolve(kind) {
		if i > 0 {
			metrics.RecordEndpointFailover(string(kind))
		}
		var resp *http.Response
		err := c.breaker(endpoint).Execute(func() error {
			req, err := core.NewRequest(ctx, method, strings.TrimRight(endpoint, "/")+path)
			if err != nil {
				return err
			}
			if prepare != nil {
				if err := prepare(req); err != nil {
					return err
				}
			}
			c.applySession(req)
			resp, err = c.pl.Do(req)
			if err != nil {
				return err
			}
			if resp.StatusCode == http.StatusServiceUnavailable {
				err := core.NewResponseError(resp)
				return fmt.Errorf("%w: %w", errEndpointDown, err)
			}
			return nil
		})
		if err == nil {
			c.captureSession(resp)
			return resp, nil
		}
		lastErr = err
		if errors.Is(err, resilience.ErrCircuitOpen) {
			continue
		}
		if ctx.Err() != nil {
			return nil, err
		}
		c.locations.markUnavailable(endpoint, kind)
	}
	return nil, fmt.Errorf("docstore: all %s endpoints failed: %w", kind, lastErr)
}

func (c *Client) applySession(req *core.Request) {
	c.sessionMu.RLock()
	token := c.sessionToken
	c.sessionMu.RUnlock()
	if token != "" {
		req.Raw().Header.Set(headerSessionToken, token)
	}
}

func (c *Client) captureSession(resp *http.Response) {
	token := resp.Header.Get(headerSessionToken)
	if token == "" {
		return
	}
	c.sessionMu.Lock()
	c.sessionToken = token
	c.sessionMu.Unlock()
}

// SessionToken returns the client's current session token.
func (c *Client) SessionToken() string {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.sessionToken
}

// PartitionRangeForKey maps a partition key onto the physical partition
// owning it, per the last topology read. The bool is false before the first
// topology load or when the key falls outside every known range.
func (c *Client) PartitionRangeForKey(pk PartitionKey) (PartitionRange, bool) {
	return c.locations.owner(pk.EffectiveKey())
}

// ContainerClient operates on the items of one container.
type ContainerClient struct {
	client *Client
	path   string
}

// CreateItem stores a new item. An item with the same id in the same
// partition fails with ErrorCodeItemAlreadyExists.
func (cc *ContainerClient) CreateItem(ctx context.Context, pk PartitionKey, item []byte) (ItemResponse, error) {
	return cc.writeItem(ctx, http.MethodPost, cc.path+"/docs", pk, item, nil, "create")
}

// ReadItem fetches one item by id.
func (cc *ContainerClient) ReadItem(ctx context.Context, pk PartitionKey, id string) (ItemResponse, error) {
	resp, err := cc.client.do(ctx, opRead, http.MethodGet, cc.itemPath(id), func(req *core.Request) error {
		applyPartitionKey(req, pk)
		return nil
	})
	if err != nil {
		return ItemResponse{}, err
	}
	return buildItemResponse(resp, "read")
}

// ReplaceItem overwrites an existing item. Set opts.IfMatch to make the
// replace conditional on the stored ETag.
func (cc *ContainerClient) ReplaceItem(ctx context.Context, pk PartitionKey, id string, item []byte, opts *ItemOptions) (ItemResponse, error) {
	return cc.writeItem(ctx, http.MethodPut, cc.itemPath(id), pk, item, opts, "replace")
}

// DeleteItem removes one item by id.
func (cc *ContainerClient) DeleteItem(ctx context.Context, pk PartitionKey, id string, opts *ItemOptions) (ItemResponse, error) {
	resp, err := cc.client.do(ctx, opWrite, http.MethodDelete, cc.itemPath(id), func(req *core.Request) error {
		applyPartitionKey(req, pk)
		applyItemOptions(req, opts)
		return nil
	})
	if err != nil {
		return ItemResponse{}, err
	}
	return buildItemResponse(resp, "delete")
}

func (cc *ContainerClient) writeItem(ctx context.Context, method, path string, pk PartitionKey, item []byte, opts *ItemOptions, operation string) (ItemResponse, error) {
	resp, err := cc.client.do(ctx, opWrite, method, path, func(req *core.Request) error {
		applyPartitionKey(req, pk)
		applyItemOptions(req, opts)
		return req.SetBody(core.BytesBody(item), "application/json")
	})
	if err != nil {
		return ItemResponse{}, err
	}
	return buildItemResponse(resp, operation)
}

// NewQueryItemsPager runs a query within one partition, paging on the
// service's continuation header.
func (cc *ContainerClient) NewQueryItemsPager(query string, pk PartitionKey, opts *QueryOptions) *core.Pager[json.RawMessage] {
	if opts == nil {
		opts = &QueryOptions{}
	}
	body, marshalErr := json.Marshal(queryRequest{Query: query, Parameters: opts.Parameters})

	return core.NewPager(func(ctx context.Context, continuation string) (core.Page[json.RawMessage], error) {
		if marshalErr != nil {
			return core.Page[json.RawMessage]{}, fmt.Errorf("docstore: encode query: %w", marshalErr)
		}
		resp, err := cc.client.do(ctx, opRead, http.MethodPost, cc.path+"/docs", func(req *core.Request) error {
			applyPartitionKey(req, pk)
			req.Raw().Header.Set(headerIsQuery, "true")
			if continuation != "" {
				req.Raw().Header.Set(headerContinuation, continuation)
			}
			if opts.PageSize > 0 {
				req.Raw().Header.Set(headerMaxItemCount, strconv.Itoa(opts.PageSize))
			}
			return req.SetBody(core.BytesBody(body), "application/query+json")
		})
		if err != nil {
			return core.Page[json.RawMessage]{}, err
		}
		defer resp.Body.Close()
		if !core.Success(resp) {
			return core.Page[json.RawMessage]{}, core.NewResponseError(resp)
		}
		recordCharge(resp, "query")

		var page queryResponse
		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			return core.Page[json.RawMessage]{}, fmt.Errorf("docstore: decode query page: %w", err)
		}
		return core.Page[json.RawMessage]{
			Items:        page.Documents,
			Continuation: resp.Header.Get(headerContinuation),
		}, nil
	})
}

func (cc *ContainerClient) itemPath(id string) string {
	return cc.path + "/docs/" + url.PathEscape(id)
}

func applyPartitionKey(req *core.Request, pk PartitionKey) {
	req.Raw().Header.Set(headerPartitionKey, pk.headerValue())
	req.Raw().Header.Set(headerEffectiveKey, pk.EffectiveKey())
}

func applyItemOptions(req *core.Request, opts *ItemOptions) {
	if opts != nil && opts.IfMatch != "" {
		req.Raw().Header.Set("If-Match", opts.IfMatch)
	}
}

func buildItemResponse(resp *http.Response, operation string) (ItemResponse, error) {
	defer resp.Body.Close()
	if !core.Success(resp) {
		return ItemResponse{}, core.NewResponseError(resp)
	}
	recordCharge(resp, operation)

	var value bytes.Buffer
	if _, err := value.ReadFrom(resp.Body); err != nil {
		return ItemResponse{}, fmt.Errorf("docstore: read item body: %w", err)
	}
	charge, _ := strconv.ParseFloat(resp.Header.Get(headerRequestCharge), 64)
	return ItemResponse{
		Value:         value.Bytes(),
		ETag:          resp.Header.Get("ETag"),
		SessionToken:  resp.Header.Get(headerSessionToken),
		RequestCharge: charge,
	}, nil
}

func recordCharge(resp *http.Response, operation string) {
	if raw := resp.Header.Get(headerRequestCharge); raw != "" {
		if charge, err := strconv.ParseFloat(raw, 64); err == nil {
			metrics.RecordRequestCharge(operation, charge)
		}
	}
}
