// SPDX-License-Identifier: MIT

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/atlascloud/atlas-sdk-go/core"
)

// storage-specific headers.
const (
	headerCopySource = "x-atlas-copy-source"
	headerCopyStatus = "x-atlas-copy-status"
	headerCopyID     = "x-atlas-copy-id"
)

// tokenScope is the OAuth2 scope of the storage service.
const tokenScope = "https://storage.atlas.example/.default"

// ServiceClient is the entry point to one storage account.
type ServiceClient struct {
	endpoint string
	pl       core.Pipeline
}

// ClientOptions aliases the shared pipeline options.
type ClientOptions = core.ClientOptions

// NewServiceClient builds a client authorizing with a bearer token.
func NewServiceClient(endpoint string, cred core.TokenCredential, opts *ClientOptions) (*ServiceClient, error) {
	if cred == nil {
		return nil, errors.New("storage: credential is required")
	}
	auth := core.NewBearerTokenPolicy(cred, []string{tokenScope})
	return newServiceClient(endpoint, auth, opts)
}

// NewServiceClientWithSharedKey builds a client signing with the account key.
func NewServiceClientWithSharedKey(endpoint string, cred *SharedKeyCredential, opts *ClientOptions) (*ServiceClient, error) {
	if cred == nil {
		return nil, errors.New("storage: credential is required")
	}
	return newServiceClient(endpoint, sharedKeyPolicy{cred: cred}, opts)
}

// NewServiceClientFromConnectionString builds a client from a portal
// connection string, selecting shared-key or SAS authorization from its
// contents.
func NewServiceClientFromConnectionString(connectionString string, opts *ClientOptions) (*ServiceClient, error) {
	parsed, err := ParseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}
	if parsed.AccountKey != "" {
		cred, err := NewSharedKeyCredential(parsed.AccountName, parsed.AccountKey)
		if err != nil {
			return nil, err
		}
		return NewServiceClientWithSharedKey(parsed.BlobEndpoint, cred, opts)
	}
	// SAS: the signature travels in the query string, no signing policy.
	sas := parsed.SAS
	return newServiceClient(parsed.BlobEndpoint, core.PolicyFunc(func(req *core.Request) (*http.Response, error) {
		raw := req.Raw()
		if raw.URL.RawQuery == "" {
			raw.URL.RawQuery = sas
		} else {
			raw.URL.RawQuery += "&" + sas
		}
		return req.Next()
	}), opts)
}

func newServiceClient(endpoint string, auth core.Policy, opts *ClientOptions) (*ServiceClient, error) {
	if endpoint == "" {
		return nil, errors.New("storage: endpoint is required")
	}
	return &ServiceClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		pl:       core.NewPipeline("storage", core.Version, auth, opts),
	}, nil
}

// Endpoint returns the account endpoint this client talks to.
func (c *ServiceClient) Endpoint() string { return c.endpoint }

// NewListContainersPager pages through the account's containers.
func (c *ServiceClient) NewListContainersPager(opts *ListOptions) *core.Pager[ContainerItem] {
	return core.NewPager(func(ctx context.Context, marker string) (core.Page[ContainerItem], error) {
		query := url.Values{"comp": {"list"}}
		applyListOptions(query, opts, marker)

		var listed listContainersResponse
		if err := c.getJSON(ctx, c.endpoint+"/?"+query.Encode(), &listed); err != nil {
			return core.Page[ContainerItem]{}, err
		}
		return core.Page[ContainerItem]{Items: listed.Containers, Continuation: listed.NextMarker}, nil
	})
}

// NewContainerClient returns a client scoped to one container.
func (c *ServiceClient) NewContainerClient(name string) *ContainerClient {
	return &ContainerClient{
		svc:  c,
		name: name,
		url:  c.endpoint + "/" + url.PathEscape(name),
	}
}

func (c *ServiceClient) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := core.NewRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return err
	}
	resp, err := c.pl.Do(req)
	if err != nil {
		return err
	}
	if !core.Success(resp) {
		return core.NewResponseError(resp)
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

// ContainerClient operates on one container and the blobs inside it.
type ContainerClient struct {
	svc  *ServiceClient
	name string
	url  string
}

// Name returns the container name.
func (c *ContainerClient) Name() string { return c.name }

// Create provisions the container. Creating an existing container fails with
// ErrorCodeContainerAlreadyExists.
func (c *ContainerClient) Create(ctx context.Context) error {
	req, err := core.NewRequest(ctx, http.MethodPut, c.url+"?restype=container")
	if err != nil {
		return err
	}
	return c.svc.expectSuccess(req)
}

// Delete removes the container and everything in it.
func (c *ContainerClient) Delete(ctx context.Context) error {
	req, err := core.NewRequest(ctx, http.MethodDelete, c.url+"?restype=container")
	if err != nil {
		return err
	}
	return c.svc.expectSuccess(req)
}

// NewListBlobsPager pages through the container's blobs.
func (c *ContainerClient) NewListBlobsPager(opts *ListOptions) *core.Pager[BlobItem] {
	return core.NewPager(func(ctx context.Context, marker string) (core.Page[BlobItem], error) {
		query := url.Values{"restype": {"container"}, "comp": {"list"}}
		applyListOptions(query, opts, marker)

		var listed listBlobsResponse
		if err := c.svc.getJSON(ctx, c.url+"?"+query.Encode(), &listed); err != nil {
			return core.Page[BlobItem]{}, err
		}
		return core.Page[BlobItem]{Items: listed.Blobs, Continuation: listed.NextMarker}, nil
	})
}

// NewBlobClient returns a client for one blob in this container.
func (c *ContainerClient) NewBlobClient(name string) *BlobClient {
	return &BlobClient{
		svc:  c.svc,
		name: name,
		url:  c.url + "/" + url.PathEscape(name),
	}
}

// BlobClient operates on a single blob.
type BlobClient struct {
	svc  *ServiceClient
	name string
	url  string
}

// URL returns the blob's full URL.
func (b *BlobClient) URL() string { return b.url }

// Upload writes the blob, replacing any existing content unless access
// conditions say otherwise.
func (b *BlobClient) Upload(ctx context.Context, body io.ReadSeekCloser, opts *UploadOptions) (UploadResponse, error) {
	if opts == nil {
		opts = &UploadOptions{}
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	req, err := core.NewRequest(ctx, http.MethodPut, b.url)
	if err != nil {
		return UploadResponse{}, err
	}
	if err := req.SetBody(body, contentType); err != nil {
		return UploadResponse{}, err
	}
	applyAccessConditions(req, opts.AccessConditions)

	resp, err := b.svc.pl.Do(req)
	if err != nil {
		return UploadResponse{}, err
	}
	defer drainBody(resp)
	if !core.Success(resp) {
		return UploadResponse{}, core.NewResponseError(resp)
	}
	lastModified, _ := time.Parse(http.TimeFormat, resp.Header.Get("Last-Modified"))
	return UploadResponse{
		ETag:         resp.Header.Get("ETag"),
		LastModified: lastModified,
	}, nil
}

// Download streams the blob. The caller must close the response body.
func (b *BlobClient) Download(ctx context.Context, conditions *AccessConditions) (DownloadResponse, error) {
	req, err := core.NewRequest(ctx, http.MethodGet, b.url)
	if err != nil {
		return DownloadResponse{}, err
	}
	if conditions != nil {
		applyAccessConditions(req, *conditions)
	}
	resp, err := b.svc.pl.Do(req)
	if err != nil {
		return DownloadResponse{}, err
	}
	if !core.Success(resp) {
		return DownloadResponse{}, core.NewResponseError(resp)
	}
	return DownloadResponse{
		Body:          resp.Body,
		ETag:          resp.Header.Get("ETag"),
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
	}, nil
}

// Delete removes the blob.
func (b *BlobClient) Delete(ctx context.Context) error {
	req, err := core.NewRequest(ctx, http.MethodDelete, b.url)
	if err != nil {
		return err
	}
	return b.svc.expectSuccess(req)
}

// GetProperties fetches the blob's metadata without the payload.
func (b *BlobClient) GetProperties(ctx context.Context) (BlobProperties, error) {
	req, err := core.NewRequest(ctx, http.MethodHead, b.url)
	if err != nil {
		return BlobProperties{}, err
	}
	resp, err := b.svc.pl.Do(req)
	if err != nil {
		return BlobProperties{}, err
	}
	defer drainBody(resp)
	if !core.Success(resp) {
		return BlobProperties{}, core.NewResponseError(resp)
	}
	length, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	lastModified, _ := time.Parse(http.TimeFormat, resp.Header.Get("Last-Modified"))
	return BlobProperties{
		ETag:          resp.Header.Get("ETag"),
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: length,
		LastModified:  lastModified,
		CopyStatus:    resp.Header.Get(headerCopyStatus),
	}, nil
}

// StartCopyFromURL begins a server-side copy and returns a poller tracking
// its progress.
func (b *BlobClient) StartCopyFromURL(ctx context.Context, sourceURL string) (*CopyPoller, error) {
	req, err := core.NewRequest(ctx, http.MethodPut, b.url)
	if err != nil {
		return nil, err
	}
	req.Raw().Header.Set(headerCopySource, sourceURL)

	resp, err := b.svc.pl.Do(req)
	if err != nil {
		return nil, err
	}
	defer drainBody(resp)
	if !core.Success(resp) {
		return nil, core.NewResponseError(resp)
	}
	return &CopyPoller{
		blob:   b,
		copyID: resp.Header.Get(headerCopyID),
		status: resp.Header.Get(headerCopyStatus),
	}, nil
}

// CopyPoller tracks a server-side copy via the blob's copy status.
type CopyPoller struct {
	blob   *BlobClient
	copyID string
	status string
}

// CopyID identifies the copy operation on the service.
func (p *CopyPoller) CopyID() string { return p.copyID }

// Status returns the last observed copy status.
func (p *CopyPoller) Status() string { return p.status }

// Done reports whether the copy reached a terminal status.
func (p *CopyPoller) Done() bool {
	switch p.status {
	case "success", "failed", "aborted":
		return true
	}
	return false
}

// Poll refreshes the copy status from the blob's properties.
func (p *CopyPoller) Poll(ctx context.Context) error {
	props, err := p.blob.GetProperties(ctx)
	if err != nil {
		return err
	}
	if props.CopyStatus != "" {
		p.status = props.CopyStatus
	} else {
		// No copy status on the blob means the copy finished and the
		// service already aged the bookkeeping out.
		p.status = "success"
	}
	return nil
}

// PollUntilDone polls at the given frequency until the copy completes. A
// failed or aborted copy is returned as an error.
func (p *CopyPoller) PollUntilDone(ctx context.Context, freq time.Duration) (BlobProperties, error) {
	if freq <= 0 {
		freq = 2 * time.Second
	}
	for !p.Done() {
		select {
		case <-ctx.Done():
			return BlobProperties{}, ctx.Err()
		case <-time.After(freq):
		}
		if err := p.Poll(ctx); err != nil {
			return BlobProperties{}, err
		}
	}
	if p.status != "success" {
		return BlobProperties{}, fmt.Errorf("storage: copy %s ended with status %q", p.copyID, p.status)
	}
	return p.blob.GetProperties(ctx)
}

func applyListOptions(query url.Values, opts *ListOptions, marker string) {
	if marker != "" {
		query.Set("marker", marker)
	}
	if opts == nil {
		return
	}
	if opts.Prefix != "" {
		query.Set("prefix", opts.Prefix)
	}
	if opts.MaxResults > 0 {
		query.Set("maxresults", strconv.Itoa(opts.MaxResults))
	}
}

func applyAccessConditions(req *core.Request, conditions AccessConditions) {
	if conditions.IfMatch != "" {
		req.Raw().Header.Set("If-Match", conditions.IfMatch)
	}
	if conditions.IfNoneMatch != "" {
		req.Raw().Header.Set("If-None-Match", conditions.IfNoneMatch)
	}
}

func (c *ServiceClient) expectSuccess(req *core.Request) error {
	resp, err := c.pl.Do(req)
	if err != nil {
		return err
	}
	if !core.Success(resp) {
		return core.NewResponseError(resp)
	}
	drainBody(resp)
	return nil
}

func drainBody(resp *http.Response) {
	if resp.Body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}
}
