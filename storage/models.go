// SPDX-License-Identifier: MIT

package storage

import (
	"io"
	"time"
)

// ContainerItem is one entry of a container listing.
type ContainerItem struct {
	Name         string    `json:"name"`
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"lastModified"`
}

// BlobItem is one entry of a blob listing.
type BlobItem struct {
	Name          string    `json:"name"`
	ETag          string    `json:"etag"`
	ContentLength int64     `json:"contentLength"`
	ContentType   string    `json:"contentType"`
	LastModified  time.Time `json:"lastModified"`
}

// listContainersResponse is the service's listing envelope.
type listContainersResponse struct {
	Containers []ContainerItem `json:"containers"`
	NextMarker string          `json:"nextMarker"`
}

type listBlobsResponse struct {
	Blobs      []BlobItem `json:"blobs"`
	NextMarker string     `json:"nextMarker"`
}

// ListOptions tunes the listing pagers.
type ListOptions struct {
	// Prefix filters results to names starting with it.
	Prefix string
	// MaxResults caps the page size when positive.
	MaxResults int
}

// AccessConditions gate an operation on the blob's current ETag.
type AccessConditions struct {
	// IfMatch succeeds only when the blob's ETag equals this value.
	IfMatch string
	// IfNoneMatch succeeds only when it differs; "*" means "only if the blob
	// does not exist".
	IfNoneMatch string
}

// UploadOptions configures BlobClient.Upload.
type UploadOptions struct {
	ContentType      string
	AccessConditions AccessConditions
}

// UploadResponse reports the stored blob's validators.
type UploadResponse struct {
	ETag         string
	LastModified time.Time
}

// DownloadResponse carries the blob payload. Callers own Body and must close
// it.
type DownloadResponse struct {
	Body          io.ReadCloser
	ETag          string
	ContentType   string
	ContentLength int64
}

// BlobProperties is the HEAD view of a blob.
type BlobProperties struct {
	ETag          string
	ContentType   string
	ContentLength int64
	LastModified  time.Time
	CopyStatus    string
}

// Service error codes surfaced via core.HasErrorCode.
const (
	ErrorCodeContainerNotFound      = "ContainerNotFound"
	ErrorCodeContainerAlreadyExists = "ContainerAlreadyExists"
	ErrorCodeBlobNotFound           = "BlobNotFound"
	ErrorCodeConditionNotMet        = "ConditionNotMet"
)
