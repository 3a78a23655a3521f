// SPDX-License-Identifier: MIT

// Package storage is the client for the Atlas object storage service:
// containers and blobs, shared-key and SAS authorization, paginated listings
// and server-side copy.
package storage

import (
	"fmt"
	"strings"
)

// ConnectionString is the parsed form of an account connection string.
type ConnectionString struct {
	AccountName  string
	AccountKey   string
	BlobEndpoint string
	// SAS is set when the connection string carries a shared access
	// signature instead of an account key.
	SAS string
}

// connection string keys, matching what the portal hands out.
const (
	csAccountName     = "AccountName"
	csAccountKey      = "AccountKey"
	csBlobEndpoint    = "BlobEndpoint"
	csEndpointSuffix  = "EndpointSuffix"
	csProtocol        = "DefaultEndpointsProtocol"
	csSharedAccessSig = "SharedAccessSignature"
)

// ParseConnectionString parses "Key=Value" pairs separated by semicolons.
// Order does not matter; unknown keys are ignored. The endpoint is taken
// verbatim from BlobEndpoint or assembled from protocol, account and suffix.
func ParseConnectionString(cs string) (ConnectionString, error) {
	parsed := ConnectionString{}
	values := map[string]string{}
	for _, segment := range strings.Split(cs, ";") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		key, value, found := strings.Cut(segment, "=")
		if !found {
			return ConnectionString{}, fmt.Errorf("storage: malformed connection string segment %q", segment)
		}
		values[key] = value
	}

	parsed.AccountName = values[csAccountName]
	parsed.AccountKey = values[csAccountKey]
	parsed.SAS = values[csSharedAccessSig]

	if parsed.AccountName == "" {
		return ConnectionString{}, fmt.Errorf("storage: connection string missing %s", csAccountName)
	}
	if parsed.AccountKey == "" && parsed.SAS == "" {
		return ConnectionString{}, fmt.Errorf("storage: connection string needs %s or %s", csAccountKey, csSharedAccessSig)
	}

	if endpoint, ok := values[csBlobEndpoint]; ok {
		parsed.BlobEndpoint = strings.TrimRight(endpoint, "/")
		return parsed, nil
	}

	protocol := values[csProtocol]
	if protocol == "" {
		protocol = "https"
	}
	suffix := values[csEndpointSuffix]
	if suffix == "" {
		suffix = "storage.atlas.example"
	}
	parsed.BlobEndpoint = fmt.Sprintf("%s://%s.blob.%s", protocol, parsed.AccountName, suffix)
	return parsed, nil
}
