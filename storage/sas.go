// SPDX-License-Identifier: MIT

package storage

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// SAS query parameter names.
const (
	sasVersion    = "sv"
	sasPermission = "sp"
	sasStart      = "st"
	sasExpiry     = "se"
	sasResource   = "sr"
	sasSignature  = "sig"
)

// SASPermissions is the permission set encoded into a service SAS.
type SASPermissions struct {
	Read   bool
	Add    bool
	Create bool
	Write  bool
	Delete bool
	List   bool
}

// String renders the permissions in their canonical order.
func (p SASPermissions) String() string {
	var sb strings.Builder
	if p.Read {
		sb.WriteByte('r')
	}
	if p.Add {
		sb.WriteByte('a')
	}
	if p.Create {
		sb.WriteByte('c')
	}
	if p.Write {
		sb.WriteByte('w')
	}
	if p.Delete {
		sb.WriteByte('d')
	}
	if p.List {
		sb.WriteByte('l')
	}
	return sb.String()
}

// SASValues collects the fields of a service SAS before signing.
type SASValues struct {
	Permissions SASPermissions
	Start       time.Time // optional
	Expiry      time.Time
	// ContainerName and BlobName locate the signed resource. An empty
	// BlobName signs the whole container.
	ContainerName string
	BlobName      string
}

func sasTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// Sign produces the SAS query parameters for the given values. Appending them
// to the resource URL grants the encoded permissions until expiry.
func (v SASValues) Sign(cred *SharedKeyCredential) (url.Values, error) {
	if v.Expiry.IsZero() {
		return nil, errors.New("storage: SAS expiry is required")
	}
	if !v.Start.IsZero() && !v.Start.Before(v.Expiry) {
		return nil, errors.New("storage: SAS start must precede expiry")
	}
	perms := v.Permissions.String()
	if perms == "" {
		return nil, errors.New("storage: SAS needs at least one permission")
	}
	if v.ContainerName == "" {
		return nil, errors.New("storage: SAS container name is required")
	}

	resource := "c"
	canonical := fmt.Sprintf("/%s/%s", cred.AccountName(), v.ContainerName)
	if v.BlobName != "" {
		resource = "b"
		canonical += "/" + v.BlobName
	}

	start := ""
	if !v.Start.IsZero() {
		start = sasTime(v.Start)
	}
	expiry := sasTime(v.Expiry)

	// Field order is the wire contract; the service reconstructs this exact
	// string to verify the signature.
	stringToSign := strings.Join([]string{
		perms,
		start,
		expiry,
		canonical,
		resource,
		serviceVersion,
	}, "\n")

	query := url.Values{}
	query.Set(sasVersion, serviceVersion)
	query.Set(sasPermission, perms)
	if start != "" {
		query.Set(sasStart, start)
	}
	query.Set(sasExpiry, expiry)
	query.Set(sasResource, resource)
	query.Set(sasSignature, cred.computeHMAC(stringToSign))
	return query, nil
}
