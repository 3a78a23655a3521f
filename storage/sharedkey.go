// SPDX-License-Identifier: MIT

package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/atlascloud/atlas-sdk-go/core"
)

const (
	headerDate       = "x-atlas-date"
	headerVersion    = "x-atlas-version"
	serviceVersion   = "2025-05-05"
	atlasHeaderGroup = "x-atlas-"
)

// SharedKeyCredential signs requests with the account key.
type SharedKeyCredential struct {
	accountName string
	accountKey  []byte
}

// NewSharedKeyCredential decodes the base64 account key.
func NewSharedKeyCredential(accountName, accountKey string) (*SharedKeyCredential, error) {
	key, err := base64.StdEncoding.DecodeString(accountKey)
	if err != nil {
		return nil, fmt.Errorf("storage: decoding account key: %w", err)
	}
	if accountName == "" {
		return nil, fmt.Errorf("storage: account name is required")
	}
	return &SharedKeyCredential{accountName: accountName, accountKey: key}, nil
}

// AccountName returns the account this credential signs for.
func (c *SharedKeyCredential) AccountName() string { return c.accountName }

// computeHMAC signs the message with the account key.
func (c *SharedKeyCredential) computeHMAC(message string) string {
	h := hmac.New(sha256.New, c.accountKey)
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// stringToSign canonicalizes a request for signing:
//
//	VERB \n Content-Length \n Content-Type \n x-atlas-date \n
//	canonicalized x-atlas headers \n canonicalized resource
func (c *SharedKeyCredential) stringToSign(req *http.Request) string {
	contentLength := ""
	if req.ContentLength > 0 {
		contentLength = strconv.FormatInt(req.ContentLength, 10)
	}
	parts := []string{
		req.Method,
		contentLength,
		req.Header.Get("Content-Type"),
		req.Header.Get(headerDate),
		c.canonicalizedHeaders(req.Header),
		c.canonicalizedResource(req.URL),
	}
	return strings.Join(parts, "\n")
}

// canonicalizedHeaders lists the x-atlas-* headers, lowercased and sorted.
// x-atlas-date is excluded: it already has its own line in the signature.
func (c *SharedKeyCredential) canonicalizedHeaders(h http.Header) string {
	var names []string
	for name := range h {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, atlasHeaderGroup) && lower != headerDate {
			names = append(names, lower)
		}
	}
	sort.Strings(names)
	lines := make([]string, 0, len(names))
	for _, name := range names {
		lines = append(lines, name+":"+strings.TrimSpace(h.Get(name)))
	}
	return strings.Join(lines, "\n")
}

// canonicalizedResource is /account/path plus the sorted query parameters.
func (c *SharedKeyCredential) canonicalizedResource(u *url.URL) string {
	var sb strings.Builder
	sb.WriteString("/" + c.accountName + u.EscapedPath())

	query := u.Query()
	if len(query) == 0 {
		return sb.String()
	}
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		values := query[k]
		sort.Strings(values)
		sb.WriteString("\n" + strings.ToLower(k) + ":" + strings.Join(values, ","))
	}
	return sb.String()
}

// sign stamps date, version and the Authorization header onto req.
func (c *SharedKeyCredential) sign(req *http.Request) {
	if req.Header.Get(headerDate) == "" {
		req.Header.Set(headerDate, time.Now().UTC().Format(http.TimeFormat))
	}
	req.Header.Set(headerVersion, serviceVersion)
	sig := c.computeHMAC(c.stringToSign(req))
	req.Header.Set("Authorization", fmt.Sprintf("SharedKey %s:%s", c.accountName, sig))
}

// sharedKeyPolicy signs every attempt, so retried requests get a fresh date.
type sharedKeyPolicy struct {
	cred *SharedKeyCredential
}

func (p sharedKeyPolicy) Do(req *core.Request) (*http.Response, error) {
	req.Raw().Header.Del(headerDate)
	p.cred.sign(req.Raw())
	return req.Next()
}
