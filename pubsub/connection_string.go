// SPDX-License-Identifier: MIT

// Package pubsub is the client for the Atlas web pubsub service: websocket
// group messaging with acked operations and automatic reconnect.
package pubsub

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ConnectionString is the parsed form of a pubsub connection string.
type ConnectionString struct {
	Endpoint  string
	AccessKey string
}

// ParseConnectionString parses "Endpoint=...;AccessKey=...;" as handed out
// by the portal.
func ParseConnectionString(cs string) (ConnectionString, error) {
	parsed := ConnectionString{}
	for _, segment := range strings.Split(cs, ";") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		key, value, found := strings.Cut(segment, "=")
		if !found {
			return ConnectionString{}, fmt.Errorf("pubsub: malformed connection string segment %q", segment)
		}
		switch key {
		case "Endpoint":
			parsed.Endpoint = strings.TrimRight(value, "/")
		case "AccessKey":
			parsed.AccessKey = value
		}
	}
	if parsed.Endpoint == "" {
		return ConnectionString{}, fmt.Errorf("pubsub: connection string missing Endpoint")
	}
	if parsed.AccessKey == "" {
		return ConnectionString{}, fmt.Errorf("pubsub: connection string missing AccessKey")
	}
	return parsed, nil
}

// AccessURLOptions tunes ClientAccessURL.
type AccessURLOptions struct {
	// UserID becomes the token subject when set.
	UserID string
	// Roles grant server-side permissions, for example
	// "webpubsub.joinLeaveGroup" or "webpubsub.sendToGroup".
	Roles []string
	// TTL bounds the token lifetime. Defaults to one hour.
	TTL time.Duration
}

// ClientAccessURL builds the websocket URL for one hub, carrying a signed
// access token. The token audience is the client URL itself, which is what
// the service checks on connect.
func (cs ConnectionString) ClientAccessURL(hub string, opts *AccessURLOptions) (string, error) {
	if hub == "" {
		return "", fmt.Errorf("pubsub: hub is required")
	}
	if opts == nil {
		opts = &AccessURLOptions{}
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	endpoint, err := url.Parse(cs.Endpoint)
	if err != nil {
		return "", fmt.Errorf("pubsub: parse endpoint: %w", err)
	}
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	case "http":
		endpoint.Scheme = "ws"
	}
	endpoint.Path = "/client/hubs/" + url.PathEscape(hub)
	audience := endpoint.String()

	now := time.Now()
	claims := jwt.MapClaims{
		"aud": audience,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if opts.UserID != "" {
		claims["sub"] = opts.UserID
	}
	if len(opts.Roles) > 0 {
		claims["role"] = opts.Roles
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cs.AccessKey))
	if err != nil {
		return "", fmt.Errorf("pubsub: sign access token: %w", err)
	}

	query := url.Values{"access_token": {token}}
	return audience + "?" + query.Encode(), nil
}
