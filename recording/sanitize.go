// SPDX-License-Identifier: MIT

package recording

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
)

// SanitizedValue replaces every secret in a recorded cassette.
const SanitizedValue = "Sanitized"

// Sanitizer scrubs one interaction before it is written to disk.
type Sanitizer func(*Interaction)

// headers scrubbed wholesale in record mode.
var secretHeaders = []string{
	"Authorization",
	"X-Atlas-Account-Key",
	"Www-Authenticate",
}

// query parameters scrubbed from recorded URLs.
var secretQueryParams = map[string]bool{
	"sig":          true,
	"access_token": true,
}

// body patterns scrubbed from recorded payloads. Token grants and account
// keys must never land in a checked-in cassette.
var secretBodyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`"access_token"\s*:\s*"[^"]*"`),
	regexp.MustCompile(`"refresh_token"\s*:\s*"[^"]*"`),
	regexp.MustCompile(`client_secret=[^&\s]+`),
	regexp.MustCompile(`client_assertion=[^&\s]+`),
	regexp.MustCompile(`AccountKey=[^;"\s]+`),
}

var bodyReplacements = map[*regexp.Regexp]string{
	secretBodyPatterns[0]: `"access_token":"` + SanitizedValue + `"`,
	secretBodyPatterns[1]: `"refresh_token":"` + SanitizedValue + `"`,
	secretBodyPatterns[2]: "client_secret=" + SanitizedValue,
	secretBodyPatterns[3]: "client_assertion=" + SanitizedValue,
	secretBodyPatterns[4]: "AccountKey=" + SanitizedValue,
}

func defaultSanitizers() []Sanitizer {
	return []Sanitizer{sanitizeHeaders, sanitizeURLs, sanitizeBodies}
}

func sanitizeHeaders(it *Interaction) {
	for _, name := range secretHeaders {
		if _, ok := it.RequestHeaders[name]; ok {
			it.RequestHeaders[name] = SanitizedValue
		}
		if _, ok := it.ResponseHeaders[name]; ok {
			it.ResponseHeaders[name] = SanitizedValue
		}
	}
}

func sanitizeURLs(it *Interaction) {
	it.URL = sanitizeURL(it.URL)
}

func sanitizeBodies(it *Interaction) {
	it.RequestBody = sanitizeBody(it.RequestBody)
	it.ResponseBody = sanitizeBody(it.ResponseBody)
}

func sanitizeBody(body string) string {
	for pattern, replacement := range bodyReplacements {
		body = pattern.ReplaceAllString(body, replacement)
	}
	return body
}

// sanitizeURL scrubs secret query parameters. Playback applies it to
// incoming request URLs too, so sanitized cassettes still match.
func sanitizeURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.RawQuery == "" {
		return raw
	}
	query := parsed.Query()
	changed := false
	for param := range query {
		if secretQueryParams[param] {
			query.Set(param, SanitizedValue)
			changed = true
		}
	}
	if !changed {
		return raw
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func pathOf(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return parsed.Path
}

func marshalCassette(c cassette) ([]byte, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, err
	}
	// Trailing newline keeps checked-in cassettes diff-friendly.
	if !strings.HasSuffix(string(data), "\n") {
		data = append(data, '\n')
	}
	return data, nil
}

func unmarshalCassette(data []byte) (cassette, error) {
	var c cassette
	err := json.Unmarshal(data, &c)
	return c, err
}
