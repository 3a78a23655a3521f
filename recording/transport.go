// SPDX-License-Identifier: MIT

// Package recording is a record/replay transport for client tests. In record
// mode it captures live traffic into JSON cassettes, in playback mode it
// serves those cassettes back without touching the network.
package recording

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/atlascloud/atlas-sdk-go/core"
	"github.com/atlascloud/atlas-sdk-go/internal/log"
)

// Mode selects the transport's behavior.
type Mode string

const (
	// ModeLive forwards requests untouched and records nothing.
	ModeLive Mode = "live"
	// ModeRecord forwards requests and captures the traffic.
	ModeRecord Mode = "record"
	// ModePlayback serves responses from the cassette.
	ModePlayback Mode = "playback"
)

// EnvTestMode is the environment variable selecting the mode for a test run.
const EnvTestMode = "ATLAS_TEST_MODE"

// ModeFromEnv reads the mode from the environment, defaulting to playback so
// checked-in test suites never hit the network by accident.
func ModeFromEnv() Mode {
	switch os.Getenv(EnvTestMode) {
	case string(ModeLive):
		return ModeLive
	case string(ModeRecord):
		return ModeRecord
	default:
		return ModePlayback
	}
}

// Interaction is one captured request/response pair.
type Interaction struct {
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	RequestHeaders  map[string]string `json:"requestHeaders,omitempty"`
	RequestBody     string            `json:"requestBody,omitempty"`
	StatusCode      int               `json:"statusCode"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	ResponseBody    string            `json:"responseBody,omitempty"`
}

// cassette is the on-disk format.
type cassette struct {
	Version      int               `json:"version"`
	Variables    map[string]string `json:"variables,omitempty"`
	Interactions []Interaction     `json:"interactions"`
}

// cassetteVersion guards against format drift in checked-in files.
const cassetteVersion = 1

// TransportOptions configures a Transport.
type TransportOptions struct {
	// Mode overrides ModeFromEnv.
	Mode Mode
	// CassetteDir is where cassettes live. Defaults to testdata/recordings.
	CassetteDir string
	// Inner handles live traffic in record and live mode. Defaults to
	// http.DefaultClient.
	Inner core.Transporter
	// ExtraSanitizers run after the built-in scrubbing in record mode.
	ExtraSanitizers []Sanitizer
}

// Transport records or replays HTTP traffic. It satisfies the pipeline's
// Transporter interface, plug it into ClientOptions.Transport under test.
type Transport struct {
	name       string
	mode       Mode
	path       string
	inner      core.Transporter
	sanitizers []Sanitizer
	logger     zerolog.Logger

	mu       sync.Mutex
	cassette cassette
	// played counts matches per method+URL so repeats replay in order.
	played map[string]int
}

// NewTransport opens the named cassette. In playback mode the cassette must
// exist; in record mode it is created on Stop.
func NewTransport(name string, opts *TransportOptions) (*Transport, error) {
	if name == "" {
		return nil, fmt.Errorf("recording: cassette name is required")
	}
	if opts == nil {
		opts = &TransportOptions{}
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeFromEnv()
	}
	dir := opts.CassetteDir
	if dir == "" {
		dir = filepath.Join("testdata", "recordings")
	}
	inner := opts.Inner
	if inner == nil {
		inner = http.DefaultClient
	}

	t := &Transport{
		name:       name,
		mode:       mode,
		path:       filepath.Join(dir, name+".json"),
		inner:      inner,
		sanitizers: append(defaultSanitizers(), opts.ExtraSanitizers...),
		logger:     log.WithComponent("recording"),
		played:     make(map[string]int),
	}
	t.cassette.Version = cassetteVersion
	t.cassette.Variables = make(map[string]string)

	if mode == ModePlayback {
		if err := t.load(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Mode returns the transport's effective mode.
func (t *Transport) Mode() Mode { return t.mode }

// Do dispatches per mode.
func (t *Transport) Do(req *http.Request) (*http.Response, error) {
	switch t.mode {
	case ModePlayback:
		return t.replay(req)
	case ModeRecord:
		return t.record(req)
	default:
		return t.inner.Do(req)
	}
}

// SetVariable stores a non-deterministic value with the cassette, for
// example a generated resource name, so playback runs can read it back.
func (t *Transport) SetVariable(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cassette.Variables[key] = value
}

// Variable reads a stored value, with a fallback for record runs.
func (t *Transport) Variable(key, fallback string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.cassette.Variables[key]; ok {
		return v
	}
	return fallback
}

func (t *Transport) record(req *http.Request) (*http.Response, error) {
	var reqBody []byte
	if req.Body != nil {
		var err error
		reqBody, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("recording: read request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(reqBody))
	}

	resp, err := t.inner.Do(req)
	if err != nil {
		return nil, err
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("recording: read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(respBody))

	interaction := Interaction{
		Method:          req.Method,
		URL:             req.URL.String(),
		RequestHeaders:  flattenHeaders(req.Header),
		RequestBody:     string(reqBody),
		StatusCode:      resp.StatusCode,
		ResponseHeaders: flattenHeaders(resp.Header),
		ResponseBody:    string(respBody),
	}
	for _, sanitize := range t.sanitizers {
		sanitize(&interaction)
	}

	t.mu.Lock()
	t.cassette.Interactions = append(t.cassette.Interactions, interaction)
	t.mu.Unlock()
	return resp, nil
}

func (t *Transport) replay(req *http.Request) (*http.Response, error) {
	method := req.Method
	target := sanitizeURL(req.URL.String())
	key := method + " " + target

	t.mu.Lock()
	ordinal := t.played[key]
	match := t.findLocked(method, target, ordinal)
	if match == nil {
		closest := t.closestLocked(method, target)
		t.mu.Unlock()
		if closest != nil {
			diff := cmp.Diff(
				requestShape{Method: closest.Method, URL: closest.URL},
				requestShape{Method: method, URL: target},
			)
			return nil, fmt.Errorf(
				"recording: no interaction #%d for %s in cassette %s, closest candidate differs (-recorded +requested):\n%s",
				ordinal+1, key, t.name, diff)
		}
		return nil, fmt.Errorf("recording: no interaction for %s in empty cassette %s", key, t.name)
	}
	t.played[key] = ordinal + 1
	t.mu.Unlock()

	header := make(http.Header, len(match.ResponseHeaders))
	for k, v := range match.ResponseHeaders {
		header.Set(k, v)
	}
	return &http.Response{
		StatusCode:    match.StatusCode,
		Status:        http.StatusText(match.StatusCode),
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader([]byte(match.ResponseBody))),
		ContentLength: int64(len(match.ResponseBody)),
		Request:       req,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
	}, nil
}

// requestShape is the matched part of a request, diffed in mismatch errors.
type requestShape struct {
	Method string
	URL    string
}

// findLocked returns the nth interaction with the given method and URL.
func (t *Transport) findLocked(method, target string, ordinal int) *Interaction {
	seen := 0
	for i := range t.cassette.Interactions {
		it := &t.cassette.Interactions[i]
		if it.Method == method && it.URL == target {
			if seen == ordinal {
				return it
			}
			seen++
		}
	}
	return nil
}

// closestLocked picks the most similar recorded interaction for the
// mismatch diagnostic: same method and path beats same method beats anything.
func (t *Transport) closestLocked(method, target string) *Interaction {
	targetPath := pathOf(target)
	var samePath, sameMethod, any *Interaction
	for i := range t.cassette.Interactions {
		it := &t.cassette.Interactions[i]
		if any == nil {
			any = it
		}
		if it.Method != method {
			continue
		}
		if sameMethod == nil {
			sameMethod = it
		}
		if samePath == nil && pathOf(it.URL) == targetPath {
			samePath = it
		}
	}
	if samePath != nil {
		return samePath
	}
	if sameMethod != nil {
		return sameMethod
	}
	return any
}

// Stop writes the cassette in record mode. Playback and live are no-ops.
func (t *Transport) Stop() error {
	if t.mode != ModeRecord {
		return nil
	}
	t.mu.Lock()
	data, err := marshalCassette(t.cassette)
	t.mu.Unlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("recording: create cassette dir: %w", err)
	}
	if err := renameio.WriteFile(t.path, data, 0o644); err != nil {
		return fmt.Errorf("recording: write cassette %s: %w", t.path, err)
	}
	t.logger.Debug().Str("cassette", t.name).Int("interactions", len(t.cassette.Interactions)).Msg("cassette written")
	return nil
}

func (t *Transport) load() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("recording: open cassette %s: %w", t.path, err)
	}
	loaded, err := unmarshalCassette(data)
	if err != nil {
		return fmt.Errorf("recording: parse cassette %s: %w", t.path, err)
	}
	if loaded.Version != cassetteVersion {
		return fmt.Errorf("recording: cassette %s has version %d, want %d", t.path, loaded.Version, cassetteVersion)
	}
	if loaded.Variables == nil {
		loaded.Variables = make(map[string]string)
	}
	t.cassette = loaded
	return nil
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
