// SPDX-License-Identifier: MIT

package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type widget struct {
	Name  string `json:"name"`
	Size  int    `json:"size"`
	State string `json:"state,omitempty"`
}

func testPipeline(transport Transporter) Pipeline {
	return NewPipeline("test", "0.0.0", nil, &ClientOptions{
		Transport: transport,
		Retry:     RetryOptions{MaxRetries: -1},
	})
}

// newLROServer simulates an Operation-Location flow: the operation reports
// InProgress for `inProgressPolls` polls, then the given terminal document.
func newLROServer(t *testing.T, inProgressPolls int32, terminal map[string]any) *httptest.Server {
	t.Helper()
	var polls int32
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/widgets/w1", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			w.Header().Set(headerOperationLocation, srv.URL+"/operations/op1")
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(widget{Name: "w1", Size: 42})
		}
	})
	mux.HandleFunc("/operations/op1", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&polls, 1) <= inProgressPolls {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "InProgress"})
			return
		}
		doc := map[string]any{"resourceLocation": srv.URL + "/widgets/w1"}
		for k, v := range terminal {
			doc[k] = v
		}
		_ = json.NewEncoder(w).Encode(doc)
	})
	return srv
}

func startOperation(t *testing.T, srv *httptest.Server, pl Pipeline) *Poller[widget] {
	t.Helper()
	req, err := NewRequest(context.Background(), http.MethodPut, srv.URL+"/widgets/w1")
	require.NoError(t, err)
	resp, err := pl.Do(req)
	require.NoError(t, err)
	poller, err := NewPoller[widget](resp, pl)
	require.NoError(t, err)
	return poller
}

func TestPollerOperationLocationSucceeds(t *testing.T) {
	leakOpt := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, leakOpt) })

	srv := newLROServer(t, 2, map[string]any{"status": "Succeeded"})
	pl := testPipeline(nil)
	poller := startOperation(t, srv, pl)

	assert.False(t, poller.Done())
	result, err := poller.PollUntilDone(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "w1", result.Name)
	assert.Equal(t, 42, result.Size)
	assert.Equal(t, statusSucceeded, poller.Status())
}

func TestPollerOperationLocationFails(t *testing.T) {
	srv := newLROServer(t, 1, map[string]any{
		"status": "Failed",
		"error":  map[string]string{"code": "QuotaExceeded", "message": "too many widgets"},
	})
	poller := startOperation(t, srv, testPipeline(nil))

	_, err := poller.PollUntilDone(context.Background(), time.Millisecond)
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, "QuotaExceeded"), "got %v", err)
	assert.True(t, poller.Done())
}

func TestPollerResultBeforeDone(t *testing.T) {
	srv := newLROServer(t, 100, nil)
	poller := startOperation(t, srv, testPipeline(nil))

	_, err := poller.Result(context.Background())
	assert.ErrorIs(t, err, ErrOperationNotDone)
}

func TestPollerResumeToken(t *testing.T) {
	srv := newLROServer(t, 1, map[string]any{"status": "Succeeded"})
	pl := testPipeline(nil)
	poller := startOperation(t, srv, pl)

	token, err := poller.ResumeToken()
	require.NoError(t, err)

	resumed, err := NewPollerFromResumeToken[widget](token, pl)
	require.NoError(t, err)

	result, err := resumed.PollUntilDone(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "w1", result.Name)

	// Terminal pollers refuse to hand out resume tokens.
	_, err = resumed.ResumeToken()
	assert.Error(t, err)
}

func TestPollerInvalidResumeToken(t *testing.T) {
	_, err := NewPollerFromResumeToken[widget]("{not json", testPipeline(nil))
	assert.Error(t, err)

	_, err = NewPollerFromResumeToken[widget](`{"strategy":""}`, testPipeline(nil))
	assert.Error(t, err)
}

func TestPollerLocationStrategy(t *testing.T) {
	var polls int32
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headerLocation, srv.URL+"/status")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&polls, 1) < 3 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		_ = json.NewEncoder(w).Encode(widget{Name: "done"})
	})

	pl := testPipeline(nil)
	req, err := NewRequest(context.Background(), http.MethodPost, srv.URL+"/start")
	require.NoError(t, err)
	resp, err := pl.Do(req)
	require.NoError(t, err)

	poller, err := NewPoller[widget](resp, pl)
	require.NoError(t, err)

	result, err := poller.PollUntilDone(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "done", result.Name)
}

func TestPollerBodyStrategy(t *testing.T) {
	var reads int32
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/resource", func(w http.ResponseWriter, r *http.Request) {
		state := "Creating"
		if atomic.AddInt32(&reads, 1) >= 3 {
			state = "Succeeded"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":       "r1",
			"properties": map[string]string{"provisioningState": state},
		})
	})

	pl := testPipeline(nil)
	req, err := NewRequest(context.Background(), http.MethodPut, srv.URL+"/resource")
	require.NoError(t, err)
	resp, err := pl.Do(req)
	require.NoError(t, err)

	poller, err := NewPoller[widget](resp, pl)
	require.NoError(t, err)
	assert.False(t, poller.Done(), "Creating is not terminal")

	result, err := poller.PollUntilDone(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "r1", result.Name)
}

func TestPollerImmediateCompletion(t *testing.T) {
	// A 200 with no LRO headers and no provisioningState is already done.
	resp := stringResponse(http.StatusOK, `{"name":"quick","size":1}`)
	resp.Request = httptest.NewRequest(http.MethodPut, "https://svc.example/widgets/quick", nil)

	poller, err := NewPoller[widget](resp, testPipeline(nil))
	require.NoError(t, err)
	assert.True(t, poller.Done())

	result, err := poller.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "quick", result.Name)
}

func TestPollerInitialErrorResponse(t *testing.T) {
	resp := stringResponse(http.StatusConflict, `{"error":{"code":"Conflict","message":"exists"}}`)
	resp.Request = httptest.NewRequest(http.MethodPut, "https://svc.example/widgets/w", nil)

	_, err := NewPoller[widget](resp, testPipeline(nil))
	require.Error(t, err)
	assert.True(t, HasErrorCode(err, "Conflict"))
}
