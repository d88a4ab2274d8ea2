package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/collagecommit/core/coordinator"
	"github.com/sushant-115/collagecommit/core/transaction"
)

type fakeRegistry struct {
	mu        sync.Mutex
	submitted map[string]SubmitRequest
	err       error
}

func (f *fakeRegistry) Submit(_ context.Context, name string, artifact []byte, sources []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if _, dup := f.submitted[name]; dup {
		return fmt.Errorf("collage %q: %w", name, coordinator.ErrDuplicateTransaction)
	}
	f.submitted[name] = SubmitRequest{Name: name, Artifact: artifact, Sources: sources}
	return nil
}

func (f *fakeRegistry) Active() []transaction.Snapshot {
	return []transaction.Snapshot{{Name: "c1.jpg", Phase: transaction.PhaseGathering, Participants: []string{"alice"}}}
}

func newTestAPI(t *testing.T, reg *fakeRegistry, limiter *rate.Limiter) *httptest.Server {
	t.Helper()
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("metrics")) })
	srv := httptest.NewServer(newAPIServer(reg, limiter, metrics, zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv
}

func postCollage(t *testing.T, url string, req SubmitRequest) (int, APIResponse) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(url+"/collages", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestAPI_SubmitAccepted(t *testing.T) {
	reg := &fakeRegistry{submitted: map[string]SubmitRequest{}}
	srv := newTestAPI(t, reg, nil)

	req := SubmitRequest{Name: "c1.jpg", Artifact: []byte{0xff, 0xd8}, Sources: []string{"alice:1.jpg"}}
	status, resp := postCollage(t, srv.URL, req)
	require.Equal(t, http.StatusAccepted, status)
	require.Equal(t, "OK", resp.Status)
	require.Equal(t, req, reg.submitted["c1.jpg"])

	status, resp = postCollage(t, srv.URL, req)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "ERROR", resp.Status)
}

func TestAPI_SubmitErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{coordinator.ErrInvalidName, http.StatusBadRequest},
		{coordinator.ErrInvalidSource, http.StatusBadRequest},
		{coordinator.ErrNotRecovered, http.StatusServiceUnavailable},
		{coordinator.ErrClosed, http.StatusServiceUnavailable},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		srv := newTestAPI(t, &fakeRegistry{submitted: map[string]SubmitRequest{}, err: tc.err}, nil)
		status, resp := postCollage(t, srv.URL, SubmitRequest{Name: "c1.jpg", Sources: []string{"alice:1.jpg"}})
		require.Equal(t, tc.want, status, tc.err.Error())
		require.Contains(t, resp.Message, tc.err.Error())
	}
}

func TestAPI_BadBody(t *testing.T) {
	srv := newTestAPI(t, &fakeRegistry{submitted: map[string]SubmitRequest{}}, nil)
	resp, err := http.Post(srv.URL+"/collages", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_SubmitRateLimited(t *testing.T) {
	reg := &fakeRegistry{submitted: map[string]SubmitRequest{}}
	srv := newTestAPI(t, reg, rate.NewLimiter(rate.Limit(0.001), 1))

	status, _ := postCollage(t, srv.URL, SubmitRequest{Name: "c1.jpg", Sources: []string{"alice:1.jpg"}})
	require.Equal(t, http.StatusAccepted, status)
	status, resp := postCollage(t, srv.URL, SubmitRequest{Name: "c2.jpg", Sources: []string{"alice:2.jpg"}})
	require.Equal(t, http.StatusTooManyRequests, status)
	require.Equal(t, "ERROR", resp.Status)
	require.NotContains(t, reg.submitted, "c2.jpg")
}

func TestAPI_ActiveHealthAndMetrics(t *testing.T) {
	srv := newTestAPI(t, &fakeRegistry{submitted: map[string]SubmitRequest{}}, nil)

	resp, err := http.Get(srv.URL + "/collages")
	require.NoError(t, err)
	var active []transaction.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&active))
	resp.Body.Close()
	require.Len(t, active, 1)
	require.Equal(t, "c1.jpg", active[0].Name)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
