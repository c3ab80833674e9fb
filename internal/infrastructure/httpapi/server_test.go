package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockwatch/internal/application/usecase/watch"
)

type fakeMonitor struct {
	status   watch.Status
	pollErr  error
	checkErr error
	polls    int
	checks   int
}

func (f *fakeMonitor) Health() watch.Status { return f.status }
func (f *fakeMonitor) ForcePoll(context.Context) error {
	f.polls++
	return f.pollErr
}
func (f *fakeMonitor) ForceCheck(context.Context) error {
	f.checks++
	return f.checkErr
}

func newTestServer(m *fakeMonitor) *httptest.Server {
	return httptest.NewServer(NewServer(":0", m, zerolog.Nop()).Handler())
}

func TestStatusEndpoint(t *testing.T) {
	m := &fakeMonitor{status: watch.Status{
		Status:         "degraded",
		FallbackActive: true,
		GeneratedAt:    time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
	}}
	srv := newTestServer(m)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/monitor/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got watch.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "degraded", got.Status)
	assert.True(t, got.FallbackActive)
}

func TestManualTriggers(t *testing.T) {
	m := &fakeMonitor{}
	srv := newTestServer(m)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/monitor/poll", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, m.polls)

	resp, err = http.Post(srv.URL+"/api/monitor/check", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, m.checks)
}

func TestManualPollErrorSurfaces(t *testing.T) {
	m := &fakeMonitor{pollErr: errors.New("polygon: status 429")}
	srv := newTestServer(m)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/monitor/poll", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestHealthzAndMetrics(t *testing.T) {
	srv := newTestServer(&fakeMonitor{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
