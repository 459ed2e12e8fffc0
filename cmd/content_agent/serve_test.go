package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/content-pipeline/internal/server"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestServe_StartsSessionsAndStops(t *testing.T) {
	newHarness(t)

	c := newCLI()
	c.stderr = io.Discard
	c.workers = fakeWorkers("")
	c.v.Set("storage", "memory")
	c.v.Set("log_level", "error")
	c.v.Set("port", freePort(t))
	require.NoError(t, c.load())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan *server.Server, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- c.serve(ctx, prometheus.NewRegistry(), ready) }()

	var srv *server.Server
	select {
	case srv = <-ready:
	case err := <-errCh:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server not ready")
	}

	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(`{"session_id":"sess-1","user_id":"u1","theme":"go"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/sess-1", nil))
		return rec.Code == http.StatusOK && strings.Contains(rec.Body.String(), `"completed"`)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}
