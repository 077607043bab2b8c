package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistryHealthyWhenNoCheckersFail(t *testing.T) {
	r := NewRegistry()
	r.Register("always-ok", CheckerFunc(func(ctx context.Context) Result {
		return Result{Healthy: true, CheckedAt: time.Now()}
	}))

	server := httptest.NewServer(r.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegistryUnhealthyWhenOneCheckerFails(t *testing.T) {
	r := NewRegistry()
	r.Register("ok", CheckerFunc(func(ctx context.Context) Result {
		return Result{Healthy: true, CheckedAt: time.Now()}
	}))
	r.Register("broken", CheckerFunc(func(ctx context.Context) Result {
		return Result{Healthy: false, Message: "partition table not operational", CheckedAt: time.Now()}
	}))

	server := httptest.NewServer(r.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestLiveEndpointIgnoresCheckers(t *testing.T) {
	r := NewRegistry()
	r.Register("broken", CheckerFunc(func(ctx context.Context) Result {
		return Result{Healthy: false, CheckedAt: time.Now()}
	}))

	server := httptest.NewServer(r.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/live")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
