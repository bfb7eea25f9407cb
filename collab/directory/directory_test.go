package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	ctx := context.Background()

	open := NewStatic()
	ok, err := open.AgentExists(ctx, "anyone")
	require.NoError(t, err)
	assert.True(t, ok, "an empty directory accepts every agent")

	d := NewStatic("agent-1", " ", "agent-2")
	ok, _ = d.AgentExists(ctx, "agent-2")
	assert.True(t, ok)
	ok, _ = d.AgentExists(ctx, "ghost")
	assert.False(t, ok)

	d.Add("ghost")
	ok, _ = d.AgentExists(ctx, "ghost")
	assert.True(t, ok)
}

func TestHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/agents/agent-1":
			w.WriteHeader(http.StatusOK)
		case "/agents/broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d, err := NewHTTP(srv.URL+"/", nil)
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := d.AgentExists(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.AgentExists(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = d.AgentExists(ctx, "broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestNewHTTPValidatesURL(t *testing.T) {
	_, err := NewHTTP("::not-a-url", nil)
	assert.Error(t, err)
}
