package platform

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/agentdeploy/deployment"
)

func probeConfig(transport string, tools ...string) deployment.Config {
	return deployment.Config{
		Name:       "weather",
		Runtime:    "python",
		Port:       8080,
		HealthPath: "/health",
		Transport:  transport,
		Tools:      tools,
		Replicas:   1,
	}
}

// newToolServer serves /health and a streamable-http MCP endpoint on /mcp
// that lists the given tools.
func newToolServer(t *testing.T, healthy bool, tools ...string) *httptest.Server {
	t.Helper()
	s := server.NewMCPServer("weather", "1.0.0", server.WithToolCapabilities(true))
	for _, name := range tools {
		s.AddTool(mcp.NewTool(name, mcp.WithDescription("test tool "+name)),
			func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return mcp.NewToolResultText("ok"), nil
			})
	}

	mux := http.NewServeMux()
	mux.Handle("/mcp", server.NewStreamableHTTPServer(s))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPProber(t *testing.T) {
	ctx := context.Background()
	p := &HTTPProber{}

	up := newToolServer(t, true)
	ok, err := p.Probe(ctx, up.URL, probeConfig("http"))
	require.NoError(t, err)
	assert.True(t, ok)

	down := newToolServer(t, false)
	ok, err = p.Probe(ctx, down.URL, probeConfig("http"))
	assert.False(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestHTTPProberUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	ok, err := (&HTTPProber{}).Probe(context.Background(), url, probeConfig("http"))
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestMCPProberListsTools(t *testing.T) {
	srv := newToolServer(t, true, "forecast", "alerts")

	ok, err := (&MCPProber{}).Probe(context.Background(), srv.URL, probeConfig("streamable-http", "forecast", "alerts"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMCPProberMissingTools(t *testing.T) {
	srv := newToolServer(t, true, "forecast")

	ok, err := (&MCPProber{}).Probe(context.Background(), srv.URL, probeConfig("streamable-http", "forecast", "radar", "alerts"))
	assert.False(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing tools: alerts, radar")
}

func TestMCPProberRejectsPlainHTTP(t *testing.T) {
	_, err := (&MCPProber{}).Probe(context.Background(), "http://127.0.0.1:1", probeConfig("http"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not speak mcp")
}

func TestTransportProber(t *testing.T) {
	ctx := context.Background()
	p := NewTransportProber(nil)

	srv := newToolServer(t, true, "forecast")
	ok, err := p.Probe(ctx, srv.URL, probeConfig("streamable-http", "forecast"))
	require.NoError(t, err)
	assert.True(t, ok)

	// plain http services skip the handshake
	ok, err = p.Probe(ctx, srv.URL, probeConfig("http", "not-listed"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Probe(ctx, srv.URL, probeConfig("streamable-http", "not-listed"))
	assert.False(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mcp handshake failed")

	down := newToolServer(t, false, "forecast")
	ok, _ = p.Probe(ctx, down.URL, probeConfig("streamable-http", "forecast"))
	assert.False(t, ok)
}
