// Package platform implements the deployment collaborators: rollouts through
// a platform REST API or Kubernetes, and health probes against the deployed
// tool-integration server.
package platform

import (
	"context"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/teranos/agentdeploy/deployment"
	"github.com/teranos/agentdeploy/errors"
	"github.com/teranos/agentdeploy/version"
)

const (
	DefaultMCPPath = "/mcp"
	DefaultSSEPath = "/sse"
)

// Prober checks one deployed service.
type Prober interface {
	Probe(ctx context.Context, endpoint string, cfg deployment.Config) (bool, error)
}

// HTTPProber treats any 2xx answer on the health path as healthy.
type HTTPProber struct {
	Client *http.Client
}

func (p *HTTPProber) Probe(ctx context.Context, endpoint string, cfg deployment.Config) (bool, error) {
	hc := p.Client
	if hc == nil {
		hc = http.DefaultClient
	}
	url := strings.TrimRight(endpoint, "/") + cfg.HealthPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, errors.Wrapf(err, "health request %s", url)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return false, errors.Wrapf(err, "probe %s", url)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, errors.Newf("probe %s: status %d", url, resp.StatusCode)
	}
	return true, nil
}

// MCPProber speaks MCP to the deployed server: it initializes a session and
// requires every tool named in the config to be listed.
type MCPProber struct {
	// MCPPath and SSEPath are appended to the endpoint per transport.
	MCPPath string
	SSEPath string
}

func (p *MCPProber) Probe(ctx context.Context, endpoint string, cfg deployment.Config) (bool, error) {
	c, err := p.connect(endpoint, cfg.Transport)
	if err != nil {
		return false, err
	}
	defer c.Close()

	if err := c.Start(ctx); err != nil {
		return false, errors.Wrap(err, "mcp start")
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "agentdeploy-probe",
		Version: version.Version,
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return false, errors.Wrap(err, "mcp initialize")
	}

	if len(cfg.Tools) == 0 {
		return true, nil
	}
	result, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return false, errors.Wrap(err, "mcp list tools")
	}
	if missing := missingTools(cfg.Tools, result.Tools); len(missing) > 0 {
		return false, errors.Newf("mcp server is missing tools: %s", strings.Join(missing, ", "))
	}
	return true, nil
}

func (p *MCPProber) connect(endpoint, transport string) (*client.Client, error) {
	base := strings.TrimRight(endpoint, "/")
	switch transport {
	case "sse":
		path := p.SSEPath
		if path == "" {
			path = DefaultSSEPath
		}
		c, err := client.NewSSEMCPClient(base + path)
		if err != nil {
			return nil, errors.Wrap(err, "mcp sse client")
		}
		return c, nil
	case "streamable-http", "":
		path := p.MCPPath
		if path == "" {
			path = DefaultMCPPath
		}
		c, err := client.NewStreamableHttpClient(base + path)
		if err != nil {
			return nil, errors.Wrap(err, "mcp streamable http client")
		}
		return c, nil
	default:
		return nil, errors.Newf("transport %q does not speak mcp", transport)
	}
}

func missingTools(want []string, listed []mcp.Tool) []string {
	have := make(map[string]bool, len(listed))
	for _, t := range listed {
		have[t.Name] = true
	}
	var missing []string
	for _, name := range want {
		if !have[name] {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// TransportProber picks the probe by the config's transport: plain http
// services get an HTTP health check, MCP transports get a health check
// followed by an MCP handshake.
type TransportProber struct {
	HTTP *HTTPProber
	MCP  *MCPProber
}

// NewTransportProber returns a prober with default HTTP and MCP probes.
func NewTransportProber(hc *http.Client) *TransportProber {
	return &TransportProber{
		HTTP: &HTTPProber{Client: hc},
		MCP:  &MCPProber{},
	}
}

func (p *TransportProber) Probe(ctx context.Context, endpoint string, cfg deployment.Config) (bool, error) {
	healthy, err := p.HTTP.Probe(ctx, endpoint, cfg)
	if !healthy || cfg.Transport == "http" || p.MCP == nil {
		return healthy, err
	}
	healthy, err = p.MCP.Probe(ctx, endpoint, cfg)
	if err != nil {
		return false, errors.Wrap(err, "health ok, mcp handshake failed")
	}
	return healthy, nil
}
