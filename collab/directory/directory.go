// Package directory answers whether an agent exists, for the referential
// check of the validating stage.
package directory

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/teranos/agentdeploy/errors"
)

// Static knows a fixed set of agents. An empty set accepts every agent.
type Static struct {
	mu     sync.RWMutex
	agents map[string]struct{}
}

func NewStatic(agents ...string) *Static {
	s := &Static{agents: make(map[string]struct{}, len(agents))}
	for _, a := range agents {
		s.Add(a)
	}
	return s
}

// Add registers an agent.
func (s *Static) Add(agentID string) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return
	}
	s.mu.Lock()
	s.agents[agentID] = struct{}{}
	s.mu.Unlock()
}

func (s *Static) AgentExists(_ context.Context, agentID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.agents) == 0 {
		return true, nil
	}
	_, ok := s.agents[agentID]
	return ok, nil
}

// HTTP looks agents up in a registry service: GET {base}/agents/{id}
// answers 200 for known agents and 404 for unknown ones.
type HTTP struct {
	base   string
	client *http.Client
}

func NewHTTP(baseURL string, client *http.Client) (*HTTP, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, errors.Wrapf(err, "invalid directory url %q", baseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{base: strings.TrimRight(baseURL, "/"), client: client}, nil
}

func (d *HTTP) AgentExists(ctx context.Context, agentID string) (bool, error) {
	u := d.base + "/agents/" + url.PathEscape(agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, errors.Wrap(err, "directory request")
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false, errors.Wrapf(err, "lookup agent %s", agentID)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return true, nil
	default:
		return false, errors.Newf("lookup agent %s: status %d", agentID, resp.StatusCode)
	}
}
