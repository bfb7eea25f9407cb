package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/agentdeploy/deployment"
	"github.com/teranos/agentdeploy/errors"
	"github.com/teranos/agentdeploy/logger"
	"github.com/teranos/agentdeploy/pipeline"
)

const DefaultPollInterval = 2 * time.Second

// Phases reported by the platform API.
const (
	PhasePending = "pending"
	PhaseReady   = "ready"
	PhaseFailed  = "failed"
)

// ServiceSpec is the body of PUT /v1/services/{name}.
type ServiceSpec struct {
	JobID          string            `json:"job_id"`
	AgentID        string            `json:"agent_id"`
	Artifact       string            `json:"artifact"`
	Image          string            `json:"image,omitempty"`
	Runtime        string            `json:"runtime"`
	RuntimeVersion string            `json:"runtime_version,omitempty"`
	Entrypoint     string            `json:"entrypoint,omitempty"`
	Port           int               `json:"port"`
	Env            map[string]string `json:"env,omitempty"`
	HealthPath     string            `json:"health_path"`
	Replicas       int               `json:"replicas"`
}

// ServiceStatus is returned by PUT and GET /v1/services/{name}.
type ServiceStatus struct {
	Name          string `json:"name"`
	Phase         string `json:"phase"`
	Endpoint      string `json:"endpoint"`
	Replicas      int    `json:"replicas"`
	ReadyReplicas int    `json:"ready_replicas"`
	Message       string `json:"message,omitempty"`
}

// HTTPOptions configures an HTTPPlatform.
type HTTPOptions struct {
	BaseURL      string
	Client       *http.Client
	Prober       Prober
	PollInterval time.Duration
}

// HTTPPlatform rolls services out through a platform REST API and waits
// for all replicas to become ready.
type HTTPPlatform struct {
	base   string
	client *http.Client
	prober Prober
	poll   time.Duration
	logger *zap.SugaredLogger
}

func NewHTTPPlatform(opts HTTPOptions, log *zap.SugaredLogger) (*HTTPPlatform, error) {
	if _, err := url.ParseRequestURI(opts.BaseURL); err != nil {
		return nil, errors.Wrapf(err, "invalid platform url %q", opts.BaseURL)
	}
	p := &HTTPPlatform{
		base:   strings.TrimRight(opts.BaseURL, "/"),
		client: opts.Client,
		prober: opts.Prober,
		poll:   opts.PollInterval,
		logger: log,
	}
	if p.client == nil {
		p.client = http.DefaultClient
	}
	if p.prober == nil {
		p.prober = NewTransportProber(p.client)
	}
	if p.poll <= 0 {
		p.poll = DefaultPollInterval
	}
	if p.logger == nil {
		p.logger = zap.NewNop().Sugar()
	}
	return p, nil
}

func (p *HTTPPlatform) Deploy(ctx context.Context, req pipeline.DeployRequest, ev pipeline.Events) (string, error) {
	name := ServiceName(req)
	cfg := req.Config
	spec := ServiceSpec{
		JobID:          req.JobID,
		AgentID:        req.AgentID,
		Artifact:       req.ArtifactRef,
		Image:          imageFor(req),
		Runtime:        cfg.Runtime,
		RuntimeVersion: cfg.RuntimeVersion,
		Entrypoint:     cfg.Entrypoint,
		Port:           cfg.Port,
		Env:            cfg.Env,
		HealthPath:     cfg.HealthPath,
		Replicas:       cfg.Replicas,
	}

	var st ServiceStatus
	if err := p.do(ctx, http.MethodPut, name, spec, &st); err != nil {
		return "", err
	}
	ev.Log(fmt.Sprintf("Rollout of %s accepted", name))
	p.logger.Infow("Rollout accepted",
		logger.FieldJobID, req.JobID,
		"service", name,
	)

	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()
	lastReady := -1
	for {
		total := st.Replicas
		if total <= 0 {
			total = cfg.Replicas
		}
		if st.ReadyReplicas != lastReady {
			lastReady = st.ReadyReplicas
			ev.Step(st.ReadyReplicas, total)
			ev.Log(fmt.Sprintf("%d/%d replicas ready", st.ReadyReplicas, total))
		}
		switch st.Phase {
		case PhaseFailed:
			msg := st.Message
			if msg == "" {
				msg = "platform reported failure"
			}
			return "", errors.Newf("rollout of %s failed: %s", name, msg)
		case PhaseReady:
			if st.Endpoint == "" {
				return "", errors.Newf("rollout of %s is ready but has no endpoint", name)
			}
			return st.Endpoint, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
		if err := p.do(ctx, http.MethodGet, name, nil, &st); err != nil {
			return "", err
		}
	}
}

func (p *HTTPPlatform) ProbeHealth(ctx context.Context, endpoint string, cfg deployment.Config) (bool, error) {
	return p.prober.Probe(ctx, endpoint, cfg)
}

// Teardown deletes the service. A service that is already gone is fine.
func (p *HTTPPlatform) Teardown(ctx context.Context, req pipeline.DeployRequest) error {
	err := p.do(ctx, http.MethodDelete, ServiceName(req), nil, nil)
	if errors.IsNotFoundError(err) {
		return nil
	}
	return err
}

// do sends one API call. A 404 is returned as ErrNotFound.
func (p *HTTPPlatform) do(ctx context.Context, method, name string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode platform request")
		}
		rd = bytes.NewReader(data)
	}
	u := p.base + "/v1/services/" + url.PathEscape(name)
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return errors.Wrap(err, "platform request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, u)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrapf(err, "read %s %s", method, u)
	}
	if resp.StatusCode == http.StatusNotFound {
		return errors.NewNotFoundError("service %s not found", name)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Newf("%s %s: status %d: %s", method, u, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return errors.Wrapf(err, "decode %s %s", method, u)
	}
	return nil
}
