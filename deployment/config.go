package deployment

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/teranos/agentdeploy/errors"
)

// Runtimes accepted in Config.Runtime.
var Runtimes = []string{"python", "node", "go", "container"}

// Transports accepted in Config.Transport.
var Transports = []string{"streamable-http", "sse", "http"}

const (
	DefaultHealthPath = "/health"
	DefaultTransport  = "streamable-http"
	MaxReplicas       = 10
)

var (
	dnsLabel = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)
	envKey   = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)
)

// Config is the deployment_config payload for one tool-integration server.
type Config struct {
	Name           string            `json:"name" yaml:"name"`
	Runtime        string            `json:"runtime" yaml:"runtime"`
	RuntimeVersion string            `json:"runtime_version,omitempty" yaml:"runtime_version,omitempty"`
	Source         string            `json:"source,omitempty" yaml:"source,omitempty"`
	Image          string            `json:"image,omitempty" yaml:"image,omitempty"`
	BuildCommand   string            `json:"build_command,omitempty" yaml:"build_command,omitempty"`
	Entrypoint     string            `json:"entrypoint,omitempty" yaml:"entrypoint,omitempty"`
	Port           int               `json:"port" yaml:"port"`
	Env            map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	HealthPath     string            `json:"health_path,omitempty" yaml:"health_path,omitempty"`
	Transport      string            `json:"transport,omitempty" yaml:"transport,omitempty"`
	Tools          []string          `json:"tools,omitempty" yaml:"tools,omitempty"`
	Replicas       int               `json:"replicas,omitempty" yaml:"replicas,omitempty"`
}

// requiredFields are checked in this order so the first missing one is reported.
var requiredFields = []string{"name", "runtime", "port"}

// CheckSyntax is the submit-time check: the payload must be a JSON object.
// Field-level checks are left to the validating stage.
func CheckSyntax(raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return errors.NewInvalidRequestError("deployment_config is required")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return errors.NewInvalidRequestError("deployment_config must be a JSON object: %v", err)
	}
	if obj == nil {
		return errors.NewInvalidRequestError("deployment_config must be a JSON object, got null")
	}
	return nil
}

// ValidateConfig deep-checks a payload and returns it with defaults applied.
// Every error is marked ErrValidationFailed and names the offending field.
func ValidateConfig(raw json.RawMessage) (*Config, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, errors.NewValidationError("deployment_config is not a JSON object")
	}
	for _, name := range requiredFields {
		if v, ok := fields[name]; !ok || isEmptyJSON(v) {
			return nil, errors.NewValidationError("missing required field: %s", name)
		}
	}
	if isEmptyJSON(fields["source"]) && isEmptyJSON(fields["image"]) {
		return nil, errors.NewValidationError("missing required field: source (or image)")
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.NewValidationError("invalid deployment_config: %v", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func isEmptyJSON(v json.RawMessage) bool {
	s := strings.TrimSpace(string(v))
	return s == "" || s == "null" || s == `""` || s == "0"
}

func (c *Config) applyDefaults() {
	if c.HealthPath == "" {
		c.HealthPath = DefaultHealthPath
	}
	if c.Transport == "" {
		c.Transport = DefaultTransport
	}
	if c.Replicas == 0 {
		c.Replicas = 1
	}
}

func (c *Config) validate() error {
	if len(c.Name) > 63 || !dnsLabel.MatchString(c.Name) {
		return errors.NewValidationError("invalid field name: %q is not a DNS label", c.Name)
	}
	if !contains(Runtimes, c.Runtime) {
		return errors.NewValidationError("invalid field runtime: %q (want one of %s)", c.Runtime, strings.Join(Runtimes, ", "))
	}
	if c.RuntimeVersion != "" {
		if _, err := semver.NewVersion(c.RuntimeVersion); err != nil {
			return errors.NewValidationError("invalid field runtime_version: %q: %v", c.RuntimeVersion, err)
		}
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.NewValidationError("invalid field port: %d out of range 1-65535", c.Port)
	}
	for k := range c.Env {
		if !envKey.MatchString(k) {
			return errors.NewValidationError("invalid field env: key %q", k)
		}
	}
	if !strings.HasPrefix(c.HealthPath, "/") {
		return errors.NewValidationError("invalid field health_path: %q must start with /", c.HealthPath)
	}
	if !contains(Transports, c.Transport) {
		return errors.NewValidationError("invalid field transport: %q (want one of %s)", c.Transport, strings.Join(Transports, ", "))
	}
	if c.Replicas < 1 || c.Replicas > MaxReplicas {
		return errors.NewValidationError("invalid field replicas: %d out of range 1-%d", c.Replicas, MaxReplicas)
	}
	for i, tool := range c.Tools {
		if strings.TrimSpace(tool) == "" {
			return errors.NewValidationError("invalid field tools: entry %d is empty", i)
		}
	}
	return nil
}

// Canonical returns the JSON persisted by the config_saved stage and its sha256.
func (c *Config) Canonical() ([]byte, string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, "", errors.Wrap(err, "encode config")
	}
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}

// DecodeSaved reads a config written by Canonical, verifying its checksum.
func DecodeSaved(data []byte, checksum string) (*Config, error) {
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != checksum {
		return nil, errors.New("saved config checksum mismatch")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "decode saved config")
	}
	return &cfg, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
