// Package config loads agentdeploy settings from TOML files, a .env file
// and AGENTDEPLOY_* environment variables.
//
// Precedence (lowest to highest): defaults < /etc/agentdeploy/config.toml <
// ~/.agentdeploy/config.toml < ./agentdeploy.toml < --config file < env.
package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/teranos/agentdeploy/errors"
	"github.com/teranos/agentdeploy/manager"
	"github.com/teranos/agentdeploy/pipeline"
	"github.com/teranos/agentdeploy/scheduler"
	"github.com/teranos/agentdeploy/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. AGENTDEPLOY_SCHEDULER_WORKERS.
const EnvPrefix = "AGENTDEPLOY"

const redacted = "********"

// Config is the full agentdeploy configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Manager   ManagerConfig   `mapstructure:"manager"`
	LogSink   LogSinkConfig   `mapstructure:"log_sink"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Build     BuildConfig     `mapstructure:"build"`
	Platform  PlatformConfig  `mapstructure:"platform"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	source   string
	settings map[string]interface{}
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type ServerConfig struct {
	Bind            string        `mapstructure:"bind"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Bind, strconv.Itoa(s.Port))
}

type SchedulerConfig struct {
	Workers           int           `mapstructure:"workers"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	MaxRecoveries     int           `mapstructure:"max_recoveries"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	MinFreeMemoryMB   uint64        `mapstructure:"min_free_memory_mb"`
	MemoryPerSlotMB   uint64        `mapstructure:"memory_per_slot_mb"`
}

type PipelineConfig struct {
	BuildMaxAttempts int           `mapstructure:"build_max_attempts"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	MaxProbes        int           `mapstructure:"max_probes"`
	HealthTimeout    time.Duration `mapstructure:"health_timeout"`
	LogTailSize      int           `mapstructure:"log_tail_size"`
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	CleanupTimeout   time.Duration `mapstructure:"cleanup_timeout"`
}

type ManagerConfig struct {
	SerializePerAgent   bool `mapstructure:"serialize_per_agent"`
	SubmitRatePerMinute int  `mapstructure:"submit_rate_per_minute"`
}

// LogSinkConfig selects where full job logs are stored: "sqlite" keeps them
// in the job database, "minio" in an S3-compatible bucket.
type LogSinkConfig struct {
	Backend      string        `mapstructure:"backend"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Minio        MinioConfig   `mapstructure:"minio"`
}

type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Secure    bool   `mapstructure:"secure"`
}

// FeedConfig tunes the change feed. Redis bridges it across processes when
// an address is set.
type FeedConfig struct {
	Buffer int         `mapstructure:"buffer"`
	Redis  RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// DispatchConfig enables RabbitMQ wake-ups when AMQPURL is set. Without it
// only schedulers in the submitting process are woken; others poll.
type DispatchConfig struct {
	AMQPURL  string `mapstructure:"amqp_url"`
	Exchange string `mapstructure:"exchange"`
}

type BuildConfig struct {
	WorkDir            string            `mapstructure:"work_dir"`
	Commands           map[string]string `mapstructure:"commands"`
	TransientExitCodes []int             `mapstructure:"transient_exit_codes"`
}

// PlatformConfig selects the deployment platform: "http" talks to a
// platform REST API at BaseURL, "kubernetes" rolls out Deployments.
type PlatformConfig struct {
	Kind         string           `mapstructure:"kind"`
	BaseURL      string           `mapstructure:"base_url"`
	Token        string           `mapstructure:"token"`
	PollInterval time.Duration    `mapstructure:"poll_interval"`
	Timeout      time.Duration    `mapstructure:"timeout"`
	MCPPath      string           `mapstructure:"mcp_path"`
	SSEPath      string           `mapstructure:"sse_path"`
	Kubernetes   KubernetesConfig `mapstructure:"kubernetes"`
}

type KubernetesConfig struct {
	Kubeconfig    string `mapstructure:"kubeconfig"`
	ProxyHost     string `mapstructure:"proxy_host"`
	Namespace     string `mapstructure:"namespace"`
	ClusterDomain string `mapstructure:"cluster_domain"`
}

// DirectoryConfig selects the agent directory: an HTTP lookup when URL is
// set, otherwise the static Agents list (empty accepts every agent).
type DirectoryConfig struct {
	URL    string   `mapstructure:"url"`
	Token  string   `mapstructure:"token"`
	Agents []string `mapstructure:"agents"`
}

type TelemetryConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	Insecure       bool          `mapstructure:"insecure"`
	ServiceName    string        `mapstructure:"service_name"`
	MetricInterval time.Duration `mapstructure:"metric_interval"`
}

// searchPaths lists config files in increasing precedence.
var searchPaths = func() []string {
	paths := []string{"/etc/agentdeploy/config.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".agentdeploy", "config.toml"))
	}
	return append(paths, "agentdeploy.toml")
}

// Load reads the configuration. configFile is the --config flag value and
// may be empty; when set it must exist.
func Load(configFile string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	source, err := mergeConfigFiles(v, configFile)
	if err != nil {
		return nil, err
	}

	cfg, err := LoadWithViper(v)
	if err != nil {
		return nil, err
	}
	cfg.source = source
	return cfg, nil
}

// LoadWithViper decodes a prepared viper instance.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	cfg.settings = v.AllSettings()
	return &cfg, nil
}

// mergeConfigFiles merges every existing config file in precedence order and
// returns the highest-precedence one, which is the file worth watching.
func mergeConfigFiles(v *viper.Viper, explicit string) (string, error) {
	paths := searchPaths()
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", errors.Wrapf(err, "config file %s", explicit)
		}
		paths = append(paths, explicit)
	}

	source := ""
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		fv := viper.New()
		fv.SetConfigFile(path)
		fv.SetConfigType("toml")
		if err := fv.ReadInConfig(); err != nil {
			return "", errors.Wrapf(err, "failed to read config file %s", path)
		}
		if err := v.MergeConfigMap(fv.AllSettings()); err != nil {
			return "", errors.Wrapf(err, "failed to merge config file %s", path)
		}
		source = path
	}
	return source, nil
}

// Source returns the config file that won precedence, or "" when only
// defaults and environment were used.
func (c *Config) Source() string { return c.source }

// TOML renders the effective configuration with secrets masked.
func (c *Config) TOML() ([]byte, error) {
	settings := c.settings
	if settings == nil {
		v := viper.New()
		SetDefaults(v)
		settings = v.AllSettings()
	}
	masked := maskSecrets(settings, "")
	out, err := toml.Marshal(masked)
	if err != nil {
		return nil, errors.Wrap(err, "failed to render config")
	}
	return out, nil
}

var secretKeys = map[string]bool{
	"log_sink.minio.secret_key": true,
	"feed.redis.password":       true,
	"dispatch.amqp_url":         true,
	"platform.token":            true,
	"directory.token":           true,
}

func maskSecrets(m map[string]interface{}, prefix string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]interface{}:
			out[k] = maskSecrets(val, key)
		case time.Duration:
			out[k] = val.String()
		default:
			if s, ok := v.(string); ok && secretKeys[key] && s != "" {
				out[k] = redacted
				continue
			}
			out[k] = v
		}
	}
	return out
}

// SchedulerSettings converts the scheduler section.
func (c *Config) SchedulerSettings() scheduler.Config {
	s := c.Scheduler
	return scheduler.Config{
		Workers:           s.Workers,
		PollInterval:      s.PollInterval,
		HeartbeatInterval: s.HeartbeatInterval,
		StaleAfter:        s.StaleAfter,
		MaxRecoveries:     s.MaxRecoveries,
		ShutdownTimeout:   s.ShutdownTimeout,
		MinFreeMemoryMB:   s.MinFreeMemoryMB,
		MemoryPerSlotMB:   s.MemoryPerSlotMB,
	}
}

func (c *Config) PipelineSettings() pipeline.Config {
	p := c.Pipeline
	return pipeline.Config{
		BuildMaxAttempts: p.BuildMaxAttempts,
		BackoffBase:      p.BackoffBase,
		BackoffMax:       p.BackoffMax,
		ProbeInterval:    p.ProbeInterval,
		MaxProbes:        p.MaxProbes,
		HealthTimeout:    p.HealthTimeout,
		LogTailSize:      p.LogTailSize,
		FlushInterval:    p.FlushInterval,
		CleanupTimeout:   p.CleanupTimeout,
	}
}

func (c *Config) ManagerSettings() manager.Options {
	return manager.Options{
		SerializePerAgent:   c.Manager.SerializePerAgent,
		SubmitRatePerMinute: c.Manager.SubmitRatePerMinute,
	}
}

func (c *Config) TelemetrySettings() telemetry.Config {
	t := c.Telemetry
	return telemetry.Config{
		Endpoint:       t.Endpoint,
		Insecure:       t.Insecure,
		ServiceName:    t.ServiceName,
		MetricInterval: t.MetricInterval,
	}
}
