package config

import (
	"github.com/spf13/viper"

	"github.com/teranos/agentdeploy/collab/build"
	"github.com/teranos/agentdeploy/collab/platform"
	"github.com/teranos/agentdeploy/dispatch"
	"github.com/teranos/agentdeploy/fanout"
	"github.com/teranos/agentdeploy/logsink"
	"github.com/teranos/agentdeploy/pipeline"
	"github.com/teranos/agentdeploy/scheduler"
)

const (
	DefaultDatabasePath = "agentdeploy.db"
	DefaultServerPort   = 8480
)

// DefaultBuildCommands are used when a config names no build_command.
var DefaultBuildCommands = map[string]string{
	"python": "pip install --target .deps -r requirements.txt",
	"node":   "npm ci --omit=dev",
	"go":     "go build -o server .",
}

// SetDefaults configures default values for all configuration options.
// Durations are set as strings so `config show` renders them readably.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)

	v.SetDefault("server.bind", "127.0.0.1")
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.ping_interval", "30s")
	v.SetDefault("server.allowed_origins", []string{})

	sc := scheduler.DefaultConfig()
	v.SetDefault("scheduler.workers", sc.Workers)
	v.SetDefault("scheduler.poll_interval", sc.PollInterval.String())
	v.SetDefault("scheduler.heartbeat_interval", sc.HeartbeatInterval.String())
	v.SetDefault("scheduler.stale_after", sc.StaleAfter.String())
	v.SetDefault("scheduler.max_recoveries", sc.MaxRecoveries)
	v.SetDefault("scheduler.shutdown_timeout", sc.ShutdownTimeout.String())
	v.SetDefault("scheduler.min_free_memory_mb", sc.MinFreeMemoryMB)
	v.SetDefault("scheduler.memory_per_slot_mb", sc.MemoryPerSlotMB)

	pc := pipeline.DefaultConfig()
	v.SetDefault("pipeline.build_max_attempts", pc.BuildMaxAttempts)
	v.SetDefault("pipeline.backoff_base", pc.BackoffBase.String())
	v.SetDefault("pipeline.backoff_max", pc.BackoffMax.String())
	v.SetDefault("pipeline.probe_interval", pc.ProbeInterval.String())
	v.SetDefault("pipeline.max_probes", pc.MaxProbes)
	v.SetDefault("pipeline.health_timeout", pc.HealthTimeout.String())
	v.SetDefault("pipeline.log_tail_size", pc.LogTailSize)
	v.SetDefault("pipeline.flush_interval", pc.FlushInterval.String())
	v.SetDefault("pipeline.cleanup_timeout", pc.CleanupTimeout.String())

	v.SetDefault("manager.serialize_per_agent", false)
	v.SetDefault("manager.submit_rate_per_minute", 0)

	v.SetDefault("log_sink.backend", "sqlite")
	v.SetDefault("log_sink.write_timeout", logsink.DefaultWriteTimeout.String())
	v.SetDefault("log_sink.minio.endpoint", "")
	v.SetDefault("log_sink.minio.bucket", "agentdeploy-logs")
	v.SetDefault("log_sink.minio.access_key", "")
	v.SetDefault("log_sink.minio.secret_key", "")
	v.SetDefault("log_sink.minio.secure", false)

	v.SetDefault("feed.buffer", fanout.DefaultBuffer)
	v.SetDefault("feed.redis.addr", "")
	v.SetDefault("feed.redis.password", "")
	v.SetDefault("feed.redis.db", 0)
	v.SetDefault("feed.redis.channel", fanout.DefaultChannel)

	v.SetDefault("dispatch.amqp_url", "")
	v.SetDefault("dispatch.exchange", dispatch.DefaultExchange)

	v.SetDefault("build.work_dir", "")
	v.SetDefault("build.commands", DefaultBuildCommands)
	v.SetDefault("build.transient_exit_codes", build.DefaultTransientExitCodes)

	v.SetDefault("platform.kind", "http")
	v.SetDefault("platform.base_url", "")
	v.SetDefault("platform.token", "")
	v.SetDefault("platform.poll_interval", platform.DefaultPollInterval.String())
	v.SetDefault("platform.timeout", "30s")
	v.SetDefault("platform.mcp_path", platform.DefaultMCPPath)
	v.SetDefault("platform.sse_path", platform.DefaultSSEPath)
	v.SetDefault("platform.kubernetes.kubeconfig", "")
	v.SetDefault("platform.kubernetes.proxy_host", "")
	v.SetDefault("platform.kubernetes.namespace", platform.DefaultNamespace)
	v.SetDefault("platform.kubernetes.cluster_domain", platform.DefaultClusterDomain)

	v.SetDefault("directory.url", "")
	v.SetDefault("directory.token", "")
	v.SetDefault("directory.agents", []string{})

	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.service_name", "agentdeploy")
	v.SetDefault("telemetry.metric_interval", "30s")
}
