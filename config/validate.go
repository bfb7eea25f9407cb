package config

import (
	"net/url"

	"github.com/teranos/agentdeploy/errors"
)

// Validate checks that the configuration is usable. Zero means zero: a zero
// worker count runs no embedded scheduler, a zero rate disables the limit.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path cannot be empty")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be in 1-65535, got %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout < 0 {
		return errors.Newf("server.shutdown_timeout must not be negative, got %s", c.Server.ShutdownTimeout)
	}
	if c.Server.PingInterval <= 0 {
		return errors.Newf("server.ping_interval must be positive, got %s", c.Server.PingInterval)
	}

	// scheduler.workers = 0 disables the embedded scheduler
	if c.Scheduler.Workers < 0 {
		return errors.Newf("scheduler.workers must be >= 0, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.Workers > 0 {
		if err := c.SchedulerSettings().Validate(); err != nil {
			return err
		}
	}
	if err := c.PipelineSettings().Validate(); err != nil {
		return err
	}

	if c.Manager.SubmitRatePerMinute < 0 {
		return errors.Newf("manager.submit_rate_per_minute must be >= 0, got %d", c.Manager.SubmitRatePerMinute)
	}

	switch c.LogSink.Backend {
	case "sqlite":
	case "minio":
		if c.LogSink.Minio.Endpoint == "" {
			return errors.New("log_sink.minio.endpoint cannot be empty when log_sink.backend is minio")
		}
		if c.LogSink.Minio.Bucket == "" {
			return errors.New("log_sink.minio.bucket cannot be empty when log_sink.backend is minio")
		}
	default:
		return errors.Newf("log_sink.backend must be sqlite or minio, got %q", c.LogSink.Backend)
	}
	if c.LogSink.WriteTimeout < 0 {
		return errors.Newf("log_sink.write_timeout must not be negative, got %s", c.LogSink.WriteTimeout)
	}

	if c.Feed.Buffer < 1 {
		return errors.Newf("feed.buffer must be >= 1, got %d", c.Feed.Buffer)
	}
	// Without Redis the feed polls at scheduler.poll_interval
	if c.Feed.Redis.Addr == "" && c.Scheduler.PollInterval <= 0 {
		return errors.Newf("scheduler.poll_interval must be positive, got %s", c.Scheduler.PollInterval)
	}
	if c.Feed.Redis.Addr != "" && c.Feed.Redis.Channel == "" {
		return errors.New("feed.redis.channel cannot be empty when feed.redis.addr is set")
	}

	switch c.Platform.Kind {
	case "http":
		if c.Platform.BaseURL != "" {
			if err := checkURL("platform.base_url", c.Platform.BaseURL); err != nil {
				return err
			}
		}
	case "kubernetes":
		if c.Platform.Kubernetes.Namespace == "" {
			return errors.New("platform.kubernetes.namespace cannot be empty")
		}
	default:
		return errors.Newf("platform.kind must be http or kubernetes, got %q", c.Platform.Kind)
	}
	if c.Platform.PollInterval <= 0 {
		return errors.Newf("platform.poll_interval must be positive, got %s", c.Platform.PollInterval)
	}

	if c.Directory.URL != "" {
		if err := checkURL("directory.url", c.Directory.URL); err != nil {
			return err
		}
	}

	for _, code := range c.Build.TransientExitCodes {
		if code <= 0 || code > 255 {
			return errors.Newf("build.transient_exit_codes entries must be in 1-255, got %d", code)
		}
	}
	return nil
}

func checkURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Newf("%s must be an http(s) URL, got %q", field, raw)
	}
	return nil
}
