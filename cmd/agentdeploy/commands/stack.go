package commands

import (
	"context"
	"database/sql"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/agentdeploy/collab/build"
	"github.com/teranos/agentdeploy/collab/directory"
	"github.com/teranos/agentdeploy/collab/platform"
	"github.com/teranos/agentdeploy/config"
	"github.com/teranos/agentdeploy/db"
	"github.com/teranos/agentdeploy/dispatch"
	"github.com/teranos/agentdeploy/errors"
	"github.com/teranos/agentdeploy/fanout"
	"github.com/teranos/agentdeploy/internal/httpclient"
	"github.com/teranos/agentdeploy/jobstore"
	"github.com/teranos/agentdeploy/logger"
	"github.com/teranos/agentdeploy/logsink"
	"github.com/teranos/agentdeploy/manager"
	"github.com/teranos/agentdeploy/pipeline"
	"github.com/teranos/agentdeploy/scheduler"
	"github.com/teranos/agentdeploy/telemetry"
)

// ConfigFile is the --config flag value.
var ConfigFile string

// loadConfig loads and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(ConfigFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// openDatabase opens the job database and applies pending migrations.
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	database, err := db.OpenWithMigrations(cfg.Database.Path, logger.ComponentLogger("db"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", cfg.Database.Path)
	}
	return database, nil
}

// newLogSink returns the configured full-log store. The sqlite backend
// shares database.
func newLogSink(ctx context.Context, cfg *config.Config, database *sql.DB) (logsink.Sink, error) {
	switch cfg.LogSink.Backend {
	case "minio":
		m := cfg.LogSink.Minio
		sink, err := logsink.NewMinioSink(ctx, logsink.MinioConfig{
			Endpoint:  m.Endpoint,
			Bucket:    m.Bucket,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			Secure:    m.Secure,
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to set up minio log sink")
		}
		return sink, nil
	default:
		return logsink.NewSQLSink(database), nil
	}
}

// newPlatform builds the configured deployment platform.
func newPlatform(cfg *config.Config, log *zap.SugaredLogger) (pipeline.Platform, error) {
	pc := cfg.Platform
	hc := httpclient.New(pc.Timeout, httpclient.Options{Token: pc.Token})

	// Probes go to deployed services, which never need the platform token.
	prober := platform.NewTransportProber(httpclient.New(pc.Timeout, httpclient.Options{}))
	prober.MCP.MCPPath = pc.MCPPath
	prober.MCP.SSEPath = pc.SSEPath

	switch pc.Kind {
	case "kubernetes":
		k := pc.Kubernetes
		client, err := platform.NewKubernetesClient(k.Kubeconfig, k.ProxyHost)
		if err != nil {
			return nil, err
		}
		return platform.NewKubernetesPlatform(client, platform.KubernetesOptions{
			Namespace:     k.Namespace,
			ClusterDomain: k.ClusterDomain,
			PollInterval:  pc.PollInterval,
			Prober:        prober,
		}, log), nil
	default:
		if pc.BaseURL == "" {
			return nil, errors.WithHint(errors.New("platform.base_url is not set"),
				"set platform.base_url, use platform.kind = \"kubernetes\", or run with scheduler.workers = 0")
		}
		return platform.NewHTTPPlatform(platform.HTTPOptions{
			BaseURL:      pc.BaseURL,
			Client:       hc,
			Prober:       prober,
			PollInterval: pc.PollInterval,
		}, log)
	}
}

// newDirectory returns the HTTP agent directory when a URL is configured,
// otherwise the static list.
func newDirectory(cfg *config.Config) (pipeline.AgentDirectory, error) {
	dc := cfg.Directory
	if dc.URL == "" {
		return directory.NewStatic(dc.Agents...), nil
	}
	hc := httpclient.New(cfg.Platform.Timeout, httpclient.Options{Token: dc.Token})
	return directory.NewHTTP(dc.URL, hc)
}

// engine is every long-running component of a server or worker process.
type engine struct {
	cfg    *config.Config
	logger *zap.SugaredLogger

	db        *sql.DB
	store     *jobstore.Store
	hub       *fanout.Hub
	bridge    *fanout.RedisBridge
	redis     *redis.Client
	logs      *logsink.BestEffort
	executor  *pipeline.Executor
	scheduler *scheduler.Scheduler
	manager   *manager.Manager
	watcher   *config.Watcher
	polling   chan struct{}

	amqpConn  *amqp.Connection
	listener  *dispatch.AMQPListener
	listening bool

	shutdownTelemetry telemetry.Shutdown
	cancel            context.CancelFunc
}

// newEngine assembles the engine from cfg. withScheduler adds an
// in-process scheduler when cfg.Scheduler.Workers > 0.
func newEngine(ctx context.Context, cfg *config.Config, withScheduler bool) (_ *engine, err error) {
	e := &engine{cfg: cfg, logger: logger.ComponentLogger("engine")}
	defer func() {
		if err != nil {
			e.close()
		}
	}()

	if e.db, err = openDatabase(cfg); err != nil {
		return nil, err
	}
	e.store = jobstore.NewStore(e.db)

	// Change feed: local hub, bridged through Redis when configured.
	e.hub = fanout.NewHub(e.store.Get, cfg.Feed.Buffer, logger.ComponentLogger("fanout"))
	e.store.SetNotifier(e.hub)
	if rc := cfg.Feed.Redis; rc.Addr != "" {
		if e.redis, err = fanout.NewRedisClient(ctx, rc.Addr, rc.Password, rc.DB); err != nil {
			return nil, err
		}
		e.bridge = fanout.NewRedisBridge(e.hub, e.redis, rc.Channel, logger.ComponentLogger("fanout"))
		e.store.SetNotifier(e.bridge)
	}

	sink, err := newLogSink(ctx, cfg, e.db)
	if err != nil {
		return nil, err
	}
	e.logs = logsink.NewBestEffort(sink, cfg.LogSink.WriteTimeout, logger.ComponentLogger("logsink"))

	e.shutdownTelemetry, err = telemetry.Setup(ctx, cfg.TelemetrySettings(), logger.ComponentLogger("telemetry"))
	if err != nil {
		return nil, err
	}

	e.manager = manager.New(e.store, e.logs, e.hub, cfg.ManagerSettings(), logger.ComponentLogger("manager"))
	local := dispatch.NewLocal()
	notifiers := dispatch.Multi{local}

	if withScheduler && cfg.Scheduler.Workers > 0 {
		if err := e.buildScheduler(); err != nil {
			return nil, err
		}
		local.Add(e.scheduler)
		e.manager.AddCanceller(e.scheduler)
	}

	if cfg.Dispatch.AMQPURL != "" {
		var ch *amqp.Channel
		e.amqpConn, ch, err = dispatch.Dial(cfg.Dispatch.AMQPURL)
		if err != nil {
			return nil, err
		}
		notifier, err := dispatch.NewAMQPNotifier(ch, cfg.Dispatch.Exchange)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, notifier)
		if e.scheduler != nil {
			lch, err := e.amqpConn.Channel()
			if err != nil {
				return nil, errors.Wrap(err, "failed to open amqp listener channel")
			}
			e.listener = dispatch.NewAMQPListener(lch, cfg.Dispatch.Exchange, e.scheduler, logger.ComponentLogger("dispatch"))
		}
	}
	e.manager.SetNotifier(notifiers)

	return e, nil
}

func (e *engine) buildScheduler() error {
	cfg := e.cfg
	builder, err := build.NewCommandBuilder(build.Options{
		WorkDir:            cfg.Build.WorkDir,
		Commands:           cfg.Build.Commands,
		TransientExitCodes: cfg.Build.TransientExitCodes,
	}, logger.ComponentLogger("build"))
	if err != nil {
		return err
	}
	plat, err := newPlatform(cfg, logger.ComponentLogger("platform"))
	if err != nil {
		return err
	}
	dir, err := newDirectory(cfg)
	if err != nil {
		return err
	}

	e.executor = pipeline.NewExecutor(e.store, e.logs, builder, plat, dir, cfg.PipelineSettings(),
		pipeline.WithInstruments(telemetry.Global()),
		pipeline.WithLogger(logger.ComponentLogger("pipeline")),
	)
	e.scheduler = scheduler.New(e.store, e.executor, cfg.SchedulerSettings(), logger.ComponentLogger("scheduler"))
	return nil
}

// start launches the background components. The config watcher is best
// effort: a file that cannot be watched only disables hot reload.
func (e *engine) start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	if e.bridge != nil {
		if err := e.bridge.Start(ctx); err != nil {
			return err
		}
	} else {
		// Without Redis, commits from worker processes sharing the database
		// only reach subscribers by polling.
		e.polling = make(chan struct{})
		go func() {
			defer close(e.polling)
			e.hub.Poll(ctx, e.cfg.Scheduler.PollInterval)
		}()
	}
	if e.scheduler != nil {
		e.scheduler.Start(ctx)
	}
	if e.listener != nil {
		if err := e.listener.Start(ctx); err != nil {
			return err
		}
		e.listening = true
	}

	if path := e.cfg.Source(); path != "" && e.executor != nil {
		w, err := config.NewWatcher(path, func() (*config.Config, error) {
			return config.Load(ConfigFile)
		}, logger.ComponentLogger("config"))
		if err != nil {
			e.logger.Warnw("Config hot reload disabled", "path", path, "error", err)
			return nil
		}
		w.OnReload(func(cfg *config.Config) error {
			e.executor.SetConfig(cfg.PipelineSettings())
			e.logger.Infow("Pipeline settings reloaded", "path", path)
			return nil
		})
		w.Start()
		e.watcher = w
	}
	return nil
}

// stop shuts the engine down. Running jobs are interrupted and their leases
// released so another scheduler resumes them.
func (e *engine) stop() {
	if e.scheduler != nil {
		e.scheduler.Stop()
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.close()
}

// close releases every resource that was acquired.
func (e *engine) close() {
	if e.watcher != nil {
		if err := e.watcher.Stop(); err != nil {
			e.logger.Debugw("Config watcher stop failed", "error", err)
		}
	}
	if e.amqpConn != nil {
		e.amqpConn.Close()
	}
	if e.listening {
		<-e.listener.Done()
	}
	if e.bridge != nil {
		e.bridge.Stop()
	}
	if e.polling != nil {
		<-e.polling
	}
	if e.redis != nil {
		e.redis.Close()
	}
	if e.hub != nil {
		e.hub.Close()
	}
	if e.shutdownTelemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.shutdownTelemetry(ctx); err != nil {
			e.logger.Warnw("Telemetry flush failed", "error", err)
		}
		cancel()
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			e.logger.Warnw("Database close failed", "error", err)
		}
	}
}
