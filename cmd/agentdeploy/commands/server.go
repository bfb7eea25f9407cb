package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/agentdeploy/errors"
	"github.com/teranos/agentdeploy/logger"
	"github.com/teranos/agentdeploy/server"
)

var (
	serverPort int
	serverBind string
)

// ServerCmd runs the HTTP API with the change feed and, unless
// scheduler.workers is 0, an embedded scheduler.
var ServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the deployment API",
	Long: `Run the agentdeploy HTTP API.

Endpoints:
  POST /api/deployments               Submit a deployment (202 + job_id)
  GET  /api/deployments               List deployments
  GET  /api/deployments/{id}          Job snapshot
  GET  /api/deployments/{id}/logs     Full log text
  POST /api/deployments/{id}/cancel   Request cancellation
  GET  /api/deployments/{id}/ws       Snapshot stream (WebSocket)
  GET  /api/deployments/{id}/events   Snapshot stream (SSE)
  GET  /health                        Liveness

Jobs run in this process unless scheduler.workers is 0, in which case
separate "agentdeploy worker" processes pick them up.

Examples:
  agentdeploy server                 # Listen on the configured address
  agentdeploy server --port 9000     # Override the port`,
	RunE: runServer,
}

func init() {
	ServerCmd.Flags().IntVarP(&serverPort, "port", "p", 0, "Port to listen on (overrides server.port)")
	ServerCmd.Flags().StringVar(&serverBind, "bind", "", "Address to bind (overrides server.bind)")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serverPort != 0 {
		cfg.Server.Port = serverPort
	}
	if serverBind != "" {
		cfg.Server.Bind = serverBind
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	eng, err := newEngine(ctx, cfg, true)
	if err != nil {
		return err
	}
	if err := eng.start(ctx); err != nil {
		eng.stop()
		return err
	}

	srv := server.New(eng.manager, server.Options{
		Addr:           cfg.Server.Addr(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		PingInterval:   cfg.Server.PingInterval,
	}, logger.ComponentLogger("server"))

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe(ctx, cfg.Server.ShutdownTimeout)
	}()

	pterm.Success.Printf("agentdeploy listening on http://%s\n", cfg.Server.Addr())
	if eng.scheduler == nil {
		pterm.Info.Println("Embedded scheduler disabled (scheduler.workers = 0); run 'agentdeploy worker'")
	}

	return awaitShutdown(errChan, cancel, eng.stop, "Server")
}

// awaitShutdown blocks until run ends or a signal arrives. The first
// Ctrl+C cancels the context and runs stop; a second one exits at once.
func awaitShutdown(errChan <-chan error, cancel context.CancelFunc, stop func(), name string) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		stop()
		if err != nil {
			return errors.Wrapf(err, "%s stopped unexpectedly", name)
		}
		return nil
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			cancel()
			err := <-errChan
			stop()
			shutdownDone <- err
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return errors.Wrap(err, "shutdown error")
			}
			pterm.Success.Printf("%s stopped cleanly\n", name)
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil
		}
	}
}
