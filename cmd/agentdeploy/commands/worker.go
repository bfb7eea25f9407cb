package commands

import (
	"context"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/agentdeploy/errors"
)

var workerSlots int

// WorkerCmd runs a scheduler without the HTTP API.
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a deployment scheduler",
	Long: `Run a scheduler that claims and executes queued deployments from the
shared job database.

Workers find new jobs by polling every scheduler.poll_interval, or at once
when dispatch.amqp_url is set. Jobs of a worker that stops heartbeating are
resumed by another once their lease is older than scheduler.stale_after.

Examples:
  agentdeploy worker              # Use scheduler.workers slots
  agentdeploy worker --slots 8    # Override the slot count`,
	RunE: runWorker,
}

func init() {
	WorkerCmd.Flags().IntVar(&workerSlots, "slots", 0, "Concurrent jobs (overrides scheduler.workers)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if workerSlots > 0 {
		cfg.Scheduler.Workers = workerSlots
	}
	if cfg.Scheduler.Workers <= 0 {
		return errors.WithHint(errors.New("worker needs at least one slot"),
			"set scheduler.workers or pass --slots")
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

	pterm.Success.Printf("Worker %s running %d slots\n", eng.scheduler.Owner(), cfg.Scheduler.Workers)

	// Nothing ends a worker except a signal.
	errChan := make(chan error, 1)
	go func() {
		<-ctx.Done()
		errChan <- nil
	}()
	return awaitShutdown(errChan, cancel, eng.stop, "Worker")
}
