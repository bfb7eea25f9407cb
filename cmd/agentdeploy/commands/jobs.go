package commands

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/agentdeploy/deployment"
	"github.com/teranos/agentdeploy/dispatch"
	"github.com/teranos/agentdeploy/display"
	"github.com/teranos/agentdeploy/errors"
	"github.com/teranos/agentdeploy/jobstore"
	"github.com/teranos/agentdeploy/logger"
	"github.com/teranos/agentdeploy/manager"
	"github.com/teranos/agentdeploy/sym"
)

// JobsCmd groups deployment job operations. They work on the job database
// directly, so no server needs to be running.
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage deployment jobs",
	Long: `Submit, inspect, cancel and watch deployment jobs.

Examples:
  agentdeploy jobs submit --agent a1 --requester alice --file deploy.yaml
  agentdeploy jobs status <job-id>
  agentdeploy jobs logs <job-id>
  agentdeploy jobs cancel <job-id>
  agentdeploy jobs list --status failed --limit 20
  agentdeploy jobs watch <job-id>`,
}

var (
	submitAgent     string
	submitRequester string
	submitFile      string

	listAgent  string
	listStatus string
	listLimit  int

	watchInterval time.Duration
)

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a deployment",
	Long: `Queue a deployment and print its job id. The config file may be YAML or
JSON; "-" reads standard input. Validation happens in the pipeline, so an
incomplete config is accepted here and fails in the validating stage.`,
	RunE: runJobsSubmit,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's status and step history",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job-id>",
	Short: "Print a job's full log",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cancellation of a job",
	Long: `Request cooperative cancellation. The executing scheduler stops at the
next checkpoint and cleans up. Cancelling a finished job changes nothing.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsCancel,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE:  runJobsList,
}

var jobsWatchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a job until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsWatch,
}

func init() {
	JobsCmd.AddCommand(jobsSubmitCmd, jobsStatusCmd, jobsLogsCmd, jobsCancelCmd, jobsListCmd, jobsWatchCmd)

	jobsSubmitCmd.Flags().StringVar(&submitAgent, "agent", "", "Agent to deploy (required)")
	jobsSubmitCmd.Flags().StringVar(&submitRequester, "requester", os.Getenv("USER"), "Requester id")
	jobsSubmitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "Deployment config file, YAML or JSON (required)")
	jobsSubmitCmd.MarkFlagRequired("agent")
	jobsSubmitCmd.MarkFlagRequired("file")

	jobsListCmd.Flags().StringVar(&listAgent, "agent", "", "Only jobs of this agent")
	jobsListCmd.Flags().StringVar(&listStatus, "status", "", "Only jobs in this status")
	jobsListCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum jobs to show")

	jobsWatchCmd.Flags().DurationVar(&watchInterval, "interval", time.Second, "Polling interval")
}

// jobsClient is a manager over the job database without any in-process
// scheduler or change feed.
type jobsClient struct {
	db      *sql.DB
	store   *jobstore.Store
	manager *manager.Manager
	closers []func()
}

func openJobsClient(ctx context.Context) (*jobsClient, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}
	c := &jobsClient{db: database, store: jobstore.NewStore(database)}
	c.closers = append(c.closers, func() { database.Close() })

	sink, err := newLogSink(ctx, cfg, database)
	if err != nil {
		c.close()
		return nil, err
	}
	c.manager = manager.New(c.store, sink, nil, cfg.ManagerSettings(), logger.ComponentLogger("manager"))

	// Wake remote schedulers right away when a broker is configured;
	// otherwise they find the job on their next poll.
	if cfg.Dispatch.AMQPURL != "" {
		conn, ch, err := dispatch.Dial(cfg.Dispatch.AMQPURL)
		if err != nil {
			logger.Logger.Warnw("AMQP unavailable, schedulers will poll", "error", err)
		} else {
			c.closers = append(c.closers, func() { conn.Close() })
			if n, err := dispatch.NewAMQPNotifier(ch, cfg.Dispatch.Exchange); err == nil {
				c.manager.SetNotifier(n)
			}
		}
	}
	return c, nil
}

func (c *jobsClient) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// readDeploymentConfig reads a YAML or JSON deployment config and returns it
// as JSON.
func readDeploymentConfig(path string) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	if json.Valid(data) {
		return data, nil
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.WithHint(
			errors.Wrapf(err, "%s is neither JSON nor YAML", path),
			"the config must be a mapping with name, runtime and entrypoint or image")
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to convert %s to JSON", path)
	}
	return out, nil
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	raw, err := readDeploymentConfig(submitFile)
	if err != nil {
		return err
	}
	c, err := openJobsClient(cmd.Context())
	if err != nil {
		return err
	}
	defer c.close()

	jobID, err := c.manager.Submit(cmd.Context(), submitAgent, submitRequester, raw)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(map[string]string{"job_id": jobID})
	}
	pterm.Success.Printf("%s Deployment queued: %s\n", sym.Queued, jobID)
	fmt.Printf("  Follow with: agentdeploy jobs watch %s\n", jobID)
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	c, err := openJobsClient(cmd.Context())
	if err != nil {
		return err
	}
	defer c.close()

	job, err := c.manager.GetStatus(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(job)
	}

	fmt.Printf("%s Job %s\n\n", sym.ForStage(string(job.Status)), job.ID)
	rows := pterm.TableData{
		{"FIELD", "VALUE"},
		{"Agent", job.AgentID},
		{"Requester", job.RequesterID},
		{"Status", string(job.Status)},
		{"Progress", fmt.Sprintf("%d%%", job.Progress)},
		{"Current step", job.CurrentStep},
		{"Build attempts", fmt.Sprintf("%d", job.BuildAttempts)},
		{"Created", formatTime(&job.CreatedAt)},
		{"Started", formatTime(job.StartedAt)},
		{"Completed", formatTime(job.CompletedAt)},
	}
	if job.ArtifactRef != "" {
		rows = append(rows, []string{"Artifact", job.ArtifactRef})
	}
	if job.ServiceEndpoint != "" {
		rows = append(rows, []string{"Endpoint", job.ServiceEndpoint})
	}
	if job.Failure != nil {
		rows = append(rows,
			[]string{"Failure", string(job.Failure.Kind)},
			[]string{"Retryable", fmt.Sprintf("%t", job.Failure.Retryable)},
		)
	}
	if job.ErrorMessage != "" {
		rows = append(rows, []string{"Error", job.ErrorMessage})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		return err
	}

	steps := pterm.TableData{{"STEP", "STATUS", "MESSAGE"}}
	for _, s := range job.StepHistory {
		steps = append(steps, []string{
			sym.ForStage(string(s.Name)) + " " + string(s.Name),
			string(s.Status),
			s.Message,
		})
	}
	fmt.Println()
	return pterm.DefaultTable.WithHasHeader().WithData(steps).Render()
}

func runJobsLogs(cmd *cobra.Command, args []string) error {
	c, err := openJobsClient(cmd.Context())
	if err != nil {
		return err
	}
	defer c.close()

	text, err := c.manager.GetLogs(cmd.Context(), args[0])
	if err != nil {
		if errors.IsNotFoundError(err) {
			// Unknown jobs are still an error.
			if _, serr := c.manager.GetStatus(cmd.Context(), args[0]); serr != nil {
				return serr
			}
			pterm.Info.Println("No logs yet")
			return nil
		}
		return err
	}
	fmt.Print(text)
	if !strings.HasSuffix(text, "\n") {
		fmt.Println()
	}
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	c, err := openJobsClient(cmd.Context())
	if err != nil {
		return err
	}
	defer c.close()

	job, err := c.manager.Cancel(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		pterm.Info.Printf("Job %s already %s\n", job.ID, job.Status)
		return nil
	}
	pterm.Success.Printf("%s Cancellation requested for %s (currently %s)\n", sym.Cancelled, job.ID, job.Status)
	return nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	c, err := openJobsClient(cmd.Context())
	if err != nil {
		return err
	}
	defer c.close()

	jobs, err := c.manager.List(cmd.Context(), jobstore.ListFilter{
		AgentID: listAgent,
		Status:  deployment.Status(listStatus),
		Limit:   listLimit,
	})
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		if jobs == nil {
			jobs = []*deployment.Job{}
		}
		return display.OutputJSON(jobs)
	}
	if len(jobs) == 0 {
		pterm.Info.Println("No jobs found")
		return nil
	}

	rows := pterm.TableData{{"JOB ID", "AGENT", "STATUS", "PROGRESS", "CREATED"}}
	for _, job := range jobs {
		rows = append(rows, []string{
			job.ID,
			truncate(job.AgentID, 24),
			sym.ForStage(string(job.Status)) + " " + string(job.Status),
			fmt.Sprintf("%d%%", job.Progress),
			job.CreatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		return err
	}
	fmt.Printf("\nTotal: %d job(s)\n", len(jobs))
	return nil
}

func runJobsWatch(cmd *cobra.Command, args []string) error {
	c, err := openJobsClient(cmd.Context())
	if err != nil {
		return err
	}
	defer c.close()

	ctx := cmd.Context()
	job, err := c.manager.GetStatus(ctx, args[0])
	if err != nil {
		return err
	}

	bar, err := pterm.DefaultProgressbar.WithTotal(100).WithTitle(watchTitle(job)).Start()
	if err != nil {
		return err
	}
	shown := 0
	var version int64 = -1

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	for {
		if job.Version != version {
			version = job.Version
			bar.UpdateTitle(watchTitle(job))
			if job.Progress > shown {
				bar.Add(job.Progress - shown)
				shown = job.Progress
			}
		}
		if job.Status.IsTerminal() {
			break
		}
		select {
		case <-ctx.Done():
			bar.Stop()
			return ctx.Err()
		case <-ticker.C:
		}
		if job, err = c.manager.GetStatus(ctx, args[0]); err != nil {
			bar.Stop()
			return err
		}
	}
	bar.Stop()

	switch job.Status {
	case deployment.StatusCompleted:
		pterm.Success.Printf("%s Deployed %s at %s\n", sym.Completed, job.AgentID, job.ServiceEndpoint)
		return nil
	case deployment.StatusCancelled:
		pterm.Warning.Printf("%s Cancelled: %s\n", sym.Cancelled, job.ErrorMessage)
		return nil
	default:
		pterm.Error.Printf("%s Failed: %s\n", sym.Failed, job.ErrorMessage)
		return errors.Newf("deployment %s failed", job.ID)
	}
}

func watchTitle(job *deployment.Job) string {
	title := sym.ForStage(string(job.Status)) + " " + string(job.Status)
	if job.CurrentStep != "" && job.CurrentStep != string(job.Status) {
		title += ": " + job.CurrentStep
	}
	return title
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
