package pipeline

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/agentdeploy/deployment"
	"github.com/teranos/agentdeploy/errors"
	"github.com/teranos/agentdeploy/logger"
)

// validate deep-checks the raw config and the agent reference.
// Every failure here is permanent.
func (x *execution) validate(ctx context.Context) error {
	cfg, err := deployment.ValidateConfig(x.job.Config)
	if err != nil {
		return stageErr(err)
	}
	if x.exec.directory != nil {
		exists, err := x.exec.directory.AgentExists(ctx, x.job.AgentID)
		if err != nil {
			return stageErr(errors.Mark(errors.Wrap(err, "agent lookup failed"), errors.ErrValidationFailed))
		}
		if !exists {
			return stageErr(errors.NewValidationError("agent %s does not exist", x.job.AgentID))
		}
	}
	x.config = cfg
	x.em.Log(fmt.Sprintf("Config valid: %s (%s), port %d", cfg.Name, cfg.Runtime, cfg.Port))
	return nil
}

// saveConfig persists the validated config so later stages and resumed
// executions read the same input.
func (x *execution) saveConfig(ctx context.Context) error {
	if x.config == nil {
		// resumed inside this stage: validation already passed once
		cfg, err := deployment.ValidateConfig(x.job.Config)
		if err != nil {
			return stageErr(err)
		}
		x.config = cfg
	}
	data, sum, err := x.config.Canonical()
	if err != nil {
		return stageErr(err)
	}
	if err := x.exec.store.SaveConfig(ctx, x.run.JobID, x.run.Lease, data, sum); err != nil {
		return err
	}
	x.em.Log("Saved config " + sum[:12])
	return nil
}

// build runs the builder, retrying transient failures with exponential
// backoff. Cancellation is honoured between attempts. Attempts made before a
// recovery count against the limit.
func (x *execution) build(ctx context.Context) error {
	maxAttempts := x.cfg.BuildMaxAttempts
	attempt := x.job.BuildAttempts + 1
	if attempt > maxAttempts {
		return stageErr(errors.MarkTransient(errors.Newf("build failed after %d attempts", x.job.BuildAttempts)))
	}
	for ; ; attempt++ {
		msg := fmt.Sprintf("%s (attempt %d/%d)", deployment.StageTitle(deployment.StatusBuilding), attempt, maxAttempts)
		if _, err := x.update(func(j *deployment.Job) error {
			j.BuildAttempts++
			return j.StageProgressed(deployment.StatusBuilding, 0, 0, msg)
		}); err != nil {
			return err
		}

		spec := BuildSpec{
			JobID:   x.run.JobID,
			AgentID: x.job.AgentID,
			Attempt: attempt,
			Config:  *x.config,
		}
		ref, err := x.exec.builder.Build(ctx, spec, x.em)
		if err == nil {
			_, err = x.update(func(j *deployment.Job) error {
				j.ArtifactRef = ref
				return nil
			})
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.IsTransient(err) || attempt >= maxAttempts {
			if errors.IsTransient(err) {
				err = errors.Wrapf(err, "build failed after %d attempts", attempt)
			}
			return stageErr(err)
		}

		wait := x.cfg.Backoff(attempt)
		x.em.record(deployment.LevelWarn, fmt.Sprintf("Transient build error, retrying in %s: %v", wait, err))
		logger.AddStageSymbol(x.log, string(deployment.StatusBuilding)).Warnw("Retrying build",
			logger.FieldAttempt, attempt,
			"backoff", wait,
			logger.FieldError, err,
		)
		if !x.exec.sleep(ctx, wait, x.run.Cancel) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.ErrCancelled
		}
		if x.cancelRequested() {
			return errors.ErrCancelled
		}
	}
}

// deploy rolls the artifact out. Rollout failures are never retried.
func (x *execution) deploy(ctx context.Context) error {
	endpoint, err := x.exec.platform.Deploy(ctx, x.deployRequest(), x.em)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return stageErr(errors.Mark(errors.Wrap(err, "rollout failed"), errors.ErrDeployFailed))
	}
	_, err = x.update(func(j *deployment.Job) error {
		j.ServiceEndpoint = endpoint
		return nil
	})
	return err
}

// verify probes the new service until it reports healthy, the probe budget
// runs out or the health timeout passes.
func (x *execution) verify(ctx context.Context) error {
	endpoint := x.job.ServiceEndpoint
	cfg := x.cfg

	probeCtx, cancel := context.WithTimeout(ctx, cfg.HealthTimeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(cfg.ProbeInterval), 1)
	if cfg.ProbeInterval <= 0 {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}

	started := time.Now()
	var lastErr error
	probes := 0
	for probes < cfg.MaxProbes {
		if err := limiter.Wait(probeCtx); err != nil {
			// the next probe would start after the deadline
			break
		}
		probes++
		healthy, err := x.exec.platform.ProbeHealth(probeCtx, endpoint, *x.config)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if healthy {
			x.em.Log(fmt.Sprintf("Healthy after %d probe(s)", probes))
			return nil
		}
		lastErr = err
		if err != nil {
			x.em.record(deployment.LevelWarn, fmt.Sprintf("Probe %d/%d failed: %v", probes, cfg.MaxProbes, err))
		} else {
			x.em.record(deployment.LevelWarn, fmt.Sprintf("Probe %d/%d: not healthy", probes, cfg.MaxProbes))
		}
		x.em.maybeFlush()
		if probeCtx.Err() != nil {
			break
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	reason := "service never reported healthy"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	err := errors.Newf("deployed but unhealthy: %d probe(s) over %s failed: %s",
		probes, time.Since(started).Round(time.Millisecond), reason)
	return stageErr(errors.Mark(err, errors.ErrHealthCheckTimeout))
}
