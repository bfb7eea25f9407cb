// Package deployment defines the deployment job record, its state machine,
// and the deployment config schema checked by the validating stage.
package deployment

// Status is the lifecycle state of a deployment job.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusValidating  Status = "validating"
	StatusConfigSaved Status = "config_saved"
	StatusBuilding    Status = "building"
	StatusDeploying   Status = "deploying"
	StatusVerifying   Status = "verifying"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Stages lists the pipeline stages in execution order. Each has a step_history entry.
var Stages = []Status{
	StatusValidating,
	StatusConfigSaved,
	StatusBuilding,
	StatusDeploying,
	StatusVerifying,
}

// successPath is the only order in which non-failure transitions may happen.
var successPath = []Status{
	StatusQueued,
	StatusValidating,
	StatusConfigSaved,
	StatusBuilding,
	StatusDeploying,
	StatusVerifying,
	StatusCompleted,
}

// ValidTransitions maps each status to the statuses reachable from it.
var ValidTransitions = func() map[Status][]Status {
	m := make(map[Status][]Status, len(successPath)+2)
	for i, s := range successPath {
		if i+1 < len(successPath) {
			m[s] = []Status{successPath[i+1], StatusFailed, StatusCancelled}
		}
	}
	m[StatusCompleted] = nil
	m[StatusFailed] = nil
	m[StatusCancelled] = nil
	return m
}()

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	_, ok := ValidTransitions[s]
	return ok
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsStage reports whether s is one of the pipeline stages.
func (s Status) IsStage() bool {
	return s.rank() > 0 && s != StatusCompleted
}

// rank is the position on the success path, -1 for failed/cancelled.
func (s Status) rank() int {
	for i, p := range successPath {
		if p == s {
			return i
		}
	}
	return -1
}

// CanTransition reports whether from → to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range ValidTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ProgressRange is the progress band a stage covers.
type ProgressRange struct {
	Start int
	End   int
}

// StageProgress is the progress reported on entering (Start) and completing (End) each stage.
var StageProgress = map[Status]ProgressRange{
	StatusValidating:  {10, 10},
	StatusConfigSaved: {20, 20},
	StatusBuilding:    {30, 60},
	StatusDeploying:   {70, 90},
	StatusVerifying:   {95, 95},
	StatusCompleted:   {100, 100},
}

// Interpolate maps done/total sub-steps of a stage onto its progress band.
func Interpolate(stage Status, done, total int) int {
	r, ok := StageProgress[stage]
	if !ok {
		return 0
	}
	if total <= 0 || done <= 0 {
		return r.Start
	}
	if done >= total {
		return r.End
	}
	return r.Start + (r.End-r.Start)*done/total
}

// StageTitle is the human-readable current_step for a stage.
func StageTitle(s Status) string {
	switch s {
	case StatusQueued:
		return "Waiting for a worker"
	case StatusValidating:
		return "Validating deployment configuration"
	case StatusConfigSaved:
		return "Saving validated configuration"
	case StatusBuilding:
		return "Building artifact"
	case StatusDeploying:
		return "Rolling out service"
	case StatusVerifying:
		return "Verifying service health"
	case StatusCompleted:
		return "Deployment complete"
	case StatusFailed:
		return "Deployment failed"
	case StatusCancelled:
		return "Deployment cancelled"
	default:
		return string(s)
	}
}
