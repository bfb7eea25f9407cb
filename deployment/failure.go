package deployment

import "github.com/teranos/agentdeploy/errors"

// FailureKind names the error taxonomy entry a failed job ended with.
type FailureKind string

const (
	FailureValidation  FailureKind = "validation_failed"
	FailureTransient   FailureKind = "transient_infra_error"
	FailureDeploy      FailureKind = "deploy_failed"
	FailureHealthCheck FailureKind = "health_check_timeout"
	FailureInternal    FailureKind = "internal_error"
)

// Failure is the stage-specific detail recorded on a failed job.
type Failure struct {
	Kind      FailureKind `json:"kind"`
	Stage     Status      `json:"stage"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

// ClassifyFailure derives the failure detail for err raised while the job was in stage.
// Errors carrying no taxonomy mark fall back to the stage's natural kind.
func ClassifyFailure(stage Status, err error) Failure {
	f := Failure{Stage: stage}
	if err != nil {
		f.Message = err.Error()
	}

	switch {
	case errors.Is(err, errors.ErrHealthCheckTimeout):
		f.Kind = FailureHealthCheck
	case errors.Is(err, errors.ErrValidationFailed):
		f.Kind = FailureValidation
	case errors.Is(err, errors.ErrDeployFailed):
		f.Kind = FailureDeploy
	case errors.Is(err, errors.ErrTransientInfra):
		f.Kind = FailureTransient
		f.Retryable = true
	default:
		switch stage {
		case StatusValidating:
			f.Kind = FailureValidation
		case StatusDeploying:
			f.Kind = FailureDeploy
		case StatusVerifying:
			f.Kind = FailureHealthCheck
		default:
			f.Kind = FailureInternal
		}
	}
	return f
}

// Err rebuilds a marked error from the recorded failure so callers can use errors.Is.
func (f Failure) Err() error {
	err := errors.New(f.Message)
	switch f.Kind {
	case FailureValidation:
		return errors.Mark(err, errors.ErrValidationFailed)
	case FailureTransient:
		return errors.Mark(err, errors.ErrTransientInfra)
	case FailureDeploy:
		return errors.Mark(err, errors.ErrDeployFailed)
	case FailureHealthCheck:
		return errors.Mark(err, errors.ErrHealthCheckTimeout)
	}
	return err
}
