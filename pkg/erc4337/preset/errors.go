package preset

import (
	"errors"
	"fmt"
)

// Stage names the pipeline step an outcome belongs to.
type Stage string

const (
	StageFunding       Stage = "funding"
	StageResolution    Stage = "resolution"
	StageAuthorization Stage = "authorization"
	StageSigning       Stage = "signing"
	StageSubmission    Stage = "submission"
	StageReceipt       Stage = "receipt"
)

var (
	ErrFunding       = errors.New("funding failed")
	ErrResolution    = errors.New("resolution failed")
	ErrAuthorization = errors.New("authorization failed")
	ErrSigning       = errors.New("signing failed")
	ErrSubmission    = errors.New("submission failed")
	ErrReceipt       = errors.New("receipt lookup failed")
)

var stageSentinels = map[Stage]error{
	StageFunding:       ErrFunding,
	StageResolution:    ErrResolution,
	StageAuthorization: ErrAuthorization,
	StageSigning:       ErrSigning,
	StageSubmission:    ErrSubmission,
	StageReceipt:       ErrReceipt,
}

// StageError tags the underlying cause with the stage that failed. errors.Is matches both
// the stage sentinel and anything in the cause chain.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() []error {
	if sentinel, ok := stageSentinels[e.Stage]; ok {
		return []error{sentinel, e.Err}
	}
	return []error{e.Err}
}

func stageError(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}
