package deploy

import (
	"fmt"

	"github.com/pvik/fleetd/pkg/db"
)

// ConflictError is returned by Create while the instance has an active
// deployment
type ConflictError struct {
	InstanceID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("instance %s: %v", e.InstanceID, db.ErrDeployInProgress)
}

func (e *ConflictError) Unwrap() error {
	return db.ErrDeployInProgress
}

// StepError names the fatal step a deployment stopped at
type StepError struct {
	Step    string
	Message string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("deploy failed at %s: %s", e.Step, e.Message)
}
