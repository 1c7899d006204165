package outcome

import (
	"errors"
	"fmt"
)

// Components that can raise infrastructure errors.
const (
	ComponentSource    = "source"
	ComponentStore     = "store"
	ComponentWorkspace = "workspace"
	ComponentRunner    = "runner"
	ComponentReporter  = "reporter"
)

// InfraError is a failure of the pipeline's own infrastructure rather than
// of a patch. Shared errors affect every patch (source or store unreachable)
// and halt scheduling; the rest degrade a single patch to OutcomeError.
type InfraError struct {
	Component string
	Shared    bool
	Err       error
}

func (e *InfraError) Error() string {
	scope := "patch"
	if e.Shared {
		scope = "shared"
	}
	return fmt.Sprintf("%s infrastructure error (%s): %v", e.Component, scope, e.Err)
}

func (e *InfraError) Unwrap() error {
	return e.Err
}

// SharedError wraps err as an infrastructure error affecting every patch.
func SharedError(component string, err error) error {
	return &InfraError{Component: component, Shared: true, Err: err}
}

// LocalError wraps err as an infrastructure error affecting one patch.
func LocalError(component string, err error) error {
	return &InfraError{Component: component, Err: err}
}

// IsShared reports whether err carries a shared infrastructure error.
func IsShared(err error) bool {
	var infra *InfraError
	return errors.As(err, &infra) && infra.Shared
}
