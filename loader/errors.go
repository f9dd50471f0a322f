package loader

import (
	"errors"
	"fmt"
)

var (
	ErrImageInvalid   = errors.New("image is not valid for execution")
	ErrImageNotLoaded = errors.New("image has not been loaded")
	ErrBadImageFormat = errors.New("bad image format")
	ErrLoadInProgress = errors.New("load in progress")
	ErrNotActivated   = errors.New("unit has not had execution verified")
	ErrDomainClosed   = errors.New("domain is closed")
)

// Failure is a load error captured once on a unit. The same *Failure is
// returned for every later request above the level it was captured at.
type Failure struct {
	Unit  string // unit name
	Level Level  // last level completed before the failure
	Step  Level  // step that failed
	msg   string
	cause error
}

// freeze detaches err from the step that produced it. The message is
// rendered once so re-raising never depends on collaborator state.
func freeze(unit string, level, step Level, err error) *Failure {
	return &Failure{
		Unit:  unit,
		Level: level,
		Step:  step,
		msg:   err.Error(),
		cause: err,
	}
}

func (f *Failure) Error() string {
	return fmt.Sprintf("load %s: step %s failed: %s", f.Unit, f.Step, f.msg)
}

// Unwrap returns the original cause.
func (f *Failure) Unwrap() error {
	return f.cause
}
