package graph

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/stagegraph/graph/dag"
)

// ErrCycle is returned when the declared stage dependencies form a cycle.
var ErrCycle = dag.ErrCycle

// ErrAlreadyRun is returned when Run is called twice on the same engine.
var ErrAlreadyRun = errors.New("engine has already run")

// EngineError reports misuse of the engine API or a structural problem found
// while assembling a plan.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// IsolatedStageError is raised at build time when stages have neither
// inbound nor outbound edges after augmentation.
type IsolatedStageError struct {
	Stages []string
}

func (e *IsolatedStageError) Error() string {
	return fmt.Sprintf("isolated stages: %s", strings.Join(e.Stages, ", "))
}

// MissingTransitionError is raised at build time when no transition is
// defined for a pair of stage types joined by an edge.
type MissingTransitionError struct {
	From     string
	To       string
	FromType StageType
	ToType   StageType
}

func (e *MissingTransitionError) Error() string {
	return fmt.Sprintf("no transition from %s stage %s to %s stage %s", e.FromType, e.From, e.ToType, e.To)
}

// StageTimeoutError is returned when a stage's run exceeds its timeout.
type StageTimeoutError struct {
	Stage   string
	Next    string
	Timeout time.Duration
}

func (e *StageTimeoutError) Error() string {
	return fmt.Sprintf("stage %s timed out after %v (next: %s)", e.Stage, e.Timeout, e.Next)
}

// StageExecutionError is returned when a stage's run fails for any reason
// other than a timeout. It names the failing edge.
type StageExecutionError struct {
	From    string
	To      string
	Message string
	Cause   error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %s -> %s: %s", e.From, e.To, e.Message)
}

func (e *StageExecutionError) Unwrap() error {
	return e.Cause
}

// ErrorRecord is one failure accumulated by the Error stage.
type ErrorRecord struct {
	Generation int
	From       string
	To         string
	Err        error
	At         time.Time
}

// ErrorRecorder is implemented by the framework Error stage.
type ErrorRecorder interface {
	Record(rec ErrorRecord)
	Records() []ErrorRecord
}
