package emit

// Phase names emitted by the scheduler, the hook dispatcher and the built-in
// stages.
const (
	MsgPlanBuilt          = "plan_built"
	MsgGenerationStart    = "generation_start"
	MsgTransitionStart    = "transition_start"
	MsgTransitionEnd      = "transition_end"
	MsgTransitionSkipped  = "transition_skipped"
	MsgTransitionError    = "transition_error"
	MsgErrorRecorded      = "error_recorded"
	MsgHookWave           = "hook_wave"
	MsgActionsPrimed      = "actions_primed"
	MsgBatchExecuted      = "batch_executed"
	MsgAnalyzePartitioned = "analyze_partitioned"
	MsgAnalyzeReduced     = "analyze_reduced"
	MsgCheckpointSaved    = "checkpoint_saved"
	MsgCheckpointRestored = "checkpoint_restored"
	MsgSubmitted          = "submitted"
	MsgRunComplete        = "run_complete"
)

// Event is one structured observation of a run.
//
// Events describe phase changes: a generation starting, a transition finishing
// or failing, a hook wave being dispatched, an analyze reduction completing.
// Meta carries counts and durations for the phase.
type Event struct {
	// RunID identifies the run that emitted this event.
	RunID string

	// Generation is the index of the transition generation, or -1 for
	// run-level events.
	Generation int

	// Stage names the stage the event concerns. Empty for run-level events.
	Stage string

	// Msg is the phase name, one of the Msg constants for built-in events.
	Msg string

	// Meta contains additional structured data. Common keys:
	//   - "duration_ms": phase duration in milliseconds
	//   - "error": error text
	//   - "next": name of the downstream stage of a transition
	//   - "count": number of items processed
	Meta map[string]interface{}
}
