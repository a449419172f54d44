package constants

// RunState is the canonical lifecycle state for rows in runs.
type RunState string

// Stable values (store these exact strings in DB).
const (
	RunStateCreated      RunState = "CREATED"      // validated, nothing processed yet
	RunStateExtracting   RunState = "EXTRACTING"   // per-file text extraction in progress
	RunStateInvoking     RunState = "INVOKING"     // texts persisted, model call pending or in flight
	RunStateSynthesizing RunState = "SYNTHESIZING" // model output persisted, report build pending
	RunStateCompleted    RunState = "COMPLETED"    // terminal success
	RunStateFailed       RunState = "FAILED"       // terminal failure, error recorded
)

// Stage names the phase a failure is attributed to.
type Stage string

const (
	StageExtracting   Stage = "EXTRACTING"
	StageInvoking     Stage = "INVOKING"
	StageSynthesizing Stage = "SYNTHESIZING"
)

// Terminal reports whether no further transitions are allowed from s.
func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateFailed
}

// next maps each state to its single forward successor.
var next = map[RunState]RunState{
	RunStateCreated:      RunStateExtracting,
	RunStateExtracting:   RunStateInvoking,
	RunStateInvoking:     RunStateSynthesizing,
	RunStateSynthesizing: RunStateCompleted,
}

// CanTransition reports whether from -> to is a legal transition: strictly
// forward along the pipeline, or to FAILED from any non-terminal state.
func CanTransition(from, to RunState) bool {
	if from.Terminal() {
		return false
	}
	if to == RunStateFailed {
		return true
	}
	return next[from] == to
}
