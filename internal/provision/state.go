package provision

import "fmt"

// State represents the lifecycle state of a single model's provisioning
// pass. A provisioner holds exactly one State at a time and all
// transitions go through Next.
type State string

const (
	StateInitializing State = "initializing"
	StateIndexing     State = "indexing"
	StatePaused       State = "paused"
	StateDownloading  State = "downloading"
	StatePausing      State = "pausing"
	StateFinished     State = "finished"
)

// Event is a provisioning state-machine input.
type Event string

const (
	// EventManifestReady fires once the params manifest is present
	// locally, either loaded from disk or freshly fetched.
	EventManifestReady Event = "manifest_ready"
	// EventIndexedComplete fires when an indexing pass found every file.
	EventIndexedComplete Event = "indexed_complete"
	// EventIndexedMissing fires when an indexing pass found gaps.
	EventIndexedMissing Event = "indexed_missing"
	// EventStart is the caller's request to begin downloading.
	EventStart Event = "start"
	// EventPause is the caller's request to stop starting new downloads.
	EventPause Event = "pause"
	// EventDrained fires when the last in-flight download of a pausing
	// provisioner finishes.
	EventDrained Event = "drained"
	// EventDownloadsDone fires when the missing set was fully drained.
	EventDownloadsDone Event = "downloads_done"
)

var transitions = map[State]map[Event]State{
	StateInitializing: {
		EventManifestReady: StateIndexing,
	},
	StateIndexing: {
		EventIndexedComplete: StateFinished,
		EventIndexedMissing:  StatePaused,
	},
	StatePaused: {
		EventStart: StateDownloading,
	},
	StateDownloading: {
		EventPause:         StatePausing,
		EventDownloadsDone: StateFinished,
	},
	StatePausing: {
		EventDrained: StatePaused,
	},
	// StateFinished is terminal within one process lifetime.
}

// invalidTransitionError reports a rejected state-machine edge.
type invalidTransitionError struct {
	s State
	e Event
}

func (e invalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s on %s", e.e, e.s)
}

// IsInvalidTransition reports whether err is a rejected transition, so
// callers can map it to a conflict with the current state.
func IsInvalidTransition(err error) bool {
	_, ok := err.(invalidTransitionError)
	return ok
}

// Next returns the state reached by applying e in s. Invalid edges are
// rejected with an error instead of being silently ignored.
func Next(s State, e Event) (State, error) {
	if next, ok := transitions[s][e]; ok {
		return next, nil
	}
	return s, invalidTransitionError{s: s, e: e}
}
