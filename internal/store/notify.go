package store

// NotifyFunc is invoked with a canonical event name after a mutator commits
// successfully. It is never called before the commit, and its failure (panic
// aside) has no effect on the already-committed transition — callers that
// need delivery guarantees must build their own retry around the sink.
type NotifyFunc func(event string)

// Canonical transition event names, invoked in this exact spelling.
const (
	EventSubmitted  = "SUBMITTED"
	EventStarting   = "STARTING"
	EventStarted    = "STARTED"
	EventRecovering = "RECOVERING"
	EventRecovered  = "RECOVERED"
	EventSucceeded  = "SUCCEEDED"
	EventFailed     = "FAILED"
	EventCancelling = "CANCELLING"
	EventCancelled  = "CANCELLED"
)
