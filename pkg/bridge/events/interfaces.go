// Package events defines the event tracing abstraction the bridge reports its state
// changes through, so tests and monitors can observe it without touching the state.
package events

// EventTracer receives bridge events. Production uses NoOpEventTracer.
type EventTracer interface {
	// RecordEvent records a bridge event at the given native block
	RecordEvent(block uint64, eventType EventType, payload EventPayload)

	// RecordTransition records a federation change phase transition
	RecordTransition(block uint64, from, to State, trigger string)

	// RecordCall records a dispatched contract operation and its outcome
	RecordCall(block uint64, operation string, outcome CallOutcome, payload EventPayload)
}

// EventType represents the type of bridge event that occurred
type EventType string

const (
	// Header events
	EventHeadersSubmitted EventType = "headers_submitted"

	// Peg-in events
	EventDepositRegistered EventType = "deposit_registered"
	EventDepositRefunded   EventType = "deposit_refunded"
	EventReleaseObserved   EventType = "release_observed"

	// Peg-out events
	EventReleaseRequested     EventType = "release_requested"
	EventReleaseBuilt         EventType = "release_built"
	EventMigrationBuilt       EventType = "migration_built"
	EventSignatureAdded       EventType = "signature_added"
	EventTransactionFinalized EventType = "transaction_finalized"

	// Federation events
	EventFederationVote       EventType = "federation_vote"
	EventFederationCommitted  EventType = "federation_committed"
	EventFederationRolledBack EventType = "federation_rolled_back"
	EventFederationRetired    EventType = "federation_retired"

	// Governance events
	EventFeePerKbChanged   EventType = "fee_per_kb_changed"
	EventLockingCapChanged EventType = "locking_cap_changed"

	// State events
	EventStateTransition EventType = "state_transition"
)

// EventPayload contains event-specific data as key-value pairs
type EventPayload map[string]interface{}

// State represents the federation change phases
type State string

const (
	StateNoPending     State = "no_pending"
	StatePendingBuild  State = "pending_building"
	StatePendingCommit State = "pending_voting_commit"
)

// CallOutcome classifies how a dispatched operation ended
type CallOutcome string

const (
	CallSucceeded CallOutcome = "ok"
	CallNoOp      CallOutcome = "noop"
	CallRejected  CallOutcome = "rejected"
	CallFailed    CallOutcome = "failed"
)

// BridgeEvent represents a single recorded event
type BridgeEvent struct {
	Block     uint64       `json:"block"`
	EventType EventType    `json:"event_type"`
	Payload   EventPayload `json:"payload"`

	// State transition specific fields
	FromState State  `json:"from_state,omitempty"`
	ToState   State  `json:"to_state,omitempty"`
	Trigger   string `json:"trigger,omitempty"`

	// Call specific fields
	Operation string      `json:"operation,omitempty"`
	Outcome   CallOutcome `json:"outcome,omitempty"`
}

// NoOpEventTracer discards every event.
type NoOpEventTracer struct{}

// RecordEvent does nothing
func (t *NoOpEventTracer) RecordEvent(block uint64, eventType EventType, payload EventPayload) {}

// RecordTransition does nothing
func (t *NoOpEventTracer) RecordTransition(block uint64, from, to State, trigger string) {}

// RecordCall does nothing
func (t *NoOpEventTracer) RecordCall(block uint64, operation string, outcome CallOutcome, payload EventPayload) {
}
