// Package mocks provides in-memory implementations of the bridge's host interfaces
// for testing.
package mocks

import (
	"sync"

	"btc-bridge/pkg/bridge/events"
)

// BridgeEventTracer collects events for later assertions. It is safe for
// concurrent use.
type BridgeEventTracer struct {
	events []events.BridgeEvent
	mutex  sync.RWMutex
}

// NewBridgeEventTracer creates a new collecting tracer
func NewBridgeEventTracer() *BridgeEventTracer {
	return &BridgeEventTracer{
		events: make([]events.BridgeEvent, 0, 64),
	}
}

// RecordEvent records a bridge event
func (t *BridgeEventTracer) RecordEvent(block uint64, eventType events.EventType, payload events.EventPayload) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.events = append(t.events, events.BridgeEvent{
		Block:     block,
		EventType: eventType,
		Payload:   payload,
	})
}

// RecordTransition records a federation phase transition
func (t *BridgeEventTracer) RecordTransition(block uint64, from, to events.State, trigger string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.events = append(t.events, events.BridgeEvent{
		Block:     block,
		EventType: events.EventStateTransition,
		FromState: from,
		ToState:   to,
		Trigger:   trigger,
		Payload: events.EventPayload{
			"from_state": string(from),
			"to_state":   string(to),
			"trigger":    trigger,
		},
	})
}

// RecordCall records a dispatched operation
func (t *BridgeEventTracer) RecordCall(block uint64, operation string, outcome events.CallOutcome, payload events.EventPayload) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.events = append(t.events, events.BridgeEvent{
		Block:     block,
		EventType: events.EventType("call_" + string(outcome)),
		Operation: operation,
		Outcome:   outcome,
		Payload:   payload,
	})
}

// GetEvents returns a copy of all recorded events
func (t *BridgeEventTracer) GetEvents() []events.BridgeEvent {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	eventsCopy := make([]events.BridgeEvent, len(t.events))
	copy(eventsCopy, t.events)
	return eventsCopy
}

// GetEventsByType returns all events of a specific type
func (t *BridgeEventTracer) GetEventsByType(eventType events.EventType) []events.BridgeEvent {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	var filtered []events.BridgeEvent
	for _, event := range t.events {
		if event.EventType == eventType {
			filtered = append(filtered, event)
		}
	}
	return filtered
}

// GetCalls returns the recorded calls of operation
func (t *BridgeEventTracer) GetCalls(operation string) []events.BridgeEvent {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	var filtered []events.BridgeEvent
	for _, event := range t.events {
		if event.Operation == operation {
			filtered = append(filtered, event)
		}
	}
	return filtered
}

// Reset clears all recorded events
func (t *BridgeEventTracer) Reset() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.events = t.events[:0]
}

// GetEventCount returns the total number of recorded events
func (t *BridgeEventTracer) GetEventCount() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return len(t.events)
}
