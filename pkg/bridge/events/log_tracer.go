package events

import (
	"btc-bridge/internal/logger"
)

// LogEventTracer writes every event to a logger. Rejected and failed calls are
// logged as warnings, everything else at debug level except state changes.
type LogEventTracer struct {
	log *logger.Logger
}

// NewLogEventTracer creates a tracer logging to log.
func NewLogEventTracer(log *logger.Logger) *LogEventTracer {
	if log == nil {
		log = logger.Nop()
	}
	return &LogEventTracer{log: log.Component("events")}
}

// RecordEvent implements EventTracer.
func (t *LogEventTracer) RecordEvent(block uint64, eventType EventType, payload EventPayload) {
	t.log.Info(string(eventType), payloadFields(block, payload)...)
}

// RecordTransition implements EventTracer.
func (t *LogEventTracer) RecordTransition(block uint64, from, to State, trigger string) {
	t.log.Info(string(EventStateTransition), "block", block, "from", string(from), "to", string(to), "trigger", trigger)
}

// RecordCall implements EventTracer.
func (t *LogEventTracer) RecordCall(block uint64, operation string, outcome CallOutcome, payload EventPayload) {
	fields := append(payloadFields(block, payload), "operation", operation, "outcome", string(outcome))
	switch outcome {
	case CallRejected, CallFailed:
		t.log.Warn("bridge call", fields...)
	default:
		t.log.Debug("bridge call", fields...)
	}
}

func payloadFields(block uint64, payload EventPayload) []interface{} {
	fields := make([]interface{}, 0, 2+2*len(payload))
	fields = append(fields, "block", block)
	for k, v := range payload {
		fields = append(fields, k, v)
	}
	return fields
}
