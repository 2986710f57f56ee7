package events

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"btc-bridge/internal/logger"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		entry := make(map[string]interface{})
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid log line %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestLogEventTracer(t *testing.T) {
	var buf bytes.Buffer
	log, err := logger.NewWithWriter(&buf, "info")
	if err != nil {
		t.Fatalf("NewWithWriter failed: %v", err)
	}
	tracer := NewLogEventTracer(log)

	tracer.RecordEvent(7, EventDepositRegistered, EventPayload{"value": 1000})
	tracer.RecordTransition(8, StateNoPending, StatePendingBuild, "create")
	tracer.RecordCall(9, "requestRelease", CallSucceeded, nil)
	tracer.RecordCall(9, "requestRelease", CallRejected, EventPayload{"error": "below minimum"})

	entries := decodeLines(t, &buf)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries (successful call below level), got %d", len(entries))
	}

	if entries[0]["message"] != string(EventDepositRegistered) || entries[0]["value"] != float64(1000) {
		t.Errorf("unexpected event entry: %v", entries[0])
	}
	if entries[0]["component"] != "events" || entries[0]["block"] != float64(7) {
		t.Errorf("missing component or block: %v", entries[0])
	}
	if entries[1]["to"] != string(StatePendingBuild) || entries[1]["trigger"] != "create" {
		t.Errorf("unexpected transition entry: %v", entries[1])
	}
	if entries[2]["level"] != "warn" || entries[2]["outcome"] != string(CallRejected) {
		t.Errorf("unexpected call entry: %v", entries[2])
	}
}

func TestLogEventTracer_NilLogger(t *testing.T) {
	var tracer EventTracer = NewLogEventTracer(nil)
	tracer.RecordEvent(1, EventHeadersSubmitted, nil)
	tracer.RecordCall(1, "x", CallFailed, nil)
}
