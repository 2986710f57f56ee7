package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriter_WritesFields(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(&buf, "debug")
	require.NoError(t, err)

	log.Component("headers").Info("tip updated", "height", 42, "hash", "abcd")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "tip updated", entry["message"])
	assert.Equal(t, "headers", entry["component"])
	assert.Equal(t, float64(42), entry["height"])
	assert.Equal(t, "abcd", entry["hash"])
}

func TestNewWithWriter_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(&buf, "warn")
	require.NoError(t, err)

	log.Info("dropped")
	log.Debug("dropped")
	assert.Zero(t, buf.Len())

	log.Warn("kept")
	assert.True(t, strings.Contains(buf.String(), "kept"))
}

func TestNewWithWriter_RejectsUnknownLevel(t *testing.T) {
	_, err := NewWithWriter(&bytes.Buffer{}, "verbose")
	assert.Error(t, err)
}

func TestFieldsToMap(t *testing.T) {
	t.Run("drops dangling key", func(t *testing.T) {
		m := fieldsToMap("a", 1, "b")
		assert.Equal(t, map[string]interface{}{"a": 1}, m)
	})

	t.Run("drops non-string keys", func(t *testing.T) {
		m := fieldsToMap(7, "x", "k", "v")
		assert.Equal(t, map[string]interface{}{"k": "v"}, m)
	})

	t.Run("nil for no fields", func(t *testing.T) {
		assert.Nil(t, fieldsToMap())
	})
}

func TestParseMaxSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"", 10, false},
		{"25MB", 25, false},
		{"25mb", 25, false},
		{"7", 7, false},
		{"big", 0, true},
		{"0MB", 0, true},
	}
	for _, tt := range tests {
		got, err := parseMaxSize(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestNopAndGlobal(t *testing.T) {
	// Global defaults to a discarding logger until Init is called.
	assert.NotNil(t, Global())
	Info("no panic before init")

	nop := Nop()
	nop.With("k", "v").Error("discarded")
}
