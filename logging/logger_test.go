package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_JSONWithComponentAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: LogLevelDebug, Format: "json", Output: &buf, Component: "engine"})
	With(l, "run_id", "r-1").Info("hello", "k", "v")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "engine", entry["component"])
	assert.Equal(t, "r-1", entry["run_id"])
	assert.Equal(t, "v", entry["k"])
}

func TestNewLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: LogLevelWarn, Format: "text", Output: &buf})
	l.Info("dropped")
	assert.Zero(t, buf.Len())
	l.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

type recordingLogger struct {
	NoOpLogger
	msgs []string
	args [][]any
}

func (r *recordingLogger) Info(msg string, args ...any) {
	r.msgs = append(r.msgs, msg)
	r.args = append(r.args, args)
}

func (r *recordingLogger) Error(msg string, args ...any) {
	r.msgs = append(r.msgs, msg)
	r.args = append(r.args, args)
}

func TestWith_WrapsForeignLoggers(t *testing.T) {
	rec := &recordingLogger{}
	With(rec, "a", 1).Info("m", "b", 2)
	require.Len(t, rec.args, 1)
	assert.Equal(t, []any{"a", 1, "b", 2}, rec.args[0])
}

func TestDomainHelpers(t *testing.T) {
	rec := &recordingLogger{}
	LogTurn(rec, "engineer", 3, 120, time.Second, nil)
	LogTurn(rec, "engineer", 4, 0, time.Second, errors.New("boom"))
	LogRun(rec, "r-1", "success", "", 4, time.Minute)
	assert.Equal(t, []string{"Agent turn completed", "Agent turn failed", "Run finished"}, rec.msgs)
	assert.Contains(t, rec.args[1], "boom")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LogLevelWarn, ParseLevel("warning"))
	assert.Equal(t, LogLevelError, ParseLevel("error"))
	assert.Equal(t, LogLevelInfo, ParseLevel("nope"))
}

func TestFielders_OddKeyvals(t *testing.T) {
	f := fielders("m", []any{"a", 1, "dangling"})
	require.Len(t, f, 3)
}
