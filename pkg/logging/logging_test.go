package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	original := logger.Out
	originalLevel := logger.GetLevel()
	logger.SetOutput(&buf)
	t.Cleanup(func() {
		logger.SetOutput(original)
		logger.SetLevel(originalLevel)
	})
	return &buf
}

func TestSetLevel(t *testing.T) {
	buf := captureOutput(t)

	SetLevel(InfoLevel)
	Debugf("Debug message")
	assert.Empty(t, buf.String())

	buf.Reset()
	Infof("Info message")
	assert.Contains(t, buf.String(), "Info message")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, WarnLevel, ParseLevel("warning"))
	assert.Equal(t, ErrorLevel, ParseLevel("error"))
	assert.Equal(t, InfoLevel, ParseLevel("bogus"))
}

func TestWithFields(t *testing.T) {
	buf := captureOutput(t)
	SetLevel(DebugLevel)

	DebugWithFields(Fields{"component": "tcp", "port": 5000}, "segment dropped")
	out := buf.String()
	assert.Contains(t, out, "segment dropped")
	assert.Contains(t, out, "component=tcp")
	assert.Contains(t, out, "port=5000")

	buf.Reset()
	Component("rip").Warn("route expired")
	assert.Contains(t, buf.String(), "component=rip")
}

func TestEnableFileLogging(t *testing.T) {
	original := logger.Out
	t.Cleanup(func() { logger.SetOutput(original) })

	dir := t.TempDir()
	require.NoError(t, EnableFileLogging(dir, "stack.log", 1, 1, 1, false))
	Errorf("written to file")

	data, err := os.ReadFile(filepath.Join(dir, "stack.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}
