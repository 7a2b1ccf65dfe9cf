package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, lvl)

	_, err = ParseLevel("verbose")
	assert.ErrorIs(t, err, ErrLevel)
}

func TestNewWriterLevels(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWriter(&buf, "info")
	require.NoError(t, err)

	log.Info("ring pass complete", "devices", 4)
	log.V(1).Info("device step")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "ring pass complete", entry["msg"])
	assert.Equal(t, 4.0, entry["devices"])

	buf.Reset()
	log, err = NewWriter(&buf, "debug")
	require.NoError(t, err)
	log.V(1).Info("device step")
	assert.Contains(t, buf.String(), "device step")
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, flush, err := New("ringattn", "loud")
	assert.ErrorIs(t, err, ErrLevel)
	flush()
}
