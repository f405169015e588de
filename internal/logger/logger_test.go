package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel("WARN")
	defer SetLevel("INFO")

	Info("hidden %d", 1)
	Warn("shown %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] shown 2")
}

func TestIsDebug(t *testing.T) {
	SetLevel("debug")
	assert.True(t, IsDebug())
	SetLevel("INFO")
	assert.False(t, IsDebug())
}

func TestConfigureJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dhtfs.log")
	require.NoError(t, Configure("INFO", "json", path))
	defer SetOutput(os.Stdout)

	Info("mounted %s", "/mnt/x")
	Debug("not written")

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "mounted /mnt/x", rec["msg"])
	assert.Equal(t, "INFO", rec["level"])
}

func TestConfigureBadOutput(t *testing.T) {
	err := Configure("INFO", "text", filepath.Join(t.TempDir(), "missing", "x.log"))
	assert.Error(t, err)
}
