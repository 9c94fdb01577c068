package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		configFile = ""
		printTOML = false
		initForce = false
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestConfigInitAndPrint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harvester.toml")

	out, err := execute(t, "config", "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `harvest_addr = "localhost:8457"`)

	_, err = execute(t, "config", "init", "--config", path)
	assert.ErrorContains(t, err, "already exists")

	t.Setenv("CAPTCHAHARVESTER_LOG_LEVEL", "debug")
	out, err = execute(t, "config", "print", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, `"view_addr": "localhost:8456"`)
	assert.Contains(t, out, `"log_level": "debug"`)

	out, err = execute(t, "config", "print", "--toml", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, `session_timeout_seconds = 300`)
}
