package cmd

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

const testScript = `
name: smoke
steps:
  - {op: create, layer: base}
  - {op: write, layer: base, path: /etc/hosts, data: 127.0.0.1}
  - {op: umount, layer: base}
  - {op: create, layer: web, parent: base, rw: true}
  - {op: read, layer: web, path: /etc/hosts, want: 127.0.0.1}
`

func writeTestFiles(t *testing.T) (cfgPath, scriptPath, storePath string) {
	dir := t.TempDir()
	storePath = filepath.Join(dir, "lcfs.db")
	cfgPath = filepath.Join(dir, "lcfs-config.yaml")
	cfgData := "total_blocks: 256\nmax_layers: 8\npage_cache_size: 32\n" +
		"device_path: " + filepath.Join(dir, "lcfs.img") + "\n" +
		"store_path: " + storePath + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgData), 0o600))
	scriptPath = filepath.Join(dir, "smoke.yaml")
	require.NoError(t, os.WriteFile(scriptPath, []byte(testScript), 0o600))
	return cfgPath, scriptPath, storePath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { outputFormat = "table" })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRunAndInspect(t *testing.T) {
	cfgPath, scriptPath, storePath := writeTestFiles(t)

	out, err := execute(t, "--config", cfgPath, "run", scriptPath)
	require.NoError(t, err)
	assert.Contains(t, out, "5 of 5 steps passed")

	out, err = execute(t, "--config", cfgPath, "inspect", "-o", "json")
	require.NoError(t, err)
	var report storeReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, storePath, report.Path)
	require.NotNil(t, report.Pool)
	assert.Equal(t, uint64(2), report.Pool.LayerCount)
	assert.Len(t, report.Layers, 3, "root layer, base and web")
}

func TestRunFailedStep(t *testing.T) {
	cfgPath, _, _ := writeTestFiles(t)
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("steps:\n  - {op: delete, layer: nope}\n"), 0o600))

	_, err := execute(t, "--config", cfgPath, "run", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 steps failed")
}

func TestRunHelpExample(t *testing.T) {
	cfgPath, _, _ := writeTestFiles(t)

	_, rest, ok := strings.Cut(runCmd.Long, "Example script:\n")
	require.True(t, ok)
	example, _, ok := strings.Cut(rest, "\n\nExamples:")
	require.True(t, ok)
	var lines []string
	for _, line := range strings.Split(example, "\n") {
		lines = append(lines, strings.TrimPrefix(line, "  "))
	}
	path := filepath.Join(t.TempDir(), "example.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))

	out, err := execute(t, "--config", cfgPath, "run", path)
	require.NoError(t, err)
	assert.Contains(t, out, "8 of 8 steps passed")
}

func TestRunTimeout(t *testing.T) {
	cfgPath, scriptPath, _ := writeTestFiles(t)
	t.Cleanup(func() { runTimeout = 0 })

	_, err := execute(t, "--config", cfgPath, "run", scriptPath, "--timeout", "1ns")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "script interrupted")
}

func TestInspectMissingStore(t *testing.T) {
	cfgPath, _, _ := writeTestFiles(t)
	_, err := execute(t, "--config", cfgPath, "inspect", "--store", filepath.Join(t.TempDir(), "none.db"))
	require.Error(t, err)
	inspectStorePath = ""
}

func TestConfigCommand(t *testing.T) {
	cfgPath, _, _ := writeTestFiles(t)
	out, err := execute(t, "--config", cfgPath, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "total_blocks: 256")
	assert.Contains(t, out, "max_layers: 8")
}
