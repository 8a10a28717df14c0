package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute(), buf.String())
	return buf.String()
}

func readJSON(t *testing.T, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

// captureStd runs fn with stdout and stderr redirected to pipes and returns
// what was written to each
func captureStd(t *testing.T, fn func()) (stdout, stderr string) {
	t.Helper()
	read := func(r *os.File) <-chan string {
		ch := make(chan string, 1)
		go func() {
			data, _ := io.ReadAll(r)
			ch <- string(data)
		}()
		return ch
	}

	outR, outW, err := os.Pipe()
	require.NoError(t, err)
	errR, errW, err := os.Pipe()
	require.NoError(t, err)
	outCh, errCh := read(outR), read(errR)

	origOut, origErr := os.Stdout, os.Stderr
	os.Stdout, os.Stderr = outW, errW
	func() {
		defer func() { os.Stdout, os.Stderr = origOut, origErr }()
		fn()
	}()
	outW.Close()
	errW.Close()
	return <-outCh, <-errCh
}

func writeConfig(t *testing.T, dir, extra string) string {
	t.Helper()
	cfgPath := filepath.Join(dir, "voiceprint.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(
		"output_format: json\n"+
			"data_dir: "+dir+"\n"+
			"storage:\n"+
			"  backend: filesystem\n"+
			"  dir: "+filepath.Join(dir, "store")+"\n"+extra), 0o644))
	return cfgPath
}

func TestCLIEnrollmentLifecycle(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "voiceprint.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(
		"output_format: json\n"+
			"data_dir: "+dir+"\n"+
			"storage:\n"+
			"  backend: filesystem\n"+
			"  dir: "+filepath.Join(dir, "store")+"\n"), 0o644))

	sample := filepath.Join(dir, "sample.json")
	require.NoError(t, os.WriteFile(sample, []byte(`{"vector":[1,0,0]}`), 0o644))
	impostor := filepath.Join(dir, "impostor.yaml")
	require.NoError(t, os.WriteFile(impostor, []byte("vector: [-1, 0, 0]\n"), 0o644))

	out := filepath.Join(dir, "out.json")
	base := []string{"--config", cfgPath, "--output-file", out}

	exitCodes := []int{}
	exitFunc = func(code int) { exitCodes = append(exitCodes, code) }
	defer func() { exitFunc = os.Exit }()

	for i, index := range []string{"1", "2"} {
		execute(t, append(base, "stage", "alice", sample, "--index", index)...)
		assert.EqualValues(t, i+1, readJSON(t, out)["sample_count"])
	}

	execute(t, append(base, "status", "alice")...)
	status := readJSON(t, out)
	assert.Equal(t, "Accumulating", status["phase"])
	assert.EqualValues(t, 1, status["samples_needed"])

	execute(t, append(base, "finalize", "alice")...)
	assert.Equal(t, false, readJSON(t, out)["created"])

	execute(t, append(base, "enroll", "alice", sample, "--index", "3")...)
	assert.Equal(t, true, readJSON(t, out)["enrolled"])

	execute(t, append(base, "authenticate", "alice", sample)...)
	assert.Equal(t, true, readJSON(t, out)["is_match"])
	assert.Empty(t, exitCodes)

	execute(t, append(base, "authenticate", "alice", impostor)...)
	assert.Equal(t, false, readJSON(t, out)["is_match"])
	assert.Equal(t, []int{exitRejected}, exitCodes)

	execute(t, append(base, "clear", "alice")...)
	assert.Equal(t, true, readJSON(t, out)["cleared"])

	execute(t, append(base, "status", "alice")...)
	assert.Equal(t, "Empty", readJSON(t, out)["phase"])

	execute(t, append(base, "authenticate", "alice", sample)...)
	result := readJSON(t, out)
	assert.Equal(t, false, result["is_match"])
	assert.Equal(t, "unevaluated", result["outcome"])

	shown := execute(t, "--config", cfgPath, "config", "show")
	assert.Contains(t, shown, "filesystem")

	validated := execute(t, "--config", cfgPath, "config", "validate")
	assert.Contains(t, validated, "Configuration is valid")

	initPath := filepath.Join(dir, "init", "voiceprint.yaml")
	execute(t, "--config", cfgPath, "config", "init", initPath)
	assert.FileExists(t, initPath)
}

func TestCLIStdoutCarriesOnlyResults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "")
	sample := filepath.Join(dir, "sample.json")
	require.NoError(t, os.WriteFile(sample, []byte(`{"vector":[1,0,0]}`), 0o644))

	exitCodes := []int{}
	exitFunc = func(code int) { exitCodes = append(exitCodes, code) }
	defer func() { exitFunc = os.Exit }()

	base := []string{"--config", cfgPath, "--output-file", "", "--log-level", "info"}

	stdout, stderr := captureStd(t, func() {
		execute(t, append(base, "enroll", "bob", sample, "--index", "1")...)
	})
	var staged map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &staged), stdout)
	assert.EqualValues(t, 1, staged["sample_count"])
	assert.NotContains(t, stdout, "level=")

	stdout, stderr = captureStd(t, func() {
		execute(t, append(base, "clear", "bob")...)
	})
	var cleared map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &cleared), stdout)
	assert.Equal(t, true, cleared["cleared"])
	assert.Contains(t, stderr, "Enrollment cleared")

	// A feature file that cannot be read still reports the threshold in use
	stdout, _ = captureStd(t, func() {
		execute(t, append(base, "authenticate", "bob", filepath.Join(dir, "missing.json"))...)
	})
	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &result), stdout)
	assert.Equal(t, "unevaluated", result["outcome"])
	assert.Equal(t, false, result["is_match"])
	assert.EqualValues(t, 0, result["confidence"])
	assert.InDelta(t, 0.75, result["threshold"], 1e-9)
	assert.Equal(t, []int{exitRejected}, exitCodes)
}

func TestCLILogFileReceivesAppLogs(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "logs", "voiceprint.log")
	cfgPath := writeConfig(t, dir, "log_file: "+logPath+"\n")

	stdout, stderr := captureStd(t, func() {
		execute(t, "--config", cfgPath, "--output-file", "", "--log-level", "info", "clear", "carol")
	})

	var cleared map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &cleared), stdout)
	assert.NotContains(t, stderr, "Enrollment cleared")

	logged, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(logged), "Enrollment cleared")
	assert.Contains(t, string(logged), "user_id=carol")
}
