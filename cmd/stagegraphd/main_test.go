// Package main provides subprocess integration tests for the
// stagegraphd CLI, in the same build-and-exec style as
// cmd/envelope/main_test.go.
package main

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var binaryPath string

func TestMain(m *testing.M) {
	var err error
	binaryPath, err = buildCLI()
	if err != nil {
		panic("failed to build CLI for testing: " + err.Error())
	}
	code := m.Run()
	if binaryPath != "" {
		os.Remove(binaryPath)
	}
	os.Exit(code)
}

func buildCLI() (string, error) {
	binName := "stagegraphd-test"
	if runtime.GOOS == "windows" {
		binName += ".exe"
	}
	binPath := filepath.Join(os.TempDir(), binName)
	cmd := exec.Command("go", "build", "-o", binPath, ".")
	cmd.Dir = "."
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", &exec.ExitError{Stderr: output}
	}
	return binPath, nil
}

func writeTempConfig(t *testing.T, yamlBody string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "stagegraphd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))
	return path
}

const echoPipelineConfig = `
pipelines:
  greet:
    stages:
      - name: step1
        kind: echo
`

func TestCLI_RunEchoesInput(t *testing.T) {
	configPath := writeTempConfig(t, echoPipelineConfig)

	cmd := exec.Command(binaryPath, "run", "-config", configPath, "-pipeline", "greet")
	cmd.Stdin = strings.NewReader(`{"hello":"world"}`)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	require.NoError(t, err, stderr.String())

	var result map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &result))
	assert.True(t, result["success"].(bool))
	output, ok := result["output"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "world", output["hello"])
}

func TestCLI_RunUnknownPipeline(t *testing.T) {
	configPath := writeTempConfig(t, echoPipelineConfig)

	cmd := exec.Command(binaryPath, "run", "-config", configPath, "-pipeline", "missing")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	require.Error(t, err)
	assert.Contains(t, stderr.String(), "unknown pipeline")
}

func TestCLI_RunRequiresPipelineFlag(t *testing.T) {
	configPath := writeTempConfig(t, echoPipelineConfig)

	cmd := exec.Command(binaryPath, "run", "-config", configPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	require.Error(t, err)
	assert.Contains(t, stderr.String(), "-pipeline is required")
}

func TestCLI_VersionCommand(t *testing.T) {
	cmd := exec.Command(binaryPath, "version")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	require.NoError(t, cmd.Run())
	assert.Contains(t, stdout.String(), "stagegraphd")
}

func TestCLI_UnknownCommand(t *testing.T) {
	cmd := exec.Command(binaryPath, "bogus")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	require.Error(t, err)
	assert.Contains(t, stderr.String(), "unknown command")
}

func TestCLI_FailingStageFailsRun(t *testing.T) {
	configPath := writeTempConfig(t, `
pipelines:
  broken:
    stages:
      - name: step1
        kind: fail
`)
	cmd := exec.Command(binaryPath, "run", "-config", configPath, "-pipeline", "broken")
	cmd.Stdin = strings.NewReader(`{}`)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	err := cmd.Run()
	require.Error(t, err)

	var result map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &result))
	assert.False(t, result["success"].(bool))
}
