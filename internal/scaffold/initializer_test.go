package scaffold

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dyluth/warren/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize_FreshDirectory(t *testing.T) {
	dir := t.TempDir()

	written, err := Initialize(dir, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"warren.yml", filepath.Join("agents", "echo", "agent.sh"), ".env.example"}, written)

	info, err := os.Stat(filepath.Join(dir, "agents", "echo", "agent.sh"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0111, "agent must be executable")

	cfg, err := config.Load(filepath.Join(dir, "warren.yml"))
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.Instance)
	assert.Equal(t, []string{"./agents/echo/agent.sh"}, cfg.Processor.Command)
}

func TestInitialize_RefusesToOverwrite(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "warren.yml"), []byte("old"), 0644))

	_, err := Initialize(dir, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "project already initialized")
	assert.Contains(t, err.Error(), "warren.yml")

	data, err := os.ReadFile(filepath.Join(dir, "warren.yml"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}

func TestInitialize_ForceOverwrites(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "warren.yml"), []byte("old"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.example"), []byte("old"), 0600))

	_, err := Initialize(dir, true)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "warren.yml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `version: "1.0"`)

	info, err := os.Stat(filepath.Join(dir, "warren.yml"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
}

func TestCheckExisting_ListsAllFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, CheckExisting(dir))

	_, err := Initialize(dir, false)
	require.NoError(t, err)

	err = CheckExisting(dir)
	require.Error(t, err)
	for _, f := range Files {
		assert.Contains(t, err.Error(), f.Path)
	}
}

func TestExampleAgent_EchoesInput(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	_, err := Initialize(dir, false)
	require.NoError(t, err)

	cmd := exec.CommandContext(context.Background(), filepath.Join(dir, "agents", "echo", "agent.sh"))
	cmd.Stdin = strings.NewReader(`{"room_id":"general","seq":1}`)
	out, err := cmd.Output()
	require.NoError(t, err)

	var result struct {
		Echo map[string]any `json:"echo"`
	}
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Equal(t, "general", result.Echo["room_id"])
}
