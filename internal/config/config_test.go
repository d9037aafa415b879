package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLoadFrom_LayersAndDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
storage:
  driver: postgres
openai:
  api_key: ${TEST_SAFEREPLY_OPENAI}
pipeline:
  user_pause: 250ms
owners:
  - id: ou_1
    chat_ids: [oc_a, oc_b]
  - id: ${TEST_SAFEREPLY_MISSING_OWNER}
`)
	writeFile(t, dir, "local.yaml", `
storage:
  driver: sqlite
`)
	writeFile(t, dir, "secrets.env", "TEST_SAFEREPLY_OPENAI=sk-test\n")

	cfg, err := LoadFrom("local", dir)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "sk-test", cfg.OpenAI.APIKey)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.UserPause)
	assert.Equal(t, 5*time.Minute, cfg.Pipeline.EditTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.Pipeline.DedupTTL)
	assert.Equal(t, time.Hour, cfg.Emergency.Cooldown)
	require.Len(t, cfg.Owners, 1)
	assert.Equal(t, []string{"oc_a", "oc_b"}, cfg.Owners[0].ChatIDs)
	assert.False(t, cfg.Lark.Configured())
}

func TestLoadFrom_InvalidDriver(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "storage:\n  driver: mysql\n")

	_, err := LoadFrom("local", dir)
	assert.Error(t, err)
}

func TestValidate_DuplicateOwner(t *testing.T) {
	cfg := &Config{Owners: []OwnerConfig{{ID: "ou_1"}, {ID: "ou_1"}}}
	cfg.applyDefaults()
	assert.Error(t, cfg.Validate())
}
