package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventhub/pkg/eventhub/webhook"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "eventhub.yaml")
	content := "store:\n  driver: sqlite\n  dsn: " + filepath.Join(dir, "eventhub.db") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestMigrateAndCredential(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "", "migrate", "status", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "pending")

	out, err = run(t, "", "migrate", "up", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "current")

	out, err = run(t, "", "credential", "new", "--config", cfg, "--user", "u1", "--scope", "events")
	require.NoError(t, err)
	assert.Contains(t, out, "User:       u1")
	assert.Contains(t, out, "Secret:")
}

func TestMemoryStoreCannotMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eventhub.toml")
	require.NoError(t, os.WriteFile(path, []byte("[store]\ndriver = \"memory\"\n"), 0o600))

	_, err := run(t, "", "migrate", "up", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory")
}

func TestVerify(t *testing.T) {
	body := `{"event":{"id":"e1"}}`
	sig := webhook.Sign("whsec", []byte(body))

	out, err := run(t, body, "verify", sig, "--secret", "whsec")
	require.NoError(t, err)
	assert.Contains(t, out, "signature ok")

	_, err = run(t, body+" ", "verify", sig, "--secret", "whsec")
	assert.Error(t, err)
}
