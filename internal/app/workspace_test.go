package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rideline/internal/config"
	"rideline/internal/remote"
)

func writeConfig(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(config.GenerateDefault("Test Club")), 0o644))
}

func TestOpenWiresEngine(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir)
	secrets := map[string]string{SecretAPIKey: "key", SecretAuthToken: "tok"}

	ws, err := Open(context.Background(), Options{Dir: dir, Secret: func(n string) string { return secrets[n] }})
	require.NoError(t, err)
	defer ws.Close()

	assert.Equal(t, "Test Club", ws.Config.Club.Name)
	assert.Equal(t, remote.AuthBasic, ws.Engine.Auth.Mode())
	headers, err := ws.Engine.Auth.Headers()
	require.NoError(t, err)
	assert.Contains(t, headers["Authorization"], "Basic ")

	items, err := ws.Engine.Queue.Items(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestOpenWithoutConfigFails(t *testing.T) {
	_, err := Open(context.Background(), Options{Dir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rl config init")
}

func TestOpenWithoutCredentialsDefersFailure(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir)
	ws, err := Open(context.Background(), Options{Dir: dir})
	require.NoError(t, err)
	defer ws.Close()
	_, err = ws.Engine.Auth.Headers()
	var ir remote.InvalidRequestError
	assert.ErrorAs(t, err, &ir)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, LoadDotEnv(dir))

	t.Setenv("RIDELINE_TEST_PRESET", "from-env")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("RIDELINE_TEST_DOTENV=loaded\nRIDELINE_TEST_PRESET=from-file\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("RIDELINE_TEST_DOTENV") })
	require.NoError(t, LoadDotEnv(dir))
	assert.Equal(t, "loaded", os.Getenv("RIDELINE_TEST_DOTENV"))
	assert.Equal(t, "from-env", os.Getenv("RIDELINE_TEST_PRESET"))
}
