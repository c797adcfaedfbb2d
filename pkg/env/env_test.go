package env

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDuration(t *testing.T) {
	t.Setenv("CALL_TEST_TTL", "3600")
	assert.Equal(t, time.Hour, GetDuration("CALL_TEST_TTL", time.Minute))

	t.Setenv("CALL_TEST_TTL", "45s")
	assert.Equal(t, 45*time.Second, GetDuration("CALL_TEST_TTL", time.Minute))

	t.Setenv("CALL_TEST_TTL", "soon")
	assert.Equal(t, time.Minute, GetDuration("CALL_TEST_TTL", time.Minute))
}

func TestGetStringFromFile(t *testing.T) {
	secret := filepath.Join(t.TempDir(), "cert")
	require.NoError(t, os.WriteFile(secret, []byte("s3cret\n"), 0o600))

	t.Setenv("CALL_TEST_CERT", "from-env")
	assert.Equal(t, "from-env", GetStringFromFile("CALL_TEST_CERT", ""))

	t.Setenv("CALL_TEST_CERT_FILE", secret)
	assert.Equal(t, "s3cret", GetStringFromFile("CALL_TEST_CERT", ""))
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("CALL_TEST_DOTENV=loaded\nCALL_TEST_PRESET=file\n"), 0o600))

	t.Setenv("CALL_TEST_PRESET", "shell")
	t.Cleanup(func() { os.Unsetenv("CALL_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "loaded", GetString("CALL_TEST_DOTENV", ""))
	assert.Equal(t, "shell", GetString("CALL_TEST_PRESET", ""))
}

func TestGetStringSlice(t *testing.T) {
	t.Setenv("CALL_TEST_HOSTS", "cass-1, cass-2,,")
	assert.Equal(t, []string{"cass-1", "cass-2"}, GetStringSlice("CALL_TEST_HOSTS", nil))

	t.Setenv("CALL_TEST_HOSTS", " , ")
	assert.Equal(t, []string{"localhost"}, GetStringSlice("CALL_TEST_HOSTS", []string{"localhost"}))
}
