package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnvPrecedence(t *testing.T) {
	Env = map[string]string{"INVOICEFOX_TEST_A": "from-file"}
	t.Setenv("INVOICEFOX_TEST_A", "from-os")
	t.Setenv("INVOICEFOX_TEST_B", "os-only")

	assert.Equal(t, "from-file", GetEnv("INVOICEFOX_TEST_A", "def"))
	assert.Equal(t, "os-only", GetEnv("INVOICEFOX_TEST_B", "def"))
	assert.Equal(t, "def", GetEnv("INVOICEFOX_TEST_MISSING", "def"))
}

func TestSetupEnvFileExportsValues(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("INVOICEFOX_TEST_FILE=yes\nINVOICEFOX_TEST_KEEP=file\n"), 0o644))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		_ = os.Chdir(wd)
		_ = os.Unsetenv("INVOICEFOX_TEST_FILE")
		Env = nil
	})
	t.Setenv("INVOICEFOX_TEST_KEEP", "process")

	assert.True(t, SetupEnvFile())
	assert.Equal(t, "yes", os.Getenv("INVOICEFOX_TEST_FILE"))
	assert.Equal(t, "process", os.Getenv("INVOICEFOX_TEST_KEEP"))
}
