package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDirectory = `
default:
  driver: sqlite
  database: DIR/default.db
databases:
  - name: eu
    driver: sqlite
    database: DIR/eu.db
    tenants: [tenant123, tenant456]
`

func writeDirectory(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := bytes.ReplaceAll([]byte(testDirectory), []byte("DIR"), []byte(dir))
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return dir, path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		tenancyConfigPath = ""
		migrateTarget = ""
		migrateAll = false
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestTenantsResolve(t *testing.T) {
	_, path := writeDirectory(t)

	out, err := run(t, "tenants", "resolve", "tenant123", "unknown", "--tenancy-config", path)
	require.NoError(t, err)
	assert.Equal(t, "tenant123\teu\nunknown\tdefault\n", out)
}

func TestTenantsList(t *testing.T) {
	_, path := writeDirectory(t)

	out, err := run(t, "tenants", "list", "--tenancy-config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "default (default)")
	assert.Contains(t, out, "tenant123,tenant456")
}

func TestMigrate(t *testing.T) {
	dir, path := writeDirectory(t)

	out, err := run(t, "migrate", "--all", "--tenancy-config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "migrated default")
	assert.Contains(t, out, "migrated eu")
	assert.FileExists(t, filepath.Join(dir, "eu.db"))
}

func TestMigrate_RequiresOneSelector(t *testing.T) {
	_, path := writeDirectory(t)

	_, err := run(t, "migrate", "--tenancy-config", path)
	assert.ErrorContains(t, err, "exactly one of --target or --all")
}

func TestMigrate_UnknownTarget(t *testing.T) {
	_, path := writeDirectory(t)

	_, err := run(t, "migrate", "--target", "missing", "--tenancy-config", path)
	assert.ErrorContains(t, err, `unknown database target "missing"`)
}
