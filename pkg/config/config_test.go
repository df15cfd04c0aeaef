package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `mapstructure:"name"`
	Store struct {
		Driver string `mapstructure:"driver"`
	} `mapstructure:"store"`
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "demo-svc.yaml"),
		[]byte("name: demo\nstore:\n  driver: memory\n"), 0o644))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	t.Setenv("DEMO_SVC_STORE_DRIVER", "mysql")

	var out sample
	_, err = Load("demo-svc", &out)
	require.NoError(t, err)
	assert.Equal(t, "demo", out.Name)
	assert.Equal(t, "mysql", out.Store.Driver)
}

func TestLoad_Missing(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	var out sample
	_, err = Load("nothing-here", &out)
	assert.Error(t, err)
}
