package config

import (
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetConfigPathEnvOverride(t *testing.T) {
	t.Setenv("KOALA_CONFIG", "/tmp/custom-config")

	got, err := GetConfigPath()
	require.NoError(t, err)
	require.Equal(t, "/tmp/custom-config", got)
}

func TestGetConfigPathDefault(t *testing.T) {
	dir := t.TempDir()

	homeVar := "HOME"
	if runtime.GOOS == "windows" {
		homeVar = "USERPROFILE"
	}
	t.Setenv(homeVar, dir)
	t.Setenv("KOALA_CONFIG", "")

	got, err := GetConfigPath()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, ".koala", "config"), got)
}
