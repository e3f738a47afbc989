package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()

	names := make([]string, 0, len(root.Commands()))
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}

	assert.Subset(t, names, []string{"run", "serve", "probe"})
}

func TestProbe_InvalidAddress(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"probe", "--addr", "64"})

	require.Error(t, root.Execute())
}

func TestRun_RequiresBusPort(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"run", "--recipe", "500,60,10,150"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus port")
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "platform.toml")
	require.NoError(t, os.WriteFile(path, []byte("[log]\nlevel = \"warn\"\n"), 0o600))

	flags := &rootFlags{configPath: path}
	cfg, l, err := flags.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.NotNil(t, l)

	flags.configPath = filepath.Join(t.TempDir(), "missing.toml")
	_, _, err = flags.loadConfig()
	require.Error(t, err)
}
