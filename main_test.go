package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/config"
)

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "goopcall vdev\n", out.String())
}

func TestCommandsValidateArgs(t *testing.T) {
	for _, args := range [][]string{{"peer"}, {"call", "dir"}, {"version", "extra"}} {
		root := newRootCmd()
		root.SetOut(&bytes.Buffer{})
		root.SetErr(&bytes.Buffer{})
		root.SetArgs(args)
		assert.Error(t, root.Execute(), "%v", args)
	}
}

func TestLoadPeerCreatesConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "alice")

	_, _, _, err := loadPeer(dir, "")
	assert.ErrorContains(t, err, "identity.id is required")

	absDir, cfgPath, cfg, err := loadPeer(dir, "alice")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(absDir, config.FileName), cfgPath)
	assert.Equal(t, "alice", cfg.Identity.ID)

	// The identity flag only seeds a new directory.
	_, _, cfg, err = loadPeer(dir, "mallory")
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Identity.ID)
}
