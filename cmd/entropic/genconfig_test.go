// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/entropic/config"
)

func TestGenconfig(t *testing.T) {
	require := require.New(t)

	out := t.TempDir()
	paths, err := genconfig(genconfigConfig{
		OutDir:    out,
		UserIDs:   []string{"alice", "bob"},
		EaaSToken: "dummy_token",
		Malicious: 2,
	})
	require.NoError(err)
	require.Len(paths, 2)
	require.Equal(filepath.Join(out, "alice", configFileName), paths[0])

	cfg, err := config.LoadFile(paths[1])
	require.NoError(err)
	require.Equal("bob", cfg.UserID)
	require.Equal(filepath.Join(out, "bob"), cfg.DataDir)
	require.Len(cfg.Cache.DeviceSecret, 64)
	require.Equal(2, cfg.Cluster.NumMaliciousServers)
	require.Equal(8, cfg.Cluster.NumActiveLogicalBlastServers)
	require.Len(cfg.Sources, 1)
	require.Equal("dummy_token", cfg.Sources[0].Token)
	require.Len(cfg.QDEA, 1)

	alice, err := config.LoadFile(paths[0])
	require.NoError(err)
	require.NotEqual(alice.Cache.DeviceSecret, cfg.Cache.DeviceSecret)

	_, err = genconfig(genconfigConfig{OutDir: out})
	require.Error(err)
}

func TestDemoCommand(t *testing.T) {
	require := require.New(t)

	out := t.TempDir()
	paths, err := genconfig(genconfigConfig{
		OutDir:       out,
		UserIDs:      []string{"alice", "bob"},
		DeviceSecret: "Password124",
	})
	require.NoError(err)

	// Shrink the caches so the demo stays quick.
	for _, p := range paths {
		cfg, err := config.LoadFile(p)
		require.NoError(err)
		cfg.Cache.TargetPoolCapacity = 4 * config.KB
		cfg.Cache.TargetMessageLength = 256
		cfg.Cache.TargetNumMessages = 4
		_, err = saveCfg(cfg, out)
		require.NoError(err)
	}

	cmd := newRootCommand()
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetArgs([]string{
		"demo",
		"--alice", paths[0],
		"--bob", paths[1],
		"--log-level", "ERROR",
		"-m", "hello world",
	})
	require.NoError(cmd.ExecuteContext(context.Background()))
	require.Equal("alice: hello world\n", stdout.String())
}
