// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/katzenpost/entropic/config"
	"github.com/katzenpost/entropic/core/log"
	"github.com/katzenpost/entropic/internal/instrument"
	"github.com/katzenpost/entropic/internal/profiling"
	"github.com/katzenpost/entropic/qdea"
	"github.com/katzenpost/entropic/relay"
	"github.com/katzenpost/entropic/user"
)

type demoConfig struct {
	AliceConfig string
	BobConfig   string
	DataDir     string
	Message     string
	ThreadID    string
	LogLevel    string
	MetricsAddr string
}

func newDemoCommand() *cobra.Command {
	var cfg demoConfig

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Send a message from alice to bob over an in-process relay",
		Long: `Demo starts two users, alice and bob, each with its own entropy cache and
ratchet session. Alice encrypts the message for bob and publishes it to a
relay thread as base64 text. Bob subscribes to the thread, decrypts the
message and prints it.

Both users use the fixture key service, which is NOT secure.`,
		Example: `  # Send "hello world" with generated configurations
  entropic demo

  # Use configurations written by genconfig
  entropic demo --alice alice/entropic.toml --bob bob/entropic.toml -m "hi bob"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.AliceConfig, "alice", "", "alice's configuration file")
	cmd.Flags().StringVar(&cfg.BobConfig, "bob", "", "bob's configuration file")
	cmd.Flags().StringVarP(&cfg.DataDir, "data-dir", "d", "", "data directory for generated configurations (default: a temporary directory)")
	cmd.Flags().StringVarP(&cfg.Message, "message", "m", "hello world", "message alice sends")
	cmd.Flags().StringVarP(&cfg.ThreadID, "thread", "t", "hello-world", "relay thread id")
	cmd.Flags().StringVar(&cfg.LogLevel, "log-level", "NOTICE", "log level")
	cmd.Flags().StringVar(&cfg.MetricsAddr, "metrics", "", "address to serve prometheus metrics on")
	return cmd
}

func demoUserConfig(file, dataDir, userID string) (*config.Config, error) {
	if file != "" {
		cfg, err := config.LoadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file '%v': %w", file, err)
		}
		return cfg, nil
	}
	cfg := newUserConfig(userID, dataDir)
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runDemo(ctx context.Context, cmd *cobra.Command, cfg demoConfig) error {
	if cfg.DataDir == "" {
		dir, err := os.MkdirTemp("", "entropic-demo")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		cfg.DataDir = dir
	}
	dataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return err
	}
	cfg.DataDir = dataDir

	logBackend, err := log.New("", cfg.LogLevel, false)
	if err != nil {
		return err
	}
	defer logBackend.Close()
	l := logBackend.GetLogger("demo")

	instrument.Init(cfg.MetricsAddr)
	stopProfiling, err := profiling.Start(l, "demo")
	if err != nil {
		return err
	}
	defer stopProfiling()

	aliceCfg, err := demoUserConfig(cfg.AliceConfig, cfg.DataDir, "alice")
	if err != nil {
		return err
	}
	bobCfg, err := demoUserConfig(cfg.BobConfig, cfg.DataDir, "bob")
	if err != nil {
		return err
	}

	// Both users draw on the same simulated QDEA cluster.
	cluster, err := qdea.NewServerCluster(aliceCfg.Cluster)
	if err != nil {
		return err
	}

	alice, err := user.New(aliceCfg, logBackend, user.WithServerCluster(cluster))
	if err != nil {
		return err
	}
	bob, err := user.New(bobCfg, logBackend, user.WithServerCluster(cluster))
	if err != nil {
		alice.Stop()
		return err
	}
	defer bob.Stop()
	defer alice.Stop()

	if err := alice.Start(ctx); err != nil {
		return err
	}
	if err := bob.Start(ctx); err != nil {
		return err
	}

	r := relay.NewMemRelay(logBackend)
	defer r.Halt()

	id, err := alice.Send(ctx, r, cfg.ThreadID, bob.ID, []byte(cfg.Message))
	if err != nil {
		return err
	}
	l.Noticef("%s published message %s to thread %s", alice.ID, id, cfg.ThreadID)

	sub, err := r.Subscribe(ctx, cfg.ThreadID, 0)
	if err != nil {
		return err
	}
	msg, err := bob.Receive(ctx, sub)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", msg.SenderID, msg.Plaintext)
	return err
}
