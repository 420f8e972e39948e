// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/katzenpost/hpqc/rand"
	"github.com/spf13/cobra"

	"github.com/katzenpost/entropic/config"
)

const configFileName = "entropic.toml"

type genconfigConfig struct {
	OutDir       string
	DataDir      string
	UserIDs      []string
	DeviceSecret string
	EaaSToken    string
	Malicious    int
	FailStop     int
}

func newGenconfigCommand() *cobra.Command {
	var cfg genconfigConfig

	cmd := &cobra.Command{
		Use:   "genconfig",
		Short: "Generate user configurations",
		Long: `Genconfig writes one validated configuration file per user, at
<out>/<user>/entropic.toml, with every default filled in.`,
		Example: `  # Configurations for alice and bob
  entropic genconfig -o ./configs -u alice -u bob

  # Draw from EaaS as well as the QDEA cluster
  entropic genconfig -o ./configs -u alice --eaas-token $TOKEN`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := genconfig(cfg)
			for _, p := range paths {
				fmt.Fprintf(cmd.OutOrStdout(), "writing %s\n", p)
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&cfg.OutDir, "out", "o", ".", "output directory")
	cmd.Flags().StringVar(&cfg.DataDir, "data-dir", "", "absolute data directory root for the users (default: the output directory)")
	cmd.Flags().StringSliceVarP(&cfg.UserIDs, "user", "u", []string{"alice", "bob"}, "user ids")
	cmd.Flags().StringVar(&cfg.DeviceSecret, "device-secret", "", "device secret sealing cached entropy (default: random)")
	cmd.Flags().StringVar(&cfg.EaaSToken, "eaas-token", "", "entropy as a service token, enables the EaaS source")
	cmd.Flags().IntVar(&cfg.Malicious, "malicious", 0, "number of malicious QDEA servers")
	cmd.Flags().IntVar(&cfg.FailStop, "fail-stop", 0, "number of fail-stop QDEA servers")
	return cmd
}

// newUserConfig returns an unvalidated configuration for userID storing
// its state below dataDir.
func newUserConfig(userID, dataDir string) *config.Config {
	return &config.Config{
		UserID:  userID,
		DataDir: filepath.Join(dataDir, userID),
		Cache: &config.CacheConfig{
			DeviceSecret: "Password124",
		},
	}
}

func genconfig(gCfg genconfigConfig) ([]string, error) {
	if len(gCfg.UserIDs) == 0 {
		return nil, errors.New("at least one user is required")
	}
	outDir, err := filepath.Abs(gCfg.OutDir)
	if err != nil {
		return nil, err
	}
	dataDir := gCfg.DataDir
	if dataDir == "" {
		dataDir = outDir
	}

	var paths []string
	for _, id := range gCfg.UserIDs {
		cfg := newUserConfig(id, dataDir)
		cfg.Cache.DeviceSecret = gCfg.DeviceSecret
		if cfg.Cache.DeviceSecret == "" {
			if cfg.Cache.DeviceSecret, err = randomSecret(); err != nil {
				return paths, err
			}
		}
		cfg.Cluster = &config.ServerCluster{
			NumLogicalBlastServers:       10,
			NumActiveLogicalBlastServers: 10 - gCfg.Malicious - gCfg.FailStop,
			NumFailStopServers:           gCfg.FailStop,
			NumMaliciousServers:          gCfg.Malicious,
		}
		cfg.QDEA = []*config.QDEASource{{ID: "qdea"}}
		if gCfg.EaaSToken != "" {
			cfg.Sources = []*config.RandomSource{{
				Kind:  config.SourceEaaS,
				ID:    "eaas",
				Token: gCfg.EaaSToken,
			}}
		}
		if err := cfg.FixupAndValidate(); err != nil {
			return paths, fmt.Errorf("%v: %w", id, err)
		}

		p, err := saveCfg(cfg, outDir)
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func randomSecret() (string, error) {
	var b [32]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func saveCfg(cfg *config.Config, outDir string) (string, error) {
	dir := filepath.Join(outDir, cfg.UserID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	fileName := filepath.Join(dir, configFileName)
	f, err := os.OpenFile(fileName, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return "", fmt.Errorf("os.OpenFile(%s) failed: %s", fileName, err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return "", err
	}
	return fileName, nil
}
