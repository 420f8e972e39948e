// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

//go:build pyroscope

// Package profiling optionally ships continuous profiles to Pyroscope.
package profiling

import (
	"errors"
	"os"

	"github.com/grafana/pyroscope-go"
	"gopkg.in/op/go-logging.v1"
)

// Start begins profiling to the server named by PYROSCOPE_SERVER_ADDRESS,
// tagging profiles with userID. The returned function stops profiling.
func Start(log *logging.Logger, userID string) (func() error, error) {
	serverAddress := os.Getenv("PYROSCOPE_SERVER_ADDRESS")
	if serverAddress == "" {
		return nil, errors.New("profiling: PYROSCOPE_SERVER_ADDRESS is not set")
	}
	appName := os.Getenv("PYROSCOPE_APP_NAME")
	if appName == "" {
		appName = "entropic"
	}

	p, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: appName,
		ServerAddress:   serverAddress,
		Logger:          pyroscope.StandardLogger,
		Tags: map[string]string{
			"user": userID,
		},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileMutexDuration,
		},
	})
	if err != nil {
		return nil, err
	}
	log.Noticef("Pyroscope profiling to %s as %s", serverAddress, appName)
	return p.Stop, nil
}
