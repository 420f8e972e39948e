// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !pyroscope

// Package profiling optionally ships continuous profiles to Pyroscope.
package profiling

import "gopkg.in/op/go-logging.v1"

// Start does nothing unless built with the pyroscope tag.
func Start(log *logging.Logger, userID string) (func() error, error) {
	log.Debug("Pyroscope is disabled")
	return func() error { return nil }, nil
}
