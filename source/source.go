// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package source provides the entropy providers the cache draws from.
package source

import (
	"context"
	"errors"
)

// ErrSourceUnavailable is the error returned when a source cannot serve a
// request. It is transient and may be retried.
var ErrSourceUnavailable = errors.New("source: unavailable")

// Source is an entropy provider.
type Source interface {
	// ID returns the source identifier.
	ID() string

	// Generate returns exactly n random bytes or an error.
	Generate(ctx context.Context, n int) ([]byte, error)
}
