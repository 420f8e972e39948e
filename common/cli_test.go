// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsUsageError(t *testing.T) {
	require := require.New(t)

	require.False(IsUsageError(nil))
	require.True(IsUsageError(errors.New("unknown flag: --bogus")))
	require.True(IsUsageError(fmt.Errorf("failed to load config file 'x.toml': %w", errors.New("no such file"))))
	require.True(IsUsageError(errors.New("accepts 1 arg(s), received 2")))
	require.False(IsUsageError(errors.New("cache: insufficient entropy")))
}
