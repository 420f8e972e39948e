// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package worker

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkerHalt(t *testing.T) {
	var w Worker
	var stopped int32

	for i := 0; i < 4; i++ {
		w.Go(func() {
			<-w.HaltCh()
			atomic.AddInt32(&stopped, 1)
		})
	}
	w.Halt()
	w.Halt()

	require.Equal(t, int32(4), atomic.LoadInt32(&stopped))
}
