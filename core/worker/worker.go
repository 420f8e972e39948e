// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package worker provides background goroutine lifecycle management.
package worker

import "sync"

// Worker is a set of managed background goroutines. Embed it into a
// struct to gain Go, Halt and HaltCh.
type Worker struct {
	sync.WaitGroup

	initOnce sync.Once
	haltOnce sync.Once
	haltCh   chan interface{}
}

func (w *Worker) init() {
	w.haltCh = make(chan interface{})
}

// Go executes fn in a new goroutine. fn is expected to return once HaltCh
// is closed.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// Halt signals every goroutine started with Go to terminate and waits for
// them to return. It is safe to call Halt more than once.
func (w *Worker) Halt() {
	w.initOnce.Do(w.init)
	w.haltOnce.Do(func() { close(w.haltCh) })
	w.Wait()
}

// HaltCh returns the channel that is closed when Halt is called.
func (w *Worker) HaltCh() <-chan interface{} {
	w.initOnce.Do(w.init)
	return w.haltCh
}
