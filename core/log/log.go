// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package log provides the logging backend shared by the entropy cache,
// the entropy sources and the session provider. It is a thin wrapper
// around go-logging that supports per-module loggers, an optional log
// file and reopening that file for rotation.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

const logFormat = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// Backend is a log backend.
type Backend struct {
	sync.RWMutex

	leveled logging.LeveledBackend
	w       io.WriteCloser

	file    string
	level   logging.Level
	disable bool
}

// Log implements logging.Backend.
func (b *Backend) Log(level logging.Level, calldepth int, record *logging.Record) error {
	b.RLock()
	defer b.RUnlock()
	return b.leveled.Log(level, calldepth, record)
}

// GetLevel implements logging.Leveled.
func (b *Backend) GetLevel(module string) logging.Level {
	b.RLock()
	defer b.RUnlock()
	return b.leveled.GetLevel(module)
}

// SetLevel implements logging.Leveled.
func (b *Backend) SetLevel(level logging.Level, module string) {
	b.RLock()
	defer b.RUnlock()
	b.leveled.SetLevel(level, module)
}

// IsEnabledFor implements logging.Leveled.
func (b *Backend) IsEnabledFor(level logging.Level, module string) bool {
	b.RLock()
	defer b.RUnlock()
	return b.leveled.IsEnabledFor(level, module)
}

// GetLogger returns a per-module logger that writes to the backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b)
	return l
}

// Rotate reopens the log file. It is a no-op for stdout and disabled
// backends.
func (b *Backend) Rotate() error {
	b.Lock()
	defer b.Unlock()

	if err := b.w.Close(); err != nil {
		return err
	}
	return b.open()
}

// Close closes the underlying log file, if any.
func (b *Backend) Close() error {
	b.Lock()
	defer b.Unlock()
	return b.w.Close()
}

func (b *Backend) open() error {
	switch {
	case b.disable:
		b.w = nopCloser{io.Discard}
	case b.file == "":
		b.w = nopCloser{os.Stdout}
	default:
		const fileMode = 0600

		f, err := os.OpenFile(b.file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, fileMode)
		if err != nil {
			return fmt.Errorf("log: failed to create log file: %v", err)
		}
		b.w = f
	}

	base := logging.NewLogBackend(b.w, "", 0)
	formatted := logging.NewBackendFormatter(base, logging.MustStringFormatter(logFormat))
	b.leveled = logging.AddModuleLevel(formatted)
	b.leveled.SetLevel(b.level, "")
	return nil
}

// New initializes a logging backend writing to file f, or to stdout when f
// is empty. A disabled backend discards everything.
func New(f string, level string, disable bool) (*Backend, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	b := &Backend{
		file:    f,
		level:   lvl,
		disable: disable,
	}
	if err := b.open(); err != nil {
		return nil, err
	}
	return b, nil
}

// ParseLevel converts a level name into a go-logging level.
func ParseLevel(l string) (logging.Level, error) {
	switch strings.ToUpper(l) {
	case "ERROR":
		return logging.ERROR, nil
	case "WARNING":
		return logging.WARNING, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "INFO":
		return logging.INFO, nil
	case "DEBUG":
		return logging.DEBUG, nil
	default:
		return logging.CRITICAL, fmt.Errorf("log: invalid level: '%v'", l)
	}
}
