// SPDX-FileCopyrightText: Copyright (C) 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package location

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	dirMode  = 0700
	fileMode = 0600
)

// FileLocation keeps each pool in its own file under a directory.
type FileLocation struct {
	budget

	id  string
	dir string
}

// NewFileLocation opens the directory dir as a Location holding at most
// capacity bytes. Pool metadata does not survive a restart, so any pool
// files left behind by a previous run are erased.
func NewFileLocation(id, dir string, capacity int64) (*FileLocation, error) {
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("location: failed to create %v: %w", dir, err)
	}
	l := &FileLocation{
		budget: budget{capacity: capacity},
		id:     id,
		dir:    dir,
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || validPoolID(e.Name()) != nil {
			continue
		}
		if err := l.erase(filepath.Join(dir, e.Name())); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *FileLocation) ID() string   { return l.id }
func (l *FileLocation) Path() string { return l.dir }
func (l *FileLocation) Kind() string { return KindOnDevice }

func (l *FileLocation) SpaceAvailable() int64 {
	l.Lock()
	defer l.Unlock()
	return l.available()
}

func (l *FileLocation) Store(poolID string, b []byte) error {
	if err := validPoolID(poolID); err != nil {
		return err
	}
	l.Lock()
	defer l.Unlock()

	if err := l.reserve(int64(len(b))); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(l.dir, poolID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, fileMode)
	if err != nil {
		l.release(int64(len(b)))
		if errors.Is(err, fs.ErrExist) {
			return ErrPoolExists
		}
		return err
	}
	_, err = f.Write(b)
	if err == nil {
		err = f.Sync()
	}
	if cErr := f.Close(); err == nil {
		err = cErr
	}
	if err != nil {
		l.release(int64(len(b)))
		_ = l.erase(f.Name())
		return err
	}
	return nil
}

func (l *FileLocation) Load(poolID string) ([]byte, error) {
	if err := validPoolID(poolID); err != nil {
		return nil, err
	}
	l.Lock()
	defer l.Unlock()

	b, err := os.ReadFile(filepath.Join(l.dir, poolID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrPoolNotFound
	}
	return b, err
}

func (l *FileLocation) Remove(poolID string) error {
	if err := validPoolID(poolID); err != nil {
		return err
	}
	l.Lock()
	defer l.Unlock()

	fn := filepath.Join(l.dir, poolID)
	fi, err := os.Stat(fn)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrPoolNotFound
	} else if err != nil {
		return err
	}
	if err := l.erase(fn); err != nil {
		return err
	}
	l.release(fi.Size())
	return nil
}

func (l *FileLocation) Close() error {
	return nil
}

func (l *FileLocation) erase(fn string) error {
	f, err := os.OpenFile(fn, os.O_WRONLY, fileMode)
	if err != nil {
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	err = overwrite(int(fi.Size()), func(p []byte) error {
		if _, err := f.WriteAt(p, 0); err != nil {
			return err
		}
		return f.Sync()
	})
	if cErr := f.Close(); err == nil {
		err = cErr
	}
	if err != nil {
		return err
	}
	return os.Remove(fn)
}
