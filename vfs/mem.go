// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package vfs

import (
	"io"
	"os"
	"path"
	"sync"
	"time"
)

// MemFS is an in-memory FS implementation, intended for tests. It is safe for
// concurrent use.
type MemFS struct {
	mu    sync.Mutex
	files map[string]*memFileData
}

var _ FS = (*MemFS)(nil)

// NewMem returns a new empty MemFS.
func NewMem() *MemFS {
	return &MemFS{files: map[string]*memFileData{}}
}

type memFileData struct {
	name string
	mu   sync.RWMutex
	data []byte
}

// Create implements FS.Create.
func (fs *MemFS) Create(name string) (File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f := &memFileData{name: name}
	fs.files[name] = f
	return &memFile{f: f}, nil
}

// Open implements FS.Open.
func (fs *MemFS) Open(name string) (File, error) {
	return fs.OpenReadWrite(name)
}

// OpenReadWrite implements FS.OpenReadWrite.
func (fs *MemFS) OpenReadWrite(name string) (File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.files[name]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
	}
	return &memFile{f: f}, nil
}

// Remove implements FS.Remove.
func (fs *MemFS) Remove(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.files[name]; !ok {
		return &os.PathError{Op: "remove", Path: name, Err: os.ErrNotExist}
	}
	delete(fs.files, name)
	return nil
}

// Stat implements FS.Stat.
func (fs *MemFS) Stat(name string) (os.FileInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.files[name]
	if !ok {
		return nil, &os.PathError{Op: "stat", Path: name, Err: os.ErrNotExist}
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return memFileInfo{name: path.Base(name), size: int64(len(f.data))}, nil
}

type memFile struct {
	f      *memFileData
	closed bool
}

var _ File = (*memFile)(nil)

func (m *memFile) Close() error {
	m.closed = true
	return nil
}

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	if m.closed {
		return 0, os.ErrClosed
	}
	m.f.mu.RLock()
	defer m.f.mu.RUnlock()
	if off >= int64(len(m.f.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	if m.closed {
		return 0, os.ErrClosed
	}
	m.f.mu.Lock()
	defer m.f.mu.Unlock()
	if end := off + int64(len(p)); end > int64(len(m.f.data)) {
		grown := make([]byte, end)
		copy(grown, m.f.data)
		m.f.data = grown
	}
	copy(m.f.data[off:], p)
	return len(p), nil
}

func (m *memFile) Sync() error {
	if m.closed {
		return os.ErrClosed
	}
	return nil
}

func (m *memFile) Stat() (os.FileInfo, error) {
	if m.closed {
		return nil, os.ErrClosed
	}
	m.f.mu.RLock()
	defer m.f.mu.RUnlock()
	return memFileInfo{name: path.Base(m.f.name), size: int64(len(m.f.data))}, nil
}

func (m *memFile) Truncate(size int64) error {
	if m.closed {
		return os.ErrClosed
	}
	m.f.mu.Lock()
	defer m.f.mu.Unlock()
	if size <= int64(len(m.f.data)) {
		m.f.data = m.f.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, m.f.data)
		m.f.data = grown
	}
	return nil
}

type memFileInfo struct {
	name string
	size int64
}

func (fi memFileInfo) Name() string       { return fi.name }
func (fi memFileInfo) Size() int64        { return fi.size }
func (fi memFileInfo) Mode() os.FileMode  { return 0666 }
func (fi memFileInfo) ModTime() time.Time { return time.Time{} }
func (fi memFileInfo) IsDir() bool        { return false }
func (fi memFileInfo) Sys() interface{}   { return nil }
