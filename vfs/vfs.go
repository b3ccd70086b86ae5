// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package vfs provides the filesystem abstraction used by the container
// implementations. Containers read and write pages at absolute offsets, so
// File carries positioned I/O rather than a seek position.
package vfs

import (
	"io"
	"os"
)

// File is a readable, writable file. Reads and writes are positioned and safe
// for concurrent use at disjoint offsets.
type File interface {
	io.Closer
	io.ReaderAt
	io.WriterAt

	// Sync flushes written data to stable storage.
	Sync() error
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
}

// FS is a namespace for files.
type FS interface {
	// Create creates the named file for reading and writing, truncating it if
	// it already exists.
	Create(name string) (File, error)
	// Open opens the named file for reading.
	Open(name string) (File, error)
	// OpenReadWrite opens the named file for reading and writing without
	// truncating it.
	OpenReadWrite(name string) (File, error)
	Remove(name string) error
	Stat(name string) (os.FileInfo, error)
}

// Default is an FS backed by the underlying operating system's filesystem.
var Default FS = defaultFS{}

type defaultFS struct{}

func (defaultFS) Create(name string) (File, error) {
	return os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

func (defaultFS) Open(name string) (File, error) {
	return os.Open(name)
}

func (defaultFS) OpenReadWrite(name string) (File, error) {
	return os.OpenFile(name, os.O_RDWR, 0666)
}

func (defaultFS) Remove(name string) error {
	return os.Remove(name)
}

func (defaultFS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}
