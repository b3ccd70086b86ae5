// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package pdbkit

import (
	"sync"

	"github.com/cockroachdb/swiss"
	"github.com/pdbkit/pdbkit/internal/base"
)

// Handle is an opaque reference to an open container in a Handles table.
// The zero Handle is never valid.
type Handle uint64

// Handles maps opaque handles to open containers. It exists for embedders
// that cannot hold Go pointers across a foreign boundary and for sessions
// that own a set of containers with a common shutdown path. Safe for
// concurrent use.
type Handles struct {
	mu struct {
		sync.Mutex
		next    Handle
		sources swiss.Map[Handle, StreamSource]
	}
}

// NewHandles returns an empty handle table.
func NewHandles() *Handles {
	h := &Handles{}
	h.mu.next = 1
	h.mu.sources.Init(8)
	return h
}

// Put registers an open source and returns its handle. The table takes
// over responsibility for closing the source.
func (h *Handles) Put(src StreamSource) Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	hd := h.mu.next
	h.mu.next++
	h.mu.sources.Put(hd, src)
	return hd
}

// Get returns the source registered under hd.
func (h *Handles) Get(hd Handle) (StreamSource, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mu.sources.Get(hd)
}

// Len returns the number of open handles.
func (h *Handles) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mu.sources.Len()
}

// Close closes the source registered under hd and removes it from the
// table. Closing an unknown or already-closed handle is an error.
func (h *Handles) Close(hd Handle) error {
	h.mu.Lock()
	src, ok := h.mu.sources.Get(hd)
	if ok {
		h.mu.sources.Delete(hd)
	}
	h.mu.Unlock()
	if !ok {
		return base.UnsupportedErrorf("handle %d is not open", hd)
	}
	return src.Close()
}

// CloseAll closes every open handle, returning the first close error.
func (h *Handles) CloseAll() error {
	h.mu.Lock()
	var sources []StreamSource
	h.mu.sources.All(func(_ Handle, src StreamSource) bool {
		sources = append(sources, src)
		return true
	})
	h.mu.sources.Init(8)
	h.mu.Unlock()

	var firstErr error
	for _, src := range sources {
		if err := src.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
