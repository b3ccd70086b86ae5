// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package compression

import (
	"bytes"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/klauspost/compress/flate"
	"github.com/pdbkit/pdbkit/internal/base"
)

// sliceWriter appends to a byte slice. It lets a flate.Writer produce
// appended output without an intermediate bytes.Buffer copy.
type sliceWriter struct {
	b []byte
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

var deflateWriterPool = sync.Pool{
	New: func() interface{} {
		w, err := flate.NewWriter(io.Discard, flate.DefaultCompression)
		if err != nil {
			panic(err)
		}
		return w
	},
}

func deflateCompress(dst, src []byte) ([]byte, error) {
	sw := &sliceWriter{b: dst[:0]}
	w := deflateWriterPool.Get().(*flate.Writer)
	defer deflateWriterPool.Put(w)
	w.Reset(sw)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return sw.b, nil
}

func deflateDecompressInto(dst, src []byte) error {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()
	if _, err := io.ReadFull(r, dst); err != nil {
		return base.MarkDecompressionError(errors.Wrap(err, "pdbkit: deflate"))
	}
	// The stream must end exactly at len(dst) bytes.
	var tail [1]byte
	if n, err := r.Read(tail[:]); n != 0 || (err != nil && err != io.EOF) {
		return base.DecompressionErrorf(
			"pdbkit: deflate stream longer than expected %d bytes", redact.Safe(len(dst)))
	}
	return nil
}
