// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package compression

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/klauspost/compress/zstd"
	"github.com/pdbkit/pdbkit/internal/base"
)

// The encoder writes frame content checksums so that chunk corruption
// surfaces as a decompression failure on read.
var zstdEncoder = func() *zstd.Encoder {
	e, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderCRC(true))
	if err != nil {
		panic(err)
	}
	return e
}()

var zstdDecoder = func() *zstd.Decoder {
	d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic(err)
	}
	return d
}()

func zstdCompress(dst, src []byte) []byte {
	// EncodeAll is safe for concurrent use.
	return zstdEncoder.EncodeAll(src, dst[:0])
}

func zstdDecompressInto(dst, src []byte) error {
	result, err := zstdDecoder.DecodeAll(src, dst[:0])
	if err != nil {
		return base.MarkDecompressionError(errors.Wrap(err, "pdbkit: zstd"))
	}
	if len(result) != len(dst) || (len(result) > 0 && &result[0] != &dst[0]) {
		return base.DecompressionErrorf(
			"pdbkit: zstd decompressed to %d bytes, expected %d",
			redact.Safe(len(result)), redact.Safe(len(dst)))
	}
	return nil
}
