// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package compression

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/minio/minlz"
	"github.com/pdbkit/pdbkit/internal/base"
)

func minlzCompress(dst, src []byte) []byte {
	// MinLZ cannot encode blocks greater than 8MB. Fall back to Snappy in
	// those cases; MinLZ can decode Snappy-compressed blocks.
	if len(src) > minlz.MaxBlockSize {
		return snappyCompress(dst, src)
	}
	compressed, err := minlz.Encode(dst, src, minlz.LevelBalanced)
	if err != nil {
		panic(errors.Wrap(err, "minlz compression"))
	}
	return compressed
}

func minlzDecompressInto(dst, src []byte) error {
	result, err := minlz.Decode(dst, src)
	if err != nil {
		return base.MarkDecompressionError(errors.Wrap(err, "pdbkit: minlz"))
	}
	if len(result) != len(dst) || (len(result) > 0 && &result[0] != &dst[0]) {
		return base.DecompressionErrorf(
			"pdbkit: minlz decompressed to %d bytes, expected %d",
			redact.Safe(len(result)), redact.Safe(len(dst)))
	}
	return nil
}
