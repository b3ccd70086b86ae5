// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package compression

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/golang/snappy"
	"github.com/pdbkit/pdbkit/internal/base"
)

func snappyCompress(dst, src []byte) []byte {
	return snappy.Encode(dst, src)
}

func snappyDecompressInto(dst, src []byte) error {
	result, err := snappy.Decode(dst, src)
	if err != nil {
		return base.MarkDecompressionError(errors.Wrap(err, "pdbkit: snappy"))
	}
	if len(result) != len(dst) || (len(result) > 0 && &result[0] != &dst[0]) {
		return base.DecompressionErrorf(
			"pdbkit: snappy decompressed to %d bytes, expected %d",
			redact.Safe(len(result)), redact.Safe(len(dst)))
	}
	return nil
}
