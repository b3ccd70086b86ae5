// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestErrorMarkers(t *testing.T) {
	err := CorruptionErrorf("bad page %d", errors.Safe(7))
	require.True(t, errors.Is(err, ErrCorruptContainer))
	require.False(t, errors.Is(err, ErrCorruptRecord))
	require.Contains(t, err.Error(), "bad page 7")

	wrapped := errors.Wrap(err, "opening container")
	require.True(t, errors.Is(wrapped, ErrCorruptContainer))

	require.True(t, errors.Is(RecordErrorf("x"), ErrCorruptRecord))
	require.True(t, errors.Is(OutOfSpaceErrorf("x"), ErrOutOfSpace))
	require.True(t, errors.Is(DecompressionErrorf("x"), ErrDecompression))
	require.True(t, errors.Is(UnsupportedErrorf("x"), ErrUnsupported))
}

func TestMarkCorruptionError(t *testing.T) {
	base := errors.New("io failure")
	marked := MarkCorruptionError(base)
	require.True(t, errors.Is(marked, ErrCorruptContainer))
	// Marking twice does not stack another mark.
	require.Equal(t, marked, MarkCorruptionError(marked))

	require.True(t, errors.Is(MarkDecompressionError(base), ErrDecompression))
}
