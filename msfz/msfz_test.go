// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package msfz

import (
	"bytes"
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/pdbkit/pdbkit/internal/base"
	"github.com/pdbkit/pdbkit/internal/compression"
	"github.com/pdbkit/pdbkit/vfs"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
)

func testData(n int, seed uint64) []byte {
	rng := rand.New(rand.NewSource(seed))
	buf := make([]byte, n)
	rng.Read(buf)
	return buf
}

// compressibleData repeats short random runs so the compressors have
// something to work with.
func compressibleData(n int, seed uint64) []byte {
	rng := rand.New(rand.NewSource(seed))
	run := make([]byte, 64)
	rng.Read(run)
	buf := make([]byte, n)
	for i := 0; i < n; i += len(run) {
		copy(buf[i:], run)
	}
	return buf
}

func TestRoundTrip(t *testing.T) {
	for _, method := range []compression.Method{
		compression.Zstd, compression.Deflate, compression.Snappy, compression.MinLZ,
	} {
		t.Run(method.String(), func(t *testing.T) {
			fs := vfs.NewMem()
			w, err := Create(fs, "test.pdz", WriterOptions{Compression: method})
			require.NoError(t, err)

			payloads := map[int][]byte{}
			for i, n := range []int{0, 1, 1000, 100_000} {
				stream, sw, err := w.NewStreamWriter()
				require.NoError(t, err)
				data := compressibleData(n, uint64(i+1))
				_, err = sw.Write(data)
				require.NoError(t, err)
				payloads[stream] = data
			}
			_, err = w.Finish()
			require.NoError(t, err)

			r, err := Open(fs, "test.pdz", ReaderOptions{})
			require.NoError(t, err)
			defer r.Close()
			require.Equal(t, len(payloads)+1, r.NumStreams())
			for stream, want := range payloads {
				size, ok := r.StreamSize(stream)
				require.True(t, ok)
				require.Equal(t, int64(len(want)), size)
				got, err := r.ReadStream(stream)
				require.NoError(t, err)
				require.True(t, bytes.Equal(want, got), "stream %d", stream)
			}
		})
	}
}

func TestUncompressedStreams(t *testing.T) {
	fs := vfs.NewMem()
	w, err := Create(fs, "test.pdz", WriterOptions{})
	require.NoError(t, err)

	stream, sw, err := w.NewStreamWriter()
	require.NoError(t, err)
	sw.SetCompressionEnabled(false)
	require.NoError(t, sw.SetAlignment(64))

	// Multiple sequential writes coalesce into a single on-disk fragment.
	data := testData(10_000, 3)
	for i := 0; i < len(data); i += 1000 {
		_, err = sw.Write(data[i : i+1000])
		require.NoError(t, err)
	}
	summary, err := w.Finish()
	require.NoError(t, err)
	require.Equal(t, 0, summary.NumChunks)

	r, err := Open(fs, "test.pdz", ReaderOptions{})
	require.NoError(t, err)
	defer r.Close()
	got, err := r.ReadStream(stream)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))
}

func TestMixedFragments(t *testing.T) {
	fs := vfs.NewMem()
	w, err := Create(fs, "test.pdz", WriterOptions{})
	require.NoError(t, err)

	// Alternate compressed and uncompressed writes within one stream so the
	// reader has to stitch fragments of both kinds together.
	stream, sw, err := w.NewStreamWriter()
	require.NoError(t, err)
	var want []byte
	for i := 0; i < 6; i++ {
		data := testData(5000+i, uint64(i+10))
		sw.SetCompressionEnabled(i%2 == 0)
		_, err = sw.Write(data)
		require.NoError(t, err)
		want = append(want, data...)
	}
	_, err = w.Finish()
	require.NoError(t, err)

	r, err := Open(fs, "test.pdz", ReaderOptions{})
	require.NoError(t, err)
	defer r.Close()
	got, err := r.ReadStream(stream)
	require.NoError(t, err)
	require.True(t, bytes.Equal(want, got))

	// Reads at unaligned offsets crossing fragment boundaries.
	sr, err := r.StreamReader(stream)
	require.NoError(t, err)
	buf := make([]byte, 7003)
	n, err := sr.ReadAt(buf, 4999)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.True(t, bytes.Equal(want[4999:4999+7003], buf))
}

func TestNilStreams(t *testing.T) {
	fs := vfs.NewMem()
	w, err := Create(fs, "test.pdz", WriterOptions{})
	require.NoError(t, err)

	w.ReserveStreams(5)
	sw, err := w.StreamWriter(3)
	require.NoError(t, err)
	_, err = sw.Write([]byte("three"))
	require.NoError(t, err)

	// Stream 2 is promoted by writing nothing: zero-length, not nil.
	_, err = w.StreamWriter(2)
	require.NoError(t, err)

	_, err = w.Finish()
	require.NoError(t, err)

	r, err := Open(fs, "test.pdz", ReaderOptions{})
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, 5, r.NumStreams())
	require.True(t, r.IsNilStream(1))
	require.False(t, r.IsNilStream(2))
	require.False(t, r.IsNilStream(3))
	require.True(t, r.IsNilStream(4))

	size, ok := r.StreamSize(2)
	require.True(t, ok)
	require.Equal(t, int64(0), size)
	_, ok = r.StreamSize(4)
	require.False(t, ok)

	got, err := r.ReadStream(3)
	require.NoError(t, err)
	require.Equal(t, []byte("three"), got)
	got, err = r.ReadStream(4)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestChunkThreshold(t *testing.T) {
	fs := vfs.NewMem()
	w, err := Create(fs, "test.pdz", WriterOptions{ChunkSizeThreshold: MinChunkSize})
	require.NoError(t, err)

	stream, sw, err := w.NewStreamWriter()
	require.NoError(t, err)
	data := compressibleData(10*MinChunkSize, 9)
	for i := 0; i < len(data); i += MinChunkSize / 2 {
		_, err = sw.Write(data[i : i+MinChunkSize/2])
		require.NoError(t, err)
	}
	summary, err := w.Finish()
	require.NoError(t, err)
	require.Greater(t, summary.NumChunks, 1)

	r, err := Open(fs, "test.pdz", ReaderOptions{})
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, summary.NumChunks, r.NumChunks())
	got, err := r.ReadStream(stream)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))
}

func TestStreamDirCompression(t *testing.T) {
	fs := vfs.NewMem()
	w, err := Create(fs, "test.pdz", WriterOptions{
		StreamDirCompression: compression.Zstd,
		MinFileSize:          MinFileSize16K,
	})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		_, sw, err := w.NewStreamWriter()
		require.NoError(t, err)
		_, err = sw.Write(testData(100, uint64(i+1)))
		require.NoError(t, err)
	}
	_, err = w.Finish()
	require.NoError(t, err)

	info, err := fs.Stat("test.pdz")
	require.NoError(t, err)
	require.GreaterOrEqual(t, info.Size(), int64(MinFileSize16K))

	r, err := Open(fs, "test.pdz", ReaderOptions{})
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, 51, r.NumStreams())
	got, err := r.ReadStream(17)
	require.NoError(t, err)
	require.True(t, bytes.Equal(testData(100, 17), got))
}

func TestEndChunk(t *testing.T) {
	fs := vfs.NewMem()
	w, err := Create(fs, "test.pdz", WriterOptions{})
	require.NoError(t, err)

	_, sw, err := w.NewStreamWriter()
	require.NoError(t, err)
	_, err = sw.Write(compressibleData(1000, 1))
	require.NoError(t, err)
	require.NoError(t, sw.EndChunk())
	stream2, sw2, err := w.NewStreamWriter()
	require.NoError(t, err)
	_, err = sw2.Write(compressibleData(1000, 2))
	require.NoError(t, err)
	summary, err := w.Finish()
	require.NoError(t, err)
	require.Equal(t, 2, summary.NumChunks)

	r, err := Open(fs, "test.pdz", ReaderOptions{})
	require.NoError(t, err)
	defer r.Close()
	got, err := r.ReadStream(stream2)
	require.NoError(t, err)
	require.True(t, bytes.Equal(compressibleData(1000, 2), got))
}

func TestConcurrentReaders(t *testing.T) {
	fs := vfs.NewMem()
	w, err := Create(fs, "test.pdz", WriterOptions{ChunkSizeThreshold: MinChunkSize})
	require.NoError(t, err)

	var streams []int
	var payloads [][]byte
	for i := 0; i < 8; i++ {
		stream, sw, err := w.NewStreamWriter()
		require.NoError(t, err)
		data := compressibleData(3*MinChunkSize, uint64(i+1))
		_, err = sw.Write(data)
		require.NoError(t, err)
		streams = append(streams, stream)
		payloads = append(payloads, data)
	}
	_, err = w.Finish()
	require.NoError(t, err)

	metrics := NewMetrics()
	r, err := Open(fs, "test.pdz", ReaderOptions{Metrics: metrics})
	require.NoError(t, err)
	defer r.Close()

	var g errgroup.Group
	for i := range streams {
		g.Go(func() error {
			got, err := r.ReadStream(streams[i])
			if err != nil {
				return err
			}
			if !bytes.Equal(payloads[i], got) {
				return io.ErrUnexpectedEOF
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestReaderSeek(t *testing.T) {
	fs := vfs.NewMem()
	w, err := Create(fs, "test.pdz", WriterOptions{})
	require.NoError(t, err)
	stream, sw, err := w.NewStreamWriter()
	require.NoError(t, err)
	data := testData(10_000, 11)
	_, err = sw.Write(data)
	require.NoError(t, err)
	_, err = w.Finish()
	require.NoError(t, err)

	r, err := Open(fs, "test.pdz", ReaderOptions{})
	require.NoError(t, err)
	defer r.Close()
	sr, err := r.StreamReader(stream)
	require.NoError(t, err)

	_, err = sr.Seek(-100, io.SeekEnd)
	require.NoError(t, err)
	got, err := io.ReadAll(sr)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data[len(data)-100:], got))
}

func TestOpenRejectsGarbage(t *testing.T) {
	fs := vfs.NewMem()
	f, err := fs.Create("garbage.pdz")
	require.NoError(t, err)
	_, err = f.WriteAt(testData(1000, 1), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(fs, "garbage.pdz", ReaderOptions{})
	require.True(t, errors.Is(err, base.ErrCorruptContainer))
}

func TestWriteAfterFinish(t *testing.T) {
	fs := vfs.NewMem()
	w, err := Create(fs, "test.pdz", WriterOptions{})
	require.NoError(t, err)
	_, sw, err := w.NewStreamWriter()
	require.NoError(t, err)
	_, err = w.Finish()
	require.NoError(t, err)

	_, err = sw.Write([]byte("late"))
	require.Error(t, err)
	_, err = w.Finish()
	require.Error(t, err)
	_, _, err = w.NewStreamWriter()
	require.Error(t, err)
}

func TestIsFileHeader(t *testing.T) {
	require.True(t, IsFileHeader([]byte(signature)))
	require.False(t, IsFileHeader([]byte("Microsoft MSF")))
	require.False(t, IsFileHeader(nil))
}
