// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package msfz

import (
	"encoding/binary"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/pdbkit/pdbkit/internal/base"
	"github.com/pdbkit/pdbkit/internal/compression"
	"github.com/pdbkit/pdbkit/vfs"
)

// Chunk size bounds for the uncompressed chunk buffer.
const (
	DefaultChunkThreshold = 0x40_0000 // 4 MiB
	MinChunkSize          = 0x1000
	MaxChunkSize          = 1 << 30
)

// MinFileSize16K pads the output to 16 KiB, the minimum size that older
// MSVC-derived readers handle correctly.
const MinFileSize16K = 0x4000

// WriterOptions configure a Writer.
type WriterOptions struct {
	// ChunkSizeThreshold is the target uncompressed size of a chunk. A write
	// that would push the current chunk past the threshold starts a new
	// chunk; a single write larger than the threshold produces an oversized
	// chunk rather than being split. Clamped to [MinChunkSize, MaxChunkSize].
	// Defaults to DefaultChunkThreshold.
	ChunkSizeThreshold uint32

	// Compression is the method used for compressed chunks. Defaults to
	// compression.Zstd.
	Compression compression.Method

	// StreamDirCompression is the method used for the stream directory.
	// Defaults to compression.None.
	StreamDirCompression compression.Method

	// MinFileSize, if nonzero, pads the finished file to at least this many
	// bytes.
	MinFileSize int64

	// Logger is used for diagnostics. Defaults to base.DefaultLogger.
	Logger base.Logger
}

// EnsureDefaults fills in unset fields and returns the receiver.
func (o *WriterOptions) EnsureDefaults() *WriterOptions {
	if o.ChunkSizeThreshold == 0 {
		o.ChunkSizeThreshold = DefaultChunkThreshold
	}
	if o.ChunkSizeThreshold < MinChunkSize {
		o.ChunkSizeThreshold = MinChunkSize
	}
	if o.ChunkSizeThreshold > MaxChunkSize {
		o.ChunkSizeThreshold = MaxChunkSize
	}
	if o.Compression == compression.None {
		o.Compression = compression.Zstd
	}
	o.Logger = base.LoggerOrDefault(o.Logger)
	return o
}

// stream accumulates the fragment list of one stream as it is written. A nil
// *stream in Writer.streams is a nil stream.
type stream struct {
	fragments []fragment
}

func (s *stream) size() uint32 {
	var size uint32
	for _, f := range s.fragments {
		size += f.size
	}
	return size
}

// Writer builds a new MSFZ file. Streams are written sequentially; the
// stream directory, chunk table and header are written by Finish.
//
// A Writer is not safe for concurrent use.
type Writer struct {
	file vfs.File
	opts WriterOptions

	// pos is the write position at the current end of the file.
	pos int64

	streams []*stream

	// chunkData buffers the uncompressed contents of the chunk being built.
	chunkData   []byte
	compressBuf []byte
	chunks      []chunkEntry

	finished bool
}

// Summary describes a finished MSFZ file.
type Summary struct {
	NumStreams int
	NumChunks  int
}

// Create creates a new MSFZ file at path, truncating any existing file.
func Create(fs vfs.FS, path string, opts WriterOptions) (*Writer, error) {
	f, err := fs.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f, opts)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

// NewWriter creates a new MSFZ image in an already-open file.
func NewWriter(file vfs.File, opts WriterOptions) (*Writer, error) {
	opts.EnsureDefaults()

	// Reserve space for the header; Finish overwrites it with real contents.
	var zeroHeader [headerLen]byte
	if _, err := file.WriteAt(zeroHeader[:], 0); err != nil {
		return nil, err
	}
	w := &Writer{
		file:      file,
		opts:      opts,
		pos:       headerLen,
		chunkData: make([]byte, 0, opts.ChunkSizeThreshold),
	}
	w.align(16)

	// Stream 0 is reserved and zero-length, mirroring the MSF convention of
	// keeping the directory stream out of use.
	w.streams = append(w.streams, &stream{})
	return w, nil
}

// align rounds the write position up to a multiple of n. The skipped bytes
// read as zero.
func (w *Writer) align(n int64) int64 {
	w.pos = (w.pos + n - 1) &^ (n - 1)
	return w.pos
}

// NumStreams returns the number of streams defined so far.
func (w *Writer) NumStreams() int {
	return len(w.streams)
}

// ReserveStreams extends the stream table to at least n streams. The new
// streams are nil until written. It never shrinks the table.
func (w *Writer) ReserveStreams(n int) {
	for len(w.streams) < n {
		w.streams = append(w.streams, nil)
	}
}

// EndChunk finishes the chunk being built, if any. This is a compression
// hint: separating streams with very different contents into different
// chunks lets the compressor adapt to each.
func (w *Writer) EndChunk() error {
	return w.finishCurrentChunk()
}

// StreamWriter returns a writer for the given stream index, which must be
// below NumStreams. Writing promotes a nil stream. Data must be written
// sequentially; a stream may be returned to across StreamWriter calls but
// per-StreamWriter settings do not persist.
func (w *Writer) StreamWriter(streamIndex int) (*StreamWriter, error) {
	if w.finished {
		return nil, errors.New("msfz: writer already finished")
	}
	if streamIndex < 0 || streamIndex >= len(w.streams) {
		return nil, errors.Newf("msfz: stream %d out of range", redact.Safe(streamIndex))
	}
	if w.streams[streamIndex] == nil {
		w.streams[streamIndex] = &stream{}
	}
	return &StreamWriter{
		w:                  w,
		stream:             w.streams[streamIndex],
		compressionEnabled: true,
		alignment:          4,
	}, nil
}

// NewStreamWriter appends a new stream and returns its index and a writer
// for it.
func (w *Writer) NewStreamWriter() (int, *StreamWriter, error) {
	if w.finished {
		return 0, nil, errors.New("msfz: writer already finished")
	}
	w.streams = append(w.streams, &stream{})
	streamIndex := len(w.streams) - 1
	sw, err := w.StreamWriter(streamIndex)
	return streamIndex, sw, err
}

// writeToChunks appends data to the chunk being built and returns its chunk
// index and offset. A write never splits across chunks.
func (w *Writer) writeToChunks(data []byte) (chunk, offset uint32, _ error) {
	if len(data)+len(w.chunkData) >= int(w.opts.ChunkSizeThreshold) {
		if err := w.finishCurrentChunk(); err != nil {
			return 0, 0, err
		}
	}
	chunk = uint32(len(w.chunks))
	offset = uint32(len(w.chunkData))
	w.chunkData = append(w.chunkData, data...)
	return chunk, offset, nil
}

// finishCurrentChunk compresses the buffered chunk data, writes it to the
// file and records its chunk table entry.
func (w *Writer) finishCurrentChunk() error {
	if len(w.chunkData) == 0 {
		return nil
	}
	compressed, err := compression.Compress(w.opts.Compression, w.compressBuf[:0], w.chunkData)
	if err != nil {
		return err
	}
	w.compressBuf = compressed[:0]
	if _, err := w.file.WriteAt(compressed, w.pos); err != nil {
		return err
	}
	w.chunks = append(w.chunks, chunkEntry{
		fileOffset:       uint64(w.pos),
		compression:      w.opts.Compression.Code(),
		compressedSize:   uint32(len(compressed)),
		uncompressedSize: uint32(len(w.chunkData)),
	})
	w.pos += int64(len(compressed))
	w.chunkData = w.chunkData[:0]
	return nil
}

// Finish writes the stream directory, the chunk table and the file header,
// then syncs the file. The Writer cannot be used afterwards; the caller
// still owns the underlying file and must close it.
func (w *Writer) Finish() (Summary, error) {
	if w.finished {
		return Summary{}, errors.New("msfz: writer already finished")
	}
	w.finished = true

	if err := w.finishCurrentChunk(); err != nil {
		return Summary{}, err
	}

	dirOffset := w.align(16)
	dirBytes := encodeStreamDir(w.streams)
	dirSizeUncompressed := uint32(len(dirBytes))
	dirSizeCompressed := dirSizeUncompressed
	if method := w.opts.StreamDirCompression; method != compression.None {
		compressed, err := compression.Compress(method, nil, dirBytes)
		if err != nil {
			return Summary{}, err
		}
		dirBytes = compressed
		dirSizeCompressed = uint32(len(compressed))
	}
	if _, err := w.file.WriteAt(dirBytes, dirOffset); err != nil {
		return Summary{}, err
	}
	w.pos += int64(len(dirBytes))

	chunkTableOffset := w.align(16)
	chunkTableBytes := make([]byte, len(w.chunks)*chunkEntryLen)
	for i, e := range w.chunks {
		encodeChunkEntry(chunkTableBytes[i*chunkEntryLen:], e)
	}
	if len(chunkTableBytes) > 0 {
		if _, err := w.file.WriteAt(chunkTableBytes, chunkTableOffset); err != nil {
			return Summary{}, err
		}
		w.pos += int64(len(chunkTableBytes))
	}

	headerBytes := make([]byte, headerLen)
	encodeHeader(headerBytes, header{
		version:                   versionV0,
		streamDirOffset:           uint64(dirOffset),
		chunkTableOffset:          uint64(chunkTableOffset),
		numStreams:                uint32(len(w.streams)),
		streamDirCompression:      w.opts.StreamDirCompression.Code(),
		streamDirSizeCompressed:   dirSizeCompressed,
		streamDirSizeUncompressed: dirSizeUncompressed,
		numChunks:                 uint32(len(w.chunks)),
		chunkTableSize:            uint32(len(chunkTableBytes)),
	})
	if _, err := w.file.WriteAt(headerBytes, 0); err != nil {
		return Summary{}, err
	}

	if min := w.opts.MinFileSize; min != 0 && w.pos < min {
		// There is no way to extend the file without writing, so write a
		// single zero byte at the end.
		if _, err := w.file.WriteAt([]byte{0}, min-1); err != nil {
			return Summary{}, err
		}
		w.pos = min
	}
	if err := w.file.Sync(); err != nil {
		return Summary{}, err
	}
	return Summary{NumStreams: len(w.streams), NumChunks: len(w.chunks)}, nil
}

// encodeStreamDir serializes the stream directory: per stream either a
// single NilStreamSize value or a list of (size, location) fragment records
// terminated by a zero size.
func encodeStreamDir(streams []*stream) []byte {
	size := 0
	for _, s := range streams {
		if s == nil {
			size += 4
		} else {
			size += len(s.fragments)*12 + 4
		}
	}
	buf := make([]byte, 0, size)
	for _, s := range streams {
		if s == nil {
			buf = binary.LittleEndian.AppendUint32(buf, NilStreamSize)
			continue
		}
		for _, f := range s.fragments {
			buf = binary.LittleEndian.AppendUint32(buf, f.size)
			buf = binary.LittleEndian.AppendUint64(buf, f.location)
		}
		buf = binary.LittleEndian.AppendUint32(buf, 0)
	}
	return buf
}

// StreamWriter writes data sequentially to one stream. There is no seeking;
// use the mutable MSF format for random-access writes.
//
// Data written by a single Write call is never split across chunks, so a
// reader can rely on a record written in one call being contiguous in one
// decompressed chunk.
type StreamWriter struct {
	w                  *Writer
	stream             *stream
	compressionEnabled bool
	alignment          int64
}

// SetCompressionEnabled controls whether subsequent writes go to compressed
// chunks (the default) or to uncompressed byte ranges of the file.
func (sw *StreamWriter) SetCompressionEnabled(enabled bool) {
	sw.compressionEnabled = enabled
}

// SetAlignment sets the file alignment of the stream's first uncompressed
// write. It has no effect on compressed data. The default is 4.
func (sw *StreamWriter) SetAlignment(alignment int64) error {
	if alignment <= 0 || bits.OnesCount64(uint64(alignment)) != 1 {
		return errors.Newf("msfz: alignment %d is not a power of two", redact.Safe(alignment))
	}
	sw.alignment = alignment
	return nil
}

// EndChunk finishes the chunk being built, if any.
func (sw *StreamWriter) EndChunk() error {
	return sw.w.finishCurrentChunk()
}

// Write implements io.Writer.
func (sw *StreamWriter) Write(p []byte) (int, error) {
	if sw.w.finished {
		return 0, errors.New("msfz: writer already finished")
	}
	if len(p) == 0 {
		return 0, nil
	}
	oldSize := sw.stream.size()
	if uint64(len(p)) >= uint64(NilStreamSize-oldSize) {
		return 0, base.OutOfSpaceErrorf("msfz: write of %d bytes would exceed the maximum stream size",
			redact.Safe(len(p)))
	}

	if sw.compressionEnabled {
		chunk, offset, err := sw.w.writeToChunks(p)
		if err != nil {
			return 0, err
		}
		sw.addFragmentCompressed(uint32(len(p)), chunk, offset)
		return len(p), nil
	}

	fileOffset := sw.w.pos
	if oldSize == 0 {
		fileOffset = sw.w.align(sw.alignment)
	}
	if _, err := sw.w.file.WriteAt(p, fileOffset); err != nil {
		return 0, err
	}
	sw.w.pos = fileOffset + int64(len(p))
	sw.addFragmentUncompressed(uint32(len(p)), uint64(fileOffset))
	return len(p), nil
}

// addFragmentCompressed records a compressed fragment, extending the last
// fragment when the new data continues it within the same chunk.
func (sw *StreamWriter) addFragmentCompressed(size, chunk, offset uint32) {
	if n := len(sw.stream.fragments); n > 0 {
		last := &sw.stream.fragments[n-1]
		if last.isCompressed() && last.chunk() == chunk &&
			last.offsetWithinChunk()+last.size == offset {
			last.size += size
			return
		}
	}
	sw.stream.fragments = append(sw.stream.fragments, fragment{
		size:     size,
		location: compressedLocation(chunk, offset),
	})
}

// addFragmentUncompressed records an uncompressed fragment, extending the
// last fragment when the new data is contiguous on disk.
func (sw *StreamWriter) addFragmentUncompressed(size uint32, fileOffset uint64) {
	if n := len(sw.stream.fragments); n > 0 {
		last := &sw.stream.fragments[n-1]
		if !last.isCompressed() && last.fileOffset()+uint64(last.size) == fileOffset {
			last.size += size
			return
		}
	}
	sw.stream.fragments = append(sw.stream.fragments, fragment{
		size:     size,
		location: fileOffset,
	})
}
