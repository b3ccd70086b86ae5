// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package msfz

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/pdbkit/pdbkit/internal/base"
	"github.com/pdbkit/pdbkit/internal/compression"
	"github.com/pdbkit/pdbkit/vfs"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics expose chunk cache activity. All fields are optional prometheus
// counters; a nil Metrics disables collection.
type Metrics struct {
	// ChunkCacheHits counts stream reads served from an already decompressed
	// chunk.
	ChunkCacheHits prometheus.Counter
	// ChunkCacheMisses counts chunk loads, each of which reads and usually
	// decompresses a chunk.
	ChunkCacheMisses prometheus.Counter
	// BytesDecompressed counts bytes produced by chunk decompression.
	BytesDecompressed prometheus.Counter
}

// NewMetrics returns a Metrics with freshly created counters. The result
// implements prometheus.Collector.
func NewMetrics() *Metrics {
	return &Metrics{
		ChunkCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "msfz_chunk_cache_hits",
			Help: "Stream reads served from a cached decompressed chunk.",
		}),
		ChunkCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "msfz_chunk_cache_misses",
			Help: "Chunk loads from disk.",
		}),
		BytesDecompressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "msfz_bytes_decompressed",
			Help: "Bytes produced by chunk decompression.",
		}),
	}
}

var _ prometheus.Collector = (*Metrics)(nil)

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.ChunkCacheHits.Describe(ch)
	m.ChunkCacheMisses.Describe(ch)
	m.BytesDecompressed.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.ChunkCacheHits.Collect(ch)
	m.ChunkCacheMisses.Collect(ch)
	m.BytesDecompressed.Collect(ch)
}

// ReaderOptions configure a Reader.
type ReaderOptions struct {
	// Metrics, if set, receives chunk cache counters.
	Metrics *Metrics

	// Logger is used for diagnostics. Defaults to base.DefaultLogger.
	Logger base.Logger
}

// EnsureDefaults fills in unset fields and returns the receiver.
func (o *ReaderOptions) EnsureDefaults() *ReaderOptions {
	o.Logger = base.LoggerOrDefault(o.Logger)
	return o
}

// Reader provides read access to the streams of an MSFZ container. It is
// safe for concurrent use.
type Reader struct {
	file vfs.File
	opts ReaderOptions

	// fragments holds the fragments of all streams, ordered by stream. The
	// fragments of stream s are fragments[streamStarts[s]:streamStarts[s+1]].
	fragments    []fragment
	streamStarts []uint32

	chunkTable []chunkEntry

	mu struct {
		sync.Mutex
		// chunkCache holds decompressed chunks; index parallels chunkTable.
		// Chunks load lazily and stay resident for the life of the Reader.
		chunkCache [][]byte
	}
}

// Open opens an MSFZ file for reading.
func Open(fs vfs.FS, path string, opts ReaderOptions) (*Reader, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f, opts)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

// NewReader opens an MSFZ image in an already-open file.
func NewReader(file vfs.File, opts ReaderOptions) (*Reader, error) {
	opts.EnsureDefaults()

	var head [headerLen]byte
	if _, err := file.ReadAt(head[:], 0); err != nil {
		return nil, base.MarkCorruptionError(errors.Wrap(err, "msfz: reading header"))
	}
	h, err := decodeHeader(head[:])
	if err != nil {
		return nil, err
	}
	if h.numStreams == 0 {
		return nil, base.CorruptionErrorf("msfz: empty stream directory")
	}

	// Load the stream directory, decompressing it if needed.
	dirBytes := make([]byte, h.streamDirSizeUncompressed)
	method, err := compression.MethodFromCode(h.streamDirCompression)
	if err != nil {
		return nil, err
	}
	if method == compression.None {
		if h.streamDirSizeCompressed != h.streamDirSizeUncompressed {
			return nil, base.CorruptionErrorf(
				"msfz: uncompressed stream directory has inconsistent sizes %d and %d",
				redact.Safe(h.streamDirSizeCompressed), redact.Safe(h.streamDirSizeUncompressed))
		}
		if _, err := file.ReadAt(dirBytes, int64(h.streamDirOffset)); err != nil {
			return nil, base.MarkCorruptionError(errors.Wrap(err, "msfz: reading stream directory"))
		}
	} else {
		compressed := make([]byte, h.streamDirSizeCompressed)
		if _, err := file.ReadAt(compressed, int64(h.streamDirOffset)); err != nil {
			return nil, base.MarkCorruptionError(errors.Wrap(err, "msfz: reading stream directory"))
		}
		if err := compression.DecompressInto(method, dirBytes, compressed); err != nil {
			return nil, err
		}
	}

	// Load the chunk table before decoding the directory so fragment records
	// can be validated against it.
	if h.chunkTableSize != h.numChunks*chunkEntryLen {
		return nil, base.CorruptionErrorf("msfz: chunk table size %d does not match %d chunks",
			redact.Safe(h.chunkTableSize), redact.Safe(h.numChunks))
	}
	chunkTable := make([]chunkEntry, h.numChunks)
	if h.numChunks > 0 {
		buf := make([]byte, h.chunkTableSize)
		if _, err := file.ReadAt(buf, int64(h.chunkTableOffset)); err != nil {
			return nil, base.MarkCorruptionError(errors.Wrap(err, "msfz: reading chunk table"))
		}
		for i := range chunkTable {
			chunkTable[i] = decodeChunkEntry(buf[i*chunkEntryLen:])
		}
	}

	fragments, streamStarts, err := decodeStreamDir(dirBytes, int(h.numStreams), chunkTable)
	if err != nil {
		return nil, err
	}

	r := &Reader{
		file:         file,
		opts:         opts,
		fragments:    fragments,
		streamStarts: streamStarts,
		chunkTable:   chunkTable,
	}
	r.mu.chunkCache = make([][]byte, len(chunkTable))
	return r, nil
}

// decodeStreamDir decodes the stream directory. Each stream is either a
// single NilStreamSize value or a list of fragment records terminated by a
// zero size.
func decodeStreamDir(dirBytes []byte, numStreams int, chunkTable []chunkEntry) ([]fragment, []uint32, error) {
	var fragments []fragment
	streamStarts := make([]uint32, 0, numStreams+1)

	d := dirDecoder{bytes: dirBytes}
	for stream := 0; stream < numStreams; stream++ {
		streamStarts = append(streamStarts, uint32(len(fragments)))

		size, err := d.u32()
		if err != nil {
			return nil, nil, err
		}
		if size == NilStreamSize {
			fragments = append(fragments, fragment{location: locationNil})
			continue
		}
		for size != 0 {
			location, err := d.u64()
			if err != nil {
				return nil, nil, err
			}
			if location == locationNil {
				return nil, nil, base.CorruptionErrorf("msfz: invalid fragment location in stream %d",
					redact.Safe(stream))
			}
			f := fragment{size: size, location: location}
			if f.isCompressed() {
				chunk := f.chunk()
				if int(chunk) >= len(chunkTable) {
					return nil, nil, base.CorruptionErrorf(
						"msfz: stream %d references chunk %d beyond the chunk table",
						redact.Safe(stream), redact.Safe(chunk))
				}
				// Each fragment is non-empty, so at least one byte must come
				// from its first chunk.
				if f.offsetWithinChunk() >= chunkTable[chunk].uncompressedSize {
					return nil, nil, base.CorruptionErrorf(
						"msfz: stream %d fragment starts at %d past the end of chunk %d",
						redact.Safe(stream), redact.Safe(f.offsetWithinChunk()), redact.Safe(chunk))
				}
			}
			fragments = append(fragments, f)

			if size, err = d.u32(); err != nil {
				return nil, nil, err
			}
			if size == NilStreamSize {
				return nil, nil, base.CorruptionErrorf(
					"msfz: stream %d has a non-initial nil fragment size", redact.Safe(stream))
			}
		}
	}
	streamStarts = append(streamStarts, uint32(len(fragments)))
	return fragments, streamStarts, nil
}

type dirDecoder struct {
	bytes []byte
}

func (d *dirDecoder) u32() (uint32, error) {
	if len(d.bytes) < 4 {
		return 0, base.CorruptionErrorf("msfz: truncated stream directory")
	}
	v := binary.LittleEndian.Uint32(d.bytes)
	d.bytes = d.bytes[4:]
	return v, nil
}

func (d *dirDecoder) u64() (uint64, error) {
	if len(d.bytes) < 8 {
		return 0, base.CorruptionErrorf("msfz: truncated stream directory")
	}
	v := binary.LittleEndian.Uint64(d.bytes)
	d.bytes = d.bytes[8:]
	return v, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// NumStreams returns the number of streams, including nil streams.
func (r *Reader) NumStreams() int {
	return len(r.streamStarts) - 1
}

// NumChunks returns the number of compressed chunks.
func (r *Reader) NumChunks() int {
	return len(r.chunkTable)
}

// streamFragments returns the fragments of a stream, with the nil sentinel
// stripped. ok is false if stream is out of range.
func (r *Reader) streamFragments(stream int) (_ []fragment, isNil, ok bool) {
	if stream < 0 || stream >= len(r.streamStarts)-1 {
		return nil, false, false
	}
	fragments := r.fragments[r.streamStarts[stream]:r.streamStarts[stream+1]]
	if len(fragments) > 0 && fragments[0].isNil() {
		return nil, true, true
	}
	return fragments, false, true
}

// StreamSize returns the size of a stream. ok is false for nil streams and
// out-of-range indices; nil streams report size zero.
func (r *Reader) StreamSize(stream int) (size int64, ok bool) {
	fragments, isNil, ok := r.streamFragments(stream)
	if !ok || isNil {
		return 0, false
	}
	for _, f := range fragments {
		size += int64(f.size)
	}
	return size, true
}

// IsNilStream reports whether stream is a nil stream. Out-of-range indices
// report false.
func (r *Reader) IsNilStream(stream int) bool {
	_, isNil, ok := r.streamFragments(stream)
	return ok && isNil
}

// getChunk returns the decompressed contents of a chunk, loading it on first
// use. Loaded chunks stay resident for the life of the Reader.
func (r *Reader) getChunk(chunk uint32) ([]byte, error) {
	if int(chunk) >= len(r.chunkTable) {
		return nil, base.CorruptionErrorf("msfz: chunk %d out of range", redact.Safe(chunk))
	}
	r.mu.Lock()
	if data := r.mu.chunkCache[chunk]; data != nil {
		r.mu.Unlock()
		if m := r.opts.Metrics; m != nil && m.ChunkCacheHits != nil {
			m.ChunkCacheHits.Inc()
		}
		return data, nil
	}
	r.mu.Unlock()

	// Concurrent readers may race to load the same chunk; the first store
	// wins and the duplicate work is discarded.
	data, err := r.loadChunk(chunk)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if existing := r.mu.chunkCache[chunk]; existing != nil {
		data = existing
	} else {
		r.mu.chunkCache[chunk] = data
	}
	r.mu.Unlock()
	return data, nil
}

func (r *Reader) loadChunk(chunk uint32) ([]byte, error) {
	if m := r.opts.Metrics; m != nil && m.ChunkCacheMisses != nil {
		m.ChunkCacheMisses.Inc()
	}
	entry := r.chunkTable[chunk]
	method, err := compression.MethodFromCode(entry.compression)
	if err != nil {
		return nil, err
	}
	compressed := make([]byte, entry.compressedSize)
	if _, err := r.file.ReadAt(compressed, int64(entry.fileOffset)); err != nil {
		return nil, base.MarkCorruptionError(errors.Wrapf(err, "msfz: reading chunk %d", chunk))
	}
	if method == compression.None {
		return compressed, nil
	}
	data := make([]byte, entry.uncompressedSize)
	if err := compression.DecompressInto(method, data, compressed); err != nil {
		return nil, errors.Wrapf(err, "msfz: decompressing chunk %d", chunk)
	}
	if m := r.opts.Metrics; m != nil && m.BytesDecompressed != nil {
		m.BytesDecompressed.Add(float64(len(data)))
	}
	return data, nil
}

// chunkSlice returns size bytes at offset within a decompressed chunk.
func (r *Reader) chunkSlice(chunk, offset, size uint32) ([]byte, error) {
	data, err := r.getChunk(chunk)
	if err != nil {
		return nil, err
	}
	if uint64(offset)+uint64(size) > uint64(len(data)) {
		return nil, base.CorruptionErrorf(
			"msfz: fragment range [%d, %d) exceeds chunk %d of %d bytes",
			redact.Safe(offset), redact.Safe(uint64(offset)+uint64(size)),
			redact.Safe(chunk), redact.Safe(len(data)))
	}
	return data[offset : offset+size], nil
}

// readFragmentsAt reads into p starting at off within the logical
// concatenation of fragments.
func (r *Reader) readFragmentsAt(fragments []fragment, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	total := len(p)
	for _, f := range fragments {
		if off >= int64(f.size) {
			off -= int64(f.size)
			continue
		}
		n := int(int64(f.size) - off)
		if n > len(p) {
			n = len(p)
		}
		if f.isCompressed() {
			slice, err := r.chunkSlice(f.chunk(), f.offsetWithinChunk()+uint32(off), uint32(n))
			if err != nil {
				return total - len(p), err
			}
			copy(p, slice)
		} else {
			if _, err := r.file.ReadAt(p[:n], int64(f.fileOffset())+off); err != nil {
				return total - len(p), base.MarkCorruptionError(
					errors.Wrap(err, "msfz: reading uncompressed fragment"))
			}
		}
		p = p[n:]
		if len(p) == 0 {
			break
		}
		off = 0
	}
	return total - len(p), nil
}

// ReadStream reads an entire stream. Nil and zero-length streams yield an
// empty slice.
func (r *Reader) ReadStream(stream int) ([]byte, error) {
	sr, err := r.StreamReader(stream)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, sr.Size())
	if _, err := sr.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

// ReadStreamAt reads len(p) bytes from the stream at offset off. A read past
// the end returns the available bytes with a nil error.
func (r *Reader) ReadStreamAt(stream int, p []byte, off int64) (int, error) {
	fragments, _, ok := r.streamFragments(stream)
	if !ok {
		return 0, errors.Newf("msfz: stream %d out of range", redact.Safe(stream))
	}
	return r.readFragmentsAt(fragments, p, off)
}

// StreamReader returns a reader over a stream. Nil streams read as empty.
func (r *Reader) StreamReader(stream int) (*StreamReader, error) {
	fragments, _, ok := r.streamFragments(stream)
	if !ok {
		return nil, errors.Newf("msfz: stream %d out of range", redact.Safe(stream))
	}
	var size int64
	for _, f := range fragments {
		size += int64(f.size)
	}
	return &StreamReader{r: r, fragments: fragments, size: size}, nil
}

// StreamReader reads one stream. It implements io.Reader, io.ReaderAt and
// io.Seeker.
type StreamReader struct {
	r         *Reader
	fragments []fragment
	size      int64
	pos       int64
}

// Size returns the stream size in bytes.
func (sr *StreamReader) Size() int64 {
	return sr.size
}

// ReadAt implements io.ReaderAt.
func (sr *StreamReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("msfz: negative read offset")
	}
	if off >= sr.size {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n, err := sr.r.readFragmentsAt(sr.fragments, p, off)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

// Read implements io.Reader.
func (sr *StreamReader) Read(p []byte) (int, error) {
	n, err := sr.ReadAt(p, sr.pos)
	sr.pos += int64(n)
	return n, err
}

// Seek implements io.Seeker.
func (sr *StreamReader) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = sr.pos + offset
	case io.SeekEnd:
		pos = sr.size + offset
	default:
		return 0, errors.Newf("msfz: invalid seek whence %d", redact.Safe(whence))
	}
	if pos < 0 {
		return 0, errors.New("msfz: negative seek position")
	}
	sr.pos = pos
	return pos, nil
}
