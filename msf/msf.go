// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package msf

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/cockroachdb/swiss"
	"github.com/pdbkit/pdbkit/internal/base"
	"github.com/pdbkit/pdbkit/vfs"
)

// Options configure creation of a new MSF file.
type Options struct {
	// PageSize is the page size in bytes. It must be a power of two in
	// [MinPageSize, MaxPageSize]. Defaults to DefaultPageSize.
	PageSize int

	// MaxStreams bounds the number of streams that can be created. Defaults
	// to DefaultMaxStreams. Raising it produces files most PDB tools cannot
	// read.
	MaxStreams int

	// Logger is used for diagnostics. Defaults to base.DefaultLogger.
	Logger base.Logger
}

// EnsureDefaults fills in unset fields and returns the receiver.
func (o *Options) EnsureDefaults() *Options {
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	if o.MaxStreams == 0 {
		o.MaxStreams = DefaultMaxStreams
	}
	o.Logger = base.LoggerOrDefault(o.Logger)
	return o
}

// modifiedStream is the uncommitted page list for a stream that has been
// written in the current transaction.
type modifiedStream struct {
	pages []uint32
}

// File provides access to the streams of an MSF container.
//
// A File is safe for concurrent readers. Writing is single-threaded: the
// caller must not read or write concurrently with StreamWriter operations or
// Commit.
type File struct {
	file     vfs.File
	opts     Options
	readOnly bool

	// activeFPM is the committed FPM slot (1 or 2). Commit flips it.
	activeFPM uint32

	// streamSizes holds the byte size of every stream, NilStreamSize for nil
	// streams. Its length is the stream count. It mixes committed and
	// uncommitted state.
	streamSizes []uint32

	// committedPages and committedStarts describe the page lists of the
	// committed state: the pages of stream i are
	// committedPages[committedStarts[i]:committedStarts[i+1]].
	committedPages  []uint32
	committedStarts []uint32

	// modified maps a stream index to its uncommitted page list. An entry
	// exists for every stream touched in the current transaction.
	modified swiss.Map[uint32, *modifiedStream]

	alloc *pageAllocator
}

// Open opens an MSF file for read-only access.
func Open(fs vfs.FS, path string) (*File, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	m, err := open(f, true /* readOnly */, (&Options{}).EnsureDefaults())
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return m, nil
}

// OpenReadWrite opens an existing MSF file for modification.
func OpenReadWrite(fs vfs.FS, path string) (*File, error) {
	f, err := fs.OpenReadWrite(path)
	if err != nil {
		return nil, err
	}
	m, err := open(f, false /* readOnly */, (&Options{}).EnsureDefaults())
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return m, nil
}

// OpenFile opens an MSF image in an already-open file for read-only access.
func OpenFile(file vfs.File) (*File, error) {
	return open(file, true /* readOnly */, (&Options{}).EnsureDefaults())
}

// Create creates a new MSF file at path, truncating any existing file.
// Nothing is written to disk until stream data is written or Commit is
// called.
func Create(fs vfs.FS, path string, opts Options) (*File, error) {
	f, err := fs.Create(path)
	if err != nil {
		return nil, err
	}
	m, err := CreateFile(f, opts)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return m, nil
}

// CreateFile creates a new MSF image in an already-open file.
func CreateFile(file vfs.File, opts Options) (*File, error) {
	opts.EnsureDefaults()
	ps := PageSize(opts.PageSize)
	if !ps.valid() {
		return nil, errors.Newf("msf: invalid page size %d", redact.Safe(opts.PageSize))
	}

	// A new file has three pages: the header page and the two FPM pages.
	// The active FPM starts at 2 so that the first commit writes slot 1.
	m := &File{
		file:            file,
		opts:            opts,
		readOnly:        false,
		activeFPM:       fpmSlot2,
		streamSizes:     []uint32{0},
		committedPages:  nil,
		committedStarts: []uint32{0, 0},
		alloc:           newPageAllocator(3, ps),
	}
	m.modified.Init(8)

	// Streams 1 through 4 are the fixed PDB streams. Reserve them as nil
	// streams so applications can fill them in any order.
	for i := 0; i < 4; i++ {
		if _, err := m.NilStream(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func open(file vfs.File, readOnly bool, opts *Options) (*File, error) {
	var head [MinPageSize]byte
	if _, err := file.ReadAt(head[:], 0); err != nil {
		return nil, base.MarkCorruptionError(errors.Wrap(err, "msf: reading header"))
	}
	h, err := decodeHeader(head[:])
	if err != nil {
		return nil, err
	}
	ps := PageSize(h.pageSize)

	// Read all of page 0; the stream directory page map follows the header.
	page0 := make([]byte, ps)
	if _, err := file.ReadAt(page0, 0); err != nil {
		return nil, base.MarkCorruptionError(errors.Wrap(err, "msf: reading page 0"))
	}

	if h.streamDirSize == 0 || h.streamDirSize%4 != 0 {
		return nil, base.CorruptionErrorf("msf: invalid stream directory size %d",
			redact.Safe(h.streamDirSize))
	}

	alloc := newPageAllocator(int(h.numPages), ps)

	// The stream directory is stored in three levels: the page map in page 0
	// points at L1 pages, whose entries point at the L2 pages holding the
	// directory bytes.
	dirL2Count := ps.divRoundUp(h.streamDirSize)
	dirL1Count := pagesForStreamSize(4*dirL2Count, ps)
	if streamDirPageMapOffset+4*int(dirL1Count) > int(ps) {
		return nil, base.CorruptionErrorf("msf: stream directory page map exceeds page 0")
	}

	streamDir := make([]byte, h.streamDirSize)
	l1Page := make([]byte, ps)
	dirOffset := 0
readDir:
	for i := 0; i < int(dirL1Count); i++ {
		l1Ptr := binary.LittleEndian.Uint32(page0[streamDirPageMapOffset+4*i:])
		if err := alloc.initMarkMetaPageBusy(l1Ptr); err != nil {
			return nil, err
		}
		if isSpecialPage(ps, l1Ptr) {
			return nil, base.CorruptionErrorf("msf: stream directory page map points at reserved page %d",
				redact.Safe(l1Ptr))
		}
		if _, err := file.ReadAt(l1Page, pageToOffset(l1Ptr, ps)); err != nil {
			return nil, base.MarkCorruptionError(errors.Wrap(err, "msf: reading stream directory page map"))
		}
		for j := 0; j < len(l1Page)/4; j++ {
			if dirOffset >= len(streamDir) {
				break readDir
			}
			l2Ptr := binary.LittleEndian.Uint32(l1Page[4*j:])
			if err := alloc.initMarkMetaPageBusy(l2Ptr); err != nil {
				return nil, err
			}
			if isSpecialPage(ps, l2Ptr) {
				return nil, base.CorruptionErrorf("msf: stream directory points at reserved page %d",
					redact.Safe(l2Ptr))
			}
			chunk := streamDir[dirOffset:]
			if len(chunk) > int(ps) {
				chunk = chunk[:ps]
			}
			if _, err := file.ReadAt(chunk, pageToOffset(l2Ptr, ps)); err != nil {
				return nil, base.MarkCorruptionError(errors.Wrap(err, "msf: reading stream directory"))
			}
			dirOffset += len(chunk)
		}
	}
	if dirOffset < len(streamDir) {
		return nil, base.CorruptionErrorf("msf: stream directory truncated (%d of %d bytes)",
			redact.Safe(dirOffset), redact.Safe(len(streamDir)))
	}

	// Decode the directory: stream count, stream sizes, then the page list
	// of every non-nil stream.
	dirWords := len(streamDir) / 4
	dirU32 := func(i int) uint32 { return binary.LittleEndian.Uint32(streamDir[4*i:]) }

	numStreams := int(dirU32(0))
	if numStreams == 0 {
		return nil, base.CorruptionErrorf("msf: stream directory has zero streams")
	}
	if 1+numStreams > dirWords {
		return nil, base.CorruptionErrorf("msf: stream count %d inconsistent with directory size",
			redact.Safe(numStreams))
	}

	streamSizes := make([]uint32, numStreams)
	for i := range streamSizes {
		streamSizes[i] = dirU32(1 + i)
	}

	committedPages := make([]uint32, 0, dirWords-1-numStreams)
	committedStarts := make([]uint32, 0, numStreams+1)
	next := 1 + numStreams
	for i, size := range streamSizes {
		committedStarts = append(committedStarts, uint32(len(committedPages)))
		if size == NilStreamSize {
			continue
		}
		n := int(pagesForStreamSize(size, ps))
		if next+n > dirWords {
			return nil, base.CorruptionErrorf("msf: stream %d (size %d) overflows the stream directory",
				redact.Safe(i), redact.Safe(size))
		}
		for j := 0; j < n; j++ {
			committedPages = append(committedPages, dirU32(next+j))
		}
		next += n
	}
	committedStarts = append(committedStarts, uint32(len(committedPages)))

	// Mark the data pages of every stream except stream 0 as busy. Stream 0
	// is the old stream directory; its pages are already free in the
	// committed FPM.
	for _, page := range committedPages[committedStarts[1]:] {
		if err := alloc.initMarkStreamPageBusy(page); err != nil {
			return nil, err
		}
	}

	// Stream 0 must never be read again; it describes the previous
	// transaction. Forcing the size to zero also keeps the next commit from
	// writing pages for it.
	streamSizes[0] = 0

	if err := alloc.checkConsistency(); err != nil {
		return nil, err
	}

	// The FPM computed from the stream directory must match the FPM on disk.
	// Some writers put stream pages in illegal locations; tolerate mismatches
	// for read-only access but never for writing.
	diskFPM, err := readFPM(file, h.activeFPM, h.numPages, ps)
	if err != nil {
		return nil, err
	}
	if !equalBits(diskFPM, &alloc.fpm, int(h.numPages)) {
		if !readOnly {
			return nil, base.CorruptionErrorf(
				"msf: free page map on disk disagrees with the stream directory")
		}
		opts.Logger.Errorf("msf: free page map on disk disagrees with the stream directory; " +
			"continuing because access is read-only")
	}

	m := &File{
		file:            file,
		opts:            *opts,
		readOnly:        readOnly,
		activeFPM:       h.activeFPM,
		streamSizes:     streamSizes,
		committedPages:  committedPages,
		committedStarts: committedStarts,
		alloc:           alloc,
	}
	m.modified.Init(8)
	return m, nil
}

// readFPM reads the active free page map. Each FPM page lives in a different
// interval; they are not contiguous on disk.
func readFPM(file vfs.File, activeFPM, numPages uint32, ps PageSize) (*bitvec, error) {
	fpm := newBitvec(int(numPages), false)
	raw := make([]byte, len(fpm.words)*4)
	for interval, off := uint32(0), 0; off < len(raw); interval++ {
		chunk := raw[off:]
		if len(chunk) > int(ps) {
			chunk = chunk[:ps]
		}
		page := intervalToPage(interval, ps) + activeFPM
		if _, err := file.ReadAt(chunk, pageToOffset(page, ps)); err != nil {
			return nil, base.MarkCorruptionError(errors.Wrap(err, "msf: reading free page map"))
		}
		off += len(chunk)
	}
	for i := range fpm.words {
		fpm.words[i] = binary.LittleEndian.Uint32(raw[4*i:])
	}

	// Page 0 and the FPM pages themselves must always be busy.
	if fpm.get(0) {
		return nil, base.CorruptionErrorf("msf: free page map marks page 0 free")
	}
	for interval := uint32(0); ; interval++ {
		p := int(intervalToPage(interval, ps))
		if p+1 < fpm.len() && fpm.get(p+1) {
			return nil, base.CorruptionErrorf("msf: free page map marks FPM page %d free", redact.Safe(p+1))
		}
		if p+2 < fpm.len() {
			if fpm.get(p + 2) {
				return nil, base.CorruptionErrorf("msf: free page map marks FPM page %d free", redact.Safe(p+2))
			}
		} else {
			break
		}
	}
	return &fpm, nil
}

// Close closes the underlying file. Uncommitted changes are dropped.
func (m *File) Close() error {
	return m.file.Close()
}

// NumStreams returns the number of streams, including nil streams.
func (m *File) NumStreams() int {
	return len(m.streamSizes)
}

// StreamSize returns the byte size of a stream. ok is false for nil streams
// and out-of-range indices; both report size zero.
func (m *File) StreamSize(stream int) (size int64, ok bool) {
	if stream < 0 || stream >= len(m.streamSizes) {
		return 0, false
	}
	s := m.streamSizes[stream]
	if s == NilStreamSize {
		return 0, false
	}
	return int64(s), true
}

// IsNilStream reports whether stream is a nil stream. Out-of-range indices
// report false.
func (m *File) IsNilStream(stream int) bool {
	if stream < 0 || stream >= len(m.streamSizes) {
		return false
	}
	return m.streamSizes[stream] == NilStreamSize
}

// PageSize returns the page size in bytes.
func (m *File) PageSize() int {
	return int(m.alloc.pageSize)
}

// NumPages returns the number of pages in the file, including uncommitted
// allocations.
func (m *File) NumPages() int {
	return int(m.alloc.numPages)
}

// FreePages returns the number of free pages below NumPages.
func (m *File) FreePages() int {
	return m.alloc.fpm.countSet()
}

// ActiveFPM returns the free page map slot (1 or 2) the committed state
// was read from or last written to.
func (m *File) ActiveFPM() int {
	return int(m.activeFPM)
}

// NominalSize returns NumPages times the page size. The on-disk file size is
// usually, but not necessarily, equal to it.
func (m *File) NominalSize() int64 {
	return pageToOffset(m.alloc.numPages, m.alloc.pageSize)
}

// IsModified reports whether the file has uncommitted changes.
func (m *File) IsModified() bool {
	return m.modified.Len() > 0
}

// streamPages returns the size and current page list for a stream, preferring
// the uncommitted page list when the stream has been modified.
func (m *File) streamPages(stream int) (size uint32, pages []uint32, err error) {
	if stream < 0 || stream >= len(m.streamSizes) {
		return 0, nil, errors.Newf("msf: stream %d out of range (%d streams)",
			redact.Safe(stream), redact.Safe(len(m.streamSizes)))
	}
	size = m.streamSizes[stream]
	if size == NilStreamSize {
		return NilStreamSize, nil, nil
	}
	n := pagesForStreamSize(size, m.alloc.pageSize)
	if n == 0 {
		return size, nil, nil
	}
	if ms, ok := m.modified.Get(uint32(stream)); ok {
		return size, ms.pages, nil
	}
	start := m.committedStarts[stream]
	return size, m.committedPages[start : start+n], nil
}

func (m *File) requireWritable() error {
	if m.readOnly {
		return base.UnsupportedErrorf("msf: file is open for read-only access")
	}
	return nil
}
