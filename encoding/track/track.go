// Package track implements the parallel numeric track accessor: a track
// file is a concatenation of per-contig byte ranges aligned to an
// assembly's contigs, with a .idx sidecar giving each contig's cumulative
// byte offset. See spec §4.3 and §3 (Track index).
package track

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/bixgenomics/fastar/encoding/bgzf"
	"github.com/bixgenomics/fastar/fastarerrors"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ContigOffset is one entry of a track index: a contig name and the
// cumulative byte offset at which its data begins in the uncompressed
// track stream.
type ContigOffset struct {
	Name       string
	ByteOffset uint64
}

// Index is the ordered list of per-contig byte offsets parsed from a
// .idx sidecar, including the trailing sentinel entry whose ByteOffset is
// the total uncompressed file length.
//
// spec §9 leaves the .idx trailing-row convention as an open question
// between an empty-name sentinel row and a duplicate-last-row. This
// package adopts the sentinel convention (empty Name, ByteOffset == total
// length) and rejects a non-empty duplicate-offset final row as malformed
// rather than silently accepting it.
type Index struct {
	entries []ContigOffset
	lookup  map[string]int
}

// NewIndex builds an Index from an already-ordered entry list (including
// its trailing sentinel), for callers that decoded the entries from
// something other than .idx text.
func NewIndex(entries []ContigOffset) *Index {
	idx := &Index{entries: entries, lookup: make(map[string]int, len(entries))}
	for i, e := range entries {
		if e.Name != "" {
			idx.lookup[e.Name] = i
		}
	}
	return idx
}

// ReadIndex parses a .idx file: tab-separated "contig\tcumulative_byte_offset\n"
// lines, with a trailing sentinel row whose contig name is empty.
func ReadIndex(r io.Reader) (*Index, error) {
	idx := &Index{lookup: make(map[string]int)}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 2 {
			return nil, &fastarerrors.ParseError{SidecarKind: "idx", Line: lineNo}
		}
		off, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, &fastarerrors.ParseError{SidecarKind: "idx", Line: lineNo}
		}
		name := fields[0]
		if name != "" {
			if _, dup := idx.lookup[name]; dup {
				return nil, &fastarerrors.ParseError{SidecarKind: "idx", Line: lineNo}
			}
			idx.lookup[name] = len(idx.entries)
		}
		idx.entries = append(idx.entries, ContigOffset{Name: name, ByteOffset: off})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "track: reading idx")
	}
	if len(idx.entries) == 0 {
		return nil, &fastarerrors.ParseError{SidecarKind: "idx"}
	}
	last := idx.entries[len(idx.entries)-1]
	if last.Name != "" {
		return nil, &fastarerrors.ParseError{SidecarKind: "idx", Line: lineNo}
	}
	return idx, nil
}

// Entries returns every entry in on-file order, including the trailing
// sentinel, for callers (such as a cache layout encoder) that need the
// raw (name, offset) pairs rather than derived lengths.
func (idx *Index) Entries() []ContigOffset {
	out := make([]ContigOffset, len(idx.entries))
	copy(out, idx.entries)
	return out
}

// Names returns contig names in on-file order, excluding the trailing
// sentinel.
func (idx *Index) Names() []string {
	names := make([]string, 0, len(idx.entries)-1)
	for _, e := range idx.entries[:len(idx.entries)-1] {
		names = append(names, e.Name)
	}
	return names
}

// byteRange returns [begin, end) for contig, using the next entry (or the
// trailing sentinel) to bound its length.
func (idx *Index) byteRange(contig string) (begin, end uint64, ok bool) {
	i, found := idx.lookup[contig]
	if !found {
		return 0, 0, false
	}
	return idx.entries[i].ByteOffset, idx.entries[i+1].ByteOffset, true
}

// Length returns the byte length of contig's data in the track file.
func (idx *Index) Length(contig string) (uint64, bool) {
	begin, end, ok := idx.byteRange(contig)
	if !ok {
		return 0, false
	}
	return end - begin, true
}

// TotalLength returns the total uncompressed track file length, as
// recorded by the trailing sentinel row.
func (idx *Index) TotalLength() uint64 {
	return idx.entries[len(idx.entries)-1].ByteOffset
}

// Accessor reads byte subranges of a track file, either through BGZF
// decompression (if a .gzi sidecar is present) or via a direct read-only
// mmap of an uncompressed track file.
type Accessor struct {
	index      *Index
	bgzfReader *bgzf.Reader // non-nil if the track is BGZF-compressed
	mmapped    []byte        // non-nil if the track is read via direct mmap
}

// NewBGZFAccessor builds an Accessor backed by a bgzipped track file.
func NewBGZFAccessor(idx *Index, f *os.File, gzi *bgzf.Index) *Accessor {
	return &Accessor{index: idx, bgzfReader: bgzf.NewReader(f, gzi)}
}

// NewMmapAccessor builds an Accessor backed by a direct read-only mmap of
// an uncompressed track file.
func NewMmapAccessor(idx *Index, f *os.File) (*Accessor, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, &fastarerrors.StorageError{Op: "stat track file", Err: err}
	}
	size := st.Size()
	if size == 0 {
		return &Accessor{index: idx, mmapped: []byte{}}, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, &fastarerrors.StorageError{Op: "mmap track file", Err: err}
	}
	return &Accessor{index: idx, mmapped: data}, nil
}

// ReadRange returns bytes [base+start, base+start+length) of contig's
// data, where base is the contig's cumulative byte offset. The core does
// not interpret element size; callers that know the track is float32 are
// responsible for multiplying start/length by 4 beforehand, per spec §4.3.
func (a *Accessor) ReadRange(contig string, start, length uint64) ([]byte, error) {
	contigBegin, contigEnd, ok := a.index.byteRange(contig)
	if !ok {
		return nil, &fastarerrors.UnknownContig{Name: contig}
	}
	contigLen := contigEnd - contigBegin
	if start+length > contigLen {
		return nil, &fastarerrors.OutOfRange{Contig: contig, Start: start, Length: length}
	}
	begin := contigBegin + start
	end := begin + length
	if a.bgzfReader != nil {
		return a.bgzfReader.ReadRange(begin, end)
	}
	if end > uint64(len(a.mmapped)) {
		return nil, &fastarerrors.OutOfRange{Contig: contig, Start: start, Length: length}
	}
	out := make([]byte, length)
	copy(out, a.mmapped[begin:end])
	return out, nil
}

// Close releases resources held by a direct mmap. It is a no-op for
// BGZF-backed accessors, whose underlying *os.File the caller owns.
func (a *Accessor) Close() error {
	if a.mmapped != nil && len(a.mmapped) > 0 {
		return unix.Munmap(a.mmapped)
	}
	return nil
}
