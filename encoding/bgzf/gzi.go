package bgzf

import (
	"bufio"
	"encoding/binary"
	"io"
	"sort"

	"github.com/bixgenomics/fastar/fastarerrors"
)

// offsetPair is one entry of a .gzi index: the compressed (on-disk) file
// offset of a BGZF block start, paired with the uncompressed stream offset
// of the first byte that block produces.
type offsetPair struct {
	compressed   uint64
	uncompressed uint64
}

// Index is a parsed .gzi sidecar: a little-endian u64 count followed by
// that many (compressedOffset, uncompressedOffset) pairs. See spec §4.1
// and §6.
type Index struct {
	entries []offsetPair
}

// ReadGZI parses a .gzi file from r.
func ReadGZI(r io.Reader) (*Index, error) {
	br := bufio.NewReader(r)
	var n uint64
	if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
		return nil, &fastarerrors.ParseError{SidecarKind: "gzi", Path: ""}
	}
	entries := make([]offsetPair, 0, n)
	// The .gzi format does not list the implicit (0, 0) pair for the start
	// of the file; we synthesize it so every lookup has a floor entry.
	entries = append(entries, offsetPair{0, 0})
	for i := uint64(0); i < n; i++ {
		var c, u uint64
		if err := binary.Read(br, binary.LittleEndian, &c); err != nil {
			return nil, &fastarerrors.ParseError{SidecarKind: "gzi", Path: ""}
		}
		if err := binary.Read(br, binary.LittleEndian, &u); err != nil {
			return nil, &fastarerrors.ParseError{SidecarKind: "gzi", Path: ""}
		}
		entries = append(entries, offsetPair{c, u})
	}
	if !sort.SliceIsSorted(entries, func(i, j int) bool { return entries[i].uncompressed < entries[j].uncompressed }) {
		return nil, &fastarerrors.ParseError{SidecarKind: "gzi", Path: ""}
	}
	return &Index{entries: entries}, nil
}

// floorEntry returns the largest entry with uncompressed offset <= u,
// via binary search (spec §4.1 step 1).
func (idx *Index) floorEntry(u uint64) offsetPair {
	i := sort.Search(len(idx.entries), func(i int) bool {
		return idx.entries[i].uncompressed > u
	})
	return idx.entries[i-1]
}

// lastEntry returns the compressed/uncompressed offset of the final
// indexed block, used to anchor total uncompressed length computation.
func (idx *Index) lastEntry() offsetPair {
	return idx.entries[len(idx.entries)-1]
}

// OffsetPair is the exported form of a .gzi entry, for callers (such as a
// cache layout encoder) that need to serialize an already-parsed Index
// without going back through .gzi text.
type OffsetPair struct {
	Compressed   uint64
	Uncompressed uint64
}

// Pairs returns every entry except the synthesized (0, 0) floor,
// matching the on-disk .gzi convention.
func (idx *Index) Pairs() []OffsetPair {
	if len(idx.entries) <= 1 {
		return nil
	}
	out := make([]OffsetPair, len(idx.entries)-1)
	for i, e := range idx.entries[1:] {
		out[i] = OffsetPair{Compressed: e.compressed, Uncompressed: e.uncompressed}
	}
	return out
}

// NewIndexFromPairs builds an Index from already-decoded pairs (the
// on-disk convention, without the synthesized floor entry), for callers
// reconstructing an Index from a cache layout instead of .gzi text.
func NewIndexFromPairs(pairs []OffsetPair) *Index {
	entries := make([]offsetPair, 0, len(pairs)+1)
	entries = append(entries, offsetPair{0, 0})
	for _, p := range pairs {
		entries = append(entries, offsetPair{p.Compressed, p.Uncompressed})
	}
	return &Index{entries: entries}
}
