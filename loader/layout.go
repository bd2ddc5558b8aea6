package loader

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/bixgenomics/fastar/assembly"
	"github.com/bixgenomics/fastar/encoding/bgzf"
	"github.com/bixgenomics/fastar/fastarerrors"
)

// layoutContig is one contig's decoded metadata, enough to construct a
// fai.ContigRecord or a track cumulative offset without re-parsing text.
type layoutContig struct {
	name      string
	length    uint64
	offset    uint64 // data_offset (fasta) or cumulative byte offset (track)
	lineBases uint32 // 0 for track
	lineWidth uint32 // 0 for track
}

// layoutOffsetPair mirrors a .gzi entry.
type layoutOffsetPair struct {
	compressed   uint64
	uncompressed uint64
}

// layoutAssembly is everything reconstructEntry needs to reconstruct one
// assembly.Entry without touching the .fai/.gzi/.idx sidecars again: the
// decoded contig table plus (if compressed) the decoded .gzi table.
type layoutAssembly struct {
	name     string
	kind     assembly.Kind
	dataPath string // relative to root
	gziPath  string // relative to root, "" if uncompressed
	contigs  []layoutContig
	gzi      []layoutOffsetPair
}

// encodeLayout serializes minContigLength and assemblies into the
// position-independent byte blob a cache file's region holds: a flat,
// length-prefixed sequence with no absolute pointers, so the same bytes
// are valid wherever they are mapped into memory. minContigLength travels
// with the blob so a bare Handle (no Options) is enough for Attach to
// reconstruct the same filtered view the original Build produced.
func encodeLayout(minContigLength uint64, assemblies []layoutAssembly) []byte {
	var buf bytes.Buffer
	putUint64(&buf, minContigLength)
	putUint64(&buf, uint64(len(assemblies)))
	for _, a := range assemblies {
		putString(&buf, a.name)
		buf.WriteByte(byte(a.kind))
		putString(&buf, a.dataPath)
		putString(&buf, a.gziPath)
		putUint64(&buf, uint64(len(a.contigs)))
		for _, c := range a.contigs {
			putString(&buf, c.name)
			putUint64(&buf, c.length)
			putUint64(&buf, c.offset)
			putUint32(&buf, c.lineBases)
			putUint32(&buf, c.lineWidth)
		}
		putUint64(&buf, uint64(len(a.gzi)))
		for _, p := range a.gzi {
			putUint64(&buf, p.compressed)
			putUint64(&buf, p.uncompressed)
		}
	}
	return buf.Bytes()
}

func decodeLayout(data []byte) (minContigLength uint64, assemblies []layoutAssembly, err error) {
	r := bytes.NewReader(data)
	minContigLength, err = getUint64(r)
	if err != nil {
		return 0, nil, err
	}
	nAssemblies, err := getUint64(r)
	if err != nil {
		return 0, nil, err
	}
	out := make([]layoutAssembly, 0, nAssemblies)
	for i := uint64(0); i < nAssemblies; i++ {
		var a layoutAssembly
		if a.name, err = getString(r); err != nil {
			return 0, nil, err
		}
		kindByte, err := r.ReadByte()
		if err != nil {
			return 0, nil, &fastarerrors.ParseError{SidecarKind: "cache"}
		}
		a.kind = assembly.Kind(kindByte)
		if a.dataPath, err = getString(r); err != nil {
			return 0, nil, err
		}
		if a.gziPath, err = getString(r); err != nil {
			return 0, nil, err
		}
		nContigs, err := getUint64(r)
		if err != nil {
			return 0, nil, err
		}
		a.contigs = make([]layoutContig, nContigs)
		for j := range a.contigs {
			c := &a.contigs[j]
			if c.name, err = getString(r); err != nil {
				return 0, nil, err
			}
			if c.length, err = getUint64(r); err != nil {
				return 0, nil, err
			}
			if c.offset, err = getUint64(r); err != nil {
				return 0, nil, err
			}
			if c.lineBases, err = getUint32(r); err != nil {
				return 0, nil, err
			}
			if c.lineWidth, err = getUint32(r); err != nil {
				return 0, nil, err
			}
		}
		nPairs, err := getUint64(r)
		if err != nil {
			return 0, nil, err
		}
		a.gzi = make([]layoutOffsetPair, nPairs)
		for j := range a.gzi {
			p := &a.gzi[j]
			if p.compressed, err = getUint64(r); err != nil {
				return 0, nil, err
			}
			if p.uncompressed, err = getUint64(r); err != nil {
				return 0, nil, err
			}
		}
		out = append(out, a)
	}
	return minContigLength, out, nil
}

// toGZIIndex rebuilds a *bgzf.Index directly from decoded pairs.
func (a layoutAssembly) toGZIIndex() (*bgzf.Index, error) {
	pairs := make([]bgzf.OffsetPair, len(a.gzi))
	for i, p := range a.gzi {
		pairs[i] = bgzf.OffsetPair{Compressed: p.compressed, Uncompressed: p.uncompressed}
	}
	return bgzf.NewIndexFromPairs(pairs), nil
}

func putUint64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func putString(buf *bytes.Buffer, s string) {
	putUint64(buf, uint64(len(s)))
	buf.WriteString(s)
}

func getUint64(r *bytes.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, &fastarerrors.ParseError{SidecarKind: "cache"}
	}
	return binary.LittleEndian.Uint64(tmp[:]), nil
}

func getUint32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, &fastarerrors.ParseError{SidecarKind: "cache"}
	}
	return binary.LittleEndian.Uint32(tmp[:]), nil
}

func getString(r *bytes.Reader) (string, error) {
	n, err := getUint64(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", &fastarerrors.ParseError{SidecarKind: "cache"}
	}
	return string(buf), nil
}
