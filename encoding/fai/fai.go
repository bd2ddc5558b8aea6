// Package fai parses samtools-style FASTA index (.fai) files and
// implements the line-folding arithmetic that maps a (contig, start,
// length) query into the uncompressed byte range of the underlying FASTA
// stream. See http://www.htslib.org/doc/faidx.html and spec §4.2.
package fai

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/bixgenomics/fastar/fastarerrors"
	"github.com/pkg/errors"
)

// ContigRecord describes one contig in a FASTA index.
type ContigRecord struct {
	Name       string
	Length     uint64 // bases only, excludes line terminators
	DataOffset uint64 // uncompressed-stream offset of the first base
	LineBases  uint32 // bases per line
	LineWidth  uint32 // total bytes per line, including terminator(s)
}

// Index is the ordered set of contigs parsed from a .fai file, plus a
// name-to-position lookup. Order is on-file order; the lookup exists only
// for point queries.
type Index struct {
	Contigs []ContigRecord
	lookup  map[string]int
}

// NewIndex builds an Index from already-parsed contig records, for
// callers (such as a cache-hit reconstruction) that decoded the records
// from something other than .fai text.
func NewIndex(contigs []ContigRecord) *Index {
	idx := &Index{Contigs: contigs, lookup: make(map[string]int, len(contigs))}
	for i, c := range contigs {
		idx.lookup[c.Name] = i
	}
	return idx
}

// ReadFAI parses a .fai file: tab-separated lines of
// name\tlength\toffset\tline_bases\tline_width\n, integers decimal, no
// header.
func ReadFAI(r io.Reader) (*Index, error) {
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
		if len(fields) != 5 {
			return nil, &fastarerrors.ParseError{SidecarKind: "fai", Line: lineNo}
		}
		rec, err := parseFAIFields(fields)
		if err != nil {
			return nil, &fastarerrors.ParseError{SidecarKind: "fai", Line: lineNo}
		}
		if rec.LineWidth < rec.LineBases {
			return nil, &fastarerrors.ParseError{SidecarKind: "fai", Line: lineNo}
		}
		if _, dup := idx.lookup[rec.Name]; dup {
			return nil, &fastarerrors.ParseError{SidecarKind: "fai", Line: lineNo}
		}
		idx.lookup[rec.Name] = len(idx.Contigs)
		idx.Contigs = append(idx.Contigs, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "fai: reading index")
	}
	return idx, nil
}

func parseFAIFields(fields []string) (ContigRecord, error) {
	length, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return ContigRecord{}, err
	}
	offset, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return ContigRecord{}, err
	}
	lineBases, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return ContigRecord{}, err
	}
	lineWidth, err := strconv.ParseUint(fields[4], 10, 32)
	if err != nil {
		return ContigRecord{}, err
	}
	return ContigRecord{
		Name:       fields[0],
		Length:     length,
		DataOffset: offset,
		LineBases:  uint32(lineBases),
		LineWidth:  uint32(lineWidth),
	}, nil
}

// Lookup returns the contig record for name.
func (idx *Index) Lookup(name string) (ContigRecord, bool) {
	i, ok := idx.lookup[name]
	if !ok {
		return ContigRecord{}, false
	}
	return idx.Contigs[i], true
}

// Names returns contig names in on-file order.
func (idx *Index) Names() []string {
	names := make([]string, len(idx.Contigs))
	for i, c := range idx.Contigs {
		names[i] = c.Name
	}
	return names
}

// Lengths returns a name->length view over the whole index, independent of
// any min-length filtering a caller might apply elsewhere. Mirrors the
// teacher's fasta.FaiToReferenceLengths convenience accessor.
func (idx *Index) Lengths() map[string]uint64 {
	out := make(map[string]uint64, len(idx.Contigs))
	for _, c := range idx.Contigs {
		out[c.Name] = c.Length
	}
	return out
}

// LogicalByteRange maps (contig, start, length) to the uncompressed byte
// range [uBegin, uEnd) that contains those bases plus any interleaved line
// terminators, per spec §4.2.
func LogicalByteRange(c ContigRecord, start, length uint64) (uBegin, uEnd uint64, err error) {
	end := start + length
	if length > 0 && (start >= c.Length || end > c.Length) {
		return 0, 0, &fastarerrors.OutOfRange{Contig: c.Name, Start: start, Length: length}
	}
	if length == 0 && start > c.Length {
		return 0, 0, &fastarerrors.OutOfRange{Contig: c.Name, Start: start, Length: length}
	}
	L := uint64(c.LineBases)
	W := uint64(c.LineWidth)
	if L == 0 {
		return 0, 0, &fastarerrors.ParseError{SidecarKind: "fai", Path: c.Name}
	}
	uBegin = c.DataOffset + (start/L)*W + (start % L)
	uEnd = c.DataOffset + (end/L)*W + (end % L)
	return uBegin, uEnd, nil
}

// StripTerminators removes the W-L line-terminator bytes interleaved in
// buf (which must be the raw bytes of [uBegin, uEnd) for this contig,
// starting at base offset `start`), leaving only base characters. The
// result's length must equal the requested length exactly, or
// IndexArithmeticError (spec §4.2) is raised.
func StripTerminators(buf []byte, c ContigRecord, start, length uint64) ([]byte, error) {
	L := uint64(c.LineBases)
	W := uint64(c.LineWidth)
	out := make([]byte, 0, length)
	linePos := start % L
	for _, b := range buf {
		if linePos < L {
			out = append(out, b)
		}
		linePos++
		if linePos == W {
			linePos = 0
		}
	}
	if uint64(len(out)) != length {
		return nil, fmt.Errorf("fai: index arithmetic error: got %d bytes, want %d (contig=%s start=%d)", len(out), length, c.Name, start)
	}
	return out, nil
}
