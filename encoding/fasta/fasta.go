// Package fasta implements the single-file FASTA accessor: composing a
// BGZF virtual-offset reader with a FASTA index to answer
// (contig, start, length) -> bytes queries against a bgzipped FASTA file.
// See spec §4.3.
package fasta

import (
	"os"

	"github.com/bixgenomics/fastar/encoding/bgzf"
	"github.com/bixgenomics/fastar/encoding/fai"
	"github.com/bixgenomics/fastar/fastarerrors"
	"github.com/pkg/errors"
)

// Accessor reads sequence data from one bgzipped FASTA file using its
// .fai and .gzi sidecars. Accessor is safe for concurrent use: bgzf.Reader
// holds no mutable cursor and fai.Index is read-only after construction.
type Accessor struct {
	bgzfReader *bgzf.Reader
	index      *fai.Index
}

// NewAccessor builds an Accessor from an open FASTA file, its .gzi index,
// and its .fai index.
func NewAccessor(f *os.File, gzi *bgzf.Index, faiIdx *fai.Index) *Accessor {
	return &Accessor{bgzfReader: bgzf.NewReader(f, gzi), index: faiIdx}
}

// Contigs returns the accessor's contig records in on-file order.
func (a *Accessor) Contigs() []fai.ContigRecord {
	return a.index.Contigs
}

// ReadSequence returns the exact `length` bases of `contig` starting at
// `start` (0-based, half-open).
func (a *Accessor) ReadSequence(contig string, start, length uint64) ([]byte, error) {
	rec, ok := a.index.Lookup(contig)
	if !ok {
		return nil, &fastarerrors.UnknownContig{Name: contig}
	}
	uBegin, uEnd, err := fai.LogicalByteRange(rec, start, length)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return []byte{}, nil
	}
	raw, err := a.bgzfReader.ReadRange(uBegin, uEnd)
	if err != nil {
		return nil, err
	}
	return fai.StripTerminators(raw, rec, start, length)
}

// ReadRange is ReadSequence under the name assembly.Map's accessor
// interface expects, so *Accessor can back an assembly.Entry directly.
func (a *Accessor) ReadRange(contig string, start, length uint64) ([]byte, error) {
	return a.ReadSequence(contig, start, length)
}

// ReadSequence is the standalone, no-prebuilt-map operation from spec §6's
// public operations table: given a FASTA path and optional sidecar paths
// (defaulting to fastaPath+".gzi"/".fai"), open everything and return the
// requested bytes. It mirrors
// original_source/python/fastar_loader/__init__.py's read_sequence.
func ReadSequence(fastaPath, contig string, start, length uint64, gziPath, faiPath string) ([]byte, error) {
	if gziPath == "" {
		gziPath = fastaPath + ".gzi"
	}
	if faiPath == "" {
		faiPath = fastaPath + ".fai"
	}

	f, err := os.Open(fastaPath)
	if err != nil {
		return nil, &fastarerrors.NotFound{Path: fastaPath}
	}
	defer f.Close()

	gziFile, err := os.Open(gziPath)
	if err != nil {
		return nil, &fastarerrors.NotFound{Path: gziPath}
	}
	defer gziFile.Close()
	gzi, err := bgzf.ReadGZI(gziFile)
	if err != nil {
		return nil, errors.Wrap(err, "fasta: reading gzi")
	}

	faiFile, err := os.Open(faiPath)
	if err != nil {
		return nil, &fastarerrors.NotFound{Path: faiPath}
	}
	defer faiFile.Close()
	faiIdx, err := fai.ReadFAI(faiFile)
	if err != nil {
		return nil, errors.Wrap(err, "fasta: reading fai")
	}

	return NewAccessor(f, gzi, faiIdx).ReadSequence(contig, start, length)
}
