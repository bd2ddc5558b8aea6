package loader

import (
	"context"

	"github.com/bixgenomics/fastar/assembly"
	"github.com/bixgenomics/fastar/storage"
)

// FastaLoader is the public entry point for building and querying a
// root's FASTA assemblies, per spec §6's FastaLoader operation table.
type FastaLoader struct {
	m *Map
}

// BuildFasta discovers every FASTA assembly under root, builds (or loads
// from cache) its index, and publishes it per opts.StorageMethod.
func BuildFasta(ctx context.Context, root string, opts Options) (*FastaLoader, error) {
	m, err := build(ctx, root, assembly.KindFasta, opts)
	if err != nil {
		return nil, err
	}
	return &FastaLoader{m: m}, nil
}

// AttachFasta reconstructs a FastaLoader in another process from a
// Handle a prior BuildFasta published.
func AttachFasta(root string, h storage.Handle) (*FastaLoader, error) {
	m, err := attach(root, assembly.KindFasta, h)
	if err != nil {
		return nil, err
	}
	return &FastaLoader{m: m}, nil
}

// Names returns FASTA assembly names in sorted order.
func (l *FastaLoader) Names() []string { return l.m.Names() }

// Contigs returns the (name, length) list for assembly name.
func (l *FastaLoader) Contigs(name string) ([]contigInfo, error) { return l.m.Contigs(name) }

// ReadSequence returns bases [start, start+length) of contig in assembly
// name, decoded from FASTA (newlines stripped).
func (l *FastaLoader) ReadSequence(name, contig string, start, length uint64) ([]byte, error) {
	return l.m.ReadSequence(name, contig, start, length)
}

// Handle returns the opaque handle describing this loader's storage
// publication, or the null handle if it was built with StorageMethod
// Memory.
func (l *FastaLoader) Handle() storage.Handle { return l.m.Handle() }

// Close releases every open file, mapping, and shmem region the loader
// holds.
func (l *FastaLoader) Close() error { return l.m.Close() }
