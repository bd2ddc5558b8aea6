package loader

import (
	"context"

	"github.com/bixgenomics/fastar/assembly"
	"github.com/bixgenomics/fastar/storage"
)

// TrackLoader is the public entry point for building and querying a
// root's numeric tracks, per spec §6's TrackLoader operation table.
type TrackLoader struct {
	m *Map
}

// BuildTrack discovers every track under root, builds (or loads from
// cache) its index, and publishes it per opts.StorageMethod.
func BuildTrack(ctx context.Context, root string, opts Options) (*TrackLoader, error) {
	m, err := build(ctx, root, assembly.KindTrack, opts)
	if err != nil {
		return nil, err
	}
	return &TrackLoader{m: m}, nil
}

// AttachTrack reconstructs a TrackLoader in another process from a
// Handle a prior BuildTrack published.
func AttachTrack(root string, h storage.Handle) (*TrackLoader, error) {
	m, err := attach(root, assembly.KindTrack, h)
	if err != nil {
		return nil, err
	}
	return &TrackLoader{m: m}, nil
}

// Names returns track names in sorted order.
func (l *TrackLoader) Names() []string { return l.m.Names() }

// Contigs returns the (name, length) list for track name, lengths given
// in bytes of the track's data, not elements.
func (l *TrackLoader) Contigs(name string) ([]contigInfo, error) { return l.m.Contigs(name) }

// ReadSequence returns bytes [start, start+length) of contig's data in
// track name. The track core is element-size agnostic; callers reading
// e.g. float32 values must scale start/length by 4 themselves.
func (l *TrackLoader) ReadSequence(name, contig string, start, length uint64) ([]byte, error) {
	return l.m.ReadSequence(name, contig, start, length)
}

// Handle returns the opaque handle describing this loader's storage
// publication, or the null handle if it was built with StorageMethod
// Memory.
func (l *TrackLoader) Handle() storage.Handle { return l.m.Handle() }

// Close releases every open file, mapping, and shmem region the loader
// holds.
func (l *TrackLoader) Close() error { return l.m.Close() }
