// Package assembly discovers per-assembly FASTA/track file groups under a
// root directory, builds one accessor per assembly in parallel, and
// exposes the uniform (assembly, contig, start, length) -> bytes query
// over the resulting Map. See spec §4.4.
package assembly

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/bixgenomics/fastar/encoding/bgzf"
	"github.com/bixgenomics/fastar/encoding/fai"
	"github.com/bixgenomics/fastar/encoding/fasta"
	"github.com/bixgenomics/fastar/encoding/track"
	"github.com/bixgenomics/fastar/fastarerrors"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/traverse"
)

// Kind distinguishes the two assembly flavors this module recognizes.
type Kind int

const (
	// KindFasta is a BGZF-compressed FASTA assembly (name.fna.gz + .fai + .gzi).
	KindFasta Kind = iota
	// KindTrack is a parallel numeric track assembly (name.track.gz + .idx).
	KindTrack
)

// Candidate is one discovered, not-yet-built assembly: a name, a kind, and
// the paths of its data file and sidecars.
type Candidate struct {
	Name     string
	Kind     Kind
	DataPath string
	// Sidecars, by role: "fai", "gzi" for FASTA; "idx" for track.
	Sidecars map[string]string
}

const (
	fastaSuffix = ".fna.gz"
	trackSuffix = ".track.gz"
)

// Discover enumerates root for FASTA and track assembly candidates. A file
// X.fna.gz forms a FASTA assembly named X iff X.fna.gz.fai and
// X.fna.gz.gzi both exist; X.track.gz forms a track assembly named X iff
// X.track.gz.idx exists. If names is non-empty, the result is restricted
// to those names; in strict mode a name with no matching candidate is an
// error, otherwise it is silently omitted.
func Discover(root string, names []string, strict bool) ([]Candidate, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, &fastarerrors.NotFound{Path: root}
	}
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			present[e.Name()] = true
		}
	}

	var candidates []Candidate
	seen := make(map[string]bool)
	for fname := range present {
		switch {
		case strings.HasSuffix(fname, fastaSuffix) && !strings.Contains(fname, fastaSuffix+"."):
			name := strings.TrimSuffix(fname, fastaSuffix)
			if seen[name] {
				continue
			}
			faiName, gziName := fname+".fai", fname+".gzi"
			if !present[faiName] || !present[gziName] {
				if strict {
					missing := faiName
					if present[faiName] {
						missing = gziName
					}
					return nil, &fastarerrors.NotFound{Path: filepath.Join(root, missing)}
				}
				continue
			}
			seen[name] = true
			candidates = append(candidates, Candidate{
				Name:     name,
				Kind:     KindFasta,
				DataPath: filepath.Join(root, fname),
				Sidecars: map[string]string{
					"fai": filepath.Join(root, faiName),
					"gzi": filepath.Join(root, gziName),
				},
			})
		case strings.HasSuffix(fname, trackSuffix) && !strings.Contains(fname, trackSuffix+"."):
			name := strings.TrimSuffix(fname, trackSuffix)
			if seen[name] {
				continue
			}
			idxName := fname + ".idx"
			if !present[idxName] {
				if strict {
					return nil, &fastarerrors.NotFound{Path: filepath.Join(root, idxName)}
				}
				continue
			}
			seen[name] = true
			candidates = append(candidates, Candidate{
				Name:     name,
				Kind:     KindTrack,
				DataPath: filepath.Join(root, fname),
				Sidecars: map[string]string{
					"idx": filepath.Join(root, idxName),
				},
			})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })

	if len(names) == 0 {
		return candidates, nil
	}
	byName := make(map[string]Candidate, len(candidates))
	for _, c := range candidates {
		byName[c.Name] = c
	}
	restricted := make([]Candidate, 0, len(names))
	for _, n := range names {
		c, ok := byName[n]
		if !ok {
			if strict {
				return nil, &fastarerrors.UnknownAssembly{Name: n}
			}
			continue
		}
		restricted = append(restricted, c)
	}
	return restricted, nil
}

// regionAccessor is the narrow interface Map uses to read bytes,
// satisfied by both *fasta.Accessor and *track.Accessor.
type regionAccessor interface {
	ReadRange(contig string, start, length uint64) ([]byte, error)
}

// contigView is one queryable contig: its name and length, post-filtering.
type contigView struct {
	Name   string
	Length uint64
}

// Entry bundles one assembly's accessor, its filtered contig list, and the
// open file(s) backing it.
type Entry struct {
	Name       string
	Kind       Kind
	DataPath   string
	Sidecars   map[string]string
	accessor   regionAccessor
	contigs    []contigView
	contigSet  map[string]bool
	closers    []func() error
}

// Contigs returns the entry's contigs in on-file order, already filtered
// by MinContigLength.
func (e *Entry) Contigs() []contigView { return e.contigs }

// ReadRange reads bytes [start, start+length) of contig through this
// entry's accessor. A contig that MinContigLength filtered out of
// Contigs() is rejected here too, per spec §4.4's filter semantics: a
// filtered contig is unknown to both the listing and the read path.
func (e *Entry) ReadRange(contig string, start, length uint64) ([]byte, error) {
	if !e.contigSet[contig] {
		return nil, &fastarerrors.UnknownContig{Name: contig}
	}
	return e.accessor.ReadRange(contig, start, length)
}

// Close releases every open file and mapping this entry holds.
func (e *Entry) Close() error {
	var first error
	for _, cl := range e.closers {
		if err := cl(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// BuildOptions configures Build. Zero value is valid: strict=false,
// MinContigLength=0, NumWorkers=runtime.NumCPU().
type BuildOptions struct {
	Names           []string
	Strict          bool
	MinContigLength uint64
	NumWorkers      int
}

// Map is the immutable result of a build: assembly name -> Entry. Reads
// are lock-free once construction completes.
type Map struct {
	Root    string
	byName  map[string]*Entry
	names   []string
}

// Build discovers candidates under root per opts, then constructs one
// accessor per candidate in parallel using a bounded worker pool
// (traverse.Each), applying MinContigLength filtering to each assembly's
// contig view. In strict mode the first per-assembly error aborts the
// whole build; non-strict mode omits the affected assembly and continues.
func Build(ctx context.Context, root string, opts BuildOptions) (*Map, error) {
	candidates, err := Discover(root, opts.Names, opts.Strict)
	if err != nil {
		return nil, err
	}
	numWorkers := opts.NumWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	entries := make([]*Entry, len(candidates))
	var aggErr errors.Once
	if numWorkers > len(candidates) {
		numWorkers = len(candidates)
	}
	if numWorkers == 0 {
		numWorkers = 1
	}
	// Partition candidate indices into numWorkers contiguous buckets and
	// dispatch one traverse.Each task per bucket, following the chunking
	// idiom pileup/snp/pileup.go uses to bound traverse.Each's concurrency.
	err = traverse.Each(numWorkers, func(worker int) error {
		lo := (worker * len(candidates)) / numWorkers
		hi := ((worker + 1) * len(candidates)) / numWorkers
		for i := lo; i < hi; i++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			entry, err := buildOne(candidates[i], opts.MinContigLength)
			if err != nil {
				if opts.Strict {
					return err
				}
				aggErr.Set(err)
				continue
			}
			entries[i] = entry
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if opts.Strict {
		if err := aggErr.Err(); err != nil {
			return nil, err
		}
	}

	m := &Map{Root: root, byName: make(map[string]*Entry)}
	for _, e := range entries {
		if e == nil {
			continue // omitted in non-strict mode
		}
		m.byName[e.Name] = e
		m.names = append(m.names, e.Name)
	}
	sort.Strings(m.names)
	return m, nil
}

func buildOne(c Candidate, minContigLength uint64) (*Entry, error) {
	switch c.Kind {
	case KindFasta:
		return buildFastaEntry(c, minContigLength)
	case KindTrack:
		return buildTrackEntry(c, minContigLength)
	default:
		panic("assembly: unknown candidate kind")
	}
}

func buildFastaEntry(c Candidate, minContigLength uint64) (entry *Entry, err error) {
	gziFile, err := os.Open(c.Sidecars["gzi"])
	if err != nil {
		return nil, &fastarerrors.NotFound{Path: c.Sidecars["gzi"]}
	}
	gzi, err := bgzf.ReadGZI(gziFile)
	gziFile.Close()
	if err != nil {
		return nil, err
	}

	faiFile, err := os.Open(c.Sidecars["fai"])
	if err != nil {
		return nil, &fastarerrors.NotFound{Path: c.Sidecars["fai"]}
	}
	faiIdx, err := fai.ReadFAI(faiFile)
	faiFile.Close()
	if err != nil {
		return nil, err
	}

	return NewFastaEntry(c.Name, c.DataPath, c.Sidecars, faiIdx.Contigs, gzi, minContigLength)
}

// NewFastaEntry opens dataPath and constructs a FASTA Entry directly from
// already-parsed .fai/.gzi data, bypassing sidecar text parsing. This is
// the path a cache hit takes: the decoded cache layout carries the same
// information ReadFAI/ReadGZI would have produced.
func NewFastaEntry(name, dataPath string, sidecars map[string]string, contigRecords []fai.ContigRecord, gzi *bgzf.Index, minContigLength uint64) (entry *Entry, err error) {
	f, err := os.Open(dataPath)
	if err != nil {
		return nil, &fastarerrors.NotFound{Path: dataPath}
	}
	closers := []func() error{f.Close}
	defer func() {
		if err != nil {
			for _, cl := range closers {
				cl()
			}
		}
	}()

	faiIdx := fai.NewIndex(contigRecords)
	accessor := fasta.NewAccessor(f, gzi, faiIdx)
	contigs := filterContigs(contigRecords, minContigLength)
	return &Entry{Name: name, Kind: KindFasta, DataPath: dataPath, Sidecars: sidecars, accessor: accessor, contigs: contigs, contigSet: contigSetOf(contigs), closers: closers}, nil
}

func buildTrackEntry(c Candidate, minContigLength uint64) (entry *Entry, err error) {
	idxFile, err := os.Open(c.Sidecars["idx"])
	if err != nil {
		return nil, &fastarerrors.NotFound{Path: c.Sidecars["idx"]}
	}
	idx, err := track.ReadIndex(idxFile)
	idxFile.Close()
	if err != nil {
		return nil, err
	}

	var gzi *bgzf.Index
	gziPath := c.DataPath + ".gzi"
	if _, statErr := os.Stat(gziPath); statErr == nil {
		gziFile, err := os.Open(gziPath)
		if err != nil {
			return nil, &fastarerrors.NotFound{Path: gziPath}
		}
		gzi, err = bgzf.ReadGZI(gziFile)
		gziFile.Close()
		if err != nil {
			return nil, err
		}
		c.Sidecars["gzi"] = gziPath
	}
	return NewTrackEntry(c.Name, c.DataPath, c.Sidecars, idx, gzi, minContigLength)
}

// NewTrackEntry opens dataPath and constructs a track Entry directly from
// an already-parsed .idx index and (if the track is compressed) .gzi
// index, bypassing sidecar text parsing. gzi may be nil for an
// uncompressed track, in which case dataPath is opened with a direct
// read-only mmap.
func NewTrackEntry(name, dataPath string, sidecars map[string]string, idx *track.Index, gzi *bgzf.Index, minContigLength uint64) (entry *Entry, err error) {
	f, err := os.Open(dataPath)
	if err != nil {
		return nil, &fastarerrors.NotFound{Path: dataPath}
	}
	closers := []func() error{f.Close}
	defer func() {
		if err != nil {
			for _, cl := range closers {
				cl()
			}
		}
	}()

	var accessor regionAccessor
	if gzi != nil {
		accessor = track.NewBGZFAccessor(idx, f, gzi)
	} else {
		a, err := track.NewMmapAccessor(idx, f)
		if err != nil {
			return nil, err
		}
		accessor = a
		closers = append(closers, a.Close)
	}

	names := idx.Names()
	contigs := make([]contigView, 0, len(names))
	for _, n := range names {
		length, _ := idx.Length(n)
		contigs = append(contigs, contigView{Name: n, Length: length})
	}
	contigs = filterContigViews(contigs, minContigLength)
	return &Entry{Name: name, Kind: KindTrack, DataPath: dataPath, Sidecars: sidecars, accessor: accessor, contigs: contigs, contigSet: contigSetOf(contigs), closers: closers}, nil
}

func filterContigs(recs []fai.ContigRecord, minLen uint64) []contigView {
	out := make([]contigView, 0, len(recs))
	for _, r := range recs {
		if r.Length >= minLen {
			out = append(out, contigView{Name: r.Name, Length: r.Length})
		}
	}
	return out
}

func filterContigViews(views []contigView, minLen uint64) []contigView {
	out := views[:0:0]
	for _, v := range views {
		if v.Length >= minLen {
			out = append(out, v)
		}
	}
	return out
}

// contigSetOf builds the membership set ReadRange consults, so a contig
// MinContigLength filtered out of contigs is rejected as unknown rather
// than served from the underlying unfiltered accessor.
func contigSetOf(contigs []contigView) map[string]bool {
	set := make(map[string]bool, len(contigs))
	for _, c := range contigs {
		set[c.Name] = true
	}
	return set
}

// Names returns assembly names in sorted order.
func (m *Map) Names() []string { return m.names }

// Contigs returns the (name, length) list for assembly name, filtered by
// the MinContigLength this Map was built with.
func (m *Map) Contigs(name string) ([]contigView, error) {
	e, ok := m.byName[name]
	if !ok {
		return nil, &fastarerrors.UnknownAssembly{Name: name}
	}
	return e.contigs, nil
}

// ReadSequence returns bytes [start, start+length) of contig in assembly
// name.
func (m *Map) ReadSequence(name, contig string, start, length uint64) ([]byte, error) {
	e, ok := m.byName[name]
	if !ok {
		return nil, &fastarerrors.UnknownAssembly{Name: name}
	}
	return e.ReadRange(contig, start, length)
}

// Entries returns every built entry, keyed by assembly name. Callers use
// this to walk DataPath/Sidecars/Contigs when serializing a cache layout.
func (m *Map) Entries() map[string]*Entry { return m.byName }

// Close releases every open file and mapping held by the map's entries.
func (m *Map) Close() error {
	var first error
	for _, e := range m.byName {
		for _, cl := range e.closers {
			if err := cl(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
