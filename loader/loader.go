// Package loader implements the public FastaLoader/TrackLoader surface
// from spec §6: discover assemblies under a root, build (or load from
// cache) their indices in parallel, optionally publish the result into
// shared memory or a memory-mapped cache file, and answer
// (assembly, contig, start, length) -> bytes queries. See spec §4.7/§4.8.
package loader

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/bixgenomics/fastar/assembly"
	"github.com/bixgenomics/fastar/cache"
	"github.com/bixgenomics/fastar/encoding/bgzf"
	"github.com/bixgenomics/fastar/encoding/fai"
	"github.com/bixgenomics/fastar/encoding/track"
	"github.com/bixgenomics/fastar/fastarerrors"
	"github.com/bixgenomics/fastar/storage"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
)

// Options configures a Build call. The zero value is valid: Strict=false,
// MinContigLength=0, NumWorkers=runtime.NumCPU(), StorageMethod=Memory.
//
// Defaulting: per original_source/python/fastar_loader/__init__.py, when
// Names is non-empty callers typically also want NoCache=true,
// StorageMethod=Memory, ShowProgress=false (an ad hoc subset load isn't
// worth caching or sharing); WithNamesDefaults below implements that rule for
// callers that want it, but Options itself does not auto-apply it, since
// an explicit Options value always wins.
type Options struct {
	Names           []string
	Strict          bool
	ForceBuild      bool
	NoCache         bool
	MinContigLength uint64
	NumWorkers      int
	StorageMethod   storage.Method
	ShowProgress    bool // side-channel only; no effect on results
}

// WithNamesDefaults returns a copy of opts with the original source's
// implicit defaulting rule applied when Names is non-empty: an explicit
// subset load gets no caching, in-process storage, and no progress
// reporting. Those three fields are overwritten whatever the caller set.
func (opts Options) WithNamesDefaults() Options {
	if len(opts.Names) == 0 {
		return opts
	}
	out := opts
	out.NoCache = true
	out.StorageMethod = storage.Memory
	out.ShowProgress = false
	return out
}

// contigInfo is the (name, length) pair exposed by Contigs.
type contigInfo struct {
	Name   string
	Length uint64
}

// Map is the built, queryable result shared by FastaLoader and
// TrackLoader.
type Map struct {
	root    string
	kind    assembly.Kind
	entries map[string]*assembly.Entry
	names   []string
	region  storage.Region
	handle  storage.Handle
}

func buildKindName(kind assembly.Kind) string {
	if kind == assembly.KindTrack {
		return "track"
	}
	return "fasta"
}

// build is the shared Build implementation behind FastaLoader.Build and
// TrackLoader.Build: discover, load-from-cache-or-parse, construct
// accessors, publish.
func build(ctx context.Context, root string, kind assembly.Kind, opts Options) (*Map, error) {
	allCandidates, err := assembly.Discover(root, opts.Names, opts.Strict)
	if err != nil {
		return nil, err
	}
	candidates := make([]assembly.Candidate, 0, len(allCandidates))
	for _, c := range allCandidates {
		if c.Kind == kind {
			candidates = append(candidates, c)
		}
	}

	fileStats, err := statCandidates(root, candidates)
	if err != nil {
		return nil, err
	}
	fp := cache.Compute(fileStats, cache.FilterConfig{MinContigLength: opts.MinContigLength, Names: opts.Names})
	cachePath := filepath.Join(root, cache.FileName(buildKindName(kind), fp))

	layouts, fromCache := tryLoadCache(opts, cachePath, fp)
	cacheFileReady := fromCache
	if !fromCache {
		layouts, err = buildLayouts(ctx, candidates, root, opts.NumWorkers, opts.Strict)
		if err != nil {
			return nil, err
		}
		// The on-disk persistence cache backs memory and mmap builds; a
		// shmem build publishes into shared memory and has no business
		// leaving a cache file behind on the filesystem.
		if !opts.NoCache && opts.StorageMethod != storage.Shmem {
			cache.StoreBestEffort(cachePath, fp, encodeLayout(opts.MinContigLength, layouts))
			cacheFileReady = true
		}
	}

	entries := make(map[string]*assembly.Entry, len(layouts))
	names := make([]string, 0, len(layouts))
	for _, la := range layouts {
		entry, err := reconstructEntry(root, la, opts.MinContigLength)
		if err != nil {
			return nil, err
		}
		entries[la.name] = entry
		names = append(names, la.name)
	}
	sort.Strings(names)

	m := &Map{root: root, kind: kind, entries: entries, names: names}

	switch opts.StorageMethod {
	case storage.Memory:
		m.handle = storage.Handle{Method: storage.Memory, Root: root}
	case storage.Mmap:
		serialized := encodeLayout(opts.MinContigLength, layouts)
		// Mmap needs a backing file regardless of the persistence-cache
		// policy; reuse the cache file if one was already written, else
		// write one now purely to back the mapping.
		if !cacheFileReady {
			if err := cache.Store(cachePath, fp, serialized); err != nil {
				return nil, err
			}
		}
		region, handle, err := storage.Publish(storage.Mmap, serialized, root, cachePath, cache.HeaderLen)
		if err != nil {
			return nil, err
		}
		m.region = region
		m.handle = handle
	case storage.Shmem:
		region, handle, err := storage.Publish(storage.Shmem, encodeLayout(opts.MinContigLength, layouts), root, "", 0)
		if err != nil {
			return nil, err
		}
		m.region = region
		m.handle = handle
	}
	return m, nil
}

func tryLoadCache(opts Options, cachePath string, fp cache.Fingerprint) ([]layoutAssembly, bool) {
	if opts.ForceBuild || opts.NoCache {
		return nil, false
	}
	hdr, f, err := cache.Load(cachePath, fp)
	if err != nil {
		return nil, false
	}
	defer f.Close()
	data := make([]byte, hdr.RegionLength)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, false
	}
	_, layouts, err := decodeLayout(data)
	if err != nil {
		log.Printf("fastar: ignoring corrupt cache %s: %v", cachePath, err)
		return nil, false
	}
	return layouts, true
}

func statCandidates(root string, candidates []assembly.Candidate) ([]cache.FileStat, error) {
	var stats []cache.FileStat
	paths := make([]string, 0, len(candidates)*3)
	for _, c := range candidates {
		paths = append(paths, c.DataPath)
		for _, p := range c.Sidecars {
			paths = append(paths, p)
		}
		// A track's optional .gzi is read by parseCandidate but is not a
		// Discover sidecar, so it is added here when present.
		if gziPath := c.DataPath + ".gzi"; c.Kind == assembly.KindTrack {
			if _, err := os.Stat(gziPath); err == nil {
				paths = append(paths, gziPath)
			}
		}
	}
	for _, p := range paths {
		st, err := os.Stat(p)
		if err != nil {
			return nil, &fastarerrors.NotFound{Path: p}
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			rel = p
		}
		stats = append(stats, cache.FileStat{RelPath: rel, Size: st.Size(), ModTime: st.ModTime().UnixNano()})
	}
	return stats, nil
}

// buildLayouts parses every candidate's sidecars (but does not open data
// files) in parallel, producing the cacheable index metadata.
func buildLayouts(ctx context.Context, candidates []assembly.Candidate, root string, numWorkers int, strict bool) ([]layoutAssembly, error) {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers > len(candidates) {
		numWorkers = len(candidates)
	}
	if numWorkers == 0 {
		return nil, nil
	}

	out := make([]layoutAssembly, len(candidates))
	ok := make([]bool, len(candidates))
	var aggErr errors.Once
	err := traverse.Each(numWorkers, func(worker int) error {
		lo := (worker * len(candidates)) / numWorkers
		hi := ((worker + 1) * len(candidates)) / numWorkers
		for i := lo; i < hi; i++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			la, err := parseCandidate(root, candidates[i])
			if err != nil {
				if strict {
					return err
				}
				aggErr.Set(err)
				continue
			}
			out[i] = la
			ok[i] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if strict {
		if err := aggErr.Err(); err != nil {
			return nil, err
		}
	}

	result := make([]layoutAssembly, 0, len(out))
	for i, la := range out {
		if !ok[i] {
			continue // omitted in non-strict mode
		}
		result = append(result, la)
	}
	return result, nil
}

func relPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return rel
}

func parseCandidate(root string, c assembly.Candidate) (layoutAssembly, error) {
	switch c.Kind {
	case assembly.KindFasta:
		gziFile, err := os.Open(c.Sidecars["gzi"])
		if err != nil {
			return layoutAssembly{}, &fastarerrors.NotFound{Path: c.Sidecars["gzi"]}
		}
		gzi, err := bgzf.ReadGZI(gziFile)
		gziFile.Close()
		if err != nil {
			return layoutAssembly{}, err
		}
		faiFile, err := os.Open(c.Sidecars["fai"])
		if err != nil {
			return layoutAssembly{}, &fastarerrors.NotFound{Path: c.Sidecars["fai"]}
		}
		faiIdx, err := fai.ReadFAI(faiFile)
		faiFile.Close()
		if err != nil {
			return layoutAssembly{}, err
		}
		contigs := make([]layoutContig, len(faiIdx.Contigs))
		for i, rec := range faiIdx.Contigs {
			contigs[i] = layoutContig{name: rec.Name, length: rec.Length, offset: rec.DataOffset, lineBases: rec.LineBases, lineWidth: rec.LineWidth}
		}
		pairs := gziEntriesForLayout(gzi)
		return layoutAssembly{
			name:     c.Name,
			kind:     assembly.KindFasta,
			dataPath: relPath(root, c.DataPath),
			gziPath:  relPath(root, c.Sidecars["gzi"]),
			contigs:  contigs,
			gzi:      pairs,
		}, nil
	case assembly.KindTrack:
		idxFile, err := os.Open(c.Sidecars["idx"])
		if err != nil {
			return layoutAssembly{}, &fastarerrors.NotFound{Path: c.Sidecars["idx"]}
		}
		idx, err := track.ReadIndex(idxFile)
		idxFile.Close()
		if err != nil {
			return layoutAssembly{}, err
		}
		rawEntries := idx.Entries()
		contigs := make([]layoutContig, 0, len(rawEntries)-1)
		for i := 0; i < len(rawEntries)-1; i++ {
			contigs = append(contigs, layoutContig{
				name:   rawEntries[i].Name,
				offset: rawEntries[i].ByteOffset,
				length: rawEntries[i+1].ByteOffset - rawEntries[i].ByteOffset,
			})
		}
		la := layoutAssembly{
			name:     c.Name,
			kind:     assembly.KindTrack,
			dataPath: relPath(root, c.DataPath),
			contigs:  contigs,
		}
		gziPath := c.DataPath + ".gzi"
		if _, statErr := os.Stat(gziPath); statErr == nil {
			gziFile, err := os.Open(gziPath)
			if err != nil {
				return layoutAssembly{}, &fastarerrors.NotFound{Path: gziPath}
			}
			gzi, err := bgzf.ReadGZI(gziFile)
			gziFile.Close()
			if err != nil {
				return layoutAssembly{}, err
			}
			la.gziPath = relPath(root, gziPath)
			la.gzi = gziEntriesForLayout(gzi)
		}
		return la, nil
	default:
		return layoutAssembly{}, &fastarerrors.ParseError{SidecarKind: "candidate"}
	}
}

func reconstructEntry(root string, la layoutAssembly, minContigLength uint64) (*assembly.Entry, error) {
	dataPath := filepath.Join(root, la.dataPath)
	switch la.kind {
	case assembly.KindFasta:
		contigs := make([]fai.ContigRecord, len(la.contigs))
		for i, c := range la.contigs {
			contigs[i] = fai.ContigRecord{Name: c.name, Length: c.length, DataOffset: c.offset, LineBases: c.lineBases, LineWidth: c.lineWidth}
		}
		gzi, err := la.toGZIIndex()
		if err != nil {
			return nil, err
		}
		sidecars := map[string]string{"gzi": filepath.Join(root, la.gziPath)}
		return assembly.NewFastaEntry(la.name, dataPath, sidecars, contigs, gzi, minContigLength)
	case assembly.KindTrack:
		entries := make([]track.ContigOffset, len(la.contigs)+1)
		var total uint64
		for i, c := range la.contigs {
			entries[i] = track.ContigOffset{Name: c.name, ByteOffset: c.offset}
			total = c.offset + c.length
		}
		entries[len(la.contigs)] = track.ContigOffset{Name: "", ByteOffset: total}
		idx := track.NewIndex(entries)
		var gzi *bgzf.Index
		if la.gziPath != "" {
			var err error
			gzi, err = la.toGZIIndex()
			if err != nil {
				return nil, err
			}
		}
		sidecars := map[string]string{}
		return assembly.NewTrackEntry(la.name, dataPath, sidecars, idx, gzi, minContigLength)
	default:
		return nil, &fastarerrors.ParseError{SidecarKind: "cache"}
	}
}

func gziEntriesForLayout(idx *bgzf.Index) []layoutOffsetPair {
	pairs := idx.Pairs()
	out := make([]layoutOffsetPair, len(pairs))
	for i, p := range pairs {
		out[i] = layoutOffsetPair{compressed: p.Compressed, uncompressed: p.Uncompressed}
	}
	return out
}

// Names returns assembly names in sorted order.
func (m *Map) Names() []string { return m.names }

// Contigs returns the (name, length) list for assembly name.
func (m *Map) Contigs(name string) ([]contigInfo, error) {
	e, ok := m.entries[name]
	if !ok {
		return nil, &fastarerrors.UnknownAssembly{Name: name}
	}
	views := e.Contigs()
	out := make([]contigInfo, len(views))
	for i, v := range views {
		out[i] = contigInfo{Name: v.Name, Length: v.Length}
	}
	return out, nil
}

// ReadSequence returns bytes [start, start+length) of contig in assembly
// name.
func (m *Map) ReadSequence(name, contig string, start, length uint64) ([]byte, error) {
	e, ok := m.entries[name]
	if !ok {
		return nil, &fastarerrors.UnknownAssembly{Name: name}
	}
	return e.ReadRange(contig, start, length)
}

// Handle returns the opaque handle describing this map's storage
// publication, or the null handle if StorageMethod was Memory.
func (m *Map) Handle() storage.Handle { return m.handle }

// Close releases every open file, mapping, and shmem region the map
// holds.
func (m *Map) Close() error {
	var first error
	for _, e := range m.entries {
		if err := e.Close(); err != nil && first == nil {
			first = err
		}
	}
	if m.region != nil {
		if err := m.region.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// attach reconstructs a Map in another process from a Handle a prior
// build published: attach the region, decode its layout blob (a binary
// decode, not a re-parse of any sidecar), and reconstruct each entry by
// opening fresh file descriptors against the handle's root. See spec
// §4.5 on handle-based reattachment.
func attach(root string, kind assembly.Kind, h storage.Handle) (*Map, error) {
	if h.IsNull() {
		return nil, &fastarerrors.HandleIncompatible{Reason: "cannot attach a memory-backed handle"}
	}
	region, err := storage.Attach(h)
	if err != nil {
		return nil, err
	}
	minContigLength, layouts, err := decodeLayout(region.Bytes())
	if err != nil {
		region.Close()
		return nil, err
	}
	entries := make(map[string]*assembly.Entry, len(layouts))
	names := make([]string, 0, len(layouts))
	for _, la := range layouts {
		entry, err := reconstructEntry(root, la, minContigLength)
		if err != nil {
			region.Close()
			return nil, err
		}
		entries[la.name] = entry
		names = append(names, la.name)
	}
	sort.Strings(names)
	return &Map{root: root, kind: kind, entries: entries, names: names, region: region, handle: h}, nil
}
