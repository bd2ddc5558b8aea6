// Package cache implements the persistence cache for a built assembly
// map: a content-addressed, fingerprinted file that lets a later process
// skip re-parsing sidecars and mmap the serialized region directly. See
// spec §4.6.
package cache

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/bixgenomics/fastar/fastarerrors"
	"github.com/grailbio/base/log"
	"github.com/minio/highwayhash"
)

// magic identifies a fastar cache file; version allows the on-disk layout
// to change without silently misreading an old cache.
var magic = [8]byte{'f', 'a', 's', 't', 'a', 'r', 'c', '1'}

const version = uint32(1)

// Fingerprint is the 32-byte content-addressed digest identifying one
// build configuration's cache file.
type Fingerprint [highwayhash.Size]byte

// String renders the fingerprint as a lowercase hex digest suitable for
// embedding in a cache file name.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%x", [highwayhash.Size]byte(f))
}

// FileStat is the (relative_path, file_size, mtime_ns) triple fingerprinted
// for each sidecar and data file a build reads.
type FileStat struct {
	RelPath string
	Size    int64
	ModTime int64 // UnixNano
}

// FilterConfig is the (min_contig_length, names_filter) build-configuration
// tuple folded into the fingerprint, so different filters get different
// cache files in the same root.
type FilterConfig struct {
	MinContigLength uint64
	Names           []string // nil/empty means "all assemblies"
}

var zeroSeed [highwayhash.Size]byte

// Compute derives the fingerprint over the sorted file list and the
// filter config, per spec §4.6.
func Compute(files []FileStat, cfg FilterConfig) Fingerprint {
	sorted := make([]FileStat, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RelPath < sorted[j].RelPath })

	names := make([]string, len(cfg.Names))
	copy(names, cfg.Names)
	sort.Strings(names)

	var buf []byte
	for _, fs := range sorted {
		buf = appendString(buf, fs.RelPath)
		buf = appendUint64(buf, uint64(fs.Size))
		buf = appendUint64(buf, uint64(fs.ModTime))
	}
	buf = appendUint64(buf, cfg.MinContigLength)
	if len(names) == 0 {
		buf = appendString(buf, "*")
	} else {
		for _, n := range names {
			buf = appendString(buf, n)
		}
	}

	sum := highwayhash.Sum(buf, zeroSeed[:])
	var fp Fingerprint
	copy(fp[:], sum[:])
	return fp
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint64(buf, uint64(len(s)))
	return append(buf, s...)
}

// FileName returns the cache file name for fp: ".fasta-map-cache-<digest>"
// or ".track-map-cache-<digest>" depending on kind ("fasta" or "track").
func FileName(kind string, fp Fingerprint) string {
	return fmt.Sprintf(".%s-map-cache-%s", kind, fp.String())
}

// Header is the parsed fixed-size prefix of a cache file.
type Header struct {
	Version      uint32
	Fingerprint  Fingerprint
	RegionLength uint64
}

// HeaderLen is the fixed size of a cache file's header (magic + version +
// fingerprint + region_length), i.e. the byte offset at which region data
// begins. Exported so storage.Publish can mmap a cache file's payload
// directly without duplicating the layout.
const HeaderLen = 8 + 4 + highwayhash.Size + 8

// ReadHeader reads and validates the fixed-size cache header from r,
// positioning r immediately before the region bytes.
func ReadHeader(r io.Reader, path string, want Fingerprint) (Header, error) {
	buf := make([]byte, HeaderLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, &fastarerrors.ParseError{SidecarKind: "cache", Path: path}
	}
	if [8]byte(buf[0:8]) != magic {
		return Header{}, &fastarerrors.ParseError{SidecarKind: "cache", Path: path}
	}
	h := Header{Version: binary.LittleEndian.Uint32(buf[8:12])}
	copy(h.Fingerprint[:], buf[12:12+highwayhash.Size])
	h.RegionLength = binary.LittleEndian.Uint64(buf[12+highwayhash.Size : HeaderLen])
	if h.Version != version {
		return Header{}, &fastarerrors.HandleIncompatible{Reason: fmt.Sprintf("cache version %d, want %d", h.Version, version)}
	}
	if h.Fingerprint != want {
		return Header{}, &fastarerrors.HandleIncompatible{Reason: "cache fingerprint mismatch"}
	}
	return h, nil
}

// Load opens path, validates its header against fp, and returns the
// header plus an *os.File positioned at the start of the region bytes
// (ready for the caller to mmap with storage.Publish(storage.Mmap, ...)).
// Load returns fastarerrors.NotFound if path does not exist.
func Load(path string, fp Fingerprint) (Header, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, nil, &fastarerrors.NotFound{Path: path}
	}
	h, err := ReadHeader(f, path, fp)
	if err != nil {
		f.Close()
		return Header{}, nil, err
	}
	return h, f, nil
}

// Store atomically writes a cache file at path containing region bytes
// under fingerprint fp: write to a temp file in the same directory,
// fsync, then rename. Store failures are meant to be treated as
// non-fatal by callers (spec §7's cache-write policy): the build still
// returns a usable in-memory map.
func Store(path string, fp Fingerprint, region []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".fastar-cache-tmp-*")
	if err != nil {
		return &fastarerrors.StorageError{Op: "create cache temp file", Err: err}
	}
	tmpPath := tmp.Name()
	removeTmp := true
	defer func() {
		if removeTmp {
			os.Remove(tmpPath)
		}
	}()

	if err := writeHeaderAndRegion(tmp, fp, region); err != nil {
		tmp.Close()
		return &fastarerrors.StorageError{Op: "write cache file", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &fastarerrors.StorageError{Op: "fsync cache file", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &fastarerrors.StorageError{Op: "close cache temp file", Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return &fastarerrors.StorageError{Op: "rename cache file into place", Err: err}
	}
	removeTmp = false
	return nil
}

func writeHeaderAndRegion(w io.Writer, fp Fingerprint, region []byte) error {
	if _, err := w.Write(magic[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, version); err != nil {
		return err
	}
	if _, err := w.Write(fp[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(region))); err != nil {
		return err
	}
	_, err := w.Write(region)
	return err
}

// StoreBestEffort calls Store and logs a warning instead of returning an
// error on failure, matching spec §7's "cache write is best-effort"
// propagation policy.
func StoreBestEffort(path string, fp Fingerprint, region []byte) {
	if err := Store(path, fp, region); err != nil {
		log.Printf("fastar: cache write to %s failed, continuing with in-memory map: %v", path, err)
	}
}
