// Package storage implements the three region backends a built assembly
// map can publish into (heap, mmap'd cache file, POSIX shared memory) and
// the handle format used to hand a region off to another process. See
// spec §4.5 and §3 (Storage region).
package storage

import (
	"os"

	"github.com/bixgenomics/fastar/fastarerrors"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Method names a storage backend.
type Method int

const (
	Memory Method = iota
	Mmap
	Shmem
)

func (m Method) String() string {
	switch m {
	case Memory:
		return "memory"
	case Mmap:
		return "mmap"
	case Shmem:
		return "shmem"
	default:
		return "unknown"
	}
}

// Region is a contiguous, read-only (after publish) byte range backing a
// serialized Map. Every internal reference inside the bytes is a relative
// offset from Bytes()'s start, so the same bytes are valid regardless of
// where they end up mapped.
type Region interface {
	Bytes() []byte
	// Close releases backend resources. For a creator-owned shmem region
	// this also unlinks the shared-memory name; consumers that Attach must
	// not call Close's unlinking path (see shmemRegion.owner).
	Close() error
}

// heapRegion wraps a plain Go byte slice allocated for a memory-backed
// build; there is nothing to release.
type heapRegion struct{ data []byte }

func (r *heapRegion) Bytes() []byte { return r.data }
func (r *heapRegion) Close() error  { return nil }

// fileMmapRegion wraps a read-only mmap of a cache file on disk. mmap's
// offset argument must be page-aligned, which a cache file's fixed header
// length is not, so the whole file is mapped from offset 0 and the
// payload is exposed as a Go-level slice of it.
type fileMmapRegion struct {
	full   []byte
	offset uint64
	file   *os.File
}

func (r *fileMmapRegion) Bytes() []byte { return r.full[r.offset:] }

func (r *fileMmapRegion) Close() error {
	if len(r.full) > 0 {
		if err := unix.Munmap(r.full); err != nil {
			return &fastarerrors.StorageError{Op: "munmap cache file", Err: err}
		}
	}
	return r.file.Close()
}

// shmemRegion wraps a POSIX shared-memory object, emulated as a tmpfs file
// under /dev/shm the same way glibc's shm_open implements it on Linux.
type shmemRegion struct {
	data  []byte
	fd    int
	name  string
	owner bool // true for the process that created (and must unlink) it
}

func (r *shmemRegion) Bytes() []byte { return r.data }

func (r *shmemRegion) Close() error {
	var err error
	if len(r.data) > 0 {
		err = unix.Munmap(r.data)
	}
	if cerr := unix.Close(r.fd); err == nil {
		err = cerr
	}
	if r.owner {
		if uerr := unix.Unlink(shmPath(r.name)); err == nil {
			err = uerr
		}
	}
	if err != nil {
		return &fastarerrors.StorageError{Op: "close shmem region", Err: err}
	}
	return nil
}

func shmPath(name string) string { return "/dev/shm/" + name }

// Handle is the serializable description of a published region: enough
// for a child process to reattach without re-parsing. Pickling a
// Memory-backed loader is an error (no shared region exists); see Handle
// for Memory's zero value.
type Handle struct {
	Method Method
	// Name is the shmem object name ("/fastar-<uuid>") for Shmem, or
	// unused for Mmap.
	Name string
	// Path is the cache file path for Mmap, or unused otherwise.
	Path string
	// Offset is the byte offset within Path at which the payload begins
	// (past the cache file's header), for Mmap; unused otherwise.
	Offset uint64
	Length uint64
	Root   string
}

// IsNull reports whether h is the empty handle a Memory-backed build
// produces.
func (h Handle) IsNull() bool { return h.Method == Memory }

// Publish writes serialized into a new region using method, returning the
// region (already holding serialized's bytes, mapped read-only where
// applicable) and a Handle describing it. For Memory, serialized is kept
// as-is in heap memory and the returned Handle IsNull(). payloadOffset is
// the byte offset within cacheFilePath at which serialized begins (e.g.
// past a cache file's header); it is ignored for Memory and Shmem.
func Publish(method Method, serialized []byte, root, cacheFilePath string, payloadOffset uint64) (Region, Handle, error) {
	switch method {
	case Memory:
		return &heapRegion{data: serialized}, Handle{Method: Memory, Root: root}, nil
	case Mmap:
		return publishMmap(serialized, root, cacheFilePath, payloadOffset)
	case Shmem:
		return publishShmem(serialized, root)
	default:
		return nil, Handle{}, &fastarerrors.StorageError{Op: "publish", Err: errUnknownMethod}
	}
}

func publishMmap(serialized []byte, root, cacheFilePath string, payloadOffset uint64) (Region, Handle, error) {
	f, err := os.OpenFile(cacheFilePath, os.O_RDWR, 0644)
	if err != nil {
		return nil, Handle{}, &fastarerrors.StorageError{Op: "open cache file for mmap", Err: err}
	}
	mapLen := int(payloadOffset) + len(serialized)
	data, err := unix.Mmap(int(f.Fd()), 0, mapLen, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, Handle{}, &fastarerrors.StorageError{Op: "mmap cache file", Err: err}
	}
	h := Handle{Method: Mmap, Path: cacheFilePath, Offset: payloadOffset, Length: uint64(len(serialized)), Root: root}
	return &fileMmapRegion{full: data, offset: payloadOffset, file: f}, h, nil
}

func publishShmem(serialized []byte, root string) (Region, Handle, error) {
	name := "fastar-" + uuid.New().String()
	fd, err := unix.Open(shmPath(name), unix.O_CREAT|unix.O_RDWR|unix.O_EXCL, 0600)
	if err != nil {
		return nil, Handle{}, &fastarerrors.StorageError{Op: "create shmem object", Err: err}
	}
	if err := unix.Ftruncate(fd, int64(len(serialized))); err != nil {
		unix.Close(fd)
		unix.Unlink(shmPath(name))
		return nil, Handle{}, &fastarerrors.StorageError{Op: "truncate shmem object", Err: err}
	}
	data, err := unix.Mmap(fd, 0, len(serialized), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		unix.Unlink(shmPath(name))
		return nil, Handle{}, &fastarerrors.StorageError{Op: "mmap shmem object", Err: err}
	}
	copy(data, serialized)
	h := Handle{Method: Shmem, Name: "/" + name, Length: uint64(len(serialized)), Root: root}
	return &shmemRegion{data: data, fd: fd, name: name, owner: true}, h, nil
}

// Attach reconstructs a Region from a Handle produced by Publish, in
// another process. The caller reinterprets Region.Bytes() in place; no
// parsing happens here.
func Attach(h Handle) (Region, error) {
	switch h.Method {
	case Memory:
		return nil, &fastarerrors.StorageError{Op: "attach", Err: errNullHandle}
	case Mmap:
		f, err := os.Open(h.Path)
		if err != nil {
			return nil, &fastarerrors.NotFound{Path: h.Path}
		}
		mapLen := int(h.Offset) + int(h.Length)
		data, err := unix.Mmap(int(f.Fd()), 0, mapLen, unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			f.Close()
			return nil, &fastarerrors.StorageError{Op: "mmap attach", Err: err}
		}
		return &fileMmapRegion{full: data, offset: h.Offset, file: f}, nil
	case Shmem:
		name := h.Name
		if len(name) > 0 && name[0] == '/' {
			name = name[1:]
		}
		fd, err := unix.Open(shmPath(name), unix.O_RDONLY, 0)
		if err != nil {
			return nil, &fastarerrors.StorageError{Op: "open shmem attach", Err: err}
		}
		data, err := unix.Mmap(fd, 0, int(h.Length), unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			unix.Close(fd)
			return nil, &fastarerrors.StorageError{Op: "mmap shmem attach", Err: err}
		}
		return &shmemRegion{data: data, fd: fd, name: name, owner: false}, nil
	default:
		return nil, &fastarerrors.HandleIncompatible{Reason: "unknown storage method"}
	}
}
