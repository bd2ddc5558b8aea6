// Package fastarerrors defines the typed error kinds surfaced by the
// fastar region-resolution engine. Each kind is a concrete struct that
// callers can type-assert to for the detail; its E() method converts it to
// a github.com/grailbio/base/errors.Error of the matching coarse Kind for
// callers that only care about the category.
package fastarerrors

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// NotFound reports a missing file. It is fatal during a strict build and
// causes the affected assembly to be skipped otherwise.
type NotFound struct {
	Path string
}

func (e *NotFound) Error() string { return fmt.Sprintf("fastar: not found: %s", e.Path) }

// E produces a *errors.Error with Kind=NotExist chained to this error, for
// callers that consume the grailbio/base/errors idiom.
func (e *NotFound) E() error { return errors.E(errors.NotExist, e.Error()) }

// ParseError reports a malformed .fai, .gzi, .idx, or cache header.
type ParseError struct {
	SidecarKind string // "fai", "gzi", "idx", "cache"
	Path        string
	Line        int // 0 if not line-oriented
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("fastar: malformed %s %s:%d", e.SidecarKind, e.Path, e.Line)
	}
	return fmt.Sprintf("fastar: malformed %s %s", e.SidecarKind, e.Path)
}

func (e *ParseError) E() error { return errors.E(errors.Invalid, e.Error()) }

// OutOfRange reports a read exceeding a contig's bounds.
type OutOfRange struct {
	Contig        string
	Start, Length uint64
}

func (e *OutOfRange) Error() string {
	return fmt.Sprintf("fastar: out of range: contig=%s start=%d length=%d", e.Contig, e.Start, e.Length)
}

func (e *OutOfRange) E() error { return errors.E(errors.Precondition, e.Error()) }

// UnknownContig reports a contig name lookup miss.
type UnknownContig struct {
	Name string
}

func (e *UnknownContig) Error() string { return fmt.Sprintf("fastar: unknown contig: %s", e.Name) }

func (e *UnknownContig) E() error { return errors.E(errors.NotExist, e.Error()) }

// UnknownAssembly reports an assembly name lookup miss.
type UnknownAssembly struct {
	Name string
}

func (e *UnknownAssembly) Error() string {
	return fmt.Sprintf("fastar: unknown assembly: %s", e.Name)
}

func (e *UnknownAssembly) E() error { return errors.E(errors.NotExist, e.Error()) }

// BgzfError reports a malformed BGZF block or an invalid .gzi reference.
type BgzfError struct {
	SubKind string // "InvalidMagic", "InvalidBlock", "GziMismatch", "OutOfRange"
	Detail  string
}

func (e *BgzfError) Error() string { return fmt.Sprintf("fastar: bgzf %s: %s", e.SubKind, e.Detail) }

func (e *BgzfError) E() error { return errors.E(errors.Invalid, e.Error()) }

// StorageError reports a shmem/mmap allocation failure or a disk-full
// condition while writing the persistence cache.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("fastar: storage %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) E() error { return errors.E(errors.Internal, e.Error()) }

// HandleIncompatible reports that a handle's region layout version or
// length header does not match what Attach observed.
type HandleIncompatible struct {
	Reason string
}

func (e *HandleIncompatible) Error() string {
	return fmt.Sprintf("fastar: incompatible handle: %s", e.Reason)
}

func (e *HandleIncompatible) E() error { return errors.E(errors.Precondition, e.Error()) }
