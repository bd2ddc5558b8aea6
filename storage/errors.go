package storage

import "errors"

var (
	errUnknownMethod = errors.New("unknown storage method")
	errNullHandle    = errors.New("cannot attach a memory-backed (null) handle")
)
