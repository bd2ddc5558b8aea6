// Package bgzf decodes BGZF (Blocked GZIP Format) files: a concatenation
// of RFC-1952 gzip members, each holding at most 64KiB of uncompressed
// payload, that together make a compressed stream seekable. A companion
// .gzi sidecar records the (compressed offset, uncompressed offset) of
// each block so a reader can jump near a target byte without inflating
// everything before it. See spec §4.1.
package bgzf

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"sync"

	"github.com/bixgenomics/fastar/fastarerrors"
	"github.com/klauspost/compress/flate"
)

const (
	blockHeaderLen = 18 // 10-byte gzip header + 2-byte XLEN + 6-byte BC extra subfield
	blockTrailer   = 8  // CRC32 (4 bytes) + ISIZE (4 bytes)

	gzipID1 = 0x1f
	gzipID2 = 0x8b
	gzipCM  = 8 // deflate

	extraSI1 = 'B'
	extraSI2 = 'C'
)

// eofMarker is the canonical 28-byte BGZF end-of-file block: a gzip member
// with an empty deflate payload, used by bgzip/htslib and biogo/hts alike
// to terminate a well-formed .bgzf stream.
var eofMarker = []byte{
	0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0x06, 0x00, 0x42, 0x43,
	0x02, 0x00, 0x1b, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// Reader decodes byte ranges of the uncompressed stream underlying a BGZF
// file, using a .gzi sidecar to seek near the target before inflating.
type Reader struct {
	r   io.ReaderAt
	gzi *Index

	// totalUncompressed is computed once, on first use, by inflating the
	// final indexed block; totalOnce makes that safe under concurrent reads.
	totalOnce         sync.Once
	totalUncompressed uint64
	totalErr          error
}

// NewReader returns a Reader over the BGZF file r, indexed by gzi.
func NewReader(r io.ReaderAt, gzi *Index) *Reader {
	return &Reader{r: r, gzi: gzi}
}

// TotalUncompressedLength returns the size of the uncompressed stream: the
// last .gzi entry's uncompressed offset plus the inflated size of that
// final block, excluding the EOF terminator block (spec §4.1).
func (z *Reader) TotalUncompressedLength() (uint64, error) {
	z.totalOnce.Do(func() {
		last := z.gzi.lastEntry()
		payload, _, err := z.inflateBlockAt(int64(last.compressed))
		if err != nil {
			z.totalErr = err
			return
		}
		z.totalUncompressed = last.uncompressed + uint64(len(payload))
	})
	if z.totalErr != nil {
		return 0, z.totalErr
	}
	return z.totalUncompressed, nil
}

// ReadRange returns the exact uncompressed bytes in [uBegin, uEnd).
func (z *Reader) ReadRange(uBegin, uEnd uint64) ([]byte, error) {
	if uBegin > uEnd {
		return nil, &fastarerrors.BgzfError{SubKind: "OutOfRange", Detail: "begin > end"}
	}
	if uBegin == uEnd {
		return []byte{}, nil
	}
	total, err := z.TotalUncompressedLength()
	if err != nil {
		return nil, err
	}
	if uEnd > total {
		return nil, &fastarerrors.BgzfError{SubKind: "OutOfRange", Detail: "end past total uncompressed length"}
	}

	start := z.gzi.floorEntry(uBegin)
	out := make([]byte, 0, uEnd-uBegin)
	fileOff := int64(start.compressed)
	skip := uBegin - start.uncompressed

	for uint64(len(out)) < uEnd-uBegin {
		payload, blockLen, err := z.inflateBlockAt(fileOff)
		if err != nil {
			return nil, err
		}
		if len(payload) == 0 && blockLen == len(eofMarker) {
			return nil, &fastarerrors.BgzfError{SubKind: "GziMismatch", Detail: "ran into EOF block before satisfying request"}
		}
		if skip > 0 {
			if skip >= uint64(len(payload)) {
				skip -= uint64(len(payload))
				fileOff += int64(blockLen)
				continue
			}
			payload = payload[skip:]
			skip = 0
		}
		need := (uEnd - uBegin) - uint64(len(out))
		if uint64(len(payload)) > need {
			payload = payload[:need]
		}
		out = append(out, payload...)
		fileOff += int64(blockLen)
	}
	return out, nil
}

// inflateBlockAt reads and inflates one BGZF block starting at the given
// compressed file offset. It returns the inflated payload and the total
// on-disk size of the block (header+deflate+trailer), per spec §4.1 step 4.
func (z *Reader) inflateBlockAt(fileOff int64) ([]byte, int, error) {
	header := make([]byte, blockHeaderLen)
	if _, err := readAt(z.r, header, fileOff); err != nil {
		return nil, 0, &fastarerrors.BgzfError{SubKind: "InvalidBlock", Detail: err.Error()}
	}
	if header[0] != gzipID1 || header[1] != gzipID2 {
		return nil, 0, &fastarerrors.BgzfError{SubKind: "InvalidMagic", Detail: "bad gzip magic"}
	}
	if header[2] != gzipCM {
		return nil, 0, &fastarerrors.BgzfError{SubKind: "InvalidBlock", Detail: "unsupported compression method"}
	}
	xlen := binary.LittleEndian.Uint16(header[10:12])
	if xlen < 6 {
		return nil, 0, &fastarerrors.BgzfError{SubKind: "InvalidBlock", Detail: "missing BC extra subfield"}
	}
	if header[12] != extraSI1 || header[13] != extraSI2 {
		return nil, 0, &fastarerrors.BgzfError{SubKind: "InvalidBlock", Detail: "missing BSIZE subfield"}
	}
	bsize := int(binary.LittleEndian.Uint16(header[16:18]))
	blockLen := bsize + 1

	deflateLen := blockLen - blockHeaderLen - blockTrailer
	if deflateLen < 0 {
		return nil, 0, &fastarerrors.BgzfError{SubKind: "InvalidBlock", Detail: "BSIZE too small"}
	}

	rest := make([]byte, deflateLen+blockTrailer)
	if _, err := readAt(z.r, rest, fileOff+blockHeaderLen); err != nil {
		return nil, 0, &fastarerrors.BgzfError{SubKind: "InvalidBlock", Detail: err.Error()}
	}
	deflateData := rest[:deflateLen]
	trailer := rest[deflateLen:]
	wantCRC := binary.LittleEndian.Uint32(trailer[0:4])
	wantISize := binary.LittleEndian.Uint32(trailer[4:8])

	if deflateLen == 0 {
		// Canonical EOF marker: empty payload, verified by full-block match.
		full := make([]byte, blockLen)
		if _, err := readAt(z.r, full, fileOff); err == nil && bytes.Equal(full, eofMarker) {
			return []byte{}, blockLen, nil
		}
	}

	fr := flate.NewReader(bytes.NewReader(deflateData))
	defer fr.Close()
	payload, err := io.ReadAll(fr)
	if err != nil {
		return nil, 0, &fastarerrors.BgzfError{SubKind: "InvalidBlock", Detail: "inflate failed: " + err.Error()}
	}
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return nil, 0, &fastarerrors.BgzfError{SubKind: "InvalidBlock", Detail: "CRC mismatch"}
	}
	if uint32(len(payload)) != wantISize {
		return nil, 0, &fastarerrors.BgzfError{SubKind: "InvalidBlock", Detail: "ISIZE mismatch"}
	}
	return payload, blockLen, nil
}

func readAt(r io.ReaderAt, buf []byte, off int64) (int, error) {
	n, err := r.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return n, err
	}
	if n < len(buf) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}
