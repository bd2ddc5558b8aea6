package bgzf

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/flate"
)

// DefaultUncompressedBlockSize is the default bgzf uncompressed block
// size, matching the value sambamba and biogo use. See the SAM/BAM spec.
const DefaultUncompressedBlockSize = 0x0ff00

// Writer compresses data into .bgzf format: gzip blocks concatenated
// together, each with an Extra subfield carrying the compressed block's
// size, terminated by the canonical BGZF EOF marker. It also accumulates
// the (compressedOffset, uncompressedOffset) pairs a .gzi sidecar needs.
//
// Writer exists to build test fixtures for the Reader above; production
// BGZF files are produced upstream of this module (e.g. by bgzip).
type Writer struct {
	w                 io.Writer
	uncompressedSize  int
	original          bytes.Buffer
	coffset           uint64
	entries           []offsetPair
	uncompressedTotal uint64
}

// NewWriter returns a Writer with the default uncompressed block size.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, uncompressedSize: DefaultUncompressedBlockSize}
}

// SetUncompressedBlockSize overrides the per-block uncompressed size.
// Exposed mainly so tests can force small fixtures to span many blocks.
func (w *Writer) SetUncompressedBlockSize(n int) {
	w.uncompressedSize = n
}

// Write buffers buf and flushes full blocks.
func (w *Writer) Write(buf []byte) (int, error) {
	for i := 0; i < len(buf); {
		end := len(buf)
		if limit := i + w.uncompressedSize - w.original.Len(); limit < end {
			end = limit
		}
		n, _ := w.original.Write(buf[i:end])
		i += n
		if err := w.flushFullBlocks(); err != nil {
			return i, err
		}
	}
	return len(buf), nil
}

func (w *Writer) flushFullBlocks() error {
	for w.original.Len() >= w.uncompressedSize {
		if err := w.writeBlock(w.original.Next(w.uncompressedSize)); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes any remaining buffered bytes as a final block and appends
// the BGZF EOF terminator.
func (w *Writer) Close() error {
	if w.original.Len() > 0 {
		if err := w.writeBlock(w.original.Next(w.original.Len())); err != nil {
			return err
		}
	}
	_, err := w.w.Write(eofMarker)
	return err
}

func (w *Writer) writeBlock(payload []byte) error {
	w.entries = append(w.entries, offsetPair{compressed: w.coffset, uncompressed: w.uncompressedTotal})

	var compressed bytes.Buffer
	fw, err := flate.NewWriter(&compressed, flate.DefaultCompression)
	if err != nil {
		return err
	}
	if _, err := fw.Write(payload); err != nil {
		return err
	}
	if err := fw.Close(); err != nil {
		return err
	}

	bsize := blockHeaderLen + compressed.Len() + blockTrailer - 1
	header := make([]byte, blockHeaderLen)
	header[0], header[1], header[2], header[3] = gzipID1, gzipID2, gzipCM, 0x04 // FEXTRA
	header[9] = 0xff                                                           // OS: unknown
	binary.LittleEndian.PutUint16(header[10:12], 6)                            // XLEN
	header[12], header[13] = extraSI1, extraSI2
	binary.LittleEndian.PutUint16(header[14:16], 2) // SLEN
	binary.LittleEndian.PutUint16(header[16:18], uint16(bsize))

	if _, err := w.w.Write(header); err != nil {
		return err
	}
	if _, err := compressed.WriteTo(w.w); err != nil {
		return err
	}
	trailer := make([]byte, blockTrailer)
	binary.LittleEndian.PutUint32(trailer[0:4], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(trailer[4:8], uint32(len(payload)))
	if _, err := w.w.Write(trailer); err != nil {
		return err
	}

	w.coffset += uint64(bsize + 1)
	w.uncompressedTotal += uint64(len(payload))
	return nil
}

// WriteGZI writes the .gzi sidecar for everything written so far: a
// little-endian u64 count followed by that many (compressed,uncompressed)
// offset pairs, per spec §4.1/§6. Call after Close.
//
// The entry for the first block (always (0, 0)) is omitted, matching the
// on-disk .gzi convention: a reader synthesizes that floor entry itself.
func (w *Writer) WriteGZI(out io.Writer) error {
	rest := w.entries
	if len(rest) > 0 {
		rest = rest[1:]
	}
	if err := binary.Write(out, binary.LittleEndian, uint64(len(rest))); err != nil {
		return err
	}
	for _, e := range rest {
		if err := binary.Write(out, binary.LittleEndian, e.compressed); err != nil {
			return err
		}
		if err := binary.Write(out, binary.LittleEndian, e.uncompressed); err != nil {
			return err
		}
	}
	return nil
}
