// Package bgzf includes a Writer for the .bgzf (block gzipped) file
// format.  A .bgzf file consists of one or more complete gzip blocks
// concatenated together.  Each of the gzip blocks must represent at
// most 64KB of uncompressed data, and the compressed size of the
// block must be at most 64KB.  The payload of the .bgzf file is equal
// to the uncompressed content of each block, concatenated together in
// order.  A valid .bgzf file ends with the 28 byte .bgzf terminator;
// the terminator is a valid gzip block containing an empty payload.
//
// Because every block is a complete gzip member, a .bgzf file can be
// read by any multi-member gzip reader. FASTQ shards written through
// this package can be consumed by tools expecting either gzip or bgzip
// input.
//
// For more information about the .bgzf file format, see the SAM/BAM
// spec here: https://samtools.github.io/hts-specs/SAMv1.pdf
//
// Example:
//   var bgzfFile bytes.Buffer
//   w, err := NewWriter(&bgzfFile, gzip.DefaultCompression)
//   n, err := w.Write([]byte("Foo bar"))
//   err = w.Close()
package bgzf

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"v.io/x/lib/vlog"
)

const (
	// DefaultUncompressedBlockSize is the default bgzf
	// uncompressedBlockSize chosen by both sambamba and biogo.  See
	// the SAM/BAM specification for details.
	DefaultUncompressedBlockSize = 0x0ff00

	// MaxUncompressedBlockSize is the largest legal value for
	// uncompressedBlockSize.
	MaxUncompressedBlockSize = 0x10000

	// compressedBlockSize is the maximum size of the compressed data
	// for a Bgzf block.  See the SAM/BAM specification for details.
	compressedBlockSize = 0x10000

	// extraOffset is the offset of the Extra field in the gzip header.
	extraOffset = 12
	// xflOffset is the offset of the XFL field in the gzip header.
	xflOffset = 8
)

var (
	// bgzfExtra goes into the gzip's Extra subfield, with subfield
	// ids: 66, 67, and length 2.  See the SAM/BAM spec.
	bgzfExtra       = [...]byte{66, 67, 2, 0, 0, 0}
	bgzfExtraPrefix = [...]byte{66, 67, 2, 0}

	// terminator is the Bgzf EOF terminator.  It belongs at the end
	// of a valid Bgzf file.  See the SAM/BAM spec.
	terminator = []byte{
		0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0x06, 0x00, 0x42, 0x43,
		0x02, 0x00, 0x1b, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
)

// Writer compresses data into .bgzf format.  Each gzip block carries
// an Extra header field holding the compressed size of the block
// minus one.  Writer is not thread safe.
type Writer struct {
	level            int
	uncompressedSize int
	xfl              int
	w                io.Writer
	original         bytes.Buffer
	compressed       bytes.Buffer
	gz               *gzip.Writer
	closed           bool
}

// NewWriter returns a new .bgzf writer with the given gzip compression
// level.
func NewWriter(w io.Writer, level int) (*Writer, error) {
	return NewWriterParams(w, level, DefaultUncompressedBlockSize, -1)
}

// NewWriterParams returns a new .bgzf writer.  uncompressedBlockSize is
// the largest number of bytes to put into each .bgzf block.  gzipXFL
// is written to the XFL gzip header field of each block; if it is -1,
// the value chosen by the gzip library is kept.
func NewWriterParams(w io.Writer, level, uncompressedBlockSize, gzipXFL int) (*Writer, error) {
	if uncompressedBlockSize <= 0 || uncompressedBlockSize > MaxUncompressedBlockSize {
		return nil, fmt.Errorf("uncompressedBlockSize must be in [1, %d], but got %d",
			MaxUncompressedBlockSize, uncompressedBlockSize)
	}
	if gzipXFL != -1 && (gzipXFL < 0 || gzipXFL > 255) {
		return nil, fmt.Errorf("gzipXFL must be -1 or in [0:255] not %d", gzipXFL)
	}
	gz, err := gzip.NewWriterLevel(nil, level)
	if err != nil {
		return nil, err
	}
	return &Writer{
		level:            level,
		uncompressedSize: uncompressedBlockSize,
		xfl:              gzipXFL,
		w:                w,
		gz:               gz,
	}, nil
}

// Write appends buf to the .bgzf payload.  Returns the number of bytes
// consumed from buf and any error encountered.
func (w *Writer) Write(buf []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("bgzf: write after close")
	}
	for i := 0; i < len(buf); {
		end := len(buf)
		if limit := i + w.uncompressedSize - w.original.Len(); limit < end {
			end = limit
		}
		n, _ := w.original.Write(buf[i:end])
		i += n
		if err := w.flushBlocks(false); err != nil {
			return i, err
		}
	}
	return len(buf), nil
}

// Close compresses any buffered data and appends the .bgzf terminator.
// It does not close the underlying writer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.flushBlocks(true); err != nil {
		return err
	}
	_, err := w.w.Write(terminator)
	return err
}

// flushBlocks compresses full blocks from w.original and writes them
// out. If remainder is set, a final partial block is written as well.
func (w *Writer) flushBlocks(remainder bool) error {
	for w.original.Len() >= w.uncompressedSize || (remainder && w.original.Len() > 0) {
		w.compressed.Reset()
		w.gz.Reset(&w.compressed)
		w.gz.Header.Extra = append([]byte(nil), bgzfExtra[:]...)
		w.gz.Header.OS = 0xff // Unknown OS value
		if _, err := w.gz.Write(w.original.Next(w.uncompressedSize)); err != nil {
			return err
		}
		if err := w.gz.Close(); err != nil {
			return err
		}

		b := w.compressed.Bytes()
		if w.xfl >= 0 {
			b[xflOffset] = byte(w.xfl)
		}
		if len(b) < extraOffset+len(bgzfExtra) {
			vlog.Fatalf("compressed length is too short: %d < %d", len(b), extraOffset+len(bgzfExtra))
		}
		if !bytes.Equal(b[extraOffset:extraOffset+len(bgzfExtraPrefix)], bgzfExtraPrefix[:]) {
			vlog.Fatalf("could not find bgzf extra prefix")
		}
		bsize := len(b) - 1
		if bsize >= compressedBlockSize {
			return fmt.Errorf("bgzf compressed block is too big: %d > %d", bsize, compressedBlockSize)
		}
		b[extraOffset+4] = byte(bsize)
		b[extraOffset+5] = byte(bsize >> 8)
		if _, err := w.w.Write(b); err != nil {
			return err
		}
	}
	return nil
}
