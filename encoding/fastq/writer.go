package fastq

import (
	"bufio"
	"io"
)

// Writer is a buffered FASTQ file writer. Flush must be called after the
// last Write.
type Writer struct {
	w   *bufio.Writer
	err error
}

// NewWriter constructs a new FASTQ writer
// that writes reads to the underlying writer w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriterSize(w, 256<<10)}
}

// Write writes the read r in FASTQ format, ending each line with '\n'.
// Scanner strips line terminators, including the '\r' of CRLF input, so
// reads copied from a CRLF file are written with LF line endings; all
// other bytes are reproduced exactly.
// An error is returned if the write failed.
func (w *Writer) Write(r *Read) error {
	for _, line := range [...]string{r.ID, r.Seq, r.Unk, r.Qual} {
		if w.err != nil {
			return w.err
		}
		if _, w.err = w.w.WriteString(line); w.err == nil {
			w.err = w.w.WriteByte('\n')
		}
	}
	return w.err
}

// Flush writes any buffered data to the underlying writer.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	w.err = w.w.Flush()
	return w.err
}

