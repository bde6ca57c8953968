package fastq

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrShort is returned when a truncated FASTQ file is encountered.
	ErrShort = errors.New("short FASTQ file")
	// ErrInvalid is returned when an invalid FASTQ file is encountered.
	ErrInvalid = errors.New("invalid FASTQ file")
)

// MaxLineLength is the longest FASTQ line accepted by Scanner.
const MaxLineLength = 16 << 20

// A Read is a FASTQ read, comprising an ID, sequence, line 3
// ("unknown"), and a quality string.
type Read struct {
	ID, Seq, Unk, Qual string
}

// Name returns the read name: the ID line up to the first space or tab,
// without the leading '@'. Mates of a pair share a name, e.g. both
// "@r1 1:N:0:ATCACG" and "@r1 2:N:0:ATCACG" have the name "r1".
func (r *Read) Name() string {
	id := strings.TrimPrefix(r.ID, "@")
	if i := strings.IndexAny(id, " \t"); i >= 0 {
		return id[:i]
	}
	return id
}

// Scanner provides a convenient interface for reading FASTQ read
// data. The Scan method returns the next read, returning a boolean
// indicating whether the read succeeded. Scanners are not
// threadsafe.
//
// Lines may end in "\n" or "\r\n"; the terminator is not part of the
// returned fields.
//
// Scanner performs some validation: it requires ID lines to begin
// with "@" and that line 3 begins with "+", but does not perform
// further validation (e.g., seq/qual being of equal length,
// containing only data in range, etc.)
type Scanner struct {
	b      *bufio.Scanner
	err    error
	eof    bool
	fields Field
	n      int64 // number of reads scanned
}

// Field enumerates FASTQ fields. It is used to specify fields to read in
// NewScanner.
type Field uint

const (
	// ID causes the Read.ID field to be filled
	ID Field = 1 << iota
	// Seq causes the Read.Seq field to be filled
	Seq
	// Unk causes the Read.Unk field to be filled
	Unk
	// Qual causes the Read.Qual field to be filled
	Qual
	// All equals ID|Seq|Unk|Qual.
	All = ID | Seq | Unk | Qual
)

// NewScanner constructs a new Scanner that reads raw FASTQ data from the
// provided reader. Fields is a bitset of the fields to read. A typical value
// would be All or ID|Seq|Qual.
func NewScanner(r io.Reader, fields Field) *Scanner {
	b := bufio.NewScanner(r)
	b.Buffer(make([]byte, 64<<10), MaxLineLength)
	return &Scanner{b: b, fields: fields}
}

// Scan the next read into the provided read. Scan returns a boolean
// indicating whether the scan succeeded. Once Scan returns false, it
// never returns true again. Upon completion, the user should check
// the Err method to determine whether scanning stopped because of an
// error or because the end of the stream was reached.
func (f *Scanner) Scan(read *Read) bool {
	if f.err != nil || f.eof {
		return false
	}
	if !f.b.Scan() {
		if err := f.b.Err(); err != nil {
			f.fail(err)
		} else {
			f.eof = true
		}
		return false
	}
	id := f.b.Bytes()
	if len(id) == 0 || id[0] != '@' {
		f.fail(ErrInvalid)
		return false
	}
	if f.fields&ID != 0 {
		read.ID = string(id)
	}
	if !f.scan() {
		return false
	}
	if f.fields&Seq != 0 {
		read.Seq = f.b.Text()
	}
	if !f.scan() {
		return false
	}
	unk := f.b.Bytes()
	if len(unk) == 0 || unk[0] != '+' {
		f.fail(ErrInvalid)
		return false
	}
	if f.fields&Unk != 0 {
		read.Unk = string(unk)
	}
	if !f.scan() {
		return false
	}
	if f.fields&Qual != 0 {
		read.Qual = f.b.Text()
	}
	f.n++
	return true
}

// scan advances to the next line of a partially read record.
func (f *Scanner) scan() bool {
	if f.b.Scan() {
		return true
	}
	if err := f.b.Err(); err != nil {
		f.fail(err)
	} else {
		f.fail(ErrShort)
	}
	return false
}

func (f *Scanner) fail(err error) {
	f.err = errors.Wrapf(err, "read %d", f.n)
}

// Err returns the scanning error, if any. Format errors wrap ErrShort or
// ErrInvalid; use errors.Cause to recover them.
func (f *Scanner) Err() error {
	return f.err
}

