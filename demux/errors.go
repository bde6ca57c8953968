package demux

import "fmt"

// UnknownRefID is the OutOfRangeReferenceError.RefID of a record whose
// decoder rejected the reference index without reporting it.
const UnknownRefID = -1

// DecodeError is returned when a Source fails to decode a record. The input
// is assumed corrupt; the pass is aborted.
type DecodeError struct {
	// Input names the stream being read.
	Input string
	// Record is the 0-based position of the record that failed to decode.
	Record int64
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: decode record %d: %v", e.Input, e.Record, e.Err)
}

// Unwrap returns the underlying decoder error.
func (e *DecodeError) Unwrap() error { return e.Err }

// OutOfRangeReferenceError is returned when a record cites a reference index
// that has no entry in its stream's target table.
type OutOfRangeReferenceError struct {
	RefID   int
	NumRefs int
}

func (e *OutOfRangeReferenceError) Error() string {
	if e.RefID == UnknownRefID {
		return fmt.Sprintf("reference index out of range: target table has %d entries", e.NumRefs)
	}
	return fmt.Sprintf("reference index %d out of range: target table has %d entries", e.RefID, e.NumRefs)
}

// WriterCreationError is returned when the output for a bucket cannot be
// created.
type WriterCreationError struct {
	Bucket string
	Path   string
	Err    error
}

func (e *WriterCreationError) Error() string {
	return fmt.Sprintf("create output for bucket %s at %s: %v", e.Bucket, e.Path, e.Err)
}

// Unwrap returns the underlying filesystem error.
func (e *WriterCreationError) Unwrap() error { return e.Err }
