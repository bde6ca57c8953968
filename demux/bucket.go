package demux

import (
	"fmt"
	"math"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	gunsafe "github.com/grailbio/base/unsafe"
)

// Record is a single read relayed by a Pass. The pass never looks inside a
// record; only the Bucketer and the Sink know its concrete type.
type Record interface{}

// Bucket identifies one output stream of a pass.
type Bucket struct {
	// Index orders buckets in a manifest: the shard number for hash
	// sharding, the allow-list position for reference demultiplexing.
	Index int
	// Name is the label used in output filenames and manifests.
	Name string
}

// Bucketer maps a record to its bucket. ok is false if the record belongs to
// no bucket and must be dropped. A non-nil error is fatal for the pass.
//
// Bucket must be a pure function of the record: the same record always maps
// to the same bucket.
type Bucketer interface {
	Bucket(rec Record) (b Bucket, ok bool, err error)
}

// Advisor is implemented by bucketers that have non-fatal warnings about
// their configuration. A Pass copies them into its Manifest.
type Advisor interface {
	Advisories() []string
}

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// HashSharder assigns records to one of a fixed number of shards by hashing
// a key extracted from the record, typically the read name. Because the
// assignment depends only on the key, two files containing the mates of the
// same reads are split consistently when processed independently.
type HashSharder struct {
	hash       HashFunc
	key        func(rec Record) string
	buckets    []Bucket
	advisories []string
}

// NewHashSharder creates a sharder over the given number of bins. A bin
// count that is not a power of two is allowed, but it is reported as an
// advisory.
func NewHashSharder(bins int, hash HashFunc, key func(rec Record) string) (*HashSharder, error) {
	if bins <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("bins must be positive, but got %d", bins))
	}
	// Shard reduces a 32-bit hash modulo bins.
	if uint64(bins) > math.MaxUint32 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("bins must be at most %d, but got %d", uint64(math.MaxUint32), bins))
	}
	if hash == nil || key == nil {
		return nil, errors.E(errors.Invalid, "hash sharder requires a hash function and a key extractor")
	}
	s := &HashSharder{
		hash:    hash,
		key:     key,
		buckets: ShardBuckets(bins),
	}
	if !IsPowerOfTwo(bins) {
		msg := fmt.Sprintf("bins=%d is not a power of two; shard sizes may be uneven downstream", bins)
		log.Printf("warning: %s", msg)
		s.advisories = append(s.advisories, msg)
	}
	return s, nil
}

// ShardBuckets returns the buckets 0..bins-1 in order.
func ShardBuckets(bins int) []Bucket {
	buckets := make([]Bucket, bins)
	for i := range buckets {
		buckets[i] = Bucket{Index: i, Name: strconv.Itoa(i)}
	}
	return buckets
}

// Bins returns the number of shards.
func (s *HashSharder) Bins() int { return len(s.buckets) }

// Shard returns the shard index of key.
func (s *HashSharder) Shard(key string) int {
	return int(s.hash(gunsafe.StringToBytes(key)) % uint32(len(s.buckets)))
}

// Bucket implements Bucketer. Every record maps to some shard.
func (s *HashSharder) Bucket(rec Record) (Bucket, bool, error) {
	return s.buckets[s.Shard(s.key(rec))], true, nil
}

// Advisories implements Advisor.
func (s *HashSharder) Advisories() []string { return s.advisories }

// TargetTable is the ordered list of reference sequence names of one
// aligned-read stream. A record's reference index is meaningful only
// relative to the table of the stream it came from.
type TargetTable []string

// Lookup returns the name of reference refID. It fails with
// *OutOfRangeReferenceError if refID is not a valid position in the table.
func (t TargetTable) Lookup(refID int) (string, error) {
	if refID < 0 || refID >= len(t) {
		return "", &OutOfRangeReferenceError{RefID: refID, NumRefs: len(t)}
	}
	return t[refID], nil
}

// Autosomes lists the human autosomes, chr1 through chr22, in UCSC naming.
var Autosomes = []string{
	"chr1", "chr2", "chr3", "chr4", "chr5", "chr6", "chr7", "chr8", "chr9", "chr10", "chr11",
	"chr12", "chr13", "chr14", "chr15", "chr16", "chr17", "chr18", "chr19", "chr20", "chr21",
	"chr22",
}

// AllowList is a fixed set of reference names eligible for output.
type AllowList struct {
	names []string
	index map[string]int
}

// NewAllowList creates an allow-list. The position of each name in names
// becomes the Index of its bucket.
func NewAllowList(names []string) (*AllowList, error) {
	if len(names) == 0 {
		return nil, errors.E(errors.Invalid, "allow-list is empty")
	}
	a := &AllowList{index: make(map[string]int, len(names))}
	for _, name := range names {
		if name == "" {
			return nil, errors.E(errors.Invalid, "allow-list contains an empty name")
		}
		if _, ok := a.index[name]; ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("allow-list contains %s twice", name))
		}
		a.index[name] = len(a.names)
		a.names = append(a.names, name)
	}
	return a, nil
}

// Contains reports whether name is in the list.
func (a *AllowList) Contains(name string) bool {
	_, ok := a.index[name]
	return ok
}

// Names returns the names in the list, in order.
func (a *AllowList) Names() []string { return a.names }

// ReferenceDemuxer assigns each aligned record to the bucket named after its
// reference sequence. Records on references outside the allow-list, and
// records without a reference, are dropped.
type ReferenceDemuxer struct {
	targets TargetTable
	refID   func(rec Record) int
	// buckets[i] is the bucket of targets[i]; valid only if member[i].
	buckets []Bucket
	member  []bool
}

// NewReferenceDemuxer creates a demuxer for one stream. refID extracts the
// record's reference index, or a negative value for unplaced records.
func NewReferenceDemuxer(targets TargetTable, allow *AllowList, refID func(rec Record) int) *ReferenceDemuxer {
	d := &ReferenceDemuxer{
		targets: targets,
		refID:   refID,
		buckets: make([]Bucket, len(targets)),
		member:  make([]bool, len(targets)),
	}
	for i, name := range targets {
		if idx, ok := allow.index[name]; ok {
			d.buckets[i] = Bucket{Index: idx, Name: name}
			d.member[i] = true
		}
	}
	return d
}

// Bucket implements Bucketer.
func (d *ReferenceDemuxer) Bucket(rec Record) (Bucket, bool, error) {
	id := d.refID(rec)
	if id < 0 {
		return Bucket{}, false, nil
	}
	if _, err := d.targets.Lookup(id); err != nil {
		return Bucket{}, false, err
	}
	if !d.member[id] {
		return Bucket{}, false, nil
	}
	return d.buckets[id], true, nil
}
