package demux_test

import (
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/seqsplit/demux"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRead struct {
	name    string
	payload string
	ref     int
}

// testSource yields recs, then io.EOF. If failAt >= 0, it returns failErr,
// or a generic error if failErr is nil, instead of the failAt'th record.
type testSource struct {
	recs    []*testRead
	failAt  int
	failErr error
	n       int
}

func newTestSource(recs ...*testRead) *testSource {
	return &testSource{recs: recs, failAt: -1}
}

func (s *testSource) Read() (demux.Record, error) {
	if s.n == s.failAt {
		if s.failErr != nil {
			return nil, s.failErr
		}
		return nil, fmt.Errorf("corrupt record")
	}
	if s.n >= len(s.recs) {
		return nil, io.EOF
	}
	r := s.recs[s.n]
	s.n++
	return r, nil
}

type testSink struct {
	recs   []*testRead
	closed bool
}

func (s *testSink) Write(rec demux.Record) error {
	if s.closed {
		return fmt.Errorf("write after close")
	}
	s.recs = append(s.recs, rec.(*testRead))
	return nil
}

func (s *testSink) Close() error {
	if s.closed {
		return fmt.Errorf("closed twice")
	}
	s.closed = true
	return nil
}

// testFactory keeps every sink it creates, keyed by path.
type testFactory struct {
	sinks    map[string]*testSink
	creates  map[string]int
	removed  map[string]bool
	failPath string
}

func newTestFactory() *testFactory {
	return &testFactory{
		sinks:   map[string]*testSink{},
		creates: map[string]int{},
		removed: map[string]bool{},
	}
}

func (f *testFactory) Path(b demux.Bucket) string { return "out-" + b.Name }

func (f *testFactory) Create(ctx context.Context, path string) (demux.Sink, error) {
	if path == f.failPath {
		return nil, fmt.Errorf("permission denied")
	}
	f.creates[path]++
	s := &testSink{}
	f.sinks[path] = s
	return s, nil
}

func (f *testFactory) Remove(ctx context.Context, path string) error {
	f.removed[path] = true
	return nil
}

func names(recs []*testRead) []string {
	var n []string
	for _, r := range recs {
		n = append(n, r.name)
	}
	return n
}

func readName(rec demux.Record) string { return rec.(*testRead).name }

func readRef(rec demux.Record) int { return rec.(*testRead).ref }

// fixedHash maps single-letter names to their offset from 'A'.
func fixedHash(data []byte) uint32 { return uint32(data[0] - 'A') }

func TestHashShardOrder(t *testing.T) {
	sharder, err := demux.NewHashSharder(2, fixedHash, readName)
	require.NoError(t, err)
	f := newTestFactory()
	src := newTestSource(&testRead{name: "A"}, &testRead{name: "B"}, &testRead{name: "C"}, &testRead{name: "D"})
	m, err := demux.NewPass("reads.fq", src, sharder, f, demux.Opts{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "C"}, names(f.sinks["out-0"].recs))
	assert.Equal(t, []string{"B", "D"}, names(f.sinks["out-1"].recs))
	assert.True(t, f.sinks["out-0"].closed)
	assert.True(t, f.sinks["out-1"].closed)
	expect.EQ(t, m.Records, int64(4))
	expect.EQ(t, m.Written(), int64(4))
	expect.EQ(t, m.Dropped, int64(0))
	assert.Empty(t, m.Advisories)
}

func TestMateConsistency(t *testing.T) {
	hash, ok := demux.LookupHash("")
	require.True(t, ok)
	var r1, r2 []*testRead
	for i := 0; i < 500; i++ {
		name := fmt.Sprintf("NB500956:89:HW2FHBGX2:1:11101:%d:%d", i*7, 1000+i)
		r1 = append(r1, &testRead{name: name, payload: "ACGT"})
		r2 = append(r2, &testRead{name: name, payload: "TTTTGG"})
	}
	// Feed mate 2 in reverse order: assignment must not depend on order.
	for i, j := 0, len(r2)-1; i < j; i, j = i+1, j-1 {
		r2[i], r2[j] = r2[j], r2[i]
	}

	run := func(recs []*testRead) map[string]string {
		sharder, err := demux.NewHashSharder(16, hash, readName)
		require.NoError(t, err)
		f := newTestFactory()
		_, err = demux.NewPass("in", newTestSource(recs...), sharder, f, demux.Opts{}).Run(context.Background())
		require.NoError(t, err)
		buckets := map[string]string{}
		for path, sink := range f.sinks {
			for _, r := range sink.recs {
				_, dup := buckets[r.name]
				require.False(t, dup, "record %s written twice", r.name)
				buckets[r.name] = path
			}
		}
		return buckets
	}
	b1 := run(r1)
	b2 := run(r2)
	require.Len(t, b1, len(r1))
	assert.Equal(t, b1, b2)
}

func TestCompleteBuckets(t *testing.T) {
	sharder, err := demux.NewHashSharder(3, fixedHash, readName)
	require.NoError(t, err)
	f := newTestFactory()
	m, err := demux.NewPass("in", newTestSource(&testRead{name: "A"}), sharder, f,
		demux.Opts{Complete: demux.ShardBuckets(3)}).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, m.Shards, 3)
	require.Len(t, m.Advisories, 1)
	assert.Contains(t, m.Advisories[0], "bins=3")
	for _, path := range []string{"out-0", "out-1", "out-2"} {
		expect.EQ(t, f.creates[path], 1)
		assert.True(t, f.sinks[path].closed)
	}
	sorted := m.Sorted()
	for i, s := range sorted {
		expect.EQ(t, s.Index, i)
	}
	expect.EQ(t, sorted[0].Records, int64(1))
	expect.EQ(t, sorted[1].Records, int64(0))
}

func TestReferenceDemux(t *testing.T) {
	allow, err := demux.NewAllowList(demux.Autosomes)
	require.NoError(t, err)
	targets := demux.TargetTable{"chr1", "chrM", "chr2"}
	d := demux.NewReferenceDemuxer(targets, allow, readRef)
	f := newTestFactory()
	src := newTestSource(
		&testRead{name: "r0", ref: 0},
		&testRead{name: "r1", ref: 1},
		&testRead{name: "r2", ref: 2},
		&testRead{name: "r3", ref: 0},
		&testRead{name: "r4", ref: -1},
	)
	m, err := demux.NewPass("x.bam", src, d, f, demux.Opts{}).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, f.sinks, 2)
	assert.Equal(t, []string{"r0", "r3"}, names(f.sinks["out-chr1"].recs))
	assert.Equal(t, []string{"r2"}, names(f.sinks["out-chr2"].recs))
	_, ok := f.sinks["out-chrM"]
	assert.False(t, ok)
	expect.EQ(t, m.Records, int64(5))
	expect.EQ(t, m.Dropped, int64(2))
	assert.Equal(t, []demux.Shard{
		{Bucket: "chr1", Index: 0, Path: "out-chr1", Records: 2},
		{Bucket: "chr2", Index: 1, Path: "out-chr2", Records: 1},
	}, m.Shards)
}

func TestOutOfRangeReference(t *testing.T) {
	allow, err := demux.NewAllowList(demux.Autosomes)
	require.NoError(t, err)
	targets := make(demux.TargetTable, 24)
	for i := range targets {
		targets[i] = fmt.Sprintf("chr%d", i+1)
	}
	d := demux.NewReferenceDemuxer(targets, allow, readRef)
	f := newTestFactory()
	src := newTestSource(&testRead{name: "ok", ref: 0}, &testRead{name: "bad", ref: 99})
	m, err := demux.NewPass("x.bam", src, d, f, demux.Opts{}).Run(context.Background())
	require.Error(t, err)
	assert.Nil(t, m)

	var rangeErr *demux.OutOfRangeReferenceError
	require.True(t, goerrors.As(err, &rangeErr), "got %v", err)
	expect.EQ(t, rangeErr.RefID, 99)
	expect.EQ(t, rangeErr.NumRefs, 24)
	// The shard opened before the failure is closed, then discarded.
	assert.True(t, f.sinks["out-chr1"].closed)
	assert.True(t, f.removed["out-chr1"])
}

func TestSourceOutOfRangeReference(t *testing.T) {
	allow, err := demux.NewAllowList(demux.Autosomes)
	require.NoError(t, err)
	d := demux.NewReferenceDemuxer(demux.TargetTable(demux.Autosomes), allow, readRef)
	f := newTestFactory()
	src := newTestSource(&testRead{name: "ok", ref: 0}, &testRead{name: "bad"})
	src.failAt = 1
	src.failErr = &demux.OutOfRangeReferenceError{RefID: demux.UnknownRefID, NumRefs: 22}
	_, err = demux.NewPass("x.bam", src, d, f, demux.Opts{}).Run(context.Background())
	require.Error(t, err)

	var rangeErr *demux.OutOfRangeReferenceError
	require.True(t, goerrors.As(err, &rangeErr), "got %v", err)
	expect.EQ(t, rangeErr.NumRefs, 22)
	var decodeErr *demux.DecodeError
	assert.False(t, goerrors.As(err, &decodeErr), "got %v", err)
	assert.Contains(t, err.Error(), "record 1")
	assert.True(t, f.removed["out-chr1"])
}

func TestDecodeError(t *testing.T) {
	sharder, err := demux.NewHashSharder(2, fixedHash, readName)
	require.NoError(t, err)
	f := newTestFactory()
	src := newTestSource(&testRead{name: "A"}, &testRead{name: "B"}, &testRead{name: "C"})
	src.failAt = 2
	_, err = demux.NewPass("in.fq", src, sharder, f, demux.Opts{KeepPartial: true}).Run(context.Background())

	var decodeErr *demux.DecodeError
	require.True(t, goerrors.As(err, &decodeErr), "got %v", err)
	expect.EQ(t, decodeErr.Record, int64(2))
	expect.EQ(t, decodeErr.Input, "in.fq")
	for path, sink := range f.sinks {
		assert.True(t, sink.closed, path)
		assert.False(t, f.removed[path], path)
	}
}

func TestWriterCreationError(t *testing.T) {
	sharder, err := demux.NewHashSharder(2, fixedHash, readName)
	require.NoError(t, err)
	f := newTestFactory()
	f.failPath = "out-1"
	src := newTestSource(&testRead{name: "A"}, &testRead{name: "B"})
	_, err = demux.NewPass("in", src, sharder, f, demux.Opts{}).Run(context.Background())

	var createErr *demux.WriterCreationError
	require.True(t, goerrors.As(err, &createErr), "got %v", err)
	expect.EQ(t, createErr.Path, "out-1")
	expect.EQ(t, createErr.Bucket, "1")
	assert.True(t, f.sinks["out-0"].closed)
	assert.True(t, f.removed["out-0"])
}

func TestAtMostOneWriter(t *testing.T) {
	sharder, err := demux.NewHashSharder(4, fixedHash, readName)
	require.NoError(t, err)
	f := newTestFactory()
	var recs []*testRead
	for i := 0; i < 100; i++ {
		recs = append(recs, &testRead{name: string(rune('A' + i%8))})
	}
	_, err = demux.NewPass("in", newTestSource(recs...), sharder, f,
		demux.Opts{Complete: demux.ShardBuckets(4)}).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, f.creates, 4)
	for path, n := range f.creates {
		expect.EQ(t, n, 1, path)
	}
}

func TestRunTwice(t *testing.T) {
	sharder, err := demux.NewHashSharder(1, fixedHash, readName)
	require.NoError(t, err)
	p := demux.NewPass("in", newTestSource(), sharder, newTestFactory(), demux.Opts{})
	m, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, m.Shards)
	_, err = p.Run(context.Background())
	assert.True(t, errors.Is(errors.Precondition, err))
}

func TestCanceled(t *testing.T) {
	sharder, err := demux.NewHashSharder(2, fixedHash, readName)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = demux.NewPass("in", newTestSource(&testRead{name: "A"}), sharder, newTestFactory(), demux.Opts{}).Run(ctx)
	assert.Equal(t, context.Canceled, err)
}
