// Package fastqsplit shards FASTQ files by a hash of the read name.
//
// Each input file is split independently into a complete set of Bins shard
// files named "<input filename>-<bin>". Because the shard of a read depends
// only on its name, the R1 and R2 files of a paired-end run can be split in
// separate processes and shard i of R1 still pairs with shard i of R2.
package fastqsplit

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/seqsplit/demux"
	"github.com/grailbio/seqsplit/encoding/bgzf"
	"github.com/grailbio/seqsplit/encoding/fastq"
	"github.com/klauspost/compress/gzip"
)

// Opts configures Split.
type Opts struct {
	// Bins is the number of shards per input. It must be positive; a value
	// that is not a power of two is accepted with an advisory.
	Bins int
	// Hash names the hash function, see demux.HashFuncs. Empty selects
	// demux.DefaultHash. Both files of a pair must use the same hash.
	Hash string
	// Compress writes shards in BGZF (block gzip) format.
	Compress bool
	// OutputDir is the directory for shard files. If empty, shards are
	// written next to their input.
	OutputDir string
	// KeepPartial keeps the shards of a failed input. See demux.Opts.
	KeepPartial bool
}

func (o Opts) validate() (demux.HashFunc, error) {
	if o.Bins <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("bins must be positive, but got %d", o.Bins))
	}
	hash, ok := demux.LookupHash(o.Hash)
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("unknown hash %q, want one of %v", o.Hash, demux.HashNames()))
	}
	return hash, nil
}

// ShardPath returns the path of shard bin of input. If outputDir is empty,
// the shard is placed next to the input.
func ShardPath(input, outputDir string, bin int) string {
	if outputDir == "" {
		outputDir = file.Dir(input)
	}
	return file.Join(outputDir, fmt.Sprintf("%s-%d", file.Base(input), bin))
}

// Split shards every input. Inputs are processed in parallel, each as an
// independent pass. The returned manifests are in input order. If any input
// fails, Split returns an error; the shards of inputs that succeeded are
// left in place.
func Split(ctx context.Context, inputs []string, opts Opts) ([]*demux.Manifest, error) {
	if _, err := opts.validate(); err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, errors.E(errors.Invalid, "no input files")
	}
	// Shard names and the Filenames manifest are keyed by input filename,
	// so two inputs with the same filename cannot be told apart even when
	// their shards land in different directories.
	seen := make(map[string]string, len(inputs))
	for _, input := range inputs {
		name := file.Base(input)
		if prev, ok := seen[name]; ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("inputs %s and %s have the same filename %s", prev, input, name))
		}
		seen[name] = input
	}
	manifests := make([]*demux.Manifest, len(inputs))
	err := traverse.Each(len(inputs), func(i int) error {
		m, err := SplitFile(ctx, inputs[i], opts)
		manifests[i] = m
		return err
	})
	if err != nil {
		return nil, err
	}
	return manifests, nil
}

// SplitFile shards a single FASTQ file, plain or gzipped.
func SplitFile(ctx context.Context, input string, opts Opts) (m *demux.Manifest, err error) {
	hash, err := opts.validate()
	if err != nil {
		return nil, err
	}
	sharder, err := demux.NewHashSharder(opts.Bins, hash, readName)
	if err != nil {
		return nil, err
	}
	in, err := file.Open(ctx, input)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	r, err := decompress(in.Reader(ctx))
	if err != nil {
		return nil, &demux.DecodeError{Input: input, Err: err}
	}
	src := &source{sc: fastq.NewScanner(r, fastq.All)}
	factory := &shardFactory{input: input, outputDir: opts.OutputDir, compress: opts.Compress}
	pass := demux.NewPass(input, src, sharder, factory, demux.Opts{
		Complete:    demux.ShardBuckets(opts.Bins),
		KeepPartial: opts.KeepPartial,
	})
	return pass.Run(ctx)
}

// Filenames maps each input filename to its shard filenames, ordered by
// bin. Directories are omitted from both.
func Filenames(manifests []*demux.Manifest) map[string][]string {
	names := make(map[string][]string, len(manifests))
	for _, m := range manifests {
		var shards []string
		for _, s := range m.Sorted() {
			shards = append(shards, file.Base(s.Path))
		}
		names[file.Base(m.Input)] = shards
	}
	return names
}

func readName(rec demux.Record) string {
	return rec.(*fastq.Read).Name()
}

// decompress returns a reader over the FASTQ text of r. Gzip input,
// including multi-member files such as BGZF, is detected by its magic
// number.
func decompress(r io.Reader) (io.Reader, error) {
	br := bufio.NewReaderSize(r, 1<<20)
	magic, _ := br.Peek(2)
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		return gzip.NewReader(br)
	}
	return br, nil
}

// source adapts fastq.Scanner to demux.Source.
type source struct {
	sc *fastq.Scanner
}

func (s *source) Read() (demux.Record, error) {
	r := new(fastq.Read)
	if s.sc.Scan(r) {
		return r, nil
	}
	if err := s.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// shardFactory creates the shard files of one input.
type shardFactory struct {
	input     string
	outputDir string
	compress  bool
}

func (f *shardFactory) Path(b demux.Bucket) string {
	return ShardPath(f.input, f.outputDir, b.Index)
}

func (f *shardFactory) Create(ctx context.Context, path string) (demux.Sink, error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return nil, err
	}
	s := &shardSink{ctx: ctx, out: out}
	w := out.Writer(ctx)
	if f.compress {
		if s.bgzf, err = bgzf.NewWriter(w, gzip.DefaultCompression); err != nil {
			_ = out.Close(ctx)
			return nil, err
		}
		w = s.bgzf
	}
	s.w = fastq.NewWriter(w)
	return s, nil
}

func (f *shardFactory) Remove(ctx context.Context, path string) error {
	return file.Remove(ctx, path)
}

// shardSink writes reads to one shard file.
type shardSink struct {
	ctx  context.Context
	out  file.File
	bgzf *bgzf.Writer
	w    *fastq.Writer
}

func (s *shardSink) Write(rec demux.Record) error {
	return s.w.Write(rec.(*fastq.Read))
}

func (s *shardSink) Close() error {
	var err errors.Once
	err.Set(s.w.Flush())
	if s.bgzf != nil {
		err.Set(s.bgzf.Close())
	}
	err.Set(s.out.Close(s.ctx))
	return err.Err()
}
