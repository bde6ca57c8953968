// Package bamsplit demultiplexes a BAM file into one BAM file per
// reference sequence, keeping only an allow-list of references.
package bamsplit

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/seqsplit/demux"
)

// Opts configures SplitFile.
type Opts struct {
	// AllowList names the references that get an output file. Records on
	// other references, and unmapped records, are dropped. If nil,
	// demux.Autosomes is used.
	AllowList []string
	// OutputDir is the directory for output files. If empty, outputs are
	// written next to the input.
	OutputDir string
	// KeepPartial keeps the outputs of a failed pass. See demux.Opts.
	KeepPartial bool
}

// OutputPath returns the output path for records on reference chrom:
// "<chrom>_<input stem>.bam".
func OutputPath(input, outputDir, chrom string) string {
	if outputDir == "" {
		outputDir = file.Dir(input)
	}
	base := file.Base(input)
	stem := strings.TrimSuffix(base, path.Ext(base))
	return file.Join(outputDir, chrom+"_"+stem+".bam")
}

// SplitFile demultiplexes the BAM file at input. Each output file carries
// a copy of the input header and the input's records for one reference, in
// input order. Output files are created only for references that have at
// least one record.
func SplitFile(ctx context.Context, input string, opts Opts) (m *demux.Manifest, err error) {
	names := opts.AllowList
	if names == nil {
		names = demux.Autosomes
	}
	allow, err := demux.NewAllowList(names)
	if err != nil {
		return nil, err
	}
	in, err := file.Open(ctx, input)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	r, err := bam.NewReader(in.Reader(ctx), 1)
	if err != nil {
		return nil, &demux.DecodeError{Input: input, Err: errors.E(err, "read header")}
	}
	defer func() {
		if e := r.Close(); e != nil && err == nil {
			err = e
		}
	}()
	header := r.Header()
	demuxer := demux.NewReferenceDemuxer(Targets(header), allow, refID)
	factory := &outputFactory{input: input, outputDir: opts.OutputDir, header: header}
	pass := demux.NewPass(input, &source{r: r, numRefs: len(header.Refs())}, demuxer, factory, demux.Opts{KeepPartial: opts.KeepPartial})
	return pass.Run(ctx)
}

// Targets returns the reference names of header, indexed by reference ID.
func Targets(header *sam.Header) demux.TargetTable {
	refs := header.Refs()
	t := make(demux.TargetTable, len(refs))
	for i, ref := range refs {
		t[i] = ref.Name()
	}
	return t
}

// Pairs lists the (reference, output filename) pairs of m in the order the
// outputs were created.
func Pairs(m *demux.Manifest) [][2]string {
	pairs := make([][2]string, 0, len(m.Shards))
	for _, s := range m.Shards {
		pairs = append(pairs, [2]string{s.Bucket, file.Base(s.Path)})
	}
	return pairs
}

// refID returns the reference index of a record, or -1 if it is unmapped.
func refID(rec demux.Record) int {
	return rec.(*sam.Record).Ref.ID()
}

type source struct {
	r       *bam.Reader
	numRefs int
}

// errRefRange is the text of the hts reader's error for a record whose
// reference or mate reference index is not in the header.
const errRefRange = "reference id out of range"

// Read returns io.EOF, unwrapped, at the end of the input. A record citing a
// reference missing from the header yields *demux.OutOfRangeReferenceError.
func (s *source) Read() (demux.Record, error) {
	rec, err := s.r.Read()
	if err != nil {
		if strings.Contains(err.Error(), errRefRange) {
			// The reader does not report the offending index.
			return nil, &demux.OutOfRangeReferenceError{RefID: demux.UnknownRefID, NumRefs: s.numRefs}
		}
		return nil, err
	}
	return rec, nil
}

type outputFactory struct {
	input     string
	outputDir string
	header    *sam.Header
}

func (f *outputFactory) Path(b demux.Bucket) string {
	return OutputPath(f.input, f.outputDir, b.Name)
}

func (f *outputFactory) Create(ctx context.Context, path string) (demux.Sink, error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return nil, err
	}
	w, err := bam.NewWriter(out.Writer(ctx), f.header.Clone(), 1)
	if err != nil {
		_ = out.Close(ctx)
		return nil, fmt.Errorf("%s: write header: %w", path, err)
	}
	return &outputSink{ctx: ctx, out: out, w: w}, nil
}

func (f *outputFactory) Remove(ctx context.Context, path string) error {
	return file.Remove(ctx, path)
}

type outputSink struct {
	ctx context.Context
	out file.File
	w   *bam.Writer
}

func (s *outputSink) Write(rec demux.Record) error {
	return s.w.Write(rec.(*sam.Record))
}

func (s *outputSink) Close() error {
	var err errors.Once
	err.Set(s.w.Close())
	err.Set(s.out.Close(s.ctx))
	return err.Err()
}
