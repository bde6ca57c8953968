package demux

import (
	"context"
	goerrors "errors"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Source is a stream of decoded records.
type Source interface {
	// Read returns the next record. It returns io.EOF once the stream is
	// exhausted. An *OutOfRangeReferenceError aborts the pass as is; any
	// other error means the input could not be decoded.
	Read() (Record, error)
}

// Opts configures a Pass.
type Opts struct {
	// Complete lists buckets whose outputs must exist when the pass
	// succeeds, even if no record maps to them. Hash sharding uses this to
	// produce a full set of shard files for every input.
	Complete []Bucket

	// KeepPartial leaves the outputs of a failed pass in place. By default
	// they are closed and then removed, so that no partial output can be
	// mistaken for a complete one.
	KeepPartial bool
}

type passState int

const (
	// passOpen: records may remain in the source.
	passOpen passState = iota
	// passDraining: the source is exhausted or the pass failed; sinks are
	// being flushed.
	passDraining
	// passClosed: all sinks are closed and the manifest is final.
	passClosed
)

// ctxCheckInterval is the number of records read between context checks.
const ctxCheckInterval = 4096

// Pass is one sequential traversal of one input stream, routing each record
// to the output of its bucket. A Pass is not thread safe, and Run may be
// called once.
type Pass struct {
	input    string
	src      Source
	bucketer Bucketer
	opts     Opts
	state    passState
	manifest *Manifest
	pool     *writerPool
}

// NewPass creates a pass over src. input names the stream in errors, logs,
// and the manifest.
func NewPass(input string, src Source, bucketer Bucketer, factory SinkFactory, opts Opts) *Pass {
	manifest := &Manifest{Input: input}
	if a, ok := bucketer.(Advisor); ok {
		manifest.Advisories = append(manifest.Advisories, a.Advisories()...)
	}
	return &Pass{
		input:    input,
		src:      src,
		bucketer: bucketer,
		opts:     opts,
		state:    passOpen,
		manifest: manifest,
		pool:     newWriterPool(factory, manifest),
	}
}

// Run reads src to exhaustion, then closes every output and returns the
// manifest. On any fatal error, Run closes the outputs created so far,
// removes them unless Opts.KeepPartial is set, and returns the error.
func (p *Pass) Run(ctx context.Context) (*Manifest, error) {
	if p.state != passOpen {
		return nil, errors.E(errors.Precondition, fmt.Sprintf("%s: pass has already run", p.input))
	}
	err := p.route(ctx)
	p.state = passDraining
	if err == nil {
		err = p.pool.materialize(ctx, p.opts.Complete)
	}
	if e := p.pool.close(); e != nil && err == nil {
		err = fmt.Errorf("%s: close outputs: %w", p.input, e)
	}
	p.state = passClosed
	if err != nil {
		if !p.opts.KeepPartial {
			if e := p.pool.remove(ctx); e != nil {
				log.Error.Printf("%s: remove partial outputs: %v", p.input, e)
			}
		}
		return nil, err
	}
	log.Printf("%s: routed %d records into %d outputs, dropped %d",
		p.input, p.manifest.Records, p.pool.size(), p.manifest.Dropped)
	return p.manifest, nil
}

// route moves records from the source to their sinks until the source is
// exhausted or an error occurs.
func (p *Pass) route(ctx context.Context) error {
	for n := int64(0); ; n++ {
		if n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		rec, err := p.src.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			var oor *OutOfRangeReferenceError
			if goerrors.As(err, &oor) {
				return fmt.Errorf("%s: record %d: %w", p.input, n, err)
			}
			return &DecodeError{Input: p.input, Record: n, Err: err}
		}
		p.manifest.Records++
		b, ok, err := p.bucketer.Bucket(rec)
		if err != nil {
			return fmt.Errorf("%s: record %d: %w", p.input, n, err)
		}
		if !ok {
			p.manifest.Dropped++
			continue
		}
		if err := p.pool.write(ctx, b, rec); err != nil {
			return err
		}
	}
}
