package demux

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Sink is an output stream for the records of one bucket.
type Sink interface {
	// Write appends rec to the output.
	Write(rec Record) error
	// Close flushes buffered records and releases the output. It is called
	// exactly once.
	Close() error
}

// SinkFactory creates the output for a bucket.
type SinkFactory interface {
	// Path returns the output path of bucket b. It must be a pure function
	// of b.
	Path(b Bucket) string
	// Create opens a new, empty output at path.
	Create(ctx context.Context, path string) (Sink, error)
	// Remove deletes the output at path. It is used to discard the outputs
	// of a failed pass.
	Remove(ctx context.Context, path string) error
}

// writerPool owns the sinks of one pass. It creates at most one sink per
// bucket, on first use, and records each creation in the manifest.
type writerPool struct {
	factory  SinkFactory
	manifest *Manifest
	entries  map[Bucket]*poolEntry
	order    []*poolEntry // creation order
}

type poolEntry struct {
	shard int // index into manifest.Shards
	path  string
	sink  Sink
}

func newWriterPool(factory SinkFactory, manifest *Manifest) *writerPool {
	return &writerPool{
		factory:  factory,
		manifest: manifest,
		entries:  make(map[Bucket]*poolEntry),
	}
}

// get returns the entry for b, creating its sink if this is the first
// request for b.
func (p *writerPool) get(ctx context.Context, b Bucket) (*poolEntry, error) {
	if e, ok := p.entries[b]; ok {
		return e, nil
	}
	path := p.factory.Path(b)
	sink, err := p.factory.Create(ctx, path)
	if err != nil {
		return nil, &WriterCreationError{Bucket: b.Name, Path: path, Err: err}
	}
	e := &poolEntry{shard: len(p.manifest.Shards), path: path, sink: sink}
	p.manifest.Shards = append(p.manifest.Shards, Shard{Bucket: b.Name, Index: b.Index, Path: path})
	p.entries[b] = e
	p.order = append(p.order, e)
	log.Debug.Printf("%s: created %s for bucket %s", p.manifest.Input, path, b.Name)
	return e, nil
}

// write appends rec to the sink of bucket b.
func (p *writerPool) write(ctx context.Context, b Bucket, rec Record) error {
	e, err := p.get(ctx, b)
	if err != nil {
		return err
	}
	if err := e.sink.Write(rec); err != nil {
		return fmt.Errorf("%s: write to %s: %w", p.manifest.Input, e.path, err)
	}
	p.manifest.Shards[e.shard].Records++
	return nil
}

// materialize creates the sinks of the given buckets that do not exist yet.
func (p *writerPool) materialize(ctx context.Context, buckets []Bucket) error {
	for _, b := range buckets {
		if _, err := p.get(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// close closes every sink in creation order and returns the first error.
func (p *writerPool) close() error {
	var err errors.Once
	for _, e := range p.order {
		err.Set(e.sink.Close())
	}
	return err.Err()
}

// remove deletes every output the pool created. close must have been called.
func (p *writerPool) remove(ctx context.Context) error {
	var err errors.Once
	for _, e := range p.order {
		err.Set(p.factory.Remove(ctx, e.path))
	}
	return err.Err()
}

// size returns the number of sinks created so far.
func (p *writerPool) size() int { return len(p.order) }
