// Package demux partitions a stream of sequencing records into output
// streams ("buckets") keyed by a value extracted from each record.
//
// A Pass reads records one at a time from a Source, asks a Bucketer which
// bucket the record belongs to, and appends the record to the Sink for that
// bucket. Sinks are created lazily by a SinkFactory the first time a bucket
// is seen, and never more than once per pass. Records that map to no bucket
// are dropped. Records for one bucket are written in input order.
//
// Two bucketers are provided: HashSharder, which assigns a record to one of
// N shards by hashing its name, and ReferenceDemuxer, which assigns an
// aligned record to the bucket of its reference sequence if that reference
// is in an allow-list.
//
// A Pass is single-threaded. Independent passes (e.g., one per input file)
// may run concurrently as long as their sinks write to disjoint paths.
package demux
