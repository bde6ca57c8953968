package demux

import "sort"

// Shard describes one output created by a pass.
type Shard struct {
	// Bucket is the bucket name, e.g. "3" or "chr7".
	Bucket string `json:"bucket"`
	// Index is the bucket index. See Bucket.Index.
	Index int `json:"index"`
	// Path is the output path, as returned by SinkFactory.Path.
	Path string `json:"path"`
	// Records is the number of records written to the output.
	Records int64 `json:"records"`
}

// Manifest reports the outputs of one pass.
type Manifest struct {
	// Input names the stream that was partitioned.
	Input string `json:"input"`
	// Shards lists the outputs in the order they were created.
	Shards []Shard `json:"shards"`
	// Records is the number of records read from the input.
	Records int64 `json:"records"`
	// Dropped is the number of records that mapped to no bucket.
	Dropped int64 `json:"dropped"`
	// Advisories holds non-fatal warnings about the pass configuration.
	Advisories []string `json:"advisories,omitempty"`
}

// Sorted returns a copy of m.Shards ordered by bucket index.
func (m *Manifest) Sorted() []Shard {
	shards := append([]Shard(nil), m.Shards...)
	sort.SliceStable(shards, func(i, j int) bool { return shards[i].Index < shards[j].Index })
	return shards
}

// Written returns the number of records written across all shards.
func (m *Manifest) Written() int64 {
	var n int64
	for _, s := range m.Shards {
		n += s.Records
	}
	return n
}
