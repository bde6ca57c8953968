package demux

import (
	"sort"

	"blainsmith.com/go/seahash"
	farm "github.com/dgryski/go-farm"
	"github.com/minio/highwayhash"
	"github.com/spaolacci/murmur3"
)

// HashFunc is a 32-bit non-cryptographic hash over a byte string. It must
// produce the same value for the same input on every platform and in every
// process, since shard assignment of mate files depends on it.
type HashFunc func(data []byte) uint32

// DefaultHash is the name of the hash used when none is specified.
// MurmurHash3 (x86, 32 bit, seed 0) matches the shard assignment of earlier
// releases of the splitter.
const DefaultHash = "murmur3"

var highwayKey [highwayhash.Size]byte

// HashFuncs lists the supported hash functions by name.
var HashFuncs = map[string]HashFunc{
	"murmur3": murmur3.Sum32,
	"farm":    farm.Hash32,
	"seahash": func(data []byte) uint32 { return uint32(seahash.Sum64(data)) },
	"highway": func(data []byte) uint32 { return uint32(highwayhash.Sum64(data, highwayKey[:])) },
}

// LookupHash returns the hash function with the given name. An empty name
// selects DefaultHash.
func LookupHash(name string) (HashFunc, bool) {
	if name == "" {
		name = DefaultHash
	}
	h, ok := HashFuncs[name]
	return h, ok
}

// HashNames returns the names in HashFuncs, sorted.
func HashNames() []string {
	names := make([]string, 0, len(HashFuncs))
	for name := range HashFuncs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
