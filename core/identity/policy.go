package identity

import (
	"fmt"
	"strings"
)

// ShardPolicy maps a registry counter value to a shard index. The policy
// must stay fixed for a deployment since it decides permanent ownership.
type ShardPolicy interface {
	ShardFor(counter uint64, shardCount int) int
	Name() string
}

type modulo struct{}

// Modulo assigns counter mod shardCount. A shard count below 1 is treated as 1.
func Modulo() ShardPolicy { return modulo{} }

func (modulo) Name() string { return "modulo" }

func (modulo) ShardFor(counter uint64, shardCount int) int {
	if shardCount < 1 {
		shardCount = 1
	}
	return int(counter % uint64(shardCount))
}

type bucket struct{ size uint64 }

// Bucket assigns fixed-size logical buckets, ceil(counter/size)-1, so the
// first size identities land on shard 0. The shard count is ignored; a
// bucket beyond the directory fails resolution at flush time.
func Bucket(size int) ShardPolicy {
	if size < 1 {
		size = 1
	}
	return bucket{size: uint64(size)}
}

func (b bucket) Name() string { return fmt.Sprintf("bucket(%d)", b.size) }

func (b bucket) ShardFor(counter uint64, _ int) int {
	if counter == 0 {
		return 0
	}
	return int((counter+b.size-1)/b.size) - 1
}

// ParsePolicy resolves a configured policy name. bucketSize only applies
// to the bucket policy.
func ParsePolicy(name string, bucketSize int) (ShardPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "modulo", "mod":
		return Modulo(), nil
	case "bucket":
		if bucketSize < 1 {
			return nil, fmt.Errorf("bucket policy requires a positive bucket size, got %d", bucketSize)
		}
		return Bucket(bucketSize), nil
	default:
		return nil, fmt.Errorf("unknown shard policy %q", name)
	}
}
