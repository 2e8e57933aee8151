package registry

import "context"

// Record is the best-effort directory entry written for each new identity.
type Record struct {
	Token      string `json:"-"`
	InternalID uint64 `json:"internal_id"`
	ShardIndex int    `json:"shard_index"`
	CreatedAt  int64  `json:"created_at"`
}

// Directory receives a record for every issued identity together with the
// running user total. Failures never affect identity creation.
type Directory interface {
	RecordIdentity(ctx context.Context, rec Record, totalUsers uint64) error
}

type DirectoryFunc func(ctx context.Context, rec Record, totalUsers uint64) error

func (f DirectoryFunc) RecordIdentity(ctx context.Context, rec Record, totalUsers uint64) error {
	return f(ctx, rec, totalUsers)
}
