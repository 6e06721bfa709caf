package cache

import "context"

// Bucket is one named store of request/response pairs. Implementations
// must be safe for concurrent use; concurrent writes to the same key are
// last-write-wins.
type Bucket interface {
	// Match returns (nil, false, nil) when no entry exists for key.
	Match(ctx context.Context, key string) (*Entry, bool, error)
	Put(ctx context.Context, key string, ent *Entry) error
	// Delete of a missing key is a no-op.
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Storage opens named buckets, creating them when absent.
type Storage interface {
	Open(ctx context.Context, name string) (Bucket, error)
}
