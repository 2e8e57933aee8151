// Package sf builds per-key values once and keeps them.
//
// Concurrent first calls for the same key share one construction; later
// calls return the stored value. A failed construction is not stored, so the
// next call retries.
//
//	clients := sf.NewMemo(func(ctx context.Context, project string) (*firestore.Client, error) {
//	    return firestore.NewClient(ctx, project)
//	})
//	c, err := clients.Get(ctx, "my-project")
package sf
