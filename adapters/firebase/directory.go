package firebase

import (
	"context"
	"fmt"
	"net/http"

	"github.com/codewandler/trackr/core/identity"
	"github.com/codewandler/trackr/core/registry"
)

// Directory keeps the identity map and user total on the main shard.
type Directory struct {
	c       client
	mainURL string
}

func NewDirectory(mainURL string, opts Options) *Directory {
	return &Directory{c: newClient(opts), mainURL: mainURL}
}

func (d *Directory) RecordIdentity(ctx context.Context, rec registry.Record, totalUsers uint64) error {
	if err := d.c.do(ctx, http.MethodPut, d.c.endpoint(d.mainURL, "identity_map", identity.Sanitize(rec.Token)), rec); err != nil {
		return fmt.Errorf("identity map: %w", err)
	}
	stats := struct {
		TotalUsers uint64 `json:"total_users"`
	}{TotalUsers: totalUsers}
	if err := d.c.do(ctx, http.MethodPatch, d.c.endpoint(d.mainURL, "system_stats"), stats); err != nil {
		return fmt.Errorf("system stats: %w", err)
	}
	return nil
}

var _ registry.Directory = (*Directory)(nil)
