package firebase

import (
	"context"
	"net/http"
	"strconv"

	"github.com/codewandler/trackr/core/identity"
	"github.com/codewandler/trackr/ports/sink"
)

// Writer stores each batch as a JSON array at
// {shard}/events/{sanitized identity}/{timestamp}.json. The write is a full
// overwrite of a path that is unique per flush.
type Writer struct {
	c client
}

func NewWriter(opts Options) *Writer { return &Writer{c: newClient(opts)} }

func (w *Writer) Write(ctx context.Context, b sink.Batch) error {
	target := w.c.endpoint(b.ShardURL, "events", identity.Sanitize(b.Identity), strconv.FormatInt(b.Timestamp, 10))
	return w.c.do(ctx, http.MethodPut, target, b.Events)
}

var _ sink.Writer = (*Writer)(nil)
