// Package firestore writes event batches to shards addressed as
// firestore://<project>/<collection>, one document per event.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"cloud.google.com/go/firestore"

	"github.com/codewandler/trackr/core/identity"
	"github.com/codewandler/trackr/core/sf"
	"github.com/codewandler/trackr/ports/sink"
)

const Scheme = "firestore"

var ErrBadShardURL = errors.New("bad firestore shard url")

// Target is a parsed firestore shard URL.
type Target struct {
	Project    string
	Collection string
}

func ParseURL(raw string) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %w", ErrBadShardURL, err)
	}
	if u.Scheme != Scheme {
		return Target{}, fmt.Errorf("%w: scheme %q", ErrBadShardURL, u.Scheme)
	}
	collection := strings.Trim(u.Path, "/")
	if u.Host == "" || collection == "" {
		return Target{}, fmt.Errorf("%w: %q needs project and collection", ErrBadShardURL, raw)
	}
	return Target{Project: u.Host, Collection: collection}, nil
}

type eventDoc struct {
	Type      string `firestore:"type"`
	Timestamp int64  `firestore:"timestamp"`
	SessionID string `firestore:"session_id"`
	// Payload is kept as a JSON string so the collection has a flat schema.
	Payload string `firestore:"payload"`
}

type Document struct {
	ID     string
	Fields eventDoc
}

// Documents lays a batch out as one document per event. IDs are unique per
// batch and stable for a given batch timestamp.
func Documents(b sink.Batch) []Document {
	prefix := fmt.Sprintf("%s_%d_", identity.Sanitize(b.Identity), b.Timestamp)
	docs := make([]Document, len(b.Events))
	for i, e := range b.Events {
		payload := "null"
		if len(e.Payload) > 0 {
			payload = string(e.Payload)
		}
		docs[i] = Document{
			ID: fmt.Sprintf("%s%d", prefix, i),
			Fields: eventDoc{
				Type:      e.Type,
				Timestamp: e.Timestamp,
				SessionID: e.SessionID,
				Payload:   payload,
			},
		}
	}
	return docs
}

type Options struct {
	Log *slog.Logger
	// NewClient defaults to firestore.NewClient, which honours
	// FIRESTORE_EMULATOR_HOST.
	NewClient func(ctx context.Context, project string) (*firestore.Client, error)
}

// Writer keeps one client per project, created on first use.
type Writer struct {
	log     *slog.Logger
	clients *sf.Memo[firestore.Client]
}

func NewWriter(opts Options) *Writer {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.NewClient == nil {
		opts.NewClient = func(ctx context.Context, project string) (*firestore.Client, error) {
			return firestore.NewClient(ctx, project)
		}
	}
	w := &Writer{log: opts.Log}
	w.clients = sf.NewMemo(func(ctx context.Context, project string) (*firestore.Client, error) {
		c, err := opts.NewClient(ctx, project)
		if err != nil {
			return nil, fmt.Errorf("firestore client %s: %w", project, err)
		}
		w.log.Info("firestore client ready", slog.String("project", project))
		return c, nil
	})
	return w
}

func (w *Writer) Write(ctx context.Context, b sink.Batch) error {
	t, err := ParseURL(b.ShardURL)
	if err != nil {
		return err
	}
	c, err := w.clients.Get(ctx, t.Project)
	if err != nil {
		return err
	}

	col := c.Collection(t.Collection)
	bw := c.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(b.Events))
	for _, d := range Documents(b) {
		job, err := bw.Set(col.Doc(d.ID), d.Fields)
		if err != nil {
			bw.End()
			return fmt.Errorf("firestore enqueue %s: %w", d.ID, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	var errs []error
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("firestore write %s/%s: %w", t.Project, t.Collection, errors.Join(errs...))
	}
	return nil
}

func (w *Writer) Close() error {
	var errs []error
	w.clients.Drain(func(_ string, c *firestore.Client) {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}
