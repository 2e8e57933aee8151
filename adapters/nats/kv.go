package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/trackr/ports/kv"
)

type KvConfig struct {
	Connect  Connector
	Bucket   string
	Replicas int
	Log      *slog.Logger
}

// KvStore implements kv.Store on a JetStream key-value bucket. Revisions are
// the bucket's per-key sequence numbers, so conditional puts map directly to
// Create and Update.
type KvStore struct {
	kv      jetstream.KeyValue
	closeNc closeFunc
	log     *slog.Logger
}

func NewKvStore(ctx context.Context, cfg KvConfig) (*KvStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	replicas := cfg.Replicas
	if replicas <= 0 {
		replicas = 1
	}

	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   cfg.Bucket,
		History:  1,
		Storage:  jetstream.FileStorage,
		Replicas: replicas,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
	}

	log.Info("nats kv ready", slog.String("bucket", cfg.Bucket), slog.Int("replicas", replicas))
	return &KvStore{kv: bucket, closeNc: closeNc, log: log}, nil
}

func (k *KvStore) Put(ctx context.Context, key string, data []byte, opts kv.PutOptions) (rev uint64, err error) {
	switch {
	case opts.IfAbsent:
		rev, err = k.kv.Create(ctx, key, data)
	case opts.IfRevision != 0:
		rev, err = k.kv.Update(ctx, key, data, opts.IfRevision)
	default:
		rev, err = k.kv.Put(ctx, key, data)
	}
	if err != nil {
		if isWrongRevision(err) {
			return 0, fmt.Errorf("put %s: %w", key, kv.ErrRevisionMismatch)
		}
		return 0, fmt.Errorf("put %s: %w", key, err)
	}
	return rev, nil
}

func (k *KvStore) Get(ctx context.Context, key string) (kv.Entry, error) {
	e, err := k.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return kv.Entry{}, kv.ErrNotFound
		}
		return kv.Entry{}, fmt.Errorf("get %s: %w", key, err)
	}
	return kv.Entry{Data: e.Value(), Revision: e.Revision()}, nil
}

func (k *KvStore) Delete(ctx context.Context, key string) error {
	if err := k.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying connection.
func (k *KvStore) Close() {
	if k.closeNc != nil {
		k.closeNc()
	}
}

func isWrongRevision(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

var _ kv.Store = (*KvStore)(nil)
