package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/codewandler/trackr/core/event"
	"github.com/codewandler/trackr/core/identity"
	"github.com/codewandler/trackr/ports/kv"
)

// persisted is the part of the session state that survives a restart.
type persisted struct {
	Identity         string  `json:"identity"`
	CurrentSessionID *string `json:"current_session_id"`
	LastActiveAt     int64   `json:"last_active_at"`
}

type deadLetter struct {
	Identity  string        `json:"identity"`
	ShardURL  string        `json:"shard_url"`
	Timestamp int64         `json:"timestamp"`
	Error     string        `json:"error"`
	Events    []event.Event `json:"events"`
}

func StateKey(key string) string { return "session." + identity.Sanitize(key) }

func DeadLetterKey(id string, ts int64) string {
	return fmt.Sprintf("deadletter.%s.%d", identity.Sanitize(id), ts)
}

func loadState(ctx context.Context, store kv.Store, key string) (persisted, bool, error) {
	st, _, err := kv.Get[persisted](ctx, store, StateKey(key))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return persisted{}, false, nil
		}
		return persisted{}, false, err
	}
	return st, true, nil
}
