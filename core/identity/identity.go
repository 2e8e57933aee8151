// Package identity implements the self-describing `<shardIndex>.<token>`
// identity format and the policies that pick a shard for a new identity.
package identity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrMalformed = errors.New("malformed identity")
)

const separator = "."

// ID is a parsed identity. The shard index is fixed at creation and never
// changes for the lifetime of the identity.
type ID struct {
	Shard int
	Token string
}

// New returns an identity on the given shard with a fresh random token.
func New(shard int) ID {
	return ID{Shard: shard, Token: uuid.NewString()}
}

func (id ID) String() string {
	return strconv.Itoa(id.Shard) + separator + id.Token
}

// Parse splits s at the first separator. The prefix must be a non-negative
// decimal integer and the token must be non-empty.
func Parse(s string) (ID, error) {
	prefix, token, ok := strings.Cut(s, separator)
	if !ok || prefix == "" || token == "" {
		return ID{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	for _, r := range prefix {
		if r < '0' || r > '9' {
			return ID{}, fmt.Errorf("%w: shard prefix %q", ErrMalformed, prefix)
		}
	}
	shard, err := strconv.Atoi(prefix)
	if err != nil {
		return ID{}, fmt.Errorf("%w: shard prefix %q: %w", ErrMalformed, prefix, err)
	}
	return ID{Shard: shard, Token: token}, nil
}

// ShardIndex extracts only the shard index from s.
func ShardIndex(s string) (int, error) {
	id, err := Parse(s)
	if err != nil {
		return 0, err
	}
	return id.Shard, nil
}

var sanitizer = strings.NewReplacer(
	".", "_",
	"$", "_",
	"#", "_",
	"[", "_",
	"]", "_",
	"/", "_",
)

// Sanitize replaces characters that are illegal in backing store keys.
// It is used for every path or key derived from an identity.
func Sanitize(s string) string {
	return sanitizer.Replace(s)
}
