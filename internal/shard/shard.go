// Package shard holds the static, ordered list of backing store endpoints.
// Index i of the list serves every identity whose prefix is i.
package shard

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/codewandler/trackr/core/identity"
)

var (
	ErrOutOfRange = errors.New("shard index out of range")
	ErrEmpty      = errors.New("shard directory is empty")
	ErrUnassigned = errors.New("shard index has no endpoint")
	ErrBlankEntry = errors.New("blank shard entry")
)

// Directory is read-only after construction.
type Directory struct {
	urls []string
}

// NewDirectory keeps every position, since identities carry their index.
// A blank entry stays unassigned and fails lookups; trailing blanks are
// dropped.
func NewDirectory(urls ...string) *Directory {
	out := make([]string, len(urls))
	for i, u := range urls {
		out[i] = strings.TrimRight(strings.TrimSpace(u), "/")
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return &Directory{urls: out}
}

// Parse accepts either a JSON array of URLs or a comma separated list.
// Blank entries before the last endpoint are rejected.
func Parse(s string) (*Directory, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return NewDirectory(), nil
	}
	var urls []string
	if strings.HasPrefix(s, "[") {
		if err := json.Unmarshal([]byte(s), &urls); err != nil {
			return nil, fmt.Errorf("parse shard config: %w", err)
		}
	} else {
		urls = strings.Split(s, ",")
	}
	d := NewDirectory(urls...)
	for i, u := range d.urls {
		if u == "" {
			return nil, fmt.Errorf("%w at index %d", ErrBlankEntry, i)
		}
	}
	return d, nil
}

func (d *Directory) Len() int { return len(d.urls) }

// URLs returns a copy of the ordered endpoint list.
func (d *Directory) URLs() []string { return append([]string(nil), d.urls...) }

func (d *Directory) Lookup(index int) (string, error) {
	if len(d.urls) == 0 {
		return "", ErrEmpty
	}
	if index < 0 || index >= len(d.urls) {
		return "", fmt.Errorf("%w: %d not in [0,%d)", ErrOutOfRange, index, len(d.urls))
	}
	if d.urls[index] == "" {
		return "", fmt.Errorf("%w: %d", ErrUnassigned, index)
	}
	return d.urls[index], nil
}

// Resolve returns the endpoint owning the given identity string.
func (d *Directory) Resolve(id string) (string, error) {
	index, err := identity.ShardIndex(id)
	if err != nil {
		return "", err
	}
	return d.Lookup(index)
}
