// Package cache holds short-lived provider metadata, such as the id a calendar
// name resolves to, so one run does not repeat discovery calls.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultTTL applies when no TTL is configured.
const DefaultTTL = 10 * time.Minute

const maxEntries = 256

// Names maps calendar names to provider ids with an explicit expiry.
type Names struct {
	lru *expirable.LRU[string, string]
}

// NewNames creates a cache. A ttl of zero or less selects DefaultTTL.
func NewNames(ttl time.Duration) *Names {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Names{lru: expirable.NewLRU[string, string](maxEntries, nil, ttl)}
}

// Get returns the cached id for name.
func (n *Names) Get(name string) (string, bool) {
	return n.lru.Get(name)
}

// Put records the id for name.
func (n *Names) Put(name, id string) {
	n.lru.Add(name, id)
}

// Resolve returns the cached id for name or calls lookup and caches its result.
func (n *Names) Resolve(ctx context.Context, name string, lookup func(context.Context, string) (string, error)) (string, error) {
	if id, ok := n.lru.Get(name); ok {
		return id, nil
	}
	id, err := lookup(ctx, name)
	if err != nil {
		return "", err
	}
	n.lru.Add(name, id)
	return id, nil
}
