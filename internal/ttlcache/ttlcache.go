// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

// Package ttlcache provides a small generic cache whose entries expire a fixed
// duration after their last touch. Instances are explicit and injected; there
// is no process-global cache.
package ttlcache

import (
	"sync"
	"time"
)

// Cache is a key/value cache with per-entry TTL. An optional background
// janitor evicts expired entries and invokes the eviction callback, so idle
// resources (open database handles) get released without an explicit close
// call. Without a janitor, expired entries are dropped lazily on access.
type Cache[K comparable, V any] struct {
	ttl     time.Duration
	onEvict func(K, V)

	mu      sync.Mutex
	entries map[K]entry[V]
	stop    chan struct{}
	once    sync.Once
}

type entry[V any] struct {
	value    V
	deadline time.Time
}

// New creates a cache. With cleanupInterval > 0 a janitor goroutine runs at
// that interval; stop it with Close. The eviction callback may be nil; it runs
// outside the cache lock.
func New[K comparable, V any](ttl, cleanupInterval time.Duration, onEvict func(K, V)) *Cache[K, V] {
	c := &Cache[K, V]{
		ttl:     ttl,
		onEvict: onEvict,
		entries: map[K]entry[V]{},
		stop:    make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go c.janitor(cleanupInterval)
	}
	return c
}

// Get returns the value and refreshes its expiry.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.deadline) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	e.deadline = time.Now().Add(c.ttl)
	c.entries[key] = e
	return e.value, true
}

// Set stores the value with a fresh expiry.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, deadline: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Delete removes an entry and runs the eviction callback on it.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	e, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	if ok && c.onEvict != nil {
		c.onEvict(key, e.value)
	}
}

// Purge removes every entry without running eviction callbacks. Used for
// invalidation when the backing data changed.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	c.entries = map[K]entry[V]{}
	c.mu.Unlock()
}

// Len reports the live entry count.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	n := 0
	for _, e := range c.entries {
		if now.Before(e.deadline) {
			n++
		}
	}
	return n
}

// Close stops the janitor and evicts everything.
func (c *Cache[K, V]) Close() {
	c.once.Do(func() { close(c.stop) })

	c.mu.Lock()
	entries := c.entries
	c.entries = map[K]entry[V]{}
	c.mu.Unlock()
	if c.onEvict != nil {
		for k, e := range entries {
			c.onEvict(k, e.value)
		}
	}
}

func (c *Cache[K, V]) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache[K, V]) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	var evicted []struct {
		k K
		v V
	}
	for k, e := range c.entries {
		if now.After(e.deadline) {
			evicted = append(evicted, struct {
				k K
				v V
			}{k, e.value})
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
	if c.onEvict != nil {
		for _, e := range evicted {
			c.onEvict(e.k, e.v)
		}
	}
}
