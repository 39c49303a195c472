// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package cache provides a Prometheus-instrumented LRU used to memoize
// decoded locations across samples.
package cache

import (
	"container/list"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type entry[K comparable, V any] struct {
	key   K
	value V
}

// LRU is a fixed-capacity least-recently-used cache. Safe for concurrent
// use.
type LRU[K comparable, V any] struct {
	mtx sync.Mutex

	hits, misses, evictions prometheus.Counter

	maxEntries int
	items      map[K]*list.Element
	evictList  *list.List

	closer func() error
}

func NewLRU[K comparable, V any](reg prometheus.Registerer, maxEntries int) *LRU[K, V] {
	requests := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "cache_requests_total",
		Help: "Total number of cache requests.",
	}, []string{"result"})
	evictions := promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "cache_evictions_total",
		Help: "Total number of cache evictions.",
	})

	return &LRU[K, V]{
		hits:      requests.WithLabelValues("hit"),
		misses:    requests.WithLabelValues("miss"),
		evictions: evictions,

		maxEntries: maxEntries,
		items:      map[K]*list.Element{},
		evictList:  list.New(),

		// Unregister on close so a new cache can reuse the names.
		closer: func() error {
			var err error
			if ok := reg.Unregister(requests); !ok {
				err = errors.Join(err, errors.New("unregistering requests counter"))
			}
			if ok := reg.Unregister(evictions); !ok {
				err = errors.Join(err, errors.New("unregistering evictions counter"))
			}
			if err != nil {
				return fmt.Errorf("cleaning cache counters: %w", err)
			}
			return nil
		},
	}
}

// Add adds a value to the cache, evicting the oldest entry if full.
func (c *LRU[K, V]) Add(key K, value V) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if el, ok := c.items[key]; ok {
		c.evictList.MoveToFront(el)
		el.Value.(*entry[K, V]).value = value
		return
	}

	c.items[key] = c.evictList.PushFront(&entry[K, V]{key: key, value: value})

	if c.evictList.Len() > c.maxEntries {
		if el := c.evictList.Back(); el != nil {
			c.evictList.Remove(el)
			delete(c.items, el.Value.(*entry[K, V]).key)
			c.evictions.Inc()
		}
	}
}

// Get retrieves an item from the cache.
// Returns (value, true) if the item is found, and false otherwise.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if el, ok := c.items[key]; ok {
		c.evictList.MoveToFront(el)
		c.hits.Inc()
		return el.Value.(*entry[K, V]).value, true
	}
	c.misses.Inc()
	var zero V
	return zero, false
}

// Purge completely clears the cache.
func (c *LRU[K, V]) Purge() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.items = map[K]*list.Element{}
	c.evictList.Init()
}

// Close clears the cache and unregisters its metrics.
func (c *LRU[K, V]) Close() error {
	c.Purge()
	if c.closer != nil {
		return c.closer()
	}
	return nil
}
