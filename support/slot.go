// Copyright 2024 The Nakama-Index Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 		http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package support

import "sync"

// SlotCache is the systems-language answer to a thread-local map with
// weak-reference purge: rather than keying off the calling goroutine (Go
// has no stable goroutine-local storage) or relying on finalizers, it is
// indexed by the small integer slot id a caller already owns -- for this
// core, the thread-state slot index index.ThreadPool.Acquire hands out.
// Entries are never silently evicted; Clear drops a slot's entry
// explicitly when its owner releases the slot, which is the "purge"
// side of the weak-reference idiom without needing GC cooperation.
type SlotCache struct {
	mu      sync.RWMutex
	entries map[int]map[string]interface{}
}

func NewSlotCache() *SlotCache {
	return &SlotCache{entries: make(map[int]map[string]interface{})}
}

// Get returns the cached value for (slot, key), if any.
func (c *SlotCache) Get(slot int, key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.entries[slot]
	if !ok {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

// Put stores value under (slot, key), replacing anything already there.
func (c *SlotCache) Put(slot int, key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.entries[slot]
	if !ok {
		m = make(map[string]interface{})
		c.entries[slot] = m
	}
	m[key] = value
}

// Clear drops every cached value for slot, called once its owner
// releases the slot back to the pool (or the pool deactivates it).
func (c *SlotCache) Clear(slot int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, slot)
}
