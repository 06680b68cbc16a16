/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package blockstore

import (
	"context"
	"fmt"
	"sync"

	nonlockingreadmap "github.com/launix-de/NonLockingReadMap"

	"github.com/vstorage/corestore/internal/codec"
	"github.com/vstorage/corestore/internal/objectstore"
)

// cacheEntry is the unit NonLockingReadMap stores for one cached block.
// ComputeSize feeds both the map's own bookkeeping and Cache's byte
// budget, so eviction tracks the same number the block actually costs.
type cacheEntry struct {
	id  BlockID
	blk *Block
}

func (e cacheEntry) GetKey() string    { return e.id.String() }
func (e cacheEntry) ComputeSize() uint { return uint(blockByteSize(e.blk)) }

// blockByteSize returns the cost a block is charged against the budget:
// its SizeBytes stamp (the padded columnar estimate), or ComputeSize over
// its rows when SizeBytes is zero.
func blockByteSize(blk *Block) uint64 {
	if blk.SizeBytes > 0 {
		return blk.SizeBytes
	}
	return ComputeSize(blk.Rows)
}

// Cache is the multi-tier block cache of §4.2.5: an in-memory L1 map
// fronting an object store that may itself be wrapped in an
// objectstore.Evicting L2 disk tier. Because blocks are content-
// addressed, a cache hit never needs freshness checking — an id either
// names exactly this content or it names nothing yet fetched.
//
// L1 is bounded by bytes, not block count: the budget is the same kind
// of accounting objectstore.Evicting does for the L2 disk tier, just
// applied to resident blocks instead of on-disk objects. The block map
// itself is a NonLockingReadMap, same as memcp's read-mostly in-memory
// table state — Get never blocks behind an eviction sweep; only the LRU
// order list and the running byte total need mu.
type Cache struct {
	store objectstore.Store
	kind  codec.Kind

	blocks nonlockingreadmap.NonLockingReadMap[cacheEntry, string]

	mu         sync.Mutex
	order      []BlockID // approximate LRU order, oldest first
	bytes      uint64
	byteBudget uint64
}

// defaultCacheBudgetBytes is used when NewCache is given a non-positive
// budget.
const defaultCacheBudgetBytes = 64 << 20

// NewCache wraps store with an L1 cache holding up to budgetBytes of
// decoded blocks in memory. store is typically an *objectstore.Evicting
// for an L2 disk tier backed by S3 or Ceph.
func NewCache(store objectstore.Store, kind codec.Kind, budgetBytes int) *Cache {
	budget := uint64(budgetBytes)
	if budgetBytes <= 0 {
		budget = defaultCacheBudgetBytes
	}
	return &Cache{
		store:      store,
		kind:       kind,
		blocks:     nonlockingreadmap.New[cacheEntry, string](),
		byteBudget: budget,
	}
}

// Get returns the block for id, fetching through the object store (and
// populating L1) on a miss.
func (c *Cache) Get(ctx context.Context, id BlockID) (*Block, error) {
	if e := c.blocks.Get(id.String()); e != nil {
		c.mu.Lock()
		c.touch(id)
		c.mu.Unlock()
		return e.blk, nil
	}

	data, err := objectstore.Get(ctx, c.store, ObjectPath(id))
	if err != nil {
		return nil, fmt.Errorf("blockstore: cache miss fetching block %s: %w", id, err)
	}
	blk, err := DecodeBlock(data, c.kind)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.insert(id, blk)
	c.mu.Unlock()
	return blk, nil
}

// Put seeds the cache with a block the caller just wrote, avoiding a
// round trip back through the object store for the writer's own
// blocks.
func (c *Cache) Put(id BlockID, blk *Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insert(id, blk)
}

// touch must be called with mu held.
func (c *Cache) touch(id BlockID) {
	for i, cur := range c.order {
		if cur == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, id)
}

// insert must be called with mu held.
func (c *Cache) insert(id BlockID, blk *Block) {
	if old := c.blocks.Get(id.String()); old != nil {
		c.bytes -= blockByteSize(old.blk)
		c.touch(id)
	} else {
		c.order = append(c.order, id)
	}
	c.blocks.Set(&cacheEntry{id: id, blk: blk})
	c.bytes += blockByteSize(blk)

	for c.bytes > c.byteBudget && len(c.order) > 0 {
		victim := c.order[0]
		c.order = c.order[1:]
		if removed := c.blocks.Remove(victim.String()); removed != nil {
			c.bytes -= blockByteSize(removed.blk)
		}
	}
}

// Len reports the number of blocks currently held in L1.
func (c *Cache) Len() int {
	return len(c.blocks.GetAll())
}

// Bytes reports the current L1 byte total, for tests and metrics.
func (c *Cache) Bytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}
