package versioning

import (
	"os"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v3"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/scrypster/locai/internal/storage"
)

// Cache holds reconstructed snapshots by version id. Stored snapshots are
// shared; callers clone before mutating.
type Cache interface {
	Get(id string) (*storage.Snapshot, bool)
	Put(id string, snap *storage.Snapshot)
	Remove(id string)
	Purge()
	Len() int

	// Mode is "server" or "embedded".
	Mode() string
}

// DetectServerMode decides between the server and embedded caches: the
// explicit override wins, then the strategy, then the LOCAI_SERVER_MODE,
// LOCAI_HOST and LOCAI_PORT environment hints.
func DetectServerMode(cfg Config, lookupEnv func(string) (string, bool)) bool {
	if cfg.ServerMode != nil {
		return *cfg.ServerMode
	}
	switch cfg.CacheStrategy {
	case CacheServer:
		return true
	case CacheEmbedded:
		return false
	}
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	for _, key := range []string{"LOCAI_SERVER_MODE", "LOCAI_HOST", "LOCAI_PORT"} {
		if _, ok := lookupEnv(key); ok {
			return true
		}
	}
	return false
}

// NewCache builds the cache cfg asks for.
func NewCache(cfg Config) Cache {
	if DetectServerMode(cfg, nil) {
		return newServerCache(cfg.CacheSize, time.Duration(cfg.CacheTTLSeconds)*time.Second)
	}
	return newEmbeddedCache(cfg.CacheSize)
}

// serverCache is an LRU with TTL for long-running processes.
type serverCache struct {
	lru *expirable.LRU[string, *storage.Snapshot]
}

func newServerCache(size int, ttl time.Duration) *serverCache {
	return &serverCache{lru: expirable.NewLRU[string, *storage.Snapshot](size, nil, ttl)}
}

func (c *serverCache) Get(id string) (*storage.Snapshot, bool) { return c.lru.Get(id) }
func (c *serverCache) Put(id string, snap *storage.Snapshot)   { c.lru.Add(id, snap) }
func (c *serverCache) Remove(id string)                        { c.lru.Remove(id) }
func (c *serverCache) Purge()                                  { c.lru.Purge() }
func (c *serverCache) Len() int                                { return c.lru.Len() }
func (c *serverCache) Mode() string                            { return "server" }

// embeddedCache evicts in insertion order and never expires; embedded
// processes are short-lived.
type embeddedCache struct {
	mu      sync.Mutex
	max     int
	entries *orderedmap.OrderedMap[string, *storage.Snapshot]
}

func newEmbeddedCache(size int) *embeddedCache {
	return &embeddedCache{max: size, entries: orderedmap.NewOrderedMap[string, *storage.Snapshot]()}
}

func (c *embeddedCache) Get(id string) (*storage.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Get(id)
}

func (c *embeddedCache) Put(id string, snap *storage.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries.Get(id); !ok && c.max > 0 && c.entries.Len() >= c.max {
		if oldest := c.entries.Front(); oldest != nil {
			c.entries.Delete(oldest.Key)
		}
	}
	c.entries.Set(id, snap)
}

func (c *embeddedCache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Delete(id)
}

func (c *embeddedCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = orderedmap.NewOrderedMap[string, *storage.Snapshot]()
}

func (c *embeddedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

func (c *embeddedCache) Mode() string { return "embedded" }
