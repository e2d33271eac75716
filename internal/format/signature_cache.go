package format

import (
	"context"
	"sync"
	"time"

	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/pkg/redis"
)

// SignatureCache remembers two things about signatures seen from upstream:
// tool_use id -> thoughtSignature (Gemini requires the signature back on
// the next call, but clients strip non-standard fields), and
// signature -> model family (so cross-family conversations can drop
// incompatible thinking blocks). Entries expire after a TTL and the cache
// is capacity-bounded. When a Redis client is supplied, entries are shared
// through it; otherwise an in-memory map serves the process.
type SignatureCache struct {
	mu            sync.Mutex
	redisClient   *redis.Client
	toolCache     map[string]*signatureEntry
	thinkingCache map[string]*thinkingEntry

	stopOnce sync.Once
	stop     chan struct{}
}

type signatureEntry struct {
	Signature string
	Timestamp time.Time
}

type thinkingEntry struct {
	ModelFamily string
	Timestamp   time.Time
}

// NewSignatureCache creates a cache, optionally backed by Redis.
func NewSignatureCache(redisClient *redis.Client) *SignatureCache {
	return &SignatureCache{
		redisClient:   redisClient,
		toolCache:     make(map[string]*signatureEntry),
		thinkingCache: make(map[string]*thinkingEntry),
		stop:          make(chan struct{}),
	}
}

func cacheTTL() time.Duration {
	return time.Duration(config.SignatureCacheTTLMs) * time.Millisecond
}

// CacheSignature stores the thoughtSignature for a tool_use id.
func (c *SignatureCache) CacheSignature(toolUseID, signature string) {
	if toolUseID == "" || signature == "" {
		return
	}

	if c.redisClient != nil {
		_ = c.redisClient.SetSignature(context.Background(), toolUseID, signature, cacheTTL())
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictIfFullLocked(len(c.toolCache))
	c.toolCache[toolUseID] = &signatureEntry{Signature: signature, Timestamp: time.Now()}
}

// GetCachedSignature returns the stored signature for a tool_use id, or "".
func (c *SignatureCache) GetCachedSignature(toolUseID string) string {
	if toolUseID == "" {
		return ""
	}

	if c.redisClient != nil {
		signature, err := c.redisClient.GetSignature(context.Background(), toolUseID)
		if err != nil {
			return ""
		}
		return signature
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.toolCache[toolUseID]
	if !ok {
		return ""
	}
	if time.Since(entry.Timestamp) > cacheTTL() {
		delete(c.toolCache, toolUseID)
		return ""
	}
	return entry.Signature
}

// CacheThinkingSignature records which family produced a signature.
func (c *SignatureCache) CacheThinkingSignature(signature, modelFamily string) {
	if len(signature) < config.MinSignatureLength || modelFamily == "" {
		return
	}

	if c.redisClient != nil {
		_ = c.redisClient.SetThinkingSignature(context.Background(), signature, modelFamily, cacheTTL())
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictIfFullLocked(len(c.thinkingCache))
	c.thinkingCache[signature] = &thinkingEntry{ModelFamily: modelFamily, Timestamp: time.Now()}
}

// GetCachedSignatureFamily returns the family that produced a signature,
// or "" when unknown or expired.
func (c *SignatureCache) GetCachedSignatureFamily(signature string) string {
	if signature == "" {
		return ""
	}

	if c.redisClient != nil {
		family, err := c.redisClient.GetThinkingSignature(context.Background(), signature)
		if err != nil {
			return ""
		}
		return family
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.thinkingCache[signature]
	if !ok {
		return ""
	}
	if time.Since(entry.Timestamp) > cacheTTL() {
		delete(c.thinkingCache, signature)
		return ""
	}
	return entry.ModelFamily
}

// evictIfFullLocked drops the oldest entries when the cache reaches the
// configured capacity. Called with the lock held, before an insert.
func (c *SignatureCache) evictIfFullLocked(size int) {
	if size < config.SignatureCacheMaxEntries {
		return
	}
	c.sweepLocked(time.Now())
	if len(c.toolCache)+len(c.thinkingCache) < 2*config.SignatureCacheMaxEntries {
		return
	}
	// Still full after expiry sweep: drop the oldest tool entries.
	var oldestKey string
	var oldest time.Time
	for key, entry := range c.toolCache {
		if oldestKey == "" || entry.Timestamp.Before(oldest) {
			oldestKey, oldest = key, entry.Timestamp
		}
	}
	if oldestKey != "" {
		delete(c.toolCache, oldestKey)
	}
}

func (c *SignatureCache) sweepLocked(now time.Time) {
	ttl := cacheTTL()
	for key, entry := range c.toolCache {
		if now.Sub(entry.Timestamp) > ttl {
			delete(c.toolCache, key)
		}
	}
	for key, entry := range c.thinkingCache {
		if now.Sub(entry.Timestamp) > ttl {
			delete(c.thinkingCache, key)
		}
	}
}

// StartSweeper launches the periodic expiry sweep. Redis-backed caches
// expire server-side and skip it.
func (c *SignatureCache) StartSweeper(interval time.Duration) {
	if c.redisClient != nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.mu.Lock()
				c.sweepLocked(time.Now())
				c.mu.Unlock()
			}
		}
	}()
}

// Stop terminates the sweeper.
func (c *SignatureCache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Clear empties the in-memory maps (test hook).
func (c *SignatureCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolCache = make(map[string]*signatureEntry)
	c.thinkingCache = make(map[string]*thinkingEntry)
}

var (
	globalSignatureCache   *SignatureCache
	globalSignatureCacheMu sync.Mutex
)

// InitGlobalSignatureCache wires the process-wide cache, optionally backed
// by Redis, and starts its sweeper.
func InitGlobalSignatureCache(redisClient *redis.Client) {
	globalSignatureCacheMu.Lock()
	defer globalSignatureCacheMu.Unlock()
	if globalSignatureCache != nil {
		return
	}
	globalSignatureCache = NewSignatureCache(redisClient)
	globalSignatureCache.StartSweeper(10 * time.Minute)
}

// GetGlobalSignatureCache returns the process-wide cache, creating a
// memory-only one when InitGlobalSignatureCache was never called.
func GetGlobalSignatureCache() *SignatureCache {
	globalSignatureCacheMu.Lock()
	defer globalSignatureCacheMu.Unlock()
	if globalSignatureCache == nil {
		globalSignatureCache = NewSignatureCache(nil)
	}
	return globalSignatureCache
}

// ShutdownGlobalSignatureCache stops the sweeper (process teardown).
func ShutdownGlobalSignatureCache() {
	globalSignatureCacheMu.Lock()
	defer globalSignatureCacheMu.Unlock()
	if globalSignatureCache != nil {
		globalSignatureCache.Stop()
	}
}
