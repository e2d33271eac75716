package format

import (
	"github.com/poemonsense/cloudcode-relay/pkg/redis"
)

// Initialize wires the package-level caches. redisClient may be nil; the
// signature cache then runs in-memory.
func Initialize(redisClient *redis.Client) {
	InitGlobalSignatureCache(redisClient)
}

// Shutdown stops the package-level background tasks.
func Shutdown() {
	ShutdownGlobalSignatureCache()
}
