package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"behavior-guard/internal/config"
)

// BucketingManager spreads users across Scylla partitions so a hot user or a
// large history window never lands every row on one node.
type BucketingManager struct {
	userBuckets int
	hasherPool  sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	buckets := cfg.Bucketing.UserBuckets
	if buckets < 1 {
		buckets = 1
	}
	bm := &BucketingManager{userBuckets: buckets}

	// Create pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// GetUserBucket returns consistent bucket for user (0 to userBuckets-1)
func (bm *BucketingManager) GetUserBucket(userID string) int {
	return int(bm.getHash(userID) % uint64(bm.userBuckets))
}

// GetDateBucket returns the UTC day partition used for append-only logs.
func (bm *BucketingManager) GetDateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) GetUserBuckets() int {
	return bm.userBuckets
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
