package bucketing

import (
	"hash"
	"sync"
	"time"

	"consent-otp-service/internal/config"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
)

// BucketingManager assigns consents and audit events to stable buckets so
// the Scylla partitions stay bounded regardless of per-consent volume.
type BucketingManager struct {
	consentBuckets int
	eventBuckets   int
	hasherPool     sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		consentBuckets: cfg.Bucketing.ConsentBuckets,
		eventBuckets:   cfg.Bucketing.EventBuckets,
	}

	// Pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// ConsentBucket returns the consistent bucket for a consent (0 to consentBuckets-1).
func (bm *BucketingManager) ConsentBucket(consentID uuid.UUID) int {
	return bm.getBucket(consentID.String(), bm.consentBuckets)
}

// EventBucket returns the bucket for audit event sharding.
func (bm *BucketingManager) EventBucket(identifier string) int {
	return bm.getBucket(identifier, bm.eventBuckets)
}

// DateBucket returns the UTC date partition for audit rows.
func (bm *BucketingManager) DateBucket(at time.Time) string {
	return at.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	if numBuckets <= 0 {
		return 0
	}
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
