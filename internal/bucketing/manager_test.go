package bucketing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventBucketIsStableAndInRange(t *testing.T) {
	bm := NewBucketingManager(16)

	for _, ip := range []string{"192.0.2.1", "2001:db8::1", "198.51.100.9"} {
		b := bm.GetEventBucket(ip)
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 16)
		assert.Equal(t, b, bm.GetEventBucket(ip))
	}
}

func TestAssignUsesUTCDate(t *testing.T) {
	bm := NewBucketingManager(8)
	at := time.Date(2025, 1, 1, 23, 30, 0, 0, time.FixedZone("UTC-2", -2*3600))

	a := bm.Assign("192.0.2.1", at)
	assert.Equal(t, "2025-01-02", a.DateBucket)
	assert.Equal(t, bm.GetEventBucket("192.0.2.1"), a.EventBucket)
}

func TestNonPositiveBucketCountFallsBackToOne(t *testing.T) {
	bm := NewBucketingManager(0)
	assert.Equal(t, 1, bm.GetEventBuckets())
	assert.Zero(t, bm.GetEventBucket("anything"))
}
