package ruleengine

import (
	"github.com/spaolacci/murmur3"
)

// BucketResolution is the number of buckets; 10000 gives 0.01% granularity.
const BucketResolution = 10_000

// Bucket maps (salt, subject) to a stable bucket in [0, BucketResolution).
//
// The function is fixed: MurmurHash3 x64_128, seed 0, first 64 bits
// (murmur3.Sum64) over the bytes of salt + ":" + subject, modulo
// BucketResolution. Flags use the flag name as salt, A/B tests the test id.
// Changing any part of this reshuffles every existing assignment.
func Bucket(salt, subject string) uint32 {
	key := make([]byte, 0, len(salt)+1+len(subject))
	key = append(key, salt...)
	key = append(key, ':')
	key = append(key, subject...)

	return uint32(murmur3.Sum64(key) % BucketResolution)
}

// InPercentage reports whether bucket falls below percentage (0-100).
// The comparison is strictly increasing in percentage, which gives monotonic
// inclusion: a bucket included at p1 is included at every p2 > p1.
func InPercentage(bucket uint32, percentage float64) bool {
	return float64(bucket) < percentage*(BucketResolution/100)
}

// InFraction reports whether bucket falls below fraction (0-1).
func InFraction(bucket uint32, fraction float64) bool {
	return float64(bucket) < fraction*BucketResolution
}
