package ruleengine

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// Helper to generate a cryptographically random string.
// Ensures our tests are not biased by sequential patterns.
func generateRandomID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		panic(err)
	}
	return hex.EncodeToString(bytes)
}

func TestBucket_Range(t *testing.T) {
	t.Parallel()

	for range 10000 {
		b := Bucket("range-flag", generateRandomID())
		if b >= BucketResolution {
			t.Fatalf("bucket %d out of range", b)
		}
	}
}

// TestBucket_Determinism verifies stickiness and salt effectiveness.
func TestBucket_Determinism(t *testing.T) {
	t.Parallel()

	t.Run("Stickiness (Same User + Same Salt = SAME Bucket)", func(t *testing.T) {
		user := generateRandomID()
		initial := Bucket("sticky-feature", user)

		for i := range 10000 {
			assert.Equal(t, initial, Bucket("sticky-feature", user), "bucket changed on iteration %d", i)
		}
	})

	t.Run("Salt Effectiveness (Same User + Different Salts)", func(t *testing.T) {
		user := generateRandomID()
		inside, outside := 0, 0

		for range 10000 {
			if InPercentage(Bucket(generateRandomID(), user), 50) {
				inside++
			} else {
				outside++
			}
		}

		assert.Greater(t, inside, 0, "salt is ignored by the hash")
		assert.Greater(t, outside, 0, "salt is ignored by the hash")
	})
}

// TestBucket_Distribution validates hashing uniformity via Monte Carlo simulation.
func TestBucket_Distribution(t *testing.T) {
	t.Parallel()

	scenarios := []struct {
		percentage float64
		tolerance  float64
	}{
		{percentage: 1, tolerance: 0.5},
		{percentage: 10, tolerance: 1.0},
		{percentage: 25, tolerance: 2.0},
		{percentage: 50, tolerance: 2.0},
		{percentage: 75, tolerance: 2.0},
	}

	sampleSize := 10000

	for _, sc := range scenarios {
		t.Run(fmt.Sprintf("Target %.0f%%", sc.percentage), func(t *testing.T) {
			hits := 0
			for i := range sampleSize {
				if InPercentage(Bucket("simulation-flag", fmt.Sprintf("user-%d", i)), sc.percentage) {
					hits++
				}
			}

			actual := float64(hits) / float64(sampleSize) * 100
			t.Logf("Target: %.2f%%. Actual: %.2f%%", sc.percentage, actual)
			assert.InDelta(t, sc.percentage, actual, sc.tolerance, "hash distribution is biased")
		})
	}
}

func TestInPercentage_Boundaries(t *testing.T) {
	t.Parallel()

	assert.False(t, InPercentage(0, 0), "0% must exclude everyone")
	assert.True(t, InPercentage(BucketResolution-1, 100), "100% must include everyone")
	assert.True(t, InPercentage(0, 0.01), "0.01% includes bucket 0")
	assert.False(t, InPercentage(1, 0.01), "0.01% excludes bucket 1")
	assert.True(t, InFraction(4999, 0.5))
	assert.False(t, InFraction(5000, 0.5))
}

func TestInPercentage_MonotonicInclusion(t *testing.T) {
	t.Parallel()

	percentages := []float64{0, 0.5, 1, 5, 10, 25, 33.3, 50, 75, 99.99, 100}

	for i := range 2000 {
		b := Bucket("monotonic-flag", fmt.Sprintf("user-%d", i))
		included := false
		for _, p := range percentages {
			now := InPercentage(b, p)
			if included && !now {
				t.Fatalf("user-%d dropped out when raising to %v%%", i, p)
			}
			included = now
		}
	}
}
