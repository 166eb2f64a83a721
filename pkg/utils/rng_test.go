package utils

import (
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRandomRanges(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 1000; i++ {
		n := RandomIntRange(rng, 5, 10)
		assert.GreaterOrEqual(t, n, 5)
		assert.Less(t, n, 10)

		d := RandomDurationRange(rng, time.Millisecond, 5*time.Millisecond)
		assert.GreaterOrEqual(t, d, time.Millisecond)
		assert.Less(t, d, 5*time.Millisecond)
	}
}

func TestRandomString(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	s := RandomString(rng)
	assert.Len(t, s, 8)
	for _, r := range s {
		assert.True(t, strings.ContainsRune(letterBytes, r), "unexpected rune %q", r)
	}

	// Same seed, same output.
	assert.Equal(t, s, RandomString(rand.New(rand.NewPCG(1, 2))))
}
