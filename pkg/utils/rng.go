package utils

import (
	"math/rand/v2"
	"time"
)

const letterBytes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// RandomIntRange returns an int in [start, end).
func RandomIntRange(rng *rand.Rand, start, end int) int {
	return start + rng.IntN(end-start)
}

// RandomDurationRange returns a duration in [start, end).
func RandomDurationRange(rng *rand.Rand, start, end time.Duration) time.Duration {
	return start + time.Duration(rng.Int64N(int64(end-start)))
}

func RandomString(rng *rand.Rand) string {
	return string(RandASCIIBytes(rng, 8))
}

func RandASCIIBytes(rng *rand.Rand, n int) []byte {
	output := make([]byte, n)
	for pos := range output {
		output[pos] = letterBytes[rng.IntN(len(letterBytes))]
	}

	return output
}
