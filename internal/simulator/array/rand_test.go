package array

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRand_KeepsEveryElement(t *testing.T) {
	tests := []struct {
		name    string
		reorder float64
	}{
		{name: "ordered", reorder: 0},
		{name: "sometimes reordered", reorder: 0.3},
		{name: "always reordered", reorder: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arr := NewRand[int](rand.New(rand.NewPCG(7, 7)), tt.reorder, 4)

			for i := 0; i < 200; i++ {
				arr.Push(i)
			}
			assert.Equal(t, 200, arr.Len())

			var got []int
			for {
				v, ok := arr.Pop()
				if !ok {
					break
				}
				got = append(got, v)
			}

			assert.ElementsMatch(t, seq(200), got)
			assert.Zero(t, arr.Len())

			if tt.reorder == 0 {
				assert.Equal(t, seq(200), got)
				assert.Zero(t, arr.Reordered())
			}
		})
	}
}

func TestRand_StaysWithinWindow(t *testing.T) {
	arr := NewRand[int](rand.New(rand.NewPCG(1, 2)), 1, 3)
	for i := 0; i < 100; i++ {
		arr.Push(i)
	}

	// A popped element overtakes fewer than window queued elements.
	popped := make(map[int]bool)
	for {
		v, ok := arr.Pop()
		if !ok {
			break
		}

		overtaken := 0
		for earlier := 0; earlier < v; earlier++ {
			if !popped[earlier] {
				overtaken++
			}
		}
		assert.Less(t, overtaken, 3, "popped %d", v)
		popped[v] = true
	}

	assert.Positive(t, arr.Reordered())
}

func TestRand_InterleavedPushPop(t *testing.T) {
	arr := NewRand[int](rand.New(rand.NewPCG(3, 4)), 0, 4)

	next := 0
	for i := 0; i < 500; i++ {
		arr.Push(i)
		if i%3 != 0 {
			v, ok := arr.Pop()
			assert.True(t, ok)
			assert.Equal(t, next, v)
			next++
		}
	}

	assert.Equal(t, 500-next, arr.Len())
}

func seq(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = i
	}
	return s
}
