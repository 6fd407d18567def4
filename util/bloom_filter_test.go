package util

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoFalseNegatives(t *testing.T) {
	bf := NewBloomFilter(1000, 0.01)
	for i := 0; i < 1000; i++ {
		bf.Add([]byte(fmt.Sprintf("key-%d", i)))
	}
	for i := 0; i < 1000; i++ {
		assert.True(t, bf.MayContain([]byte(fmt.Sprintf("key-%d", i))))
	}
}

func TestFalsePositiveRate(t *testing.T) {
	bf := NewBloomFilter(1000, 0.01)
	for i := 0; i < 1000; i++ {
		bf.Add([]byte(fmt.Sprintf("key-%d", i)))
	}

	falsePositives := 0
	const probes = 10000
	for i := 0; i < probes; i++ {
		if bf.MayContain([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}
	// Generous bound; the target rate is 1%.
	assert.Less(t, float64(falsePositives)/probes, 0.05)
}

func TestDegenerateParameters(t *testing.T) {
	bf := NewBloomFilter(0, -1)
	bf.Add([]byte("k"))
	assert.True(t, bf.MayContain([]byte("k")))
}
