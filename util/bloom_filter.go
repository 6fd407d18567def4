// Package util holds small shared helpers.
package util

import (
	"math"
	"sync"

	"github.com/spaolacci/murmur3"
)

// BloomFilter is a classic bloom filter used to short-circuit lookups
// of keys that were never written. Sized from an expected element count
// and target false positive rate; it never returns a false negative.
type BloomFilter struct {
	mu   sync.RWMutex
	bits []uint64
	m    uint64
	k    uint32
}

// NewBloomFilter sizes a filter for expected elements at the given
// false positive rate.
func NewBloomFilter(expected int, falsePositiveRate float64) *BloomFilter {
	if expected <= 0 {
		expected = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	m := uint64(math.Ceil(-float64(expected) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	k := uint32(math.Round(float64(m) / float64(expected) * math.Ln2))
	if k < 1 {
		k = 1
	}

	return &BloomFilter{
		bits: make([]uint64, (m+63)/64),
		m:    m,
		k:    k,
	}
}

// position derives the i-th bit position from two murmur3 halves.
func (bf *BloomFilter) position(h1, h2 uint64, i uint32) uint64 {
	return (h1 + uint64(i)*h2) % bf.m
}

// Add marks data as present.
func (bf *BloomFilter) Add(data []byte) {
	h1, h2 := murmur3.Sum128(data)
	bf.mu.Lock()
	defer bf.mu.Unlock()
	for i := uint32(0); i < bf.k; i++ {
		pos := bf.position(h1, h2, i)
		bf.bits[pos/64] |= 1 << (pos % 64)
	}
}

// MayContain reports whether data might have been added. False means
// definitely absent.
func (bf *BloomFilter) MayContain(data []byte) bool {
	h1, h2 := murmur3.Sum128(data)
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	for i := uint32(0); i < bf.k; i++ {
		pos := bf.position(h1, h2, i)
		if bf.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}
