// Package vheap implements pure integer arithmetic on a k-ary heap of
// buckets: level/parent/child computation, path enumeration, and uniform
// random leaf selection. None of it performs I/O.
package vheap

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"math/bits"
)

// ErrInvalidBase is returned whenever a heap base k < 2 is supplied.
var ErrInvalidBase = fmt.Errorf("vheap: heap base must be >= 2")

// Level returns the level of bucket b in a k-ary heap (root is level 0).
func Level(k, b int64) int64 {
	if k == 2 {
		return int64(bits.Len64(uint64(b+1))) - 1
	}
	// Smallest h such that k^(h+1) >= (k-1)*(b+1) + 1.
	target := (k-1)*(b+1) + 1
	h := int64(0)
	pow := int64(1)
	for pow < target {
		pow *= k
		h++
	}
	return h - 1
}

// Parent returns the parent bucket of b. Parent(0) is undefined (the root
// has no parent) and returns -1.
func Parent(k, b int64) int64 {
	if b == 0 {
		return -1
	}
	return (b - 1) / k
}

// Child returns the c-th child (0-indexed, 0 <= c < k) of bucket b.
func Child(k, b, c int64) int64 {
	return k*b + 1 + c
}

// FirstBucketAtLevel returns the index of the leftmost bucket at level l.
func FirstBucketAtLevel(k, l int64) int64 {
	return (ipow(k, l) - 1) / (k - 1)
}

// LastBucketAtLevel returns the index of the rightmost bucket at level l.
func LastBucketAtLevel(k, l int64) int64 {
	return FirstBucketAtLevel(k, l+1) - 1
}

// NecessaryHeight returns the smallest h such that k^h >= n, i.e. the
// height at which the leaf level has at least n buckets.
func NecessaryHeight(k, n int64) int64 {
	h := int64(0)
	pow := int64(1)
	for pow < n {
		pow *= k
		h++
	}
	return h
}

// LastCommonLevel returns the level of the deepest bucket that is an
// ancestor of both b1 and b2 (or of b1 and b2 themselves, if one is an
// ancestor of the other). Runs in O(max(Level(b1), Level(b2))).
func LastCommonLevel(k, b1, b2 int64) int64 {
	l1, l2 := Level(k, b1), Level(k, b2)
	// Walk the deeper one up until the levels match.
	for l1 > l2 {
		b1 = Parent(k, b1)
		l1--
	}
	for l2 > l1 {
		b2 = Parent(k, b2)
		l2--
	}
	// Now walk both up in lockstep until they coincide.
	for b1 != b2 {
		b1 = Parent(k, b1)
		b2 = Parent(k, b2)
		l1--
	}
	return l1
}

// BucketPathFromRoot returns the sequence of buckets from the root (index 0
// of the result) down to b (the last element), inclusive.
func BucketPathFromRoot(k, b int64) []int64 {
	levels := Level(k, b) + 1
	path := make([]int64, levels)
	cur := b
	for i := levels - 1; i >= 0; i-- {
		path[i] = cur
		cur = Parent(k, cur)
	}
	return path
}

// RandomLeafBucket returns a uniformly random leaf bucket index at height h
// (the deepest level of a heap of height h), sourced from crypto/rand. The
// uniform distribution here is a security requirement: a biased leaf
// assignment would leak information about access patterns.
func RandomLeafBucket(k, h int64) (int64, error) {
	if k < 2 {
		return 0, ErrInvalidBase
	}
	first := FirstBucketAtLevel(k, h)
	last := LastBucketAtLevel(k, h)
	span := last - first + 1

	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return 0, fmt.Errorf("vheap: sample random leaf: %w", err)
	}
	return first + n.Int64(), nil
}

func ipow(base, exp int64) int64 {
	result := int64(1)
	for i := int64(0); i < exp; i++ {
		result *= base
	}
	return result
}
