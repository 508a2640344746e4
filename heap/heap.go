// Package heap interprets an encrypted block array as a k-ary heap of
// fixed-size buckets, and provides the path-shaped read/write operations
// the tree-ORAM layer above it needs: ReadPath walks root to leaf, WritePath
// replaces the same buckets.
package heap

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/etclab/pathoram-go/storage"
	"github.com/etclab/pathoram-go/vheap"
)

// HeaderPrefixSize is the number of bytes the heap geometry (heap_base,
// heap_height, blocks_per_bucket) occupies at the front of the encrypted
// block storage's user header, per the on-wire layout: three big-endian
// u32 fields. Anything the caller needs to store alongside it (position
// map digest, stash digest, block count, ...) follows immediately after.
const HeaderPrefixSize = 4 + 4 + 4

// EncodeHeaderPrefix serializes the heap geometry.
func EncodeHeaderPrefix(k, h, z int64) []byte {
	buf := make([]byte, HeaderPrefixSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(k))
	binary.BigEndian.PutUint32(buf[4:8], uint32(h))
	binary.BigEndian.PutUint32(buf[8:12], uint32(z))
	return buf
}

// DecodeHeaderPrefix parses the heap geometry from the front of b.
func DecodeHeaderPrefix(b []byte) (k, h, z int64, err error) {
	if len(b) < HeaderPrefixSize {
		return 0, 0, 0, fmt.Errorf("%w: heap header prefix truncated", storage.ErrSizeMismatch)
	}
	k = int64(binary.BigEndian.Uint32(b[0:4]))
	h = int64(binary.BigEndian.Uint32(b[4:8]))
	z = int64(binary.BigEndian.Uint32(b[8:12]))
	return k, h, z, nil
}

// Store is the capability every heap-shaped storage (plain or top-cached)
// implements; treeoram.Manager depends on this, not on a concrete type.
type Store interface {
	K() int64
	H() int64
	Z() int64
	BucketCount() int64

	ReadPath(ctx context.Context, leaf int64) ([][]byte, error)
	WritePath(ctx context.Context, leaf int64, buckets [][]byte) error

	// UserHeaderData/UpdateUserHeaderData expose the header bytes past the
	// geometry prefix, for the layer above (pathoram) to store its own
	// digests and block count.
	UserHeaderData() []byte
	UpdateUserHeaderData(ctx context.Context, data []byte) error

	Close(ctx context.Context) error
}

// EncryptedHeapStorage is the plain (non-cached) heap store: every bucket
// read or write goes straight to the underlying EncryptedBlockStorage.
type EncryptedHeapStorage struct {
	ebs  *storage.EncryptedBlockStorage
	k, h, z int64
}

// NewEncryptedHeapStorage wraps ebs, whose header is assumed to already
// carry the (k, h, Z) prefix matching the given values — used right after
// Setup, when the caller just wrote that header itself.
func NewEncryptedHeapStorage(ebs *storage.EncryptedBlockStorage, k, h, z int64) *EncryptedHeapStorage {
	return &EncryptedHeapStorage{ebs: ebs, k: k, h: h, z: z}
}

// OpenEncryptedHeapStorage parses the geometry prefix out of ebs's current
// header and returns a ready-to-use store.
func OpenEncryptedHeapStorage(ebs *storage.EncryptedBlockStorage) (*EncryptedHeapStorage, error) {
	k, h, z, err := DecodeHeaderPrefix(ebs.HeaderData())
	if err != nil {
		return nil, err
	}
	return &EncryptedHeapStorage{ebs: ebs, k: k, h: h, z: z}, nil
}

func (s *EncryptedHeapStorage) K() int64           { return s.k }
func (s *EncryptedHeapStorage) H() int64           { return s.h }
func (s *EncryptedHeapStorage) Z() int64           { return s.z }
func (s *EncryptedHeapStorage) BucketCount() int64 { return s.ebs.BlockCount() }

// ReadBuckets fetches the buckets named by ids, in order.
func (s *EncryptedHeapStorage) ReadBuckets(ctx context.Context, ids []int64) ([][]byte, error) {
	return s.ebs.ReadBlocks(ctx, ids)
}

// WriteBuckets replaces the buckets named by ids, in order.
func (s *EncryptedHeapStorage) WriteBuckets(ctx context.Context, ids []int64, buckets [][]byte) error {
	return s.ebs.WriteBlocks(ctx, ids, buckets)
}

func (s *EncryptedHeapStorage) ReadPath(ctx context.Context, leaf int64) ([][]byte, error) {
	return s.ReadBuckets(ctx, vheap.BucketPathFromRoot(s.k, leaf))
}

func (s *EncryptedHeapStorage) WritePath(ctx context.Context, leaf int64, buckets [][]byte) error {
	ids := vheap.BucketPathFromRoot(s.k, leaf)
	if len(ids) != len(buckets) {
		return fmt.Errorf("%w: path has %d buckets, got %d", storage.ErrSizeMismatch, len(ids), len(buckets))
	}
	return s.WriteBuckets(ctx, ids, buckets)
}

func (s *EncryptedHeapStorage) UserHeaderData() []byte {
	full := s.ebs.HeaderData()
	return append([]byte(nil), full[HeaderPrefixSize:]...)
}

func (s *EncryptedHeapStorage) UpdateUserHeaderData(ctx context.Context, data []byte) error {
	full := append(EncodeHeaderPrefix(s.k, s.h, s.z), data...)
	return s.ebs.UpdateHeaderData(ctx, full)
}

func (s *EncryptedHeapStorage) Close(ctx context.Context) error { return s.ebs.Close(ctx) }

// clone returns an independent EncryptedHeapStorage sharing the same key
// and geometry but backed by a cloned, lock-free device handle.
func (s *EncryptedHeapStorage) clone(ctx context.Context) (*EncryptedHeapStorage, error) {
	ebs, err := s.ebs.CloneDevice(ctx)
	if err != nil {
		return nil, err
	}
	return &EncryptedHeapStorage{ebs: ebs, k: s.k, h: s.h, z: s.z}, nil
}
