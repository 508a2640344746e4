package heap_test

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/etclab/pathoram-go/aesctr"
	"github.com/etclab/pathoram-go/heap"
	"github.com/etclab/pathoram-go/storage"
	"github.com/etclab/pathoram-go/vheap"
)

var heapNameCounter int64

func freshHeapName(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("heap-test-%s-%d", t.Name(), atomic.AddInt64(&heapNameCounter, 1))
}

func newTestHeap(t *testing.T, k, bucketCount, z int64, bucketPlainSize int) *heap.EncryptedHeapStorage {
	t.Helper()
	ctx := context.Background()

	key, err := aesctr.KeyGen(16)
	if err != nil {
		t.Fatalf("KeyGen: %v", err)
	}
	h := vheap.Level(k, bucketCount-1)

	full := heap.EncodeHeaderPrefix(k, h, z)
	encHeader, err := aesctr.Encrypt(key, full)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	backend, err := storage.SetupRAM(freshHeapName(t), storage.PhysicalBlockSize(int(z)*bucketPlainSize), bucketCount, storage.SetupOptions{
		HeaderData: encHeader,
	})
	if err != nil {
		t.Fatalf("SetupRAM: %v", err)
	}
	t.Cleanup(func() { backend.Close(ctx) })

	ebs, err := storage.NewEncryptedBlockStorage(backend, key, int(z)*bucketPlainSize)
	if err != nil {
		t.Fatalf("NewEncryptedBlockStorage: %v", err)
	}
	return heap.NewEncryptedHeapStorage(ebs, k, h, z)
}

func TestEncryptedHeapStorageReadWritePath(t *testing.T) {
	ctx := context.Background()
	const k, z, bucketPlain = 2, int64(4), 16
	h := newTestHeap(t, k, 15, z, bucketPlain)

	leaf := vheap.FirstBucketAtLevel(k, h.H())
	path := vheap.BucketPathFromRoot(k, leaf)

	buckets := make([][]byte, len(path))
	for i := range buckets {
		buckets[i] = bytes.Repeat([]byte{byte(i + 1)}, int(z)*bucketPlain)
	}
	if err := h.WritePath(ctx, leaf, buckets); err != nil {
		t.Fatalf("WritePath: %v", err)
	}

	got, err := h.ReadPath(ctx, leaf)
	if err != nil {
		t.Fatalf("ReadPath: %v", err)
	}
	if len(got) != len(buckets) {
		t.Fatalf("ReadPath returned %d buckets, want %d", len(got), len(buckets))
	}
	for i := range buckets {
		if !bytes.Equal(got[i], buckets[i]) {
			t.Fatalf("bucket %d = %x, want %x", i, got[i], buckets[i])
		}
	}
}

func TestEncryptedHeapStorageUserHeaderRoundTrip(t *testing.T) {
	const k, z, bucketPlain, bucketCount = 2, int64(4), 16, int64(7)
	ctx := context.Background()

	key, err := aesctr.KeyGen(16)
	if err != nil {
		t.Fatalf("KeyGen: %v", err)
	}
	// Header updates must keep the header's length, so the initial header
	// reserves room for the user data written below.
	height := vheap.Level(k, bucketCount-1)
	full := append(heap.EncodeHeaderPrefix(k, height, z), make([]byte, len("digest-placeholder"))...)
	encHeader, err := aesctr.Encrypt(key, full)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	backend, err := storage.SetupRAM(freshHeapName(t), storage.PhysicalBlockSize(int(z)*bucketPlain), bucketCount, storage.SetupOptions{
		HeaderData: encHeader,
	})
	if err != nil {
		t.Fatalf("SetupRAM: %v", err)
	}
	t.Cleanup(func() { backend.Close(ctx) })

	ebs, err := storage.NewEncryptedBlockStorage(backend, key, int(z)*bucketPlain)
	if err != nil {
		t.Fatalf("NewEncryptedBlockStorage: %v", err)
	}
	h := heap.NewEncryptedHeapStorage(ebs, k, height, z)

	if err := h.UpdateUserHeaderData(ctx, []byte("digest-placeholder")); err != nil {
		t.Fatalf("UpdateUserHeaderData: %v", err)
	}
	if got := h.UserHeaderData(); string(got) != "digest-placeholder" {
		t.Fatalf("UserHeaderData() = %q, want %q", got, "digest-placeholder")
	}
}

func TestOpenEncryptedHeapStorageRecoversGeometry(t *testing.T) {
	const k, z, bucketPlain, bucketCount = 2, int64(4), 16, int64(7)
	ctx := context.Background()

	key, err := aesctr.KeyGen(16)
	if err != nil {
		t.Fatalf("KeyGen: %v", err)
	}
	h := vheap.Level(k, bucketCount-1)
	encHeader, err := aesctr.Encrypt(key, heap.EncodeHeaderPrefix(k, h, z))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	backend, err := storage.SetupRAM(freshHeapName(t), storage.PhysicalBlockSize(int(z)*bucketPlain), bucketCount, storage.SetupOptions{
		HeaderData: encHeader,
	})
	if err != nil {
		t.Fatalf("SetupRAM: %v", err)
	}
	t.Cleanup(func() { backend.Close(ctx) })

	ebs, err := storage.NewEncryptedBlockStorage(backend, key, int(z)*bucketPlain)
	if err != nil {
		t.Fatalf("NewEncryptedBlockStorage: %v", err)
	}

	opened, err := heap.OpenEncryptedHeapStorage(ebs)
	if err != nil {
		t.Fatalf("OpenEncryptedHeapStorage: %v", err)
	}
	if opened.K() != k || opened.H() != h || opened.Z() != z {
		t.Fatalf("geometry mismatch: got (%d,%d,%d), want (%d,%d,%d)",
			opened.K(), opened.H(), opened.Z(), k, h, z)
	}
}
