// Package storagetest is a conformance suite shared by every storage.Backend
// implementation: each backend's own _test.go calls Run with a pair of
// constructors, so the same behavioral checks run against ram, file, and
// mmap without being copy-pasted per backend.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/etclab/pathoram-go/storage"
)

// Factory builds a fresh Setup/Open pair for one backend under test. name is
// a location unique to the calling test (path, registry key, ...).
type Factory struct {
	Setup func(name string, blockSize int, blockCount int64, opts storage.SetupOptions) (storage.Backend, error)
	Open  func(name string, opts storage.OpenOptions) (storage.Backend, error)
	// NewName returns a fresh, unused location/name for a subtest.
	NewName func(t *testing.T) string
}

// Run exercises f against the common Backend contract.
func Run(t *testing.T, f Factory) {
	t.Helper()
	t.Run("ReadWriteRoundTrip", func(t *testing.T) { testReadWriteRoundTrip(t, f) })
	t.Run("AlreadyExists", func(t *testing.T) { testAlreadyExists(t, f) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, f) })
	t.Run("LockedOnReopen", func(t *testing.T) { testLockedOnReopen(t, f) })
	t.Run("CloneDeviceIgnoresLock", func(t *testing.T) { testCloneDeviceIgnoresLock(t, f) })
	t.Run("HeaderDataRoundTrip", func(t *testing.T) { testHeaderDataRoundTrip(t, f) })
	t.Run("OutOfRangeIndex", func(t *testing.T) { testOutOfRangeIndex(t, f) })
	t.Run("WrongSizeBlock", func(t *testing.T) { testWrongSizeBlock(t, f) })
	t.Run("YieldBlocksMatchesReadBlocks", func(t *testing.T) { testYieldMatchesRead(t, f) })
}

const (
	testBlockSize  = 64
	testBlockCount = 8
)

func testReadWriteRoundTrip(t *testing.T, f Factory) {
	ctx := context.Background()
	name := f.NewName(t)
	b, err := f.Setup(name, testBlockSize, testBlockCount, storage.SetupOptions{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	want := bytes.Repeat([]byte{0x42}, testBlockSize)
	if err := b.WriteBlock(ctx, 3, want); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	got, err := b.ReadBlock(ctx, 3)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("ReadBlock = %x, want %x", got, want)
	}

	idx := []int64{0, 3, 5}
	data := [][]byte{
		bytes.Repeat([]byte{0x01}, testBlockSize),
		bytes.Repeat([]byte{0x02}, testBlockSize),
		bytes.Repeat([]byte{0x03}, testBlockSize),
	}
	if err := b.WriteBlocks(ctx, idx, data); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}
	got2, err := b.ReadBlocks(ctx, idx)
	if err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	for i := range idx {
		if !bytes.Equal(got2[i], data[i]) {
			t.Fatalf("ReadBlocks[%d] = %x, want %x", i, got2[i], data[i])
		}
	}

	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b2, err := f.Open(name, storage.OpenOptions{})
	if err != nil {
		t.Fatalf("Open after Close: %v", err)
	}
	defer b2.Close(ctx)
	got3, err := b2.ReadBlock(ctx, 3)
	if err != nil {
		t.Fatalf("ReadBlock after reopen: %v", err)
	}
	if !bytes.Equal(got3, data[1]) {
		t.Fatalf("after reopen ReadBlock(3) = %x, want %x", got3, data[1])
	}
}

func testAlreadyExists(t *testing.T, f Factory) {
	name := f.NewName(t)
	b, err := f.Setup(name, testBlockSize, testBlockCount, storage.SetupOptions{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer b.Close(context.Background())

	_, err = f.Setup(name, testBlockSize, testBlockCount, storage.SetupOptions{})
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("Setup on existing name: err = %v, want ErrAlreadyExists", err)
	}
}

func testNotFound(t *testing.T, f Factory) {
	name := f.NewName(t)
	_, err := f.Open(name, storage.OpenOptions{})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Open nonexistent: err = %v, want ErrNotFound", err)
	}
}

func testLockedOnReopen(t *testing.T, f Factory) {
	ctx := context.Background()
	name := f.NewName(t)
	b, err := f.Setup(name, testBlockSize, testBlockCount, storage.SetupOptions{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer b.Close(ctx)

	_, err = f.Open(name, storage.OpenOptions{})
	if !errors.Is(err, storage.ErrLocked) {
		t.Fatalf("Open while locked: err = %v, want ErrLocked", err)
	}
}

func testCloneDeviceIgnoresLock(t *testing.T, f Factory) {
	ctx := context.Background()
	name := f.NewName(t)
	b, err := f.Setup(name, testBlockSize, testBlockCount, storage.SetupOptions{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer b.Close(ctx)

	clone, err := b.CloneDevice(ctx)
	if err != nil {
		t.Fatalf("CloneDevice: %v", err)
	}
	defer clone.Close(ctx)

	want := bytes.Repeat([]byte{0x9}, testBlockSize)
	if err := b.WriteBlock(ctx, 1, want); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	got, err := clone.ReadBlock(ctx, 1)
	if err != nil {
		t.Fatalf("clone ReadBlock: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("clone sees %x, want %x", got, want)
	}
}

func testHeaderDataRoundTrip(t *testing.T, f Factory) {
	ctx := context.Background()
	name := f.NewName(t)
	hdr := []byte("0123456789abcdef")
	b, err := f.Setup(name, testBlockSize, testBlockCount, storage.SetupOptions{HeaderData: hdr})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if !bytes.Equal(b.HeaderData(), hdr) {
		t.Fatalf("HeaderData() = %x, want %x", b.HeaderData(), hdr)
	}

	updated := []byte("fedcba9876543210")
	if err := b.UpdateHeaderData(ctx, updated); err != nil {
		t.Fatalf("UpdateHeaderData: %v", err)
	}
	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b2, err := f.Open(name, storage.OpenOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b2.Close(ctx)
	if !bytes.Equal(b2.HeaderData(), updated) {
		t.Fatalf("after reopen HeaderData() = %x, want %x", b2.HeaderData(), updated)
	}
}

func testOutOfRangeIndex(t *testing.T, f Factory) {
	ctx := context.Background()
	name := f.NewName(t)
	b, err := f.Setup(name, testBlockSize, testBlockCount, storage.SetupOptions{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer b.Close(ctx)

	if _, err := b.ReadBlock(ctx, testBlockCount); !errors.Is(err, storage.ErrInvalidArgument) {
		t.Fatalf("ReadBlock(out of range): err = %v, want ErrInvalidArgument", err)
	}
	if _, err := b.ReadBlock(ctx, -1); !errors.Is(err, storage.ErrInvalidArgument) {
		t.Fatalf("ReadBlock(-1): err = %v, want ErrInvalidArgument", err)
	}
}

func testWrongSizeBlock(t *testing.T, f Factory) {
	ctx := context.Background()
	name := f.NewName(t)
	b, err := f.Setup(name, testBlockSize, testBlockCount, storage.SetupOptions{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer b.Close(ctx)

	if err := b.WriteBlock(ctx, 0, []byte{1, 2, 3}); !errors.Is(err, storage.ErrSizeMismatch) {
		t.Fatalf("WriteBlock(wrong size): err = %v, want ErrSizeMismatch", err)
	}
}

func testYieldMatchesRead(t *testing.T, f Factory) {
	ctx := context.Background()
	name := f.NewName(t)
	b, err := f.Setup(name, testBlockSize, testBlockCount, storage.SetupOptions{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer b.Close(ctx)

	idx := []int64{0, 1, 2, 3}
	for _, i := range idx {
		data := bytes.Repeat([]byte{byte(i + 1)}, testBlockSize)
		if err := b.WriteBlock(ctx, i, data); err != nil {
			t.Fatalf("WriteBlock(%d): %v", i, err)
		}
	}

	want, err := b.ReadBlocks(ctx, idx)
	if err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}

	it := b.YieldBlocks(ctx, idx)
	for i := range idx {
		got, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			t.Fatalf("Next ended early at %d", i)
		}
		if !bytes.Equal(got, want[i]) {
			t.Fatalf("Next()[%d] = %x, want %x", i, got, want[i])
		}
	}
	if _, ok, err := it.Next(); ok || err != nil {
		t.Fatalf("Next past end: ok=%v err=%v, want false,nil", ok, err)
	}
}
