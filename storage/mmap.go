package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// mmapBackend is identical in wire layout to fileBackend, but serves reads
// and writes from a memory-mapped view of the file via github.com/edsrzf/mmap-go,
// avoiding a syscall per block access.
type mmapBackend struct {
	path       string
	f          *os.File
	m          mmap.MMap
	blockSize  int
	blockCount int64
	userHeader []byte
	holdsLock  bool
}

// SetupMmap creates a new memory-mapped storage at path.
func SetupMmap(path string, blockSize int, blockCount int64, opts SetupOptions) (Backend, error) {
	// Reuse the flat-file layout logic to create and populate the file,
	// then remap it read/write for the returned handle.
	fb, err := SetupFile(path, blockSize, blockCount, opts)
	if err != nil {
		return nil, err
	}
	if err := fb.Close(context.Background()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetupFailed, err)
	}
	return OpenMmap(path, OpenOptions{})
}

// OpenMmap opens a previously-created memory-mapped storage.
func OpenMmap(path string, opts OpenOptions) (Backend, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: open %s: %v", ErrIOTransient, path, err)
	}

	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap %s: %v", ErrIOTransient, path, err)
	}

	if len(m) < headerPrefixSize {
		m.Unmap()
		f.Close()
		return nil, fmt.Errorf("%w: %s: file too small for header", ErrSizeMismatch, path)
	}
	prefix, err := DecodeHeaderPrefix(m[:headerPrefixSize])
	if err != nil {
		m.Unmap()
		f.Close()
		return nil, err
	}
	if prefix.Locked() && !opts.IgnoreLock {
		m.Unmap()
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	userHeader := append([]byte(nil), m[headerPrefixSize:headerPrefixSize+prefix.UserHeaderLen()]...)

	b := &mmapBackend{
		path:       path,
		f:          f,
		m:          m,
		blockSize:  prefix.BlockSize(),
		blockCount: prefix.BlockCount(),
		userHeader: userHeader,
		holdsLock:  !opts.IgnoreLock,
	}
	if b.holdsLock {
		if err := b.writeHeader(true); err != nil {
			m.Unmap()
			f.Close()
			return nil, err
		}
	}
	return b, nil
}

func (b *mmapBackend) writeHeader(locked bool) error {
	hdr := EncodeHeader(Header{
		BlockSize:  b.blockSize,
		BlockCount: b.blockCount,
		Locked:     locked,
		UserHeader: b.userHeader,
	})
	copy(b.m, hdr)
	return nil
}

func (b *mmapBackend) blockOffset(i int64) int64 {
	return dataOffset(len(b.userHeader)) + i*int64(b.blockSize)
}

func (b *mmapBackend) ReadBlock(ctx context.Context, i int64) ([]byte, error) {
	if err := validateIndex(i, b.blockCount); err != nil {
		return nil, err
	}
	off := b.blockOffset(i)
	data := make([]byte, b.blockSize)
	copy(data, b.m[off:off+int64(b.blockSize)])
	return data, nil
}

func (b *mmapBackend) ReadBlocks(ctx context.Context, idx []int64) ([][]byte, error) {
	out := make([][]byte, len(idx))
	for i, id := range idx {
		data, err := b.ReadBlock(ctx, id)
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

func (b *mmapBackend) YieldBlocks(ctx context.Context, idx []int64) *BlockIterator {
	pos := 0
	return NewBlockIterator(func() ([]byte, bool, error) {
		if pos >= len(idx) {
			return nil, false, nil
		}
		data, err := b.ReadBlock(ctx, idx[pos])
		pos++
		if err != nil {
			return nil, false, err
		}
		return data, true, nil
	})
}

func (b *mmapBackend) WriteBlock(ctx context.Context, i int64, data []byte) error {
	if err := validateIndex(i, b.blockCount); err != nil {
		return err
	}
	if err := validateBlock(b.blockSize, data); err != nil {
		return err
	}
	off := b.blockOffset(i)
	copy(b.m[off:off+int64(b.blockSize)], data)
	return nil
}

func (b *mmapBackend) WriteBlocks(ctx context.Context, idx []int64, data [][]byte) error {
	if len(idx) != len(data) {
		return fmt.Errorf("%w: idx and data length mismatch", ErrInvalidArgument)
	}
	for i, id := range idx {
		if err := b.WriteBlock(ctx, id, data[i]); err != nil {
			return err
		}
	}
	return b.m.Flush()
}

func (b *mmapBackend) UpdateHeaderData(ctx context.Context, data []byte) error {
	if len(data) != len(b.userHeader) {
		return fmt.Errorf("%w: header was %d bytes, new data is %d", ErrSizeMismatch, len(b.userHeader), len(data))
	}
	b.userHeader = append([]byte(nil), data...)
	if err := b.writeHeader(b.holdsLock); err != nil {
		return err
	}
	return b.m.Flush()
}

func (b *mmapBackend) HeaderData() []byte { return append([]byte(nil), b.userHeader...) }
func (b *mmapBackend) BlockSize() int     { return b.blockSize }
func (b *mmapBackend) BlockCount() int64  { return b.blockCount }

func (b *mmapBackend) CloneDevice(ctx context.Context) (Backend, error) {
	return OpenMmap(b.path, OpenOptions{IgnoreLock: true})
}

func (b *mmapBackend) Close(ctx context.Context) error {
	if b.holdsLock {
		if err := b.writeHeader(false); err != nil {
			b.m.Unmap()
			b.f.Close()
			return err
		}
	}
	if err := b.m.Flush(); err != nil {
		b.m.Unmap()
		b.f.Close()
		return fmt.Errorf("%w: flush: %v", ErrIOTransient, err)
	}
	if err := b.m.Unmap(); err != nil {
		b.f.Close()
		return fmt.Errorf("%w: unmap: %v", ErrIOTransient, err)
	}
	return b.f.Close()
}
