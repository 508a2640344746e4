package storage

import (
	"context"
	"fmt"
	"io"
	"os"
)

// fileBackend stores blocks in a single flat file, laid out as
// header-prefix ‖ user-header ‖ block_count*block_size bytes of block data,
// per the on-wire layout in the top-level spec. The locked flag embedded in
// the header is this backend's single-writer advisory lock: Setup/Open
// check and set it, Close clears it.
type fileBackend struct {
	path       string
	f          *os.File
	blockSize  int
	blockCount int64
	userHeader []byte
	holdsLock  bool
}

func dataOffset(userHeaderLen int) int64 {
	return int64(headerPrefixSize + userHeaderLen)
}

// SetupFile creates a new flat-file storage at path.
func SetupFile(path string, blockSize int, blockCount int64, opts SetupOptions) (Backend, error) {
	if blockSize <= 0 || blockCount <= 0 {
		return nil, fmt.Errorf("%w: blockSize and blockCount must be positive", ErrInvalidArgument)
	}

	flags := os.O_RDWR | os.O_CREATE
	if !opts.IgnoreExisting {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, path)
		}
		return nil, fmt.Errorf("%w: open %s: %v", ErrIOTransient, path, err)
	}

	b := &fileBackend{
		path:       path,
		f:          f,
		blockSize:  blockSize,
		blockCount: blockCount,
		userHeader: append([]byte(nil), opts.HeaderData...),
		holdsLock:  true,
	}

	if err := b.writeHeader(true); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("%w: %v", ErrSetupFailed, err)
	}

	for i := int64(0); i < blockCount; i++ {
		var data []byte
		if opts.Initialize != nil {
			data = opts.Initialize(i)
		}
		if data == nil {
			data = make([]byte, blockSize)
		}
		if err := validateBlock(blockSize, data); err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("%w: initialize(%d): %v", ErrSetupFailed, i, err)
		}
		if _, err := f.WriteAt(data, dataOffset(len(b.userHeader))+int64(i)*int64(blockSize)); err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("%w: write block %d: %v", ErrSetupFailed, i, err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("%w: sync: %v", ErrSetupFailed, err)
	}

	return b, nil
}

// OpenFile opens a previously-created flat-file storage.
func OpenFile(path string, opts OpenOptions) (Backend, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: open %s: %v", ErrIOTransient, path, err)
	}

	prefixBuf := make([]byte, headerPrefixSize)
	if _, err := io.ReadFull(f, prefixBuf); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: read header prefix: %v", ErrIOTransient, err)
	}
	prefix, err := DecodeHeaderPrefix(prefixBuf)
	if err != nil {
		f.Close()
		return nil, err
	}
	if prefix.Locked() && !opts.IgnoreLock {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	userHeader := make([]byte, prefix.UserHeaderLen())
	if _, err := io.ReadFull(f, userHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: read user header: %v", ErrIOTransient, err)
	}

	b := &fileBackend{
		path:       path,
		f:          f,
		blockSize:  prefix.BlockSize(),
		blockCount: prefix.BlockCount(),
		userHeader: userHeader,
		holdsLock:  !opts.IgnoreLock,
	}
	if b.holdsLock {
		if err := b.writeHeader(true); err != nil {
			f.Close()
			return nil, err
		}
	}
	return b, nil
}

func (b *fileBackend) writeHeader(locked bool) error {
	hdr := EncodeHeader(Header{
		BlockSize:  b.blockSize,
		BlockCount: b.blockCount,
		Locked:     locked,
		UserHeader: b.userHeader,
	})
	if _, err := b.f.WriteAt(hdr, 0); err != nil {
		return fmt.Errorf("%w: write header: %v", ErrIOTransient, err)
	}
	return nil
}

func (b *fileBackend) blockOffset(i int64) int64 {
	return dataOffset(len(b.userHeader)) + i*int64(b.blockSize)
}

func (b *fileBackend) ReadBlock(ctx context.Context, i int64) ([]byte, error) {
	if err := validateIndex(i, b.blockCount); err != nil {
		return nil, err
	}
	data := make([]byte, b.blockSize)
	if _, err := b.f.ReadAt(data, b.blockOffset(i)); err != nil {
		return nil, fmt.Errorf("%w: read block %d: %v", ErrIOTransient, i, err)
	}
	return data, nil
}

func (b *fileBackend) ReadBlocks(ctx context.Context, idx []int64) ([][]byte, error) {
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

func (b *fileBackend) YieldBlocks(ctx context.Context, idx []int64) *BlockIterator {
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

func (b *fileBackend) WriteBlock(ctx context.Context, i int64, data []byte) error {
	if err := validateIndex(i, b.blockCount); err != nil {
		return err
	}
	if err := validateBlock(b.blockSize, data); err != nil {
		return err
	}
	if _, err := b.f.WriteAt(data, b.blockOffset(i)); err != nil {
		return fmt.Errorf("%w: write block %d: %v", ErrIOTransient, i, err)
	}
	return nil
}

func (b *fileBackend) WriteBlocks(ctx context.Context, idx []int64, data [][]byte) error {
	if len(idx) != len(data) {
		return fmt.Errorf("%w: idx and data length mismatch", ErrInvalidArgument)
	}
	for i, id := range idx {
		if err := b.WriteBlock(ctx, id, data[i]); err != nil {
			return err
		}
	}
	return b.f.Sync()
}

func (b *fileBackend) UpdateHeaderData(ctx context.Context, data []byte) error {
	if len(data) != len(b.userHeader) {
		return fmt.Errorf("%w: header was %d bytes, new data is %d", ErrSizeMismatch, len(b.userHeader), len(data))
	}
	b.userHeader = append([]byte(nil), data...)
	return b.writeHeader(b.holdsLock)
}

func (b *fileBackend) HeaderData() []byte { return append([]byte(nil), b.userHeader...) }
func (b *fileBackend) BlockSize() int     { return b.blockSize }
func (b *fileBackend) BlockCount() int64  { return b.blockCount }

func (b *fileBackend) CloneDevice(ctx context.Context) (Backend, error) {
	f, err := os.OpenFile(b.path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: clone %s: %v", ErrIOTransient, b.path, err)
	}
	return &fileBackend{
		path:       b.path,
		f:          f,
		blockSize:  b.blockSize,
		blockCount: b.blockCount,
		userHeader: append([]byte(nil), b.userHeader...),
		holdsLock:  false,
	}, nil
}

func (b *fileBackend) Close(ctx context.Context) error {
	if b.holdsLock {
		if err := b.writeHeader(false); err != nil {
			b.f.Close()
			return err
		}
	}
	return b.f.Close()
}
