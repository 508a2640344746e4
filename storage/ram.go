package storage

import (
	"context"
	"fmt"
	"sync"
)

// ramRegistry holds named in-memory storages so that Open can find a
// storage previously created by Setup within the same process. This mirrors
// the file backend's use of a path on disk as the "name".
var (
	ramRegistryMu sync.Mutex
	ramRegistry   = map[string]*ramDevice{}
)

// ramDevice is the shared state behind every ramBackend handle pointing at
// the same name; ramBackend itself is the per-handle view (so CloneDevice
// can return a handle that doesn't hold the lock).
type ramDevice struct {
	mu         sync.Mutex
	blockSize  int
	blockCount int64
	userHeader []byte
	locked     bool
	blocks     [][]byte
}

type ramBackend struct {
	name       string
	dev        *ramDevice
	holdsLock  bool
}

// SetupRAM creates a new named in-memory storage. name acts as a registry
// key so a later OpenRAM call (in the same process) can find it again.
func SetupRAM(name string, blockSize int, blockCount int64, opts SetupOptions) (Backend, error) {
	if blockSize <= 0 || blockCount <= 0 {
		return nil, fmt.Errorf("%w: blockSize and blockCount must be positive", ErrInvalidArgument)
	}

	ramRegistryMu.Lock()
	defer ramRegistryMu.Unlock()

	if _, exists := ramRegistry[name]; exists && !opts.IgnoreExisting {
		return nil, fmt.Errorf("%w: ram storage %q", ErrAlreadyExists, name)
	}

	dev := &ramDevice{
		blockSize:  blockSize,
		blockCount: blockCount,
		userHeader: append([]byte(nil), opts.HeaderData...),
		locked:     true,
		blocks:     make([][]byte, blockCount),
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
			return nil, fmt.Errorf("%w: initialize(%d): %v", ErrSetupFailed, i, err)
		}
		dev.blocks[i] = append([]byte(nil), data...)
	}

	ramRegistry[name] = dev
	return &ramBackend{name: name, dev: dev, holdsLock: true}, nil
}

// OpenRAM opens a previously-created named in-memory storage.
func OpenRAM(name string, opts OpenOptions) (Backend, error) {
	ramRegistryMu.Lock()
	defer ramRegistryMu.Unlock()

	dev, ok := ramRegistry[name]
	if !ok {
		return nil, fmt.Errorf("%w: ram storage %q", ErrNotFound, name)
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.locked && !opts.IgnoreLock {
		return nil, fmt.Errorf("%w: ram storage %q", ErrLocked, name)
	}
	holds := !opts.IgnoreLock
	if holds {
		dev.locked = true
	}
	return &ramBackend{name: name, dev: dev, holdsLock: holds}, nil
}

func (b *ramBackend) ReadBlock(ctx context.Context, i int64) ([]byte, error) {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	if err := validateIndex(i, b.dev.blockCount); err != nil {
		return nil, err
	}
	return append([]byte(nil), b.dev.blocks[i]...), nil
}

func (b *ramBackend) ReadBlocks(ctx context.Context, idx []int64) ([][]byte, error) {
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

func (b *ramBackend) YieldBlocks(ctx context.Context, idx []int64) *BlockIterator {
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

func (b *ramBackend) WriteBlock(ctx context.Context, i int64, data []byte) error {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	if err := validateIndex(i, b.dev.blockCount); err != nil {
		return err
	}
	if err := validateBlock(b.dev.blockSize, data); err != nil {
		return err
	}
	b.dev.blocks[i] = append([]byte(nil), data...)
	return nil
}

func (b *ramBackend) WriteBlocks(ctx context.Context, idx []int64, data [][]byte) error {
	if len(idx) != len(data) {
		return fmt.Errorf("%w: idx and data length mismatch", ErrInvalidArgument)
	}
	for i, id := range idx {
		if err := b.WriteBlock(ctx, id, data[i]); err != nil {
			return err
		}
	}
	return nil
}

func (b *ramBackend) UpdateHeaderData(ctx context.Context, data []byte) error {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	if len(data) != len(b.dev.userHeader) {
		return fmt.Errorf("%w: header was %d bytes, new data is %d", ErrSizeMismatch, len(b.dev.userHeader), len(data))
	}
	b.dev.userHeader = append([]byte(nil), data...)
	return nil
}

func (b *ramBackend) HeaderData() []byte {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	return append([]byte(nil), b.dev.userHeader...)
}

func (b *ramBackend) BlockSize() int    { return b.dev.blockSize }
func (b *ramBackend) BlockCount() int64 { return b.dev.blockCount }

func (b *ramBackend) CloneDevice(ctx context.Context) (Backend, error) {
	return &ramBackend{name: b.name, dev: b.dev, holdsLock: false}, nil
}

func (b *ramBackend) Close(ctx context.Context) error {
	if b.holdsLock {
		b.dev.mu.Lock()
		b.dev.locked = false
		b.dev.mu.Unlock()
	}
	return nil
}
