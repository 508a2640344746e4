package storage

import (
	"context"
	"fmt"

	"github.com/etclab/pathoram-go/aesctr"
)

// EncryptedBlockStorage wraps a Backend, encrypting every block with
// AES-CTR under a fresh IV before it reaches the underlying transport.
// Physical blocks are aesctr.Overhead() bytes larger than the logical
// block size to make room for the IV.
type EncryptedBlockStorage struct {
	backend Backend
	key     aesctr.Key
	logical int
}

// NewEncryptedBlockStorage wraps backend, whose BlockSize() must equal
// logicalBlockSize+aesctr.Overhead().
func NewEncryptedBlockStorage(backend Backend, key aesctr.Key, logicalBlockSize int) (*EncryptedBlockStorage, error) {
	want := logicalBlockSize + aesctr.Overhead()
	if backend.BlockSize() != want {
		return nil, fmt.Errorf("%w: backend block size %d, want %d for logical size %d",
			ErrSizeMismatch, backend.BlockSize(), want, logicalBlockSize)
	}
	return &EncryptedBlockStorage{backend: backend, key: key, logical: logicalBlockSize}, nil
}

// PhysicalBlockSize returns the size of the underlying backend's blocks.
func PhysicalBlockSize(logicalBlockSize int) int { return logicalBlockSize + aesctr.Overhead() }

func (e *EncryptedBlockStorage) LogicalBlockSize() int { return e.logical }
func (e *EncryptedBlockStorage) BlockCount() int64     { return e.backend.BlockCount() }

func (e *EncryptedBlockStorage) ReadBlock(ctx context.Context, i int64) ([]byte, error) {
	ct, err := e.backend.ReadBlock(ctx, i)
	if err != nil {
		return nil, err
	}
	return aesctr.Decrypt(e.key, ct)
}

func (e *EncryptedBlockStorage) ReadBlocks(ctx context.Context, idx []int64) ([][]byte, error) {
	cts, err := e.backend.ReadBlocks(ctx, idx)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(cts))
	for i, ct := range cts {
		pt, err := aesctr.Decrypt(e.key, ct)
		if err != nil {
			return nil, err
		}
		out[i] = pt
	}
	return out, nil
}

func (e *EncryptedBlockStorage) YieldBlocks(ctx context.Context, idx []int64) *BlockIterator {
	inner := e.backend.YieldBlocks(ctx, idx)
	return NewBlockIterator(func() ([]byte, bool, error) {
		ct, ok, err := inner.Next()
		if err != nil || !ok {
			return nil, ok, err
		}
		pt, err := aesctr.Decrypt(e.key, ct)
		if err != nil {
			return nil, false, err
		}
		return pt, true, nil
	})
}

func (e *EncryptedBlockStorage) WriteBlock(ctx context.Context, i int64, plaintext []byte) error {
	if len(plaintext) != e.logical {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, len(plaintext), e.logical)
	}
	ct, err := aesctr.Encrypt(e.key, plaintext)
	if err != nil {
		return err
	}
	return e.backend.WriteBlock(ctx, i, ct)
}

func (e *EncryptedBlockStorage) WriteBlocks(ctx context.Context, idx []int64, plaintexts [][]byte) error {
	if len(idx) != len(plaintexts) {
		return fmt.Errorf("%w: idx and data length mismatch", ErrInvalidArgument)
	}
	cts := make([][]byte, len(plaintexts))
	for i, pt := range plaintexts {
		if len(pt) != e.logical {
			return fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, len(pt), e.logical)
		}
		ct, err := aesctr.Encrypt(e.key, pt)
		if err != nil {
			return err
		}
		cts[i] = ct
	}
	return e.backend.WriteBlocks(ctx, idx, cts)
}

// UpdateHeaderData encrypts data under a fresh IV before delegating to the
// backend, so the physical header is always iv‖ciphertext, never the
// logical header in the clear. An empty header is passed through
// unencrypted: Setup's documented default of "no header yet" should stay
// recognizable as empty rather than becoming a ciphertext of nothing.
func (e *EncryptedBlockStorage) UpdateHeaderData(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return e.backend.UpdateHeaderData(ctx, data)
	}
	ct, err := aesctr.Encrypt(e.key, data)
	if err != nil {
		return err
	}
	return e.backend.UpdateHeaderData(ctx, ct)
}

// HeaderData decrypts and returns the backend's physical header. Returns
// nil if no header has ever been written.
func (e *EncryptedBlockStorage) HeaderData() []byte {
	ct := e.backend.HeaderData()
	if len(ct) == 0 {
		return nil
	}
	pt, err := aesctr.Decrypt(e.key, ct)
	if err != nil {
		return nil
	}
	return pt
}

func (e *EncryptedBlockStorage) CloneDevice(ctx context.Context) (*EncryptedBlockStorage, error) {
	clone, err := e.backend.CloneDevice(ctx)
	if err != nil {
		return nil, err
	}
	return &EncryptedBlockStorage{backend: clone, key: e.key, logical: e.logical}, nil
}

func (e *EncryptedBlockStorage) Close(ctx context.Context) error { return e.backend.Close(ctx) }
