// Package storage provides the block-storage backend abstraction that the
// higher ORAM layers build on: a fixed-size block array plus a small opaque
// header, guarded by a single-writer advisory lock. Concrete backends (ram,
// file, mmap, s3, sftp) all satisfy the same Backend contract so that the
// rest of the system is agnostic to where bytes ultimately live.
package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
)

// Error kinds returned by backend implementations. Backends should wrap
// these with fmt.Errorf("...: %w", ErrX) rather than returning bare
// strings, so callers can use errors.Is.
var (
	ErrNotFound        = errors.New("storage: location not found")
	ErrAlreadyExists    = errors.New("storage: location already exists")
	ErrLocked          = errors.New("storage: storage is locked by another writer")
	ErrInvalidArgument = errors.New("storage: invalid argument")
	ErrSizeMismatch    = errors.New("storage: data size does not match block size")
	ErrIOTransient     = errors.New("storage: transient I/O error")
	ErrSetupFailed     = errors.New("storage: setup failed")
)

// headerPrefixSize is the size, in bytes, of the fixed-layout prefix that
// precedes every storage's opaque user header:
//
//	block_size      u32 big-endian
//	block_count     u32 big-endian
//	user_header_len u32 big-endian
//	locked_flag     u8
const headerPrefixSize = 4 + 4 + 4 + 1

// Header is the decoded fixed-layout prefix plus the opaque user header
// bytes that follow it on the wire.
type Header struct {
	BlockSize     int
	BlockCount    int64
	Locked        bool
	UserHeader    []byte
}

// EncodeHeader serializes h into the on-wire prefix+user-header layout.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, headerPrefixSize+len(h.UserHeader))
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.BlockSize))
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.BlockCount))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(h.UserHeader)))
	if h.Locked {
		buf[12] = 1
	}
	copy(buf[headerPrefixSize:], h.UserHeader)
	return buf
}

// DecodeHeader parses the on-wire prefix+user-header layout. It requires
// exactly headerPrefixSize+userHeaderLen bytes; callers that read headers
// incrementally from a stream should first decode just the prefix.
func DecodeHeader(b []byte) (Header, error) {
	prefix, err := DecodeHeaderPrefix(b)
	if err != nil {
		return Header{}, err
	}
	want := headerPrefixSize + int(prefix.userHeaderLen)
	if len(b) != want {
		return Header{}, fmt.Errorf("%w: header buffer is %d bytes, want %d", ErrSizeMismatch, len(b), want)
	}
	return Header{
		BlockSize:  prefix.blockSize,
		BlockCount: prefix.blockCount,
		Locked:     prefix.locked,
		UserHeader: append([]byte(nil), b[headerPrefixSize:]...),
	}, nil
}

// HeaderPrefix is the fixed-size portion of a Header, useful when the
// caller needs to know UserHeaderLen before reading the rest of the header.
type HeaderPrefix struct {
	blockSize     int
	blockCount    int64
	userHeaderLen uint32
	locked        bool
}

// HeaderPrefixSize returns the number of bytes occupied by the fixed-layout
// prefix, regardless of user header length.
func HeaderPrefixSize() int { return headerPrefixSize }

// DecodeHeaderPrefix parses just the fixed-layout prefix from the first
// HeaderPrefixSize() bytes of b.
func DecodeHeaderPrefix(b []byte) (HeaderPrefix, error) {
	if len(b) < headerPrefixSize {
		return HeaderPrefix{}, fmt.Errorf("%w: header prefix truncated", ErrSizeMismatch)
	}
	return HeaderPrefix{
		blockSize:     int(binary.BigEndian.Uint32(b[0:4])),
		blockCount:    int64(binary.BigEndian.Uint32(b[4:8])),
		userHeaderLen: binary.BigEndian.Uint32(b[8:12]),
		locked:        b[12] != 0,
	}, nil
}

func (p HeaderPrefix) UserHeaderLen() int { return int(p.userHeaderLen) }
func (p HeaderPrefix) BlockSize() int     { return p.blockSize }
func (p HeaderPrefix) BlockCount() int64  { return p.blockCount }
func (p HeaderPrefix) Locked() bool       { return p.locked }

// ComputeStorageSize returns the total on-wire byte count for a storage
// instance with the given dimensions, optionally excluding the header
// (ignoreHeader=true is useful when sizing just the block region of a
// pre-allocated file).
func ComputeStorageSize(blockSize int, blockCount int64, headerDataLen int, ignoreHeader bool) int64 {
	size := int64(blockSize) * blockCount
	if !ignoreHeader {
		size += int64(headerPrefixSize + headerDataLen)
	}
	return size
}

// SetupOptions groups the optional parameters to a backend's Setup
// constructor.
type SetupOptions struct {
	// HeaderData is the initial opaque user header. Defaults to empty.
	HeaderData []byte
	// Initialize supplies the initial bytes of slot i, 0 <= i < blockCount.
	// If nil, slots are initialized to all zero bytes.
	Initialize func(i int64) []byte
	// IgnoreExisting, if false, causes Setup to fail with ErrAlreadyExists
	// when the location is already populated.
	IgnoreExisting bool
}

// OpenOptions groups the optional parameters to a backend's Open function.
type OpenOptions struct {
	// IgnoreLock, if true, allows opening a storage whose locked flag is
	// already set (used by CloneDevice to get a lock-free shard handle).
	IgnoreLock bool
}

// BlockIterator is a lazy, non-restartable sequence of blocks, returned by
// YieldBlocks. It borrows buffers from the backend's read path for the
// duration of a single Next call; callers that need to retain a block's
// bytes past the following Next call must copy them.
type BlockIterator struct {
	next func() (data []byte, ok bool, err error)
}

// NewBlockIterator constructs a BlockIterator from a pull function.
func NewBlockIterator(next func() ([]byte, bool, error)) *BlockIterator {
	return &BlockIterator{next: next}
}

// Next advances the iterator. ok is false once the sequence is exhausted;
// err is non-nil if the underlying backend failed to fetch the next block.
func (it *BlockIterator) Next() (data []byte, ok bool, err error) {
	return it.next()
}

// Backend is the capability interface every block-storage transport must
// implement. A Backend handle is obtained from Setup or Open (package-level
// functions on each concrete backend, and from the factory in factory.go),
// never constructed directly.
type Backend interface {
	// ReadBlock returns exactly BlockSize() bytes for slot i.
	ReadBlock(ctx context.Context, i int64) ([]byte, error)
	// ReadBlocks returns blocks in the order requested; duplicated indices
	// yield duplicated blocks.
	ReadBlocks(ctx context.Context, idx []int64) ([][]byte, error)
	// YieldBlocks returns a lazy iterator over idx, in order.
	YieldBlocks(ctx context.Context, idx []int64) *BlockIterator

	// WriteBlock writes exactly BlockSize() bytes to slot i.
	WriteBlock(ctx context.Context, i int64, data []byte) error
	// WriteBlocks writes blocks in the order given and flushes before
	// returning.
	WriteBlocks(ctx context.Context, idx []int64, data [][]byte) error

	// UpdateHeaderData replaces the opaque user header. The new data must
	// be exactly the same length as what Setup/UpdateHeaderData last wrote.
	UpdateHeaderData(ctx context.Context, data []byte) error
	// HeaderData returns the current opaque user header.
	HeaderData() []byte

	BlockSize() int
	BlockCount() int64

	// CloneDevice returns an independent handle onto the same underlying
	// storage that does not take the write lock. Used by the top-cached
	// heap storage layer to get parallel, lock-free handles onto disjoint
	// subtrees of the same device.
	CloneDevice(ctx context.Context) (Backend, error)

	// Close flushes, clears the locked flag (unless this handle was
	// obtained with IgnoreLock / CloneDevice), and releases resources.
	Close(ctx context.Context) error
}

func validateBlock(blockSize int, data []byte) error {
	if len(data) != blockSize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, len(data), blockSize)
	}
	return nil
}

func validateIndex(i, count int64) error {
	if i < 0 || i >= count {
		return fmt.Errorf("%w: block index %d out of range [0,%d)", ErrInvalidArgument, i, count)
	}
	return nil
}
