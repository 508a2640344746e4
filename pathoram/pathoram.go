// Package pathoram implements the Path ORAM access protocol: position map,
// stash, and the access operation that fuses a logical read and write into
// one operation indistinguishable from the backend's point of view.
package pathoram

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/etclab/pathoram-go/aesctr"
	"github.com/etclab/pathoram-go/heap"
	"github.com/etclab/pathoram-go/storage"
	"github.com/etclab/pathoram-go/treeoram"
	"github.com/etclab/pathoram-go/vheap"
)

// ErrDigestMismatch is returned by Open when the caller-supplied stash or
// position map doesn't match what was stamped at the previous Close.
var ErrDigestMismatch = errors.New("pathoram: stash or position map digest mismatch")

// ErrStashOverflow is returned by Access when an eviction leaves the stash
// larger than the handle's configured StashLimit. The handle is not safe to
// reuse after this error.
var ErrStashOverflow = errors.New("pathoram: stash overflow")

// headerPrefixSize is the size of the Path ORAM header prefix embedded in
// the encrypted-heap user header: stash digest (20) + position-map digest
// (20) + block count (4).
const headerPrefixSize = sha1.Size + sha1.Size + 4

// PositionMap is a dense array mapping logical id -> currently assigned
// leaf bucket. It is owned exclusively by one PathORAM handle between Open
// and Close; the caller is responsible for persisting it across sessions.
type PositionMap []int64

// NewPositionMap returns a position map of the given size, with every
// entry unset (0); callers must assign real leaves before use (Setup does
// this automatically).
func NewPositionMap(n int) PositionMap { return make(PositionMap, n) }

// Digest computes the SHA-1 digest of p: the concatenation of each entry's
// big-endian u32 leaf index, in id order.
func (p PositionMap) Digest() ([sha1.Size]byte, error) {
	h := sha1.New()
	buf := make([]byte, 4)
	for _, leaf := range p {
		if leaf < 0 {
			return [sha1.Size]byte{}, fmt.Errorf("%w: negative leaf in position map", storage.ErrInvalidArgument)
		}
		binary.BigEndian.PutUint32(buf, uint32(leaf))
		h.Write(buf)
	}
	var out [sha1.Size]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Stash maps logical id -> record for blocks that didn't fit on their path
// at the last eviction. Owned exclusively by one PathORAM handle.
type Stash map[uint32]treeoram.Record

// Digest computes the SHA-1 digest of s: "0" if empty, else the
// concatenation of (id_big_endian, payload) for every entry, taken in
// ascending id order so that the same stash contents always produce the
// same digest regardless of Go's map iteration order.
func (s Stash) Digest() ([sha1.Size]byte, error) {
	h := sha1.New()
	if len(s) == 0 {
		h.Write([]byte("0"))
	} else {
		ids := make([]uint32, 0, len(s))
		for id := range s {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		buf := make([]byte, 4)
		for _, id := range ids {
			binary.BigEndian.PutUint32(buf, id)
			h.Write(buf)
			h.Write(s[id].Payload)
		}
	}
	var out [sha1.Size]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// MarshalPosMap serializes p as N big-endian u32 leaf indices.
func MarshalPosMap(p PositionMap) []byte {
	buf := make([]byte, 4*len(p))
	for i, leaf := range p {
		binary.BigEndian.PutUint32(buf[4*i:], uint32(leaf))
	}
	return buf
}

// UnmarshalPosMap parses the wire format produced by MarshalPosMap.
func UnmarshalPosMap(b []byte) (PositionMap, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: position map buffer length %d not a multiple of 4", storage.ErrSizeMismatch, len(b))
	}
	p := make(PositionMap, len(b)/4)
	for i := range p {
		p[i] = int64(binary.BigEndian.Uint32(b[4*i:]))
	}
	return p, nil
}

// MarshalStash serializes s as a u32 entry count followed by, for each
// entry: id (u32 BE), payload length (u32 BE), payload bytes.
func MarshalStash(s Stash) []byte {
	size := 4
	for _, rec := range s {
		size += 4 + 4 + len(rec.Payload)
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf, uint32(len(s)))
	off := 4
	for id, rec := range s {
		binary.BigEndian.PutUint32(buf[off:], id)
		binary.BigEndian.PutUint32(buf[off+4:], uint32(len(rec.Payload)))
		copy(buf[off+8:], rec.Payload)
		off += 8 + len(rec.Payload)
	}
	return buf
}

// UnmarshalStash parses the wire format produced by MarshalStash.
func UnmarshalStash(b []byte) (Stash, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: stash buffer truncated", storage.ErrSizeMismatch)
	}
	count := binary.BigEndian.Uint32(b)
	s := make(Stash, count)
	off := 4
	for i := uint32(0); i < count; i++ {
		if off+8 > len(b) {
			return nil, fmt.Errorf("%w: stash buffer truncated at entry %d", storage.ErrSizeMismatch, i)
		}
		id := binary.BigEndian.Uint32(b[off:])
		length := int(binary.BigEndian.Uint32(b[off+4:]))
		off += 8
		if off+length > len(b) {
			return nil, fmt.Errorf("%w: stash buffer truncated at entry %d payload", storage.ErrSizeMismatch, i)
		}
		s[id] = treeoram.Record{ID: id, Payload: append([]byte(nil), b[off:off+length]...)}
		off += length
	}
	return s, nil
}

func encodeHeaderPrefix(stashDigest, posMapDigest [sha1.Size]byte, blockCount int64) []byte {
	buf := make([]byte, headerPrefixSize)
	copy(buf[0:sha1.Size], stashDigest[:])
	copy(buf[sha1.Size:2*sha1.Size], posMapDigest[:])
	binary.BigEndian.PutUint32(buf[2*sha1.Size:], uint32(blockCount))
	return buf
}

func decodeHeaderPrefix(b []byte) (stashDigest, posMapDigest [sha1.Size]byte, blockCount int64, err error) {
	if len(b) < headerPrefixSize {
		return stashDigest, posMapDigest, 0, fmt.Errorf("%w: pathoram header prefix truncated", storage.ErrSizeMismatch)
	}
	copy(stashDigest[:], b[0:sha1.Size])
	copy(posMapDigest[:], b[sha1.Size:2*sha1.Size])
	blockCount = int64(binary.BigEndian.Uint32(b[2*sha1.Size:]))
	return stashDigest, posMapDigest, blockCount, nil
}

// PathORAM is the top-level oblivious RAM handle: Setup or Open it, call
// Access/ReadBlock/WriteBlock any number of times, then Close. It is not
// safe to reuse after any method returns an error — discard the handle.
type PathORAM struct {
	store       heap.Store
	manager     *treeoram.Manager
	recordSize  int
	payloadSize int
	n           int64 // public block count
	stashLimit  int   // 0 means unbounded

	posMap PositionMap
	stash  Stash
}

// SetupOptions groups Setup's optional parameters.
type SetupOptions struct {
	HeaderData []byte
	Initialize func(id int64) []byte // defaults to a zero payload

	// StashLimit bounds the stash size after any single access. Zero means
	// unbounded. Exceeding it returns ErrStashOverflow and the handle must
	// be discarded; it is not restamped or safe to reuse.
	StashLimit int

	// CachedLevels, when > 0, wraps the heap store in a heap.TopCached
	// pinning the top CachedLevels levels in memory and sharding the rest
	// across one cloned backend handle per boundary bucket. Zero uses the
	// plain heap.EncryptedHeapStorage.
	CachedLevels int64
}

// OpenOptions groups Open's optional parameters.
type OpenOptions struct {
	StashLimit int

	// CachedLevels must match the value Setup was called with.
	CachedLevels int64
}

// Setup creates a fresh Path ORAM backed by a new storage.Backend (built via
// the given tag/params), with N logical blocks of payloadSize bytes each,
// Z blocks per bucket, and a k-ary tree, encrypted under a fresh key. It
// runs one full access-style cycle per logical block to place the initial
// payloads, then stamps the stash/position-map digests.
func Setup(ctx context.Context, tag storage.Tag, params storage.Params, payloadSize int, n, z, k int64, keySize int, opts SetupOptions) (*PathORAM, PositionMap, Stash, aesctr.Key, error) {
	if n <= 0 || z <= 0 || k < 2 {
		return nil, nil, nil, aesctr.Key{}, fmt.Errorf("%w: n, z must be positive and k >= 2", storage.ErrInvalidArgument)
	}

	key, err := aesctr.KeyGen(keySize)
	if err != nil {
		return nil, nil, nil, aesctr.Key{}, err
	}

	recordSize := treeoram.InfoSize + payloadSize
	h := vheap.NecessaryHeight(k, n)
	bucketCount := (ipow(k, h+1) - 1) / (k - 1)

	posMap := NewPositionMap(int(n))
	for i := range posMap {
		leaf, err := vheap.RandomLeafBucket(k, h)
		if err != nil {
			return nil, nil, nil, aesctr.Key{}, err
		}
		posMap[i] = leaf
	}

	stashDigest, err := Stash{}.Digest()
	if err != nil {
		return nil, nil, nil, aesctr.Key{}, err
	}
	posMapDigest, err := posMap.Digest()
	if err != nil {
		return nil, nil, nil, aesctr.Key{}, err
	}
	innerHeader := append(encodeHeaderPrefix(stashDigest, posMapDigest, n), opts.HeaderData...)
	fullHeader := append(heap.EncodeHeaderPrefix(k, h, z), innerHeader...)

	// The physical header is iv‖ciphertext of fullHeader, matching every
	// other encrypted-at-rest field in this stack; storage.Setup writes it
	// before EncryptedBlockStorage exists to decrypt it back out, so Setup
	// encrypts it here by hand under the same key.
	encHeader, err := aesctr.Encrypt(key, fullHeader)
	if err != nil {
		return nil, nil, nil, aesctr.Key{}, err
	}

	bucketPhysicalSize := storage.PhysicalBlockSize(int(z) * recordSize)
	emptyBucket := make([]byte, int(z)*recordSize)
	emptyRecord := treeoram.EncodeRecord(treeoram.EmptyID, make([]byte, payloadSize))
	for slot := 0; slot < int(z); slot++ {
		copy(emptyBucket[slot*recordSize:(slot+1)*recordSize], emptyRecord)
	}

	backend, err := storage.Setup(ctx, tag, params, bucketPhysicalSize, bucketCount, storage.SetupOptions{
		HeaderData: encHeader,
	})
	if err != nil {
		return nil, nil, nil, aesctr.Key{}, err
	}

	ebs, err := storage.NewEncryptedBlockStorage(backend, key, int(z)*recordSize)
	if err != nil {
		return nil, nil, nil, aesctr.Key{}, err
	}
	plainStore := heap.NewEncryptedHeapStorage(ebs, k, h, z)

	bucketIDs := make([]int64, bucketCount)
	emptyBuckets := make([][]byte, bucketCount)
	for i := range bucketIDs {
		bucketIDs[i] = int64(i)
		emptyBuckets[i] = emptyBucket
	}
	if err := ebs.WriteBlocks(ctx, bucketIDs, emptyBuckets); err != nil {
		return nil, nil, nil, aesctr.Key{}, fmt.Errorf("%w: initialize empty buckets: %v", storage.ErrSetupFailed, err)
	}

	var store heap.Store = plainStore
	if opts.CachedLevels > 0 {
		cached, err := heap.NewTopCached(ctx, plainStore, opts.CachedLevels)
		if err != nil {
			return nil, nil, nil, aesctr.Key{}, err
		}
		store = cached
	}

	p := &PathORAM{
		store:       store,
		manager:     treeoram.NewManager(store, recordSize),
		recordSize:  recordSize,
		payloadSize: payloadSize,
		n:           n,
		stashLimit:  opts.StashLimit,
		posMap:      posMap,
		stash:       Stash{},
	}

	for i := int64(0); i < n; i++ {
		var payload []byte
		if opts.Initialize != nil {
			payload = opts.Initialize(i)
		}
		if payload == nil {
			payload = make([]byte, payloadSize)
		}
		if len(payload) != payloadSize {
			return nil, nil, nil, aesctr.Key{}, fmt.Errorf("%w: initialize(%d) returned %d bytes, want %d",
				storage.ErrInvalidArgument, i, len(payload), payloadSize)
		}
		if _, err := p.access(ctx, uint32(i+1), payload); err != nil {
			return nil, nil, nil, aesctr.Key{}, fmt.Errorf("%w: initialize block %d: %v", storage.ErrSetupFailed, i, err)
		}
	}

	if err := p.restampDigests(ctx); err != nil {
		return nil, nil, nil, aesctr.Key{}, err
	}

	return p, p.posMap, p.stash, key, nil
}

// Open reopens a Path ORAM previously created by Setup, given the same
// tag/params, key, and the caller's persisted stash and position map. Their
// digests must match what was stamped at the last Close.
func Open(ctx context.Context, tag storage.Tag, params storage.Params, payloadSize int, key aesctr.Key, posMap PositionMap, stash Stash, opts OpenOptions) (*PathORAM, error) {
	backend, err := storage.Open(ctx, tag, params, storage.OpenOptions{})
	if err != nil {
		return nil, err
	}

	plainHeader, err := aesctr.Decrypt(key, backend.HeaderData())
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt header: %v", storage.ErrInvalidArgument, err)
	}
	k, h, z, err := heap.DecodeHeaderPrefix(plainHeader)
	if err != nil {
		return nil, err
	}
	recordSize := treeoram.InfoSize + payloadSize
	ebs, err := storage.NewEncryptedBlockStorage(backend, key, int(z)*recordSize)
	if err != nil {
		return nil, err
	}
	plainStore := heap.NewEncryptedHeapStorage(ebs, k, h, z)
	var store heap.Store = plainStore
	if opts.CachedLevels > 0 {
		cached, err := heap.NewTopCached(ctx, plainStore, opts.CachedLevels)
		if err != nil {
			return nil, err
		}
		store = cached
	}

	stashDigest, posMapDigest, n, err := decodeHeaderPrefix(store.UserHeaderData())
	if err != nil {
		return nil, err
	}
	if int64(len(posMap)) != n {
		return nil, fmt.Errorf("%w: position map has %d entries, want %d", storage.ErrInvalidArgument, len(posMap), n)
	}

	gotStashDigest, err := stash.Digest()
	if err != nil {
		return nil, err
	}
	if gotStashDigest != stashDigest {
		return nil, ErrDigestMismatch
	}
	gotPosMapDigest, err := posMap.Digest()
	if err != nil {
		return nil, err
	}
	if gotPosMapDigest != posMapDigest {
		return nil, ErrDigestMismatch
	}

	return &PathORAM{
		store:       store,
		manager:     treeoram.NewManager(store, recordSize),
		recordSize:  recordSize,
		payloadSize: payloadSize,
		n:           n,
		stashLimit:  opts.StashLimit,
		posMap:      posMap,
		stash:       stash,
	}, nil
}

// Access performs the fused read/write operation for public id (0 <= id <
// N). If writeBlock is non-nil its bytes replace the block's payload; in
// either case the block's (possibly unchanged) payload is returned.
func (p *PathORAM) Access(ctx context.Context, id int64, writeBlock []byte) ([]byte, error) {
	if id < 0 || id >= p.n {
		return nil, fmt.Errorf("%w: id %d out of range [0,%d)", storage.ErrInvalidArgument, id, p.n)
	}
	if writeBlock != nil && len(writeBlock) != p.payloadSize {
		return nil, fmt.Errorf("%w: write payload is %d bytes, want %d", storage.ErrInvalidArgument, len(writeBlock), p.payloadSize)
	}
	return p.access(ctx, uint32(id+1), writeBlock)
}

// access implements spec.md §4.8's access(id, write_block?) using internal
// (shifted-by-one) logical ids, so that id 0 remains the reserved empty tag.
// writeBlock == nil means a pure read.
func (p *PathORAM) access(ctx context.Context, logicalID uint32, writeBlock []byte) ([]byte, error) {
	publicID := logicalID - 1

	leaf := p.posMap[publicID]
	newLeaf, err := vheap.RandomLeafBucket(p.store.K(), p.store.H())
	if err != nil {
		return nil, err
	}
	p.posMap[publicID] = newLeaf

	if err := p.manager.LoadPath(ctx, leaf); err != nil {
		return nil, err
	}

	var record treeoram.Record
	if payload, ok := p.manager.ExtractBlockFromPath(logicalID); ok {
		record = treeoram.Record{ID: logicalID, Payload: payload}
	} else if rec, ok := p.stash[logicalID]; ok {
		record = rec
		delete(p.stash, logicalID)
	} else {
		record = treeoram.Record{ID: logicalID, Payload: make([]byte, p.payloadSize)}
	}

	if writeBlock != nil {
		record.Payload = append([]byte(nil), writeBlock...)
	}
	p.stash[logicalID] = record

	p.manager.PushDownPath()
	consumed := p.manager.FillPathFromStash(p.stash, func(id uint32) int64 { return p.posMap[id-1] })
	for _, id := range consumed {
		delete(p.stash, id)
	}
	if err := p.manager.EvictPath(ctx); err != nil {
		return nil, err
	}

	if p.stashLimit > 0 && len(p.stash) > p.stashLimit {
		return nil, fmt.Errorf("%w: stash holds %d entries, limit %d", ErrStashOverflow, len(p.stash), p.stashLimit)
	}

	return record.Payload, nil
}

// ReadBlock is Access(id, nil).
func (p *PathORAM) ReadBlock(ctx context.Context, id int64) ([]byte, error) {
	return p.Access(ctx, id, nil)
}

// WriteBlock is Access(id, payload).
func (p *PathORAM) WriteBlock(ctx context.Context, id int64, payload []byte) error {
	_, err := p.Access(ctx, id, payload)
	return err
}

// ReadBlocks/WriteBlocks are sequential fan-outs over Access: batching
// would leak correlation between accesses, so there is no shortcut here.
func (p *PathORAM) ReadBlocks(ctx context.Context, ids []int64) ([][]byte, error) {
	out := make([][]byte, len(ids))
	for i, id := range ids {
		payload, err := p.ReadBlock(ctx, id)
		if err != nil {
			return nil, err
		}
		out[i] = payload
	}
	return out, nil
}

func (p *PathORAM) WriteBlocks(ctx context.Context, ids []int64, payloads [][]byte) error {
	if len(ids) != len(payloads) {
		return fmt.Errorf("%w: ids and payloads length mismatch", storage.ErrInvalidArgument)
	}
	for i, id := range ids {
		if err := p.WriteBlock(ctx, id, payloads[i]); err != nil {
			return err
		}
	}
	return nil
}

// N returns the number of logical blocks.
func (p *PathORAM) N() int64 { return p.n }

func (p *PathORAM) restampDigests(ctx context.Context) error {
	stashDigest, err := p.stash.Digest()
	if err != nil {
		return err
	}
	posMapDigest, err := p.posMap.Digest()
	if err != nil {
		return err
	}
	caller := p.store.UserHeaderData()[headerPrefixSize:]
	newHeader := append(encodeHeaderPrefix(stashDigest, posMapDigest, p.n), caller...)
	return p.store.UpdateUserHeaderData(ctx, newHeader)
}

// Close restamps the stash and position-map digests, then closes the
// underlying heap storage.
func (p *PathORAM) Close(ctx context.Context) error {
	if err := p.restampDigests(ctx); err != nil {
		return err
	}
	return p.store.Close(ctx)
}

func ipow(base, exp int64) int64 {
	result := int64(1)
	for i := int64(0); i < exp; i++ {
		result *= base
	}
	return result
}
