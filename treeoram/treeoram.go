// Package treeoram holds one tree path in a reusable buffer and implements
// the shuffle-based eviction at the core of Path ORAM: push blocks as deep
// as their assigned leaf allows, fill emptied slots from the stash, then
// write the whole path back in one shot.
package treeoram

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/etclab/pathoram-go/heap"
	"github.com/etclab/pathoram-go/vheap"
)

// InfoSize is the width of the fixed "info" prefix on every ORAM block:
// a big-endian u32 logical id. Id 0 is the reserved empty-block tag.
const InfoSize = 4

// EmptyID is the reserved logical id marking an unoccupied slot.
const EmptyID = 0

// EncodeRecord serializes an ORAM-block record: info (id) followed by
// payload, exactly InfoSize+len(payload) bytes.
func EncodeRecord(id uint32, payload []byte) []byte {
	buf := make([]byte, InfoSize+len(payload))
	binary.BigEndian.PutUint32(buf[:InfoSize], id)
	copy(buf[InfoSize:], payload)
	return buf
}

// DecodeRecordID reads just the id from a record's fixed info prefix.
func DecodeRecordID(record []byte) uint32 {
	return binary.BigEndian.Uint32(record[:InfoSize])
}

// DecodeRecordPayload returns the payload bytes following a record's info
// prefix. The returned slice aliases record.
func DecodeRecordPayload(record []byte) []byte {
	return record[InfoSize:]
}

// emptyRecord returns a fresh all-zero record of the given total size,
// tagged with EmptyID.
func emptyRecord(size int) []byte {
	return make([]byte, size)
}

// Record is one stash entry: a logical id and its current payload.
type Record struct {
	ID      uint32
	Payload []byte
}

// Manager holds one tree path loaded from a heap.Store in a reusable
// buffer and implements Path ORAM's per-access shuffle.
type Manager struct {
	store       heap.Store
	recordSize  int // InfoSize + payload size
	k           int64

	stopBucket int64
	bucketIDs  []int64 // root -> leaf, one per level actually loaded

	// Parallel arrays, one entry per slot in the loaded path, root-first,
	// Z slots per level.
	blockIDs            []uint32
	blockEvictionLevels []int64 // -1 means empty / not memoized
	blockReordering     []int64 // donor slot index, or -1 for "goes empty"

	buckets [][]byte // raw bucket bytes, one per level, as read from the store

	blocksInserted []insertedBlock

	// ConstantTime, when true, makes FillPathFromStash keep scanning every
	// stash entry for each empty slot even after a match was found for that
	// slot, so that the number of entries examined doesn't depend on where
	// the match sits. EvictPath always touches every slot and is not
	// affected by this flag. Intended for TEE-style deployments where even
	// same-process timing/access side channels matter.
	ConstantTime bool
}

type insertedBlock struct {
	slot   int
	record []byte
}

// NewManager constructs a Manager bound to store, whose bucket payload
// size is z*recordSize bytes.
func NewManager(store heap.Store, recordSize int) *Manager {
	return &Manager{
		store:      store,
		recordSize: recordSize,
		k:          store.K(),
	}
}

func (m *Manager) z() int64 { return m.store.Z() }

// LoadPath reads the path ending at leaf bucket stop into the manager's
// buffer, recording each occupied slot's id and eviction level relative to
// stop.
func (m *Manager) LoadPath(ctx context.Context, stop int64) error {
	buckets, err := m.store.ReadPath(ctx, stop)
	if err != nil {
		return fmt.Errorf("treeoram: load path: %w", err)
	}

	m.stopBucket = stop
	m.bucketIDs = vheap.BucketPathFromRoot(m.k, stop)
	m.buckets = buckets

	z := int(m.z())
	slots := len(buckets) * z
	m.blockIDs = make([]uint32, slots)
	m.blockEvictionLevels = make([]int64, slots)
	m.blockReordering = make([]int64, slots)
	m.blocksInserted = nil

	for lvl, bucket := range buckets {
		bucketID := m.bucketIDs[lvl]
		for slotInBucket := 0; slotInBucket < z; slotInBucket++ {
			p := lvl*z + slotInBucket
			rec := m.recordAt(bucket, slotInBucket)
			id := DecodeRecordID(rec)
			m.blockReordering[p] = -1
			if id == EmptyID {
				m.blockIDs[p] = EmptyID
				m.blockEvictionLevels[p] = -1
				continue
			}
			m.blockIDs[p] = id
			m.blockEvictionLevels[p] = vheap.LastCommonLevel(m.k, stop, bucketID)
		}
	}
	return nil
}

func (m *Manager) recordAt(bucket []byte, slotInBucket int) []byte {
	off := slotInBucket * m.recordSize
	return bucket[off : off+m.recordSize]
}

func (m *Manager) levelOfSlot(p int) int64 { return int64(p / int(m.z())) }

// PushDownPath moves every occupied block as deep as its eviction level
// allows, recording the shuffle in blockReordering.
func (m *Manager) PushDownPath() {
	slots := len(m.blockIDs)
	for writePos := slots - 1; writePos >= 0; writePos-- {
		if m.blockIDs[writePos] != EmptyID {
			continue
		}
		writeLevel := m.levelOfSlot(writePos)
		donor := m.findPushDownDonor(writePos, writeLevel)
		if donor < 0 {
			continue
		}
		m.blockReordering[writePos] = int64(donor)
		m.blockReordering[donor] = -1
		m.blockIDs[writePos] = m.blockIDs[donor]
		m.blockEvictionLevels[writePos] = m.blockEvictionLevels[donor]
		m.blockIDs[donor] = EmptyID
		m.blockEvictionLevels[donor] = -1
	}
}

// findPushDownDonor scans from the root down to just above writePos for the
// shallowest occupied slot whose eviction level is >= writeLevel and which
// does not reside on the same level as the write slot.
func (m *Manager) findPushDownDonor(writePos int, writeLevel int64) int {
	for donor := 0; donor < writePos; donor++ {
		if m.blockIDs[donor] == EmptyID {
			continue
		}
		if m.levelOfSlot(donor) == writeLevel {
			continue
		}
		if m.blockEvictionLevels[donor] >= writeLevel {
			return donor
		}
	}
	return -1
}

// FillPathFromStash scans the path from the deepest empty slot upward and,
// for each, looks for the first stash entry (in iteration order) eligible
// to occupy it. Eligible entries are recorded in blocksInserted and their
// ids are returned; stash itself is not modified, so the caller deletes the
// returned ids from its own stash map once this call returns.
func (m *Manager) FillPathFromStash(stash map[uint32]Record, posMap func(id uint32) int64) []uint32 {
	var consumed []uint32
	// Stable iteration order isn't defined for Go maps; memoize eviction
	// levels keyed by id so repeated scans (constant-time mode) are cheap,
	// and snapshot the candidate id list once so concurrent mutation of
	// stash during the scan isn't observed.
	ids := make([]uint32, 0, len(stash))
	for id := range stash {
		ids = append(ids, id)
	}
	evictionLevel := make(map[uint32]int64, len(ids))
	for _, id := range ids {
		leaf := posMap(id)
		evictionLevel[id] = vheap.LastCommonLevel(m.k, m.stopBucket, leaf)
	}

	slots := len(m.blockIDs)
	usedIdx := make(map[uint32]bool, len(ids))
	for writePos := slots - 1; writePos >= 0; writePos-- {
		if m.blockIDs[writePos] != EmptyID {
			continue
		}
		writeLevel := m.levelOfSlot(writePos)
		placed := false
		for _, id := range ids {
			if placed || usedIdx[id] || evictionLevel[id] < writeLevel {
				continue
			}
			rec := stash[id]
			m.blockIDs[writePos] = id
			m.blockEvictionLevels[writePos] = evictionLevel[id]
			m.blocksInserted = append(m.blocksInserted, insertedBlock{
				slot:   writePos,
				record: EncodeRecord(id, rec.Payload),
			})
			usedIdx[id] = true
			consumed = append(consumed, id)
			placed = true
			if !m.ConstantTime {
				break
			}
		}
	}
	return consumed
}

// EvictPath materializes the push-down shuffle and stash fill into the
// bucket buffer and writes the path back to the store.
func (m *Manager) EvictPath(ctx context.Context) error {
	// 1. Deepest-first: copy bytes from donor slots into their write slots.
	for writePos := len(m.blockReordering) - 1; writePos >= 0; writePos-- {
		donor := m.blockReordering[writePos]
		if donor < 0 {
			continue
		}
		m.setRecord(writePos, m.recordOf(int(donor)))
	}
	// 2. Shallowest-first: zero out slots that became empty.
	for p := 0; p < len(m.blockReordering); p++ {
		if m.blockReordering[p] == -1 && m.blockIDs[p] == EmptyID {
			m.setRecord(p, emptyRecord(m.recordSize))
		}
	}
	// 3. Overwrite with every freshly-inserted stash record.
	for _, ins := range m.blocksInserted {
		m.setRecord(ins.slot, ins.record)
	}

	if err := m.store.WritePath(ctx, m.stopBucket, m.buckets); err != nil {
		return fmt.Errorf("treeoram: evict path: %w", err)
	}
	return nil
}

func (m *Manager) setRecord(p int, record []byte) {
	z := int(m.z())
	lvl, slotInBucket := p/z, p%z
	off := slotInBucket * m.recordSize
	copy(m.buckets[lvl][off:off+m.recordSize], record)
}

func (m *Manager) recordOf(p int) []byte {
	z := int(m.z())
	lvl, slotInBucket := p/z, p%z
	off := slotInBucket * m.recordSize
	return append([]byte(nil), m.buckets[lvl][off:off+m.recordSize]...)
}

// ExtractBlockFromPath removes id's record from the loaded path view (if
// present) and returns its payload. The slot is marked empty so eviction
// won't write it back. Returns ok=false if id is not on the loaded path.
func (m *Manager) ExtractBlockFromPath(id uint32) (payload []byte, ok bool) {
	for p, blockID := range m.blockIDs {
		if blockID != id {
			continue
		}
		payload = append([]byte(nil), DecodeRecordPayload(m.recordOf(p))...)
		m.blockIDs[p] = EmptyID
		m.blockEvictionLevels[p] = -1
		return payload, true
	}
	return nil, false
}

// GetBlockInfo reports whether id currently occupies a slot on the loaded
// path, and if so, which one.
func (m *Manager) GetBlockInfo(id uint32) (slot int, ok bool) {
	for p, blockID := range m.blockIDs {
		if blockID == id {
			return p, true
		}
	}
	return -1, false
}

// BlocksInserted reports the ids moved from the stash into the path on the
// most recent FillPathFromStash call.
func (m *Manager) BlocksInserted() []uint32 {
	ids := make([]uint32, len(m.blocksInserted))
	for i, b := range m.blocksInserted {
		ids[i] = binary.BigEndian.Uint32(b.record[:InfoSize])
	}
	return ids
}
