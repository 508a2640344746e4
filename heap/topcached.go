package heap

import (
	"context"
	"fmt"
	"sync"

	"github.com/etclab/pathoram-go/vheap"
)

// topCachedWorkerPoolSize bounds concurrent subtree-handle operations
// (clone at open, close), mirroring the S3 backend's bounded-pool pattern.
// ReadPath/WritePath do not use the pool: each serves its lower segment on
// a single goroutine against one subtree handle.
const topCachedWorkerPoolSize = 16

// TopCached pins the top cachedLevels of a heap in memory and shards the
// buckets below them across one cloned backend handle per boundary bucket,
// so that concurrent accesses touching different subtrees don't contend on
// a single handle.
type TopCached struct {
	parent       *EncryptedHeapStorage
	cachedLevels int64

	mu    sync.RWMutex
	cache map[int64][]byte

	subtrees map[int64]*EncryptedHeapStorage
}

// NewTopCached reads the top cachedLevels of parent into memory and opens
// one cloned handle per boundary bucket at level cachedLevels-1.
func NewTopCached(ctx context.Context, parent *EncryptedHeapStorage, cachedLevels int64) (*TopCached, error) {
	if cachedLevels < 1 {
		return nil, fmt.Errorf("cachedLevels must be >= 1, got %d", cachedLevels)
	}
	if cachedLevels > parent.H()+1 {
		return nil, fmt.Errorf("cachedLevels %d exceeds tree height+1 (%d)", cachedLevels, parent.H()+1)
	}

	t := &TopCached{
		parent:       parent,
		cachedLevels: cachedLevels,
		cache:        make(map[int64][]byte),
		subtrees:     make(map[int64]*EncryptedHeapStorage),
	}

	var cachedIDs []int64
	for level := int64(0); level < cachedLevels; level++ {
		for b := vheap.FirstBucketAtLevel(parent.K(), level); b <= vheap.LastBucketAtLevel(parent.K(), level); b++ {
			cachedIDs = append(cachedIDs, b)
		}
	}
	cachedData, err := parent.ReadBuckets(ctx, cachedIDs)
	if err != nil {
		return nil, fmt.Errorf("read cached levels: %w", err)
	}
	for i, id := range cachedIDs {
		t.cache[id] = cachedData[i]
	}

	boundaryLevel := cachedLevels - 1
	var boundaries []int64
	for b := vheap.FirstBucketAtLevel(parent.K(), boundaryLevel); b <= vheap.LastBucketAtLevel(parent.K(), boundaryLevel); b++ {
		boundaries = append(boundaries, b)
	}

	results := make([]*EncryptedHeapStorage, len(boundaries))
	errs := make([]error, len(boundaries))
	runBounded(len(boundaries), topCachedWorkerPoolSize, func(i int) {
		clone, err := parent.clone(ctx)
		results[i], errs[i] = clone, err
	})
	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("clone subtree handle for bucket %d: %w", boundaries[i], err)
		}
		t.subtrees[boundaries[i]] = results[i]
	}

	return t, nil
}

func (t *TopCached) K() int64           { return t.parent.K() }
func (t *TopCached) H() int64           { return t.parent.H() }
func (t *TopCached) Z() int64           { return t.parent.Z() }
func (t *TopCached) BucketCount() int64 { return t.parent.BucketCount() }

func (t *TopCached) subtreeFor(leaf int64) (*EncryptedHeapStorage, int64) {
	path := vheap.BucketPathFromRoot(t.K(), leaf)
	boundary := path[t.cachedLevels-1]
	return t.subtrees[boundary], boundary
}

func (t *TopCached) ReadPath(ctx context.Context, leaf int64) ([][]byte, error) {
	path := vheap.BucketPathFromRoot(t.K(), leaf)
	upperIDs, lowerIDs := path[:t.cachedLevels], path[t.cachedLevels:]

	subtree, boundary := t.subtreeFor(leaf)
	if subtree == nil {
		return nil, fmt.Errorf("no subtree handle for boundary bucket %d", boundary)
	}

	var lower [][]byte
	var lowerErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		lower, lowerErr = subtree.ReadBuckets(ctx, lowerIDs)
	}()

	t.mu.RLock()
	upper := make([][]byte, len(upperIDs))
	for i, id := range upperIDs {
		upper[i] = t.cache[id]
	}
	t.mu.RUnlock()

	wg.Wait()
	if lowerErr != nil {
		return nil, lowerErr
	}
	return append(upper, lower...), nil
}

func (t *TopCached) WritePath(ctx context.Context, leaf int64, buckets [][]byte) error {
	path := vheap.BucketPathFromRoot(t.K(), leaf)
	if len(path) != len(buckets) {
		return fmt.Errorf("path has %d buckets, got %d", len(path), len(buckets))
	}
	upperIDs, lowerIDs := path[:t.cachedLevels], path[t.cachedLevels:]
	upperData, lowerData := buckets[:t.cachedLevels], buckets[t.cachedLevels:]

	subtree, boundary := t.subtreeFor(leaf)
	if subtree == nil {
		return fmt.Errorf("no subtree handle for boundary bucket %d", boundary)
	}

	var lowerErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		lowerErr = subtree.WriteBuckets(ctx, lowerIDs, lowerData)
	}()

	t.mu.Lock()
	for i, id := range upperIDs {
		t.cache[id] = upperData[i]
	}
	t.mu.Unlock()

	wg.Wait()
	return lowerErr
}

func (t *TopCached) UserHeaderData() []byte { return t.parent.UserHeaderData() }

func (t *TopCached) UpdateUserHeaderData(ctx context.Context, data []byte) error {
	return t.parent.UpdateUserHeaderData(ctx, data)
}

// Close writes every cached bucket back to the parent in one pass, closes
// every subtree handle, then closes the parent.
func (t *TopCached) Close(ctx context.Context) error {
	t.mu.Lock()
	ids := make([]int64, 0, len(t.cache))
	data := make([][]byte, 0, len(t.cache))
	for id, b := range t.cache {
		ids = append(ids, id)
		data = append(data, b)
	}
	t.mu.Unlock()

	if err := t.parent.WriteBuckets(ctx, ids, data); err != nil {
		return fmt.Errorf("write back cached levels: %w", err)
	}

	subtrees := make([]*EncryptedHeapStorage, 0, len(t.subtrees))
	for _, s := range t.subtrees {
		subtrees = append(subtrees, s)
	}
	errs := make([]error, len(subtrees))
	runBounded(len(subtrees), topCachedWorkerPoolSize, func(i int) {
		errs[i] = subtrees[i].Close(ctx)
	})
	for _, err := range errs {
		if err != nil {
			return fmt.Errorf("close subtree handle: %w", err)
		}
	}

	return t.parent.Close(ctx)
}

// runBounded calls fn(i) for i in [0,n) across at most poolSize goroutines,
// and blocks until every call has returned.
func runBounded(n, poolSize int, fn func(i int)) {
	sem := make(chan struct{}, poolSize)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(i)
		}(i)
	}
	wg.Wait()
}
