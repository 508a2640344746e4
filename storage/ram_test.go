package storage_test

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/etclab/pathoram-go/storage"
	"github.com/etclab/pathoram-go/storage/storagetest"
)

var ramNameCounter int64

func freshRAMName(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("ram-test-%s-%d", t.Name(), atomic.AddInt64(&ramNameCounter, 1))
}

func TestRAMBackendConformance(t *testing.T) {
	storagetest.Run(t, storagetest.Factory{
		Setup: func(name string, blockSize int, blockCount int64, opts storage.SetupOptions) (storage.Backend, error) {
			return storage.SetupRAM(name, blockSize, blockCount, opts)
		},
		Open: func(name string, opts storage.OpenOptions) (storage.Backend, error) {
			return storage.OpenRAM(name, opts)
		},
		NewName: freshRAMName,
	})
}
