package storage_test

import (
	"path/filepath"
	"testing"

	"github.com/etclab/pathoram-go/storage"
	"github.com/etclab/pathoram-go/storage/storagetest"
)

func freshFilePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "oram.bin")
}

func TestFileBackendConformance(t *testing.T) {
	storagetest.Run(t, storagetest.Factory{
		Setup: func(name string, blockSize int, blockCount int64, opts storage.SetupOptions) (storage.Backend, error) {
			return storage.SetupFile(name, blockSize, blockCount, opts)
		},
		Open: func(name string, opts storage.OpenOptions) (storage.Backend, error) {
			return storage.OpenFile(name, opts)
		},
		NewName: freshFilePath,
	})
}
