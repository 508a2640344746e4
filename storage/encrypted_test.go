package storage_test

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/etclab/pathoram-go/aesctr"
	"github.com/etclab/pathoram-go/storage"
)

var encNameCounter int64

func TestEncryptedBlockStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	const logical = 32

	key, err := aesctr.KeyGen(32)
	if err != nil {
		t.Fatalf("KeyGen: %v", err)
	}

	name := fmt.Sprintf("enc-test-%d", atomic.AddInt64(&encNameCounter, 1))
	backend, err := storage.SetupRAM(name, storage.PhysicalBlockSize(logical), 4, storage.SetupOptions{})
	if err != nil {
		t.Fatalf("SetupRAM: %v", err)
	}
	defer backend.Close(ctx)

	enc, err := storage.NewEncryptedBlockStorage(backend, key, logical)
	if err != nil {
		t.Fatalf("NewEncryptedBlockStorage: %v", err)
	}

	want := bytes.Repeat([]byte{0xAB}, logical)
	if err := enc.WriteBlock(ctx, 2, want); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	raw, err := backend.ReadBlock(ctx, 2)
	if err != nil {
		t.Fatalf("raw ReadBlock: %v", err)
	}
	if bytes.Equal(raw, want) {
		t.Fatalf("underlying backend holds plaintext, want ciphertext")
	}

	got, err := enc.ReadBlock(ctx, 2)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("ReadBlock = %x, want %x", got, want)
	}
}

func TestEncryptedBlockStorageHeaderEncryptedAtRest(t *testing.T) {
	ctx := context.Background()
	const logical = 16

	key, err := aesctr.KeyGen(16)
	if err != nil {
		t.Fatalf("KeyGen: %v", err)
	}

	plain := []byte("0123456789abcdef")
	ct, err := aesctr.Encrypt(key, plain)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	name := fmt.Sprintf("enc-header-%d", atomic.AddInt64(&encNameCounter, 1))
	backend, err := storage.SetupRAM(name, storage.PhysicalBlockSize(logical), 2, storage.SetupOptions{HeaderData: ct})
	if err != nil {
		t.Fatalf("SetupRAM: %v", err)
	}

	enc, err := storage.NewEncryptedBlockStorage(backend, key, logical)
	if err != nil {
		t.Fatalf("NewEncryptedBlockStorage: %v", err)
	}
	if !bytes.Equal(enc.HeaderData(), plain) {
		t.Fatalf("HeaderData() = %q, want %q", enc.HeaderData(), plain)
	}
	if bytes.Equal(backend.HeaderData(), plain) {
		t.Fatalf("backend holds plaintext header, want ciphertext")
	}

	updated := []byte("fedcba9876543210")
	if err := enc.UpdateHeaderData(ctx, updated); err != nil {
		t.Fatalf("UpdateHeaderData: %v", err)
	}
	if bytes.Equal(backend.HeaderData(), updated) {
		t.Fatalf("backend holds plaintext updated header, want ciphertext")
	}
	if !bytes.Equal(enc.HeaderData(), updated) {
		t.Fatalf("HeaderData() after update = %q, want %q", enc.HeaderData(), updated)
	}

	if err := backend.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	reopened, err := storage.OpenRAM(name, storage.OpenOptions{})
	if err != nil {
		t.Fatalf("OpenRAM: %v", err)
	}
	defer reopened.Close(ctx)
	enc2, err := storage.NewEncryptedBlockStorage(reopened, key, logical)
	if err != nil {
		t.Fatalf("NewEncryptedBlockStorage (reopened): %v", err)
	}
	if !bytes.Equal(enc2.HeaderData(), updated) {
		t.Fatalf("after reopen HeaderData() = %q, want %q", enc2.HeaderData(), updated)
	}
}

func TestEncryptedBlockStorageWrongBackendSize(t *testing.T) {
	name := fmt.Sprintf("enc-mismatch-%d", atomic.AddInt64(&encNameCounter, 1))
	backend, err := storage.SetupRAM(name, 32, 4, storage.SetupOptions{})
	if err != nil {
		t.Fatalf("SetupRAM: %v", err)
	}
	defer backend.Close(context.Background())

	key, _ := aesctr.KeyGen(16)
	if _, err := storage.NewEncryptedBlockStorage(backend, key, 32); err == nil {
		t.Fatalf("NewEncryptedBlockStorage: want error for mismatched block size")
	}
}

func TestEncryptedBlockStorageFreshCiphertextPerWrite(t *testing.T) {
	ctx := context.Background()
	const logical = 16
	key, _ := aesctr.KeyGen(16)

	name := fmt.Sprintf("enc-fresh-%d", atomic.AddInt64(&encNameCounter, 1))
	backend, err := storage.SetupRAM(name, storage.PhysicalBlockSize(logical), 2, storage.SetupOptions{})
	if err != nil {
		t.Fatalf("SetupRAM: %v", err)
	}
	defer backend.Close(ctx)

	enc, err := storage.NewEncryptedBlockStorage(backend, key, logical)
	if err != nil {
		t.Fatalf("NewEncryptedBlockStorage: %v", err)
	}

	plaintext := bytes.Repeat([]byte{0x11}, logical)
	if err := enc.WriteBlock(ctx, 0, plaintext); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	first, _ := backend.ReadBlock(ctx, 0)
	if err := enc.WriteBlock(ctx, 0, plaintext); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	second, _ := backend.ReadBlock(ctx, 0)

	if bytes.Equal(first, second) {
		t.Fatalf("identical plaintext produced identical ciphertext across writes")
	}
}
