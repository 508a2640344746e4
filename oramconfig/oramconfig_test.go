package oramconfig_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/etclab/pathoram-go/oramconfig"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "oram.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "backend: ram\nlocation: test-loc\nn: 16\nb: 32\n")

	doc, err := oramconfig.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Z != 4 || doc.K != 2 || doc.KeySize != 32 || doc.Logging != "info" {
		t.Fatalf("defaults not applied: %+v", doc)
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	path := writeConfig(t, "backend: file\nlocation: ./oram.bin\nn: 16\nb: 32\nz: 4\nk: 2\nkey_size: 24\nstash_limit: 64\nlogging: warn\n")

	doc, err := oramconfig.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	savedPath := filepath.Join(t.TempDir(), "saved.yaml")
	if err := doc.Save(savedPath); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := oramconfig.Load(savedPath)
	if err != nil {
		t.Fatalf("Load (reloaded): %v", err)
	}
	if *reloaded != *doc {
		t.Fatalf("round trip mismatch: got %+v, want %+v", reloaded, doc)
	}
}

func TestDocumentSetupOpenWithCachedLevels(t *testing.T) {
	ctx := context.Background()
	path := writeConfig(t, "backend: ram\nlocation: oramconfig-cached\nn: 32\nb: 16\nz: 4\nk: 2\ncached_levels: 2\n")

	doc, err := oramconfig.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	p, posMap, stash, key, err := doc.Setup(ctx, nil)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	payload := bytes.Repeat([]byte{0x3c}, 16)
	if err := p.WriteBlock(ctx, 7, payload); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := doc.Open(ctx, key, posMap, stash)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close(ctx)

	got, err := reopened.ReadBlock(ctx, 7)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("ReadBlock(7) = %x, want %x", got, payload)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	path := writeConfig(t, "backend: carrier-pigeon\nn: 16\nb: 32\n")

	if _, err := oramconfig.Load(path); !errors.Is(err, oramconfig.ErrInvalidDocument) {
		t.Fatalf("Load err = %v, want ErrInvalidDocument", err)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := writeConfig(t, "backend: ram\nn: 16\nb: 32\nbogus_field: true\n")

	if _, err := oramconfig.Load(path); err == nil {
		t.Fatalf("Load with unknown field: want error, got nil")
	}
}

func TestLoadRejectsMissingN(t *testing.T) {
	path := writeConfig(t, "backend: ram\nb: 32\n")

	if _, err := oramconfig.Load(path); !errors.Is(err, oramconfig.ErrInvalidDocument) {
		t.Fatalf("Load err = %v, want ErrInvalidDocument", err)
	}
}

func TestDocumentSetupOpenRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := writeConfig(t, "backend: ram\nlocation: oramconfig-roundtrip\nn: 8\nb: 16\nz: 4\nk: 2\n")

	doc, err := oramconfig.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	p, posMap, stash, key, err := doc.Setup(ctx, nil)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	payload := bytes.Repeat([]byte{0x5a}, 16)
	if err := p.WriteBlock(ctx, 2, payload); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := doc.Open(ctx, key, posMap, stash)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close(ctx)

	got, err := reopened.ReadBlock(ctx, 2)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("ReadBlock(2) = %x, want %x", got, payload)
	}
}
