// Package oramconfig is the single ambient entry point for wiring up a Path
// ORAM instance from a YAML document: backend selection, heap geometry, key
// size, and logging, instead of assembling every layer by hand.
package oramconfig

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/etclab/pathoram-go/aesctr"
	"github.com/etclab/pathoram-go/pathoram"
	"github.com/etclab/pathoram-go/storage"
)

// Document is the top-level YAML-tagged configuration for a Path ORAM
// instance. It owns no business logic of its own, only wiring.
type Document struct {
	// Backend selects the storage transport: "ram", "file", "mmap", "s3", or
	// "sftp".
	Backend string `yaml:"backend"`

	Location string          `yaml:"location"`
	S3       *storage.S3Options   `yaml:"s3,omitempty"`
	SFTP     *storage.SFTPOptions `yaml:"sftp,omitempty"`

	N          int64 `yaml:"n"`           // logical block count
	B          int   `yaml:"b"`           // logical block (payload) size, bytes
	Z          int64 `yaml:"z"`           // blocks per bucket
	K          int64 `yaml:"k"`           // heap arity
	KeySize    int   `yaml:"key_size"`    // AES key size in bytes: 16, 24, or 32
	StashLimit int   `yaml:"stash_limit"` // 0 means unbounded (no enforcement)

	// CachedLevels, when > 0, pins the top levels of the heap in memory via
	// heap.TopCached instead of using the plain encrypted heap store. 0
	// disables caching.
	CachedLevels int64 `yaml:"cached_levels"`

	// Logging controls the verbosity of the zerolog.Logger this Document
	// hands to components it wires up. One of "debug", "info", "warn",
	// "error", "disabled". Defaults to "info".
	Logging string `yaml:"logging"`
}

// ErrInvalidDocument is returned by Load/Validate when required fields are
// missing or out of range.
var ErrInvalidDocument = fmt.Errorf("oramconfig: invalid document")

// Load reads and strictly unmarshals a YAML document from path, then
// validates it.
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("oramconfig: read %s: %w", path, err)
	}

	doc := &Document{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(doc); err != nil {
		return nil, fmt.Errorf("oramconfig: parse %s: %w", path, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Save marshals the document as YAML and writes it to path.
func (d *Document) Save(path string) error {
	raw, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("oramconfig: marshal: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("oramconfig: write %s: %w", path, err)
	}
	return nil
}

// Validate checks the document for missing or out-of-range fields and
// applies defaults (KeySize, Z, K, Logging).
func (d *Document) Validate() error {
	switch d.Backend {
	case "ram", "file", "mmap", "s3", "sftp":
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidDocument, d.Backend)
	}
	if d.N <= 0 {
		return fmt.Errorf("%w: n must be positive", ErrInvalidDocument)
	}
	if d.B <= 0 {
		return fmt.Errorf("%w: b must be positive", ErrInvalidDocument)
	}
	if d.Z == 0 {
		d.Z = 4
	}
	if d.K == 0 {
		d.K = 2
	}
	if d.K < 2 {
		return fmt.Errorf("%w: k must be >= 2", ErrInvalidDocument)
	}
	switch d.KeySize {
	case 0:
		d.KeySize = 32
	case 16, 24, 32:
	default:
		return fmt.Errorf("%w: key_size must be 16, 24, or 32", ErrInvalidDocument)
	}
	if d.Logging == "" {
		d.Logging = "info"
	}
	return nil
}

func (d *Document) tag() storage.Tag { return storage.Tag(d.Backend) }

func (d *Document) params() storage.Params {
	p := storage.Params{Location: d.Location}
	if d.S3 != nil {
		p.S3 = *d.S3
	}
	if d.SFTP != nil {
		p.SFTP = *d.SFTP
	}
	return p
}

// Logger builds the zerolog.Logger this document's verbosity implies,
// writing to stderr. Backend takes it as an explicit parameter and
// Setup/Open build it here; the storage and pathoram constructors they call
// take no logger, so all logging happens in this package.
func (d *Document) Logger() (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(d.Logging)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("%w: logging: %v", ErrInvalidDocument, err)
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger(), nil
}

// Backend dispatches through the storage factory using this document's
// backend tag and connection settings, logging the open attempt.
func (d *Document) Backend(ctx context.Context, logger zerolog.Logger) (storage.Backend, error) {
	logger.Debug().Str("backend", d.Backend).Str("location", d.Location).Msg("opening storage backend")
	backend, err := storage.Open(ctx, d.tag(), d.params(), storage.OpenOptions{})
	if err != nil {
		logger.Error().Err(err).Msg("open storage backend failed")
		return nil, err
	}
	return backend, nil
}

// Setup creates a fresh Path ORAM instance per this document's geometry. It
// is the one-call entry point most callers use instead of computing bucket
// counts and wiring storage/heap/treeoram/pathoram by hand.
func (d *Document) Setup(ctx context.Context, initialize func(id int64) []byte) (*pathoram.PathORAM, pathoram.PositionMap, pathoram.Stash, aesctr.Key, error) {
	logger, err := d.Logger()
	if err != nil {
		return nil, nil, nil, aesctr.Key{}, err
	}
	logger.Info().Str("backend", d.Backend).Int64("n", d.N).Int("b", d.B).Int64("z", d.Z).Int64("k", d.K).Msg("setting up path oram")

	p, posMap, stash, key, err := pathoram.Setup(ctx, d.tag(), d.params(), d.B, d.N, d.Z, d.K, d.KeySize, pathoram.SetupOptions{
		Initialize:   initialize,
		StashLimit:   d.StashLimit,
		CachedLevels: d.CachedLevels,
	})
	if err != nil {
		logger.Error().Err(err).Msg("path oram setup failed")
		return nil, nil, nil, aesctr.Key{}, err
	}
	return p, posMap, stash, key, nil
}

// Open reopens a Path ORAM instance previously created by Setup, per this
// document's geometry and backend connection settings.
func (d *Document) Open(ctx context.Context, key aesctr.Key, posMap pathoram.PositionMap, stash pathoram.Stash) (*pathoram.PathORAM, error) {
	logger, err := d.Logger()
	if err != nil {
		return nil, err
	}

	p, err := pathoram.Open(ctx, d.tag(), d.params(), d.B, key, posMap, stash, pathoram.OpenOptions{
		StashLimit:   d.StashLimit,
		CachedLevels: d.CachedLevels,
	})
	if err != nil {
		if errors.Is(err, pathoram.ErrDigestMismatch) {
			logger.Warn().Msg("stash or position map digest mismatch on reopen")
		}
		return nil, err
	}
	logger.Info().Str("backend", d.Backend).Msg("reopened path oram")
	return p, nil
}
