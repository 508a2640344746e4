package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// s3IndexObjectSuffix names the single object that carries the storage's
// header; every other object under the same prefix is a block.
const s3IndexObjectSuffix = "PyORAMBlockStorageS3_index.txt"

// s3WorkerPoolSize bounds how many blocks are fetched or uploaded to S3
// concurrently by ReadBlocks/WriteBlocks.
const s3WorkerPoolSize = 16

// S3Options configures the S3 (or S3-compatible) backend.
type S3Options struct {
	Bucket     string
	Prefix     string // e.g. "oram/"; always written with a trailing "/".
	Region     string
	Endpoint   string // non-empty for S3-compatible providers (e.g. MinIO).
	AccessKey  string // empty to use the default AWS credential chain.
	SecretKey  string
}

type s3Backend struct {
	client     *s3.Client
	bucket     string
	prefix     string
	blockSize  int
	blockCount int64
	userHeader []byte

	// pendingWrites tracks in-flight uploads from the most recent
	// WriteBlocks call; every subsequent call on this handle awaits it
	// first, per the "await previous async write" rule.
	pendingWrites sync.WaitGroup
}

func s3Client(ctx context.Context, o S3Options) (*s3.Client, error) {
	optFns := []func(*awsconfig.LoadOptions) error{}
	if o.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(o.Region))
	}
	if o.AccessKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.AccessKey, o.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrIOTransient, err)
	}
	return s3.NewFromConfig(cfg, func(opts *s3.Options) {
		if o.Endpoint != "" {
			opts.BaseEndpoint = &o.Endpoint
			opts.UsePathStyle = true
		}
	}), nil
}

func s3Key(prefix, name string) string { return prefix + name }

func s3BlockKey(prefix string, i int64) string { return fmt.Sprintf("%sb%d", prefix, i) }

// SetupS3 creates a new S3-backed storage under opts.Prefix in opts.Bucket.
// If any step fails, every object already written is deleted, per the
// setup-failed error kind's "leave no partial artifact" contract.
func SetupS3(ctx context.Context, opts S3Options, blockSize int, blockCount int64, sopts SetupOptions) (Backend, error) {
	if blockSize <= 0 || blockCount <= 0 {
		return nil, fmt.Errorf("%w: blockSize and blockCount must be positive", ErrInvalidArgument)
	}
	prefix := normalizePrefix(opts.Prefix)

	client, err := s3Client(ctx, opts)
	if err != nil {
		return nil, err
	}

	written := make([]string, 0, blockCount+1)
	rollback := func() {
		for _, key := range written {
			_, _ = client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &opts.Bucket, Key: &key})
		}
	}

	indexKey := s3Key(prefix, s3IndexObjectSuffix)
	if !sopts.IgnoreExisting {
		if _, err := client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &opts.Bucket, Key: &indexKey}); err == nil {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrAlreadyExists, opts.Bucket, indexKey)
		}
	}

	for i := int64(0); i < blockCount; i++ {
		var data []byte
		if sopts.Initialize != nil {
			data = sopts.Initialize(i)
		}
		if data == nil {
			data = make([]byte, blockSize)
		}
		if err := validateBlock(blockSize, data); err != nil {
			rollback()
			return nil, fmt.Errorf("%w: initialize(%d): %v", ErrSetupFailed, i, err)
		}
		key := s3BlockKey(prefix, i)
		if _, err := client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: &opts.Bucket, Key: &key, Body: bytes.NewReader(data),
		}); err != nil {
			rollback()
			return nil, fmt.Errorf("%w: put block %d: %v", ErrSetupFailed, i, err)
		}
		written = append(written, key)
	}

	hdr := EncodeHeader(Header{
		BlockSize:  blockSize,
		BlockCount: blockCount,
		Locked:     true,
		UserHeader: sopts.HeaderData,
	})
	if _, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &opts.Bucket, Key: &indexKey, Body: bytes.NewReader(hdr),
	}); err != nil {
		rollback()
		return nil, fmt.Errorf("%w: put index: %v", ErrSetupFailed, err)
	}

	return &s3Backend{
		client:     client,
		bucket:     opts.Bucket,
		prefix:     prefix,
		blockSize:  blockSize,
		blockCount: blockCount,
		userHeader: append([]byte(nil), sopts.HeaderData...),
	}, nil
}

// OpenS3 opens a previously-created S3-backed storage.
func OpenS3(ctx context.Context, opts S3Options, oopts OpenOptions) (Backend, error) {
	prefix := normalizePrefix(opts.Prefix)
	client, err := s3Client(ctx, opts)
	if err != nil {
		return nil, err
	}

	indexKey := s3Key(prefix, s3IndexObjectSuffix)
	out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: &opts.Bucket, Key: &indexKey})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, opts.Bucket, indexKey)
		}
		return nil, fmt.Errorf("%w: get index: %v", ErrIOTransient, err)
	}
	raw, err := io.ReadAll(out.Body)
	out.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: read index: %v", ErrIOTransient, err)
	}

	hdr, err := DecodeHeader(raw)
	if err != nil {
		return nil, err
	}
	if hdr.Locked && !oopts.IgnoreLock {
		return nil, fmt.Errorf("%w: s3://%s/%s", ErrLocked, opts.Bucket, indexKey)
	}

	b := &s3Backend{
		client:     client,
		bucket:     opts.Bucket,
		prefix:     prefix,
		blockSize:  hdr.BlockSize,
		blockCount: hdr.BlockCount,
		userHeader: hdr.UserHeader,
	}
	if !oopts.IgnoreLock {
		if err := b.putIndex(ctx, true); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *s3Backend) putIndex(ctx context.Context, locked bool) error {
	hdr := EncodeHeader(Header{
		BlockSize:  b.blockSize,
		BlockCount: b.blockCount,
		Locked:     locked,
		UserHeader: b.userHeader,
	})
	key := s3Key(b.prefix, s3IndexObjectSuffix)
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{Bucket: &b.bucket, Key: &key, Body: bytes.NewReader(hdr)})
	if err != nil {
		return fmt.Errorf("%w: put index: %v", ErrIOTransient, err)
	}
	return nil
}

func (b *s3Backend) ReadBlock(ctx context.Context, i int64) ([]byte, error) {
	b.pendingWrites.Wait()
	if err := validateIndex(i, b.blockCount); err != nil {
		return nil, err
	}
	key := s3BlockKey(b.prefix, i)
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &b.bucket, Key: &key})
	if err != nil {
		return nil, fmt.Errorf("%w: get block %d: %v", ErrIOTransient, i, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read block %d: %v", ErrIOTransient, i, err)
	}
	return data, nil
}

// ReadBlocks fetches blocks using a bounded worker pool, preserving the
// caller's requested order in the result.
func (b *s3Backend) ReadBlocks(ctx context.Context, idx []int64) ([][]byte, error) {
	b.pendingWrites.Wait()

	out := make([][]byte, len(idx))
	errs := make([]error, len(idx))

	sem := make(chan struct{}, s3WorkerPoolSize)
	var wg sync.WaitGroup
	for pos, id := range idx {
		wg.Add(1)
		sem <- struct{}{}
		go func(pos int, id int64) {
			defer wg.Done()
			defer func() { <-sem }()
			data, err := b.ReadBlock(ctx, id)
			out[pos], errs[pos] = data, err
		}(pos, id)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (b *s3Backend) YieldBlocks(ctx context.Context, idx []int64) *BlockIterator {
	pos := 0
	return NewBlockIterator(func() ([]byte, bool, error) {
		if pos >= len(idx) {
			return nil, false, nil
		}
		data, err := b.ReadBlock(ctx, idx[pos])
		pos++
		if err != nil {
			return nil, false, err
		}
		return data, true, nil
	})
}

func (b *s3Backend) WriteBlock(ctx context.Context, i int64, data []byte) error {
	b.pendingWrites.Wait()
	return b.putBlock(ctx, i, data)
}

// putBlock performs the actual PUT without waiting on pendingWrites: it is
// called both by WriteBlock (which waits first) and by the WriteBlocks
// worker goroutines (which are themselves what pendingWrites is counting,
// so they must not wait on it too or none would ever make progress).
func (b *s3Backend) putBlock(ctx context.Context, i int64, data []byte) error {
	if err := validateIndex(i, b.blockCount); err != nil {
		return err
	}
	if err := validateBlock(b.blockSize, data); err != nil {
		return err
	}
	key := s3BlockKey(b.prefix, i)
	if _, err := b.client.PutObject(ctx, &s3.PutObjectInput{Bucket: &b.bucket, Key: &key, Body: bytes.NewReader(data)}); err != nil {
		return fmt.Errorf("%w: put block %d: %v", ErrIOTransient, i, err)
	}
	return nil
}

// WriteBlocks dispatches uploads across a bounded worker pool and only
// reports success once every dispatched upload has been observed: the
// method itself blocks until all are done, but pendingWrites is also held
// so that a caller using WriteBlock/ReadBlock concurrently on the same
// handle observes the same guarantee.
func (b *s3Backend) WriteBlocks(ctx context.Context, idx []int64, data [][]byte) error {
	if len(idx) != len(data) {
		return fmt.Errorf("%w: idx and data length mismatch", ErrInvalidArgument)
	}
	b.pendingWrites.Wait()

	errs := make([]error, len(idx))
	sem := make(chan struct{}, s3WorkerPoolSize)
	b.pendingWrites.Add(len(idx))
	var wg sync.WaitGroup
	for pos, id := range idx {
		wg.Add(1)
		sem <- struct{}{}
		go func(pos int, id int64, blk []byte) {
			defer wg.Done()
			defer b.pendingWrites.Done()
			defer func() { <-sem }()
			errs[pos] = b.putBlock(ctx, id, blk)
		}(pos, id, data[pos])
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *s3Backend) UpdateHeaderData(ctx context.Context, data []byte) error {
	b.pendingWrites.Wait()
	if len(data) != len(b.userHeader) {
		return fmt.Errorf("%w: header was %d bytes, new data is %d", ErrSizeMismatch, len(b.userHeader), len(data))
	}
	b.userHeader = append([]byte(nil), data...)
	return b.putIndex(ctx, true)
}

func (b *s3Backend) HeaderData() []byte { return append([]byte(nil), b.userHeader...) }
func (b *s3Backend) BlockSize() int     { return b.blockSize }
func (b *s3Backend) BlockCount() int64  { return b.blockCount }

func (b *s3Backend) CloneDevice(ctx context.Context) (Backend, error) {
	return &s3Backend{
		client:     b.client,
		bucket:     b.bucket,
		prefix:     b.prefix,
		blockSize:  b.blockSize,
		blockCount: b.blockCount,
		userHeader: append([]byte(nil), b.userHeader...),
	}, nil
}

func (b *s3Backend) Close(ctx context.Context) error {
	b.pendingWrites.Wait()
	return b.putIndex(ctx, false)
}

func normalizePrefix(p string) string {
	if p == "" {
		return ""
	}
	if p[len(p)-1] != '/' {
		return p + "/"
	}
	return p
}

// isNotFound reports whether err represents a missing S3 object, whether
// reported as a typed NoSuchKey error or as a generic 404 response (the
// latter covers S3-compatible providers that don't set the typed error).
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}
