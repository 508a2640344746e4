package storage

import (
	"context"
	"fmt"
)

// Tag identifies a concrete backend by name, as used in configuration files
// and the factory below.
type Tag string

const (
	TagRAM  Tag = "ram"
	TagFile Tag = "file"
	TagMmap Tag = "mmap"
	TagS3   Tag = "s3"
	TagSFTP Tag = "sftp"
)

// Params bundles every backend's constructor arguments behind one type, so
// that callers picking a backend by configuration tag don't need a switch
// of their own. Only the fields relevant to Tag need be set.
type Params struct {
	// RAM, File, Mmap
	Location string

	// S3
	S3 S3Options

	// SFTP
	SFTP SFTPOptions
}

// Setup dispatches to the concrete backend named by tag.
func Setup(ctx context.Context, tag Tag, p Params, blockSize int, blockCount int64, opts SetupOptions) (Backend, error) {
	switch tag {
	case TagRAM:
		return SetupRAM(p.Location, blockSize, blockCount, opts)
	case TagFile:
		return SetupFile(p.Location, blockSize, blockCount, opts)
	case TagMmap:
		return SetupMmap(p.Location, blockSize, blockCount, opts)
	case TagS3:
		return SetupS3(ctx, p.S3, blockSize, blockCount, opts)
	case TagSFTP:
		return SetupSFTP(ctx, p.SFTP, blockSize, blockCount, opts)
	default:
		return nil, fmt.Errorf("%w: unknown backend tag %q", ErrInvalidArgument, tag)
	}
}

// Open dispatches to the concrete backend named by tag.
func Open(ctx context.Context, tag Tag, p Params, opts OpenOptions) (Backend, error) {
	switch tag {
	case TagRAM:
		return OpenRAM(p.Location, opts)
	case TagFile:
		return OpenFile(p.Location, opts)
	case TagMmap:
		return OpenMmap(p.Location, opts)
	case TagS3:
		return OpenS3(ctx, p.S3, opts)
	case TagSFTP:
		return OpenSFTP(ctx, p.SFTP, opts)
	default:
		return nil, fmt.Errorf("%w: unknown backend tag %q", ErrInvalidArgument, tag)
	}
}
