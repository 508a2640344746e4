package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPOptions configures the SFTP backend. It dials a single connection and
// holds it open for the lifetime of the returned Backend.
type SFTPOptions struct {
	Addr       string // host:port
	User       string
	Password   string // used if KeyFile is empty
	KeyFile    string // path to a PEM-encoded private key
	RemoteDir  string // directory holding the storage's files
	HostKeyCallback ssh.HostKeyCallback // defaults to ssh.InsecureIgnoreHostKey if nil
}

const sftpHeaderFile = "header"

type sftpBackend struct {
	conn       *ssh.Client
	client     *sftp.Client
	dir        string
	blockSize  int
	blockCount int64
	userHeader []byte
	holdsLock  bool
	// sharedConn is true for handles returned by CloneDevice, which reuse
	// the original handle's transport; Close on such a handle must not
	// tear down the shared connection.
	sharedConn bool
}

func dialSFTP(o SFTPOptions) (*ssh.Client, *sftp.Client, error) {
	auth := []ssh.AuthMethod{ssh.Password(o.Password)}
	if o.KeyFile != "" {
		key, err := os.ReadFile(o.KeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: read key file: %v", ErrIOTransient, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: parse key file: %v", ErrIOTransient, err)
		}
		auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	}

	hostKeyCallback := o.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	conn, err := ssh.Dial("tcp", o.Addr, &ssh.ClientConfig{
		User:            o.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: dial %s: %v", ErrIOTransient, o.Addr, err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("%w: new sftp client: %v", ErrIOTransient, err)
	}
	return conn, client, nil
}

func (o SFTPOptions) headerPath() string { return path.Join(o.RemoteDir, sftpHeaderFile) }
func (o SFTPOptions) blockPath(i int64) string {
	return path.Join(o.RemoteDir, fmt.Sprintf("b%d", i))
}

// SetupSFTP creates a new SFTP-backed storage under opts.RemoteDir.
func SetupSFTP(ctx context.Context, opts SFTPOptions, blockSize int, blockCount int64, sopts SetupOptions) (Backend, error) {
	if blockSize <= 0 || blockCount <= 0 {
		return nil, fmt.Errorf("%w: blockSize and blockCount must be positive", ErrInvalidArgument)
	}

	conn, client, err := dialSFTP(opts)
	if err != nil {
		return nil, err
	}

	headerPath := opts.headerPath()
	if !sopts.IgnoreExisting {
		if _, err := client.Stat(headerPath); err == nil {
			client.Close()
			conn.Close()
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, headerPath)
		}
	}
	if err := client.MkdirAll(opts.RemoteDir); err != nil {
		client.Close()
		conn.Close()
		return nil, fmt.Errorf("%w: mkdir %s: %v", ErrSetupFailed, opts.RemoteDir, err)
	}

	b := &sftpBackend{
		conn:       conn,
		client:     client,
		dir:        opts.RemoteDir,
		blockSize:  blockSize,
		blockCount: blockCount,
		userHeader: append([]byte(nil), sopts.HeaderData...),
		holdsLock:  true,
	}

	rollback := func() {
		for i := int64(0); i < blockCount; i++ {
			client.Remove(opts.blockPath(i))
		}
		client.Remove(headerPath)
		client.Close()
		conn.Close()
	}

	if err := b.writeRemoteFile(headerPath, EncodeHeader(Header{
		BlockSize: blockSize, BlockCount: blockCount, Locked: true, UserHeader: b.userHeader,
	})); err != nil {
		rollback()
		return nil, fmt.Errorf("%w: write header: %v", ErrSetupFailed, err)
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
		if err := b.writeRemoteFile(opts.blockPath(i), data); err != nil {
			rollback()
			return nil, fmt.Errorf("%w: write block %d: %v", ErrSetupFailed, i, err)
		}
	}

	return b, nil
}

// OpenSFTP opens a previously-created SFTP-backed storage.
func OpenSFTP(ctx context.Context, opts SFTPOptions, oopts OpenOptions) (Backend, error) {
	conn, client, err := dialSFTP(opts)
	if err != nil {
		return nil, err
	}

	raw, err := readRemoteFile(client, opts.headerPath())
	if err != nil {
		client.Close()
		conn.Close()
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, opts.headerPath())
		}
		return nil, fmt.Errorf("%w: read header: %v", ErrIOTransient, err)
	}
	hdr, err := DecodeHeader(raw)
	if err != nil {
		client.Close()
		conn.Close()
		return nil, err
	}
	if hdr.Locked && !oopts.IgnoreLock {
		client.Close()
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrLocked, opts.RemoteDir)
	}

	b := &sftpBackend{
		conn:       conn,
		client:     client,
		dir:        opts.RemoteDir,
		blockSize:  hdr.BlockSize,
		blockCount: hdr.BlockCount,
		userHeader: hdr.UserHeader,
		holdsLock:  !oopts.IgnoreLock,
	}
	if b.holdsLock {
		if err := b.writeHeaderLocked(true); err != nil {
			client.Close()
			conn.Close()
			return nil, err
		}
	}
	return b, nil
}

func readRemoteFile(client *sftp.Client, p string) ([]byte, error) {
	f, err := client.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (b *sftpBackend) writeRemoteFile(p string, data []byte) error {
	f, err := b.client.Create(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

func (b *sftpBackend) writeHeaderLocked(locked bool) error {
	hdr := EncodeHeader(Header{
		BlockSize: b.blockSize, BlockCount: b.blockCount, Locked: locked, UserHeader: b.userHeader,
	})
	if err := b.writeRemoteFile(path.Join(b.dir, sftpHeaderFile), hdr); err != nil {
		return fmt.Errorf("%w: write header: %v", ErrIOTransient, err)
	}
	return nil
}

func (b *sftpBackend) blockPath(i int64) string { return path.Join(b.dir, fmt.Sprintf("b%d", i)) }

func (b *sftpBackend) ReadBlock(ctx context.Context, i int64) ([]byte, error) {
	if err := validateIndex(i, b.blockCount); err != nil {
		return nil, err
	}
	data, err := readRemoteFile(b.client, b.blockPath(i))
	if err != nil {
		return nil, fmt.Errorf("%w: read block %d: %v", ErrIOTransient, i, err)
	}
	if err := validateBlock(b.blockSize, data); err != nil {
		return nil, err
	}
	return data, nil
}

// ReadBlocks fetches blocks sequentially over the single SFTP session; the
// protocol multiplexes requests internally, so a single connection already
// pipelines well without a separate worker pool.
func (b *sftpBackend) ReadBlocks(ctx context.Context, idx []int64) ([][]byte, error) {
	out := make([][]byte, len(idx))
	for i, id := range idx {
		data, err := b.ReadBlock(ctx, id)
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

func (b *sftpBackend) YieldBlocks(ctx context.Context, idx []int64) *BlockIterator {
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

func (b *sftpBackend) WriteBlock(ctx context.Context, i int64, data []byte) error {
	if err := validateIndex(i, b.blockCount); err != nil {
		return err
	}
	if err := validateBlock(b.blockSize, data); err != nil {
		return err
	}
	if err := b.writeRemoteFile(b.blockPath(i), data); err != nil {
		return fmt.Errorf("%w: write block %d: %v", ErrIOTransient, i, err)
	}
	return nil
}

func (b *sftpBackend) WriteBlocks(ctx context.Context, idx []int64, data [][]byte) error {
	if len(idx) != len(data) {
		return fmt.Errorf("%w: idx and data length mismatch", ErrInvalidArgument)
	}
	for i, id := range idx {
		if err := b.WriteBlock(ctx, id, data[i]); err != nil {
			return err
		}
	}
	return nil
}

func (b *sftpBackend) UpdateHeaderData(ctx context.Context, data []byte) error {
	if len(data) != len(b.userHeader) {
		return fmt.Errorf("%w: header was %d bytes, new data is %d", ErrSizeMismatch, len(b.userHeader), len(data))
	}
	b.userHeader = append([]byte(nil), data...)
	return b.writeHeaderLocked(b.holdsLock)
}

func (b *sftpBackend) HeaderData() []byte { return append([]byte(nil), b.userHeader...) }
func (b *sftpBackend) BlockSize() int     { return b.blockSize }
func (b *sftpBackend) BlockCount() int64  { return b.blockCount }

// CloneDevice returns a lock-free handle sharing the same SFTP session,
// since the backend does not retain the credentials needed to dial a
// second connection. Concurrent block I/O through the shared session is
// safe: the underlying SSH/SFTP protocol multiplexes requests.
func (b *sftpBackend) CloneDevice(ctx context.Context) (Backend, error) {
	return &sftpBackend{
		conn:       b.conn,
		client:     b.client,
		dir:        b.dir,
		blockSize:  b.blockSize,
		blockCount: b.blockCount,
		userHeader: append([]byte(nil), b.userHeader...),
		holdsLock:  false,
		sharedConn: true,
	}, nil
}

func (b *sftpBackend) Close(ctx context.Context) error {
	if b.holdsLock {
		if err := b.writeHeaderLocked(false); err != nil {
			if !b.sharedConn {
				b.client.Close()
				b.conn.Close()
			}
			return err
		}
	}
	if b.sharedConn {
		return nil
	}
	b.client.Close()
	return b.conn.Close()
}
