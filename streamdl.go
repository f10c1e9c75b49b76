// Package streamdl turns a remote, byte-addressable resource into a local
// blocking io.ReadSeekCloser while the download proceeds concurrently in
// the background. Bytes are staged in a temporary backing file; a reader
// blocks until the offsets it wants are materialized, and out-of-order
// read positions make the downloader re-request the stream at a new
// offset. The reader never performs network or asynchronous work itself,
// so it can be handed to media decoders and other consumers that expect a
// plain seekable byte source.
package streamdl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"

	"github.com/javi11/streamdl/httpx"
	"github.com/javi11/streamdl/internal/tempfile"
)

// Settings controls a download session. The zero value means no prefetch:
// the first read unblocks as soon as the first chunk arrives.
type Settings struct {
	// PrefetchBytes is the number of bytes buffered before reads are
	// allowed through.
	PrefetchBytes int64
}

// DefaultSettings returns settings with the default prefetch threshold.
func DefaultSettings() Settings {
	return Settings{PrefetchBytes: DefaultPrefetchBytes}
}

type options struct {
	fs      afero.Fs
	tempDir string
	logger  *slog.Logger
}

// Option configures a download session.
type Option func(*options)

// WithFs overrides the filesystem the backing file is created on.
func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

// WithTempDir overrides the directory the backing file is created in.
func WithTempDir(dir string) Option {
	return func(o *options) { o.tempDir = dir }
}

// WithLogger overrides the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func applyOptions(opts []Option) options {
	o := options{
		fs:     afero.NewOsFs(),
		logger: slog.Default().With("component", "streamdl"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// StreamDownload is the blocking read+seek handle over an in-progress
// download. It implements io.Reader, io.Seeker and io.Closer. It is not
// safe for concurrent use by multiple goroutines.
type StreamDownload struct {
	handle    *SourceHandle
	fs        afero.Fs
	path      string
	writeFile afero.File
	readFile  afero.File
	pos       int64
	cancel    context.CancelFunc
	wg        *conc.WaitGroup
	logger    *slog.Logger
	closed    atomic.Bool
}

var (
	_ io.ReadSeekCloser = (*StreamDownload)(nil)
)

// NewHTTP starts a download session for url using the default HTTP stream
// source and returns the reader handle.
func NewHTTP(ctx context.Context, url string, settings Settings, opts ...Option) (*StreamDownload, error) {
	stream, err := httpx.NewStream(http.DefaultClient, url)
	if err != nil {
		return nil, fmt.Errorf("create http stream: %w", err)
	}
	return FromStream(ctx, stream, settings, opts...)
}

// FromStream starts a download session consuming a caller-supplied stream
// source and returns the reader handle. Ownership of the stream passes to
// the session; it is closed when the download goroutine exits.
func FromStream(ctx context.Context, stream SourceStream, settings Settings, opts ...Option) (*StreamDownload, error) {
	o := applyOptions(opts)

	writeFile, path, err := tempfile.Create(o.fs, o.tempDir)
	if err != nil {
		return nil, fmt.Errorf("create backing file: %w", err)
	}

	readFile, err := o.fs.Open(path)
	if err != nil {
		writeFile.Close()
		tempfile.Remove(o.fs, path)
		return nil, fmt.Errorf("open backing file read view: %w", err)
	}

	logger := o.logger.With("backing_file", path)
	src := newSource(writeFile, logger)

	ctx, cancel := context.WithCancel(ctx)
	wg := conc.NewWaitGroup()
	wg.Go(func() {
		src.Download(ctx, stream, settings.PrefetchBytes)
	})

	return &StreamDownload{
		handle:    src.Handle(),
		fs:        o.fs,
		path:      path,
		writeFile: writeFile,
		readFile:  readFile,
		cancel:    cancel,
		wg:        wg,
		logger:    logger,
	}, nil
}

// ContentLength blocks until the origin has been asked for the resource
// size, then returns it. -1 means the origin did not advertise one.
func (s *StreamDownload) ContentLength() int64 {
	return s.handle.ContentLength()
}

// Downloaded returns a snapshot of the byte ranges materialized so far.
func (s *StreamDownload) Downloaded() []Range {
	return s.handle.Downloaded()
}

// DownloadedBytes returns the total number of materialized bytes.
func (s *StreamDownload) DownloadedBytes() int64 {
	return s.handle.DownloadedBytes()
}

// Read reads up to len(p) bytes at the current cursor. When no byte at the
// cursor is materialized, it posts cursor+len(p), capped at the content
// length, as the requested position and blocks until the write head reaches
// it or the download terminates. It returns a short read when only part of
// p is contiguously available.
func (s *StreamDownload) Read(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, fmt.Errorf("streamdl: read: %w", os.ErrClosed)
	}
	if len(p) == 0 {
		return 0, nil
	}

	length := s.handle.ContentLength()
	if length >= 0 && s.pos >= length {
		return 0, io.EOF
	}

	k := s.available(int64(len(p)))
	if k == 0 {
		requested := s.pos + int64(len(p))
		if length >= 0 && requested > length {
			requested = length
		}
		s.handle.RequestPosition(requested)
		// The downloader may have materialized the cursor between the
		// availability check and the request post; re-check before
		// sleeping so a satisfied request never waits for the next chunk.
		if s.available(1) == 0 {
			s.handle.WaitForRequestedPosition()
		}
		k = s.available(int64(len(p)))
		if k == 0 {
			if err := s.handle.TerminalErr(); err != nil {
				return 0, fmt.Errorf("streamdl: download terminated: %w", err)
			}
			return 0, io.EOF
		}
	}

	n, err := s.readFile.ReadAt(p[:k], s.pos)
	s.pos += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("streamdl: backing file read: %w", err)
	}
	return n, nil
}

// Seek moves the read cursor. When the target offset is outside the
// materialized range currently being extended, the downloader is asked to
// re-request the stream there; the ask is best-effort and the next Read
// republishes the position if it was dropped.
func (s *StreamDownload) Seek(offset int64, whence int) (int64, error) {
	if s.closed.Load() {
		return 0, fmt.Errorf("streamdl: seek: %w", os.ErrClosed)
	}

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.pos + offset
	case io.SeekEnd:
		length := s.handle.ContentLength()
		if length < 0 {
			return 0, errors.New("streamdl: seek from end: content length unknown")
		}
		abs = length + offset
	default:
		return 0, fmt.Errorf("streamdl: seek: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("streamdl: seek to negative offset %d", abs)
	}

	if s.shouldRequestRange(abs) {
		s.handle.Seek(abs)
	}
	s.pos = abs
	return abs, nil
}

// shouldRequestRange mirrors the downloader's own seek predicate: no
// re-request when the target sits in a materialized range that still
// contains the write head, and none for offsets past the known end of the
// resource.
func (s *StreamDownload) shouldRequestRange(abs int64) bool {
	if length := s.handle.ContentLength(); length >= 0 && abs >= length {
		return false
	}
	if rng, ok := s.handle.downloadedRange(abs); ok && rng.Contains(s.handle.Position()) {
		return false
	}
	return true
}

// Close tears the session down: it stops the downloader, waits for it to
// exit, closes both views of the backing file and unlinks it.
func (s *StreamDownload) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.cancel()
	s.wg.Wait()

	var errs []error
	if err := s.writeFile.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.readFile.Close(); err != nil {
		errs = append(errs, err)
	}
	tempfile.Remove(s.fs, s.path)
	return errors.Join(errs...)
}

// available returns the largest contiguous byte count, at most max, that is
// materialized starting at the current cursor.
func (s *StreamDownload) available(max int64) int64 {
	rng, ok := s.handle.downloadedRange(s.pos)
	if !ok {
		return 0
	}
	return min(rng.End-s.pos, max)
}
