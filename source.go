package streamdl

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"
)

const (
	// DefaultPrefetchBytes is the number of bytes buffered before the first
	// read is allowed through. Sized to hold the typical header of the media
	// formats this library is used with.
	DefaultPrefetchBytes = 256 * 1024

	seekQueueSize = 32

	lengthUnknown = -1
	noRequest     = -1
)

// SourceStream produces an ordered sequence of byte chunks from a remote
// resource. It is consumed by exactly one downloader goroutine: Next and
// Seek are never called concurrently, and a seek queued while a chunk is in
// flight is serviced before the next pull.
type SourceStream interface {
	// ContentLength returns the total resource size in bytes, or -1 when the
	// origin did not advertise one. A failure here is remembered and
	// surfaced by the next Next call.
	ContentLength(ctx context.Context) int64

	// Next returns the next chunk of the stream. io.EOF signals a clean end
	// of stream; any other error is terminal. Implementations must honor
	// context cancellation while blocked.
	Next(ctx context.Context) ([]byte, error)

	// Seek repositions the stream so that the next chunk produced starts at
	// pos. For ranged origins this issues a new range request.
	Seek(ctx context.Context, pos int64) error

	// Close releases any transport resources held by the stream.
	Close() error
}

// SourceHandle is the synchronization substrate shared between the
// downloader goroutine and the blocking reader. All scalars are
// sequentially-consistent atomics; the range set sits behind a
// reader-writer lock; the two condition pairs follow the mutex+flag
// pattern where the flag is the predicate and every value the waiter
// needs is published through the atomics before the flag flips.
type SourceHandle struct {
	mu         sync.RWMutex
	downloaded *Ranges

	position          atomic.Int64 // write head
	requestedPosition atomic.Int64 // noRequest while nobody waits
	contentLength     atomic.Int64 // lengthUnknown until retrieved
	pendingSeeks      atomic.Int64 // enqueued but not yet serviced

	lengthMu   sync.Mutex
	lengthCond *sync.Cond
	lengthSet  bool

	reachedMu   sync.Mutex
	reachedCond *sync.Cond
	streamDone  bool
	shutdown    bool
	terminalErr error

	seekCh chan int64
}

func newSourceHandle() *SourceHandle {
	h := &SourceHandle{
		downloaded: NewRanges(),
		seekCh:     make(chan int64, seekQueueSize),
	}
	h.lengthCond = sync.NewCond(&h.lengthMu)
	h.reachedCond = sync.NewCond(&h.reachedMu)
	h.requestedPosition.Store(noRequest)
	h.contentLength.Store(lengthUnknown)
	return h
}

// Position returns the offset at which the downloader will write the next
// incoming byte.
func (h *SourceHandle) Position() int64 {
	return h.position.Load()
}

// ContentLength blocks until the downloader has asked the stream for the
// resource size, then returns it. -1 means the origin did not advertise one.
func (h *SourceHandle) ContentLength() int64 {
	h.lengthMu.Lock()
	for !h.lengthSet {
		h.lengthCond.Wait()
	}
	h.lengthMu.Unlock()
	return h.contentLength.Load()
}

// RequestPosition posts the smallest offset the reader is about to block on.
func (h *SourceHandle) RequestPosition(pos int64) {
	h.requestedPosition.Store(pos)
}

// WaitForRequestedPosition blocks until the downloader has reached the
// posted position or the stream has terminated. A cleanly-finished stream
// with seek requests still in flight does not count as terminated: one of
// those seeks may revive the download and satisfy the request.
func (h *SourceHandle) WaitForRequestedPosition() {
	h.reachedMu.Lock()
	for h.requestedPosition.Load() != noRequest {
		if h.streamDone && (h.pendingSeeks.Load() == 0 || h.terminalErr != nil || h.shutdown) {
			break
		}
		h.reachedCond.Wait()
	}
	h.reachedMu.Unlock()
}

// Seek posts a seek target for the downloader. The send is best-effort: on a
// full queue the request is dropped and the reader's next Read republishes
// the offset through the requested-position path.
func (h *SourceHandle) Seek(pos int64) bool {
	h.pendingSeeks.Add(1)
	select {
	case h.seekCh <- pos:
		return true
	default:
		h.pendingSeeks.Add(-1)
		return false
	}
}

// Downloaded returns a snapshot of the materialized byte ranges.
func (h *SourceHandle) Downloaded() []Range {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.downloaded.Items()
}

// DownloadedBytes returns the total number of materialized bytes.
func (h *SourceHandle) DownloadedBytes() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.downloaded.Size()
}

// TerminalErr returns the error that terminated the download, if any.
func (h *SourceHandle) TerminalErr() error {
	h.reachedMu.Lock()
	defer h.reachedMu.Unlock()
	return h.terminalErr
}

func (h *SourceHandle) downloadedRange(off int64) (Range, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.downloaded.Containing(off)
}

func (h *SourceHandle) insertDownloaded(start, end int64) {
	h.mu.Lock()
	h.downloaded.Insert(start, end)
	h.mu.Unlock()
}

func (h *SourceHandle) setContentLength(length int64) {
	h.contentLength.Store(length)
	h.lengthMu.Lock()
	h.lengthSet = true
	h.lengthCond.Broadcast()
	h.lengthMu.Unlock()
}

// releaseWaiter clears the posted request and wakes the reader. The store
// happens before the lock so the waiter's predicate re-check observes it.
func (h *SourceHandle) releaseWaiter() {
	h.requestedPosition.Store(noRequest)
	h.reachedMu.Lock()
	h.reachedCond.Broadcast()
	h.reachedMu.Unlock()
}

func (h *SourceHandle) markStreamDone(err error, shutdown bool) {
	h.reachedMu.Lock()
	h.streamDone = true
	if shutdown {
		h.shutdown = true
	}
	if err != nil && h.terminalErr == nil {
		h.terminalErr = err
	}
	h.reachedCond.Broadcast()
	h.reachedMu.Unlock()
}

func (h *SourceHandle) clearStreamDone() {
	h.reachedMu.Lock()
	if h.terminalErr == nil && !h.shutdown {
		h.streamDone = false
	}
	h.reachedMu.Unlock()
}

// seekServiced marks one queued seek as fully handled, after every state
// flag it may have touched is consistent, and wakes waiters to re-evaluate.
func (h *SourceHandle) seekServiced() {
	h.pendingSeeks.Add(-1)
	h.reachedMu.Lock()
	h.reachedCond.Broadcast()
	h.reachedMu.Unlock()
}

// Source owns the write side of the backing file and runs the download.
type Source struct {
	handle *SourceHandle
	file   afero.File
	writer *bufio.Writer
	logger *slog.Logger
}

func newSource(file afero.File, logger *slog.Logger) *Source {
	return &Source{
		handle: newSourceHandle(),
		file:   file,
		writer: bufio.NewWriter(file),
		logger: logger,
	}
}

// Handle returns the shared state block used by the reader.
func (s *Source) Handle() *SourceHandle {
	return s.handle
}

// Download consumes the stream, writing chunks to the backing file and
// publishing progress through the handle. It services seek requests between
// chunk pulls and stays resident after a clean end of stream so later seeks
// can re-request ranges. It returns when the context is cancelled or the
// stream fails.
func (s *Source) Download(ctx context.Context, stream SourceStream, prefetchBytes int64) {
	defer stream.Close()

	s.logger.Debug("Starting download")
	s.handle.setContentLength(stream.ContentLength(ctx))

	ended, err := s.prefetch(ctx, stream, prefetchBytes)
	if err != nil {
		s.fail(ctx, err)
		return
	}
	if !ended {
		s.logger.Debug("Prefetch complete", "bytes", s.handle.Position())
	}

	for {
		if ended {
			// Clean end of stream: wait for a seek that revives the
			// download or for the session to close.
			select {
			case <-ctx.Done():
				s.handle.markStreamDone(nil, true)
				return
			case pos := <-s.handle.seekCh:
				revived, err := s.serviceSeek(ctx, stream, pos)
				if err != nil {
					s.fail(ctx, err)
					return
				}
				ended = !revived
			}
			continue
		}

		// Service seeks queued while the last chunk was in flight.
		drained := false
		for !drained {
			select {
			case <-ctx.Done():
				s.handle.markStreamDone(nil, true)
				return
			case pos := <-s.handle.seekCh:
				if _, err := s.serviceSeek(ctx, stream, pos); err != nil {
					s.fail(ctx, err)
					return
				}
			default:
				drained = true
			}
		}

		chunk, err := stream.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			if ferr := s.writer.Flush(); ferr != nil {
				s.fail(ctx, ferr)
				return
			}
			s.logger.Debug("Stream ended", "position", s.handle.Position())
			s.handle.markStreamDone(nil, false)
			ended = true
		case err != nil:
			s.fail(ctx, err)
			return
		default:
			if err := s.writeChunk(chunk); err != nil {
				s.fail(ctx, err)
				return
			}
		}
	}
}

// writeChunk appends a chunk at the write head and publishes the progress.
// The flush must precede the range-set insert: the reader observes bytes
// through an independent descriptor, and buffered data is not yet visible
// to it. The insert in turn precedes the head advance, so a reader that
// sees the new head always finds the covering range.
func (s *Source) writeChunk(chunk []byte) error {
	if _, err := s.writer.Write(chunk); err != nil {
		return err
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}

	old := s.handle.position.Load()
	head := old + int64(len(chunk))
	s.handle.insertDownloaded(old, head)
	s.handle.position.Store(head)

	if req := s.handle.requestedPosition.Load(); req != noRequest && head >= req {
		s.handle.releaseWaiter()
	}
	return nil
}

// prefetch pulls chunks until the configured threshold is buffered or the
// stream ends first. The [0, n) interval and the head advance are published
// only once the whole burst is on disk, so a reader never observes a torn
// intermediate state. Returns whether the stream ended during prefetch.
func (s *Source) prefetch(ctx context.Context, stream SourceStream, prefetchBytes int64) (bool, error) {
	var buffered int64
	ended := false

	for buffered < prefetchBytes {
		chunk, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			s.logger.Debug("Stream shorter than prefetch threshold", "bytes", buffered)
			ended = true
			break
		}
		if err != nil {
			return false, err
		}
		if _, err := s.writer.Write(chunk); err != nil {
			return false, err
		}
		buffered += int64(len(chunk))
	}

	if err := s.writer.Flush(); err != nil {
		return false, err
	}
	s.handle.insertDownloaded(0, buffered)
	s.handle.position.Store(buffered)

	if req := s.handle.requestedPosition.Load(); req != noRequest && buffered >= req {
		s.handle.releaseWaiter()
	}
	if ended {
		s.handle.markStreamDone(nil, false)
	}
	return ended, nil
}

// serviceSeek handles one queued seek target. The download continues
// forward untouched when the target lies inside a materialized range that
// still contains the write head; in every other case the stream restarts at
// the target and the write cursor follows. Previously downloaded ranges
// stay valid and can satisfy later seeks without a re-download.
func (s *Source) serviceSeek(ctx context.Context, stream SourceStream, pos int64) (bool, error) {
	defer s.handle.seekServiced()

	head := s.handle.Position()
	if rng, ok := s.handle.downloadedRange(pos); ok && rng.Contains(head) {
		return false, nil
	}

	s.logger.Debug("Seeking stream", "offset", pos, "head", head)
	if err := stream.Seek(ctx, pos); err != nil {
		return false, err
	}
	if _, err := s.file.Seek(pos, io.SeekStart); err != nil {
		return false, err
	}
	s.writer.Reset(s.file)
	s.handle.position.Store(pos)
	s.handle.clearStreamDone()
	return true, nil
}

// fail records a terminal error and wakes any blocked reader. Context
// cancellation is a session close, not a stream failure.
func (s *Source) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		s.handle.markStreamDone(nil, true)
		return
	}
	s.logger.Error("Download failed", "error", err)
	s.handle.markStreamDone(err, false)
}
