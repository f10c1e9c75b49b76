package streamdl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/streamdl/httpx"
)

const originSize = 400_000

// newOrigin serves deterministic bytes with full Range support and counts
// the requests that carried a Range header.
func newOrigin(t *testing.T, data []byte) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var rangeRequests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			rangeRequests.Add(1)
		}
		http.ServeContent(w, r, "music.mp3", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv, &rangeRequests
}

func newSession(t *testing.T, url string, prefetchBytes int64) *StreamDownload {
	t.Helper()
	reader, err := NewHTTP(
		context.Background(),
		url,
		Settings{PrefetchBytes: prefetchBytes},
		WithFs(afero.NewMemMapFs()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { reader.Close() })
	return reader
}

func TestStreamDownload_ReadToEnd(t *testing.T) {
	data := testPattern(originSize)
	srv, _ := newOrigin(t, data)

	for _, prefetchBytes := range []int64{0, 1, 256 * 1024, 1024 * 1024} {
		t.Run(fmt.Sprintf("prefetch_%d", prefetchBytes), func(t *testing.T) {
			reader := newSession(t, srv.URL+"/music.mp3", prefetchBytes)

			buf, err := io.ReadAll(reader)
			require.NoError(t, err)
			assert.Equal(t, data, buf)
			assert.Equal(t, int64(originSize), reader.ContentLength())
		})
	}
}

func TestStreamDownload_SeekBackToStart(t *testing.T) {
	data := testPattern(originSize)
	srv, _ := newOrigin(t, data)
	reader := newSession(t, srv.URL+"/music.mp3", 1024*1024)

	initial := make([]byte, 4096)
	_, err := io.ReadFull(reader, initial)
	require.NoError(t, err)
	assert.Equal(t, data[:4096], initial)

	pos, err := reader.Seek(0, io.SeekStart)
	require.NoError(t, err)
	require.Equal(t, int64(0), pos)

	buf, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, data, buf)
}

func TestStreamDownload_SeekInitial(t *testing.T) {
	data := testPattern(originSize)

	for _, prefetchBytes := range []int64{0, 256 * 1024} {
		t.Run(fmt.Sprintf("prefetch_%d", prefetchBytes), func(t *testing.T) {
			srv, rangeRequests := newOrigin(t, data)
			reader := newSession(t, srv.URL+"/music.mp3", prefetchBytes)

			_, err := reader.Seek(65536, io.SeekStart)
			require.NoError(t, err)
			buf1, err := io.ReadAll(reader)
			require.NoError(t, err)
			assert.Equal(t, data[65536:], buf1)

			_, err = reader.Seek(128, io.SeekStart)
			require.NoError(t, err)
			buf2, err := io.ReadAll(reader)
			require.NoError(t, err)
			assert.Equal(t, data[128:], buf2)

			// The second re-request may still be in flight when the read
			// completes out of already-materialized bytes.
			require.Eventually(t, func() bool {
				return rangeRequests.Load() == 2
			}, 2*time.Second, time.Millisecond)
			time.Sleep(100 * time.Millisecond)
			assert.Equal(t, int64(2), rangeRequests.Load())
		})
	}
}

func TestStreamDownload_SeekWithinDownloadedData(t *testing.T) {
	data := testPattern(1000)
	stream := newGatedStream(data, 100)

	reader, err := FromStream(
		context.Background(),
		stream,
		Settings{PrefetchBytes: 0},
		WithFs(afero.NewMemMapFs()),
	)
	require.NoError(t, err)
	defer reader.Close()

	stream.release(5)
	waitPosition(t, reader.handle, 500)

	// The head sits at the exclusive end of [0, 500), so this seek
	// re-requests and parks the head inside the downloaded prefix.
	_, err = reader.Seek(50, io.SeekStart)
	require.NoError(t, err)
	stream.release(1) // unblocks the in-flight pull, the seek is serviced
	require.Eventually(t, func() bool {
		return len(stream.Seeks()) == 1
	}, 2*time.Second, time.Millisecond)
	stream.release(1)
	waitPosition(t, reader.handle, 150)

	// Seeks into the range still being extended issue no re-request.
	_, err = reader.Seek(60, io.SeekStart)
	require.NoError(t, err)
	_, err = reader.Seek(70, io.SeekStart)
	require.NoError(t, err)

	head := make([]byte, 16)
	_, err = io.ReadFull(reader, head)
	require.NoError(t, err)
	assert.Equal(t, data[70:86], head)
	assert.Equal(t, []int64{50}, stream.Seeks())
}

func TestStreamDownload_SlowOrigin(t *testing.T) {
	data := testPattern(16 * 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		flusher := w.(http.Flusher)
		for off := 0; off < len(data); off += 1024 {
			w.Write(data[off : off+1024])
			flusher.Flush()
			time.Sleep(10 * time.Millisecond)
		}
	}))
	t.Cleanup(srv.Close)

	reader := newSession(t, srv.URL, 0)
	buf, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, data, buf)
}

func TestStreamDownload_UnknownContentLength(t *testing.T) {
	data := testPattern(64 * 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Flushing before the buffer fills forces chunked encoding, so no
		// Content-Length reaches the client.
		flusher := w.(http.Flusher)
		for off := 0; off < len(data); off += 4096 {
			w.Write(data[off : off+4096])
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)

	reader := newSession(t, srv.URL, 0)
	assert.Equal(t, int64(-1), reader.ContentLength())

	buf, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, data, buf)
}

func TestStreamDownload_SeekPastEnd(t *testing.T) {
	data := testPattern(8 * 1024)
	srv, rangeRequests := newOrigin(t, data)
	reader := newSession(t, srv.URL+"/music.mp3", 0)

	_, err := reader.Seek(int64(len(data))+1, io.SeekStart)
	require.NoError(t, err)

	n, err := reader.Read(make([]byte, 16))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, int64(0), rangeRequests.Load())
}

func TestStreamDownload_SeekWhence(t *testing.T) {
	data := testPattern(8 * 1024)
	srv, _ := newOrigin(t, data)
	reader := newSession(t, srv.URL+"/music.mp3", 0)

	pos, err := reader.Seek(100, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(100), pos)

	pos, err = reader.Seek(50, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(150), pos)

	pos, err = reader.Seek(-24, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)-24), pos)

	buf, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, data[len(data)-24:], buf)

	_, err = reader.Seek(-10, io.SeekStart)
	assert.Error(t, err)
}

func TestStreamDownload_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	reader := newSession(t, srv.URL, 0)

	_, err := io.ReadAll(reader)
	require.Error(t, err)
	var statusErr *httpx.StatusError
	assert.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestStreamDownload_CloseRemovesBackingFile(t *testing.T) {
	data := testPattern(8 * 1024)
	srv, _ := newOrigin(t, data)

	fs := afero.NewMemMapFs()
	reader, err := NewHTTP(
		context.Background(),
		srv.URL+"/music.mp3",
		DefaultSettings(),
		WithFs(fs),
		WithTempDir("/staging"),
	)
	require.NoError(t, err)

	buf, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.Equal(t, data, buf)

	entries, err := afero.ReadDir(fs, "/staging")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, reader.Close())

	entries, err = afero.ReadDir(fs, "/staging")
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = reader.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestStreamDownload_ReadAfterCloseFails(t *testing.T) {
	data := testPattern(1024)
	srv, _ := newOrigin(t, data)
	reader := newSession(t, srv.URL+"/music.mp3", 0)

	require.NoError(t, reader.Close())
	require.NoError(t, reader.Close()) // idempotent

	_, err := reader.Read(make([]byte, 8))
	assert.Error(t, err)
	_, err = reader.Seek(0, io.SeekStart)
	assert.Error(t, err)
}

func TestStreamDownload_OnDiskBackingFile(t *testing.T) {
	data := testPattern(32 * 1024)
	srv, _ := newOrigin(t, data)

	reader, err := NewHTTP(
		context.Background(),
		srv.URL+"/music.mp3",
		DefaultSettings(),
		WithTempDir(t.TempDir()),
	)
	require.NoError(t, err)
	defer reader.Close()

	buf, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, data, buf)
}

func TestStreamDownload_FromStreamFactoryShape(t *testing.T) {
	data := testPattern(2048)
	stream := newGatedStream(data, 256)
	stream.release(64)

	reader, err := FromStream(
		context.Background(),
		stream,
		Settings{PrefetchBytes: 512},
		WithFs(afero.NewMemMapFs()),
	)
	require.NoError(t, err)
	defer reader.Close()

	buf, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, data, buf)
}
