// Package httpx provides the default HTTP stream source: a lazy chunk
// sequence over ranged GET requests, suitable for origins that honor
// Range headers.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
)

const defaultChunkSize = 64 * 1024

// Client is the minimal HTTP capability the stream needs. *http.Client
// satisfies it.
type Client interface {
	Do(req *http.Request) (*http.Response, error)
}

// RequestShaper mutates an outgoing request before it is sent. It is the
// opt-in hook for origins that need site-specific request shaping, such as
// forced range headers to disable server-side throttling.
type RequestShaper func(req *http.Request)

// StatusError reports a non-success response status. It terminates the
// stream.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected response status: %s", e.Status)
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithShaper installs a request-shaping hook.
func WithShaper(shaper RequestShaper) StreamOption {
	return func(s *Stream) { s.shaper = shaper }
}

// WithLogger overrides the stream logger.
func WithLogger(logger *slog.Logger) StreamOption {
	return func(s *Stream) { s.logger = logger }
}

// WithChunkSize overrides the chunk size handed to the consumer.
func WithChunkSize(n int) StreamOption {
	return func(s *Stream) { s.buf = make([]byte, n) }
}

// Stream is a seekable chunk sequence over HTTP. It is driven by a single
// goroutine: a seek is only issued between chunk pulls.
type Stream struct {
	client Client
	url    string
	shaper RequestShaper
	logger *slog.Logger
	buf    []byte

	body          io.ReadCloser
	offset        int64
	contentLength int64
	lengthKnown   bool
	exhausted     bool
	err           error
}

// NewStream creates a stream for the given URL. No request is issued until
// the first ContentLength, Next or Seek call.
func NewStream(client Client, rawURL string, opts ...StreamOption) (*Stream, error) {
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	s := &Stream{
		client:        client,
		url:           rawURL,
		logger:        slog.Default().With("component", "http-stream"),
		buf:           make([]byte, defaultChunkSize),
		contentLength: -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ContentLength issues the initial GET if needed and returns the total
// resource size from the response headers, or -1 when the origin did not
// advertise one. A connection failure here is remembered and surfaced by
// the next Next call.
func (s *Stream) ContentLength(ctx context.Context) int64 {
	if s.err == nil && s.body == nil && !s.exhausted {
		if err := s.connect(ctx, s.offset); err != nil {
			s.err = err
		}
	}
	return s.contentLength
}

// Next returns the next chunk of the current response body. io.EOF means
// the stream is cleanly exhausted; a later Seek revives it.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.exhausted {
		return nil, io.EOF
	}
	if s.body == nil {
		if err := s.connect(ctx, s.offset); err != nil {
			s.err = err
			return nil, err
		}
	}

	for {
		n, err := s.body.Read(s.buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, s.buf[:n])
			s.offset += int64(n)
			return chunk, nil
		}
		if errors.Is(err, io.EOF) {
			s.closeBody()
			s.exhausted = true
			return nil, io.EOF
		}
		if err != nil {
			s.closeBody()
			s.err = err
			return nil, err
		}
	}
}

// Seek repositions the stream: the current response body is dropped and a
// new ranged GET is issued so the next chunk starts at pos.
func (s *Stream) Seek(ctx context.Context, pos int64) error {
	if s.err != nil {
		return s.err
	}
	s.closeBody()
	s.exhausted = false
	s.offset = pos

	if err := s.connect(ctx, pos); err != nil {
		s.err = err
		return err
	}
	return nil
}

// Close drops the in-flight response, if any.
func (s *Stream) Close() error {
	s.closeBody()
	return nil
}

func (s *Stream) closeBody() {
	if s.body != nil {
		s.body.Close()
		s.body = nil
	}
}

// connect issues a GET starting at off. The first response's headers
// provide the content length; later ranged responses leave it untouched.
func (s *Stream) connect(ctx context.Context, off int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if off > 0 || s.lengthKnown {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", off))
	}
	if s.shaper != nil {
		s.shaper(req)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", s.url, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	if !s.lengthKnown {
		s.contentLength = totalLength(resp, off)
		s.lengthKnown = true
		if s.contentLength < 0 {
			s.logger.Warn("Origin did not advertise a content length", "url", s.url)
		}
	}

	s.body = resp.Body
	return nil
}

// totalLength extracts the full resource size from a response. Partial
// responses carry it in Content-Range; full responses in Content-Length.
// Absent or malformed values mean unknown, never an error.
func totalLength(resp *http.Response, off int64) int64 {
	if resp.StatusCode == http.StatusPartialContent {
		if total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
			return total
		}
		// Fall back to the partial body length relative to its start.
		if n, ok := parseDecimal(resp.Header.Get("Content-Length")); ok {
			return off + n
		}
		return -1
	}
	if n, ok := parseDecimal(resp.Header.Get("Content-Length")); ok {
		return n
	}
	return -1
}

// parseContentRangeTotal reads the total size from a "bytes a-b/total"
// header value. A "*" or missing total reports not-ok.
func parseContentRangeTotal(v string) (int64, bool) {
	for i := len(v) - 1; i >= 0; i-- {
		if v[i] == '/' {
			return parseDecimal(v[i+1:])
		}
	}
	return 0, false
}

func parseDecimal(v string) (int64, bool) {
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
