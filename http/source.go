// Package http provides a blockcache.Adapter backed by HTTP range requests.
package http

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strconv"
	"strings"
)

// Source fetches block extents from a remote URL via HTTP range requests.
// It implements blockcache.Adapter.
//
// Cache keys bind to the source identity: the URL plus the validators (ETag,
// Last-Modified) observed at construction. A Source must not be shared
// between readers configured with different block sizes.
type Source struct {
	url          string
	client       *nethttp.Client
	headers      nethttp.Header
	size         int64
	etag         string
	lastModified string
}

// Option configures a Source.
type Option func(*Source)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(s *Source) {
		s.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(s *Source) {
		if headers == nil {
			return
		}
		s.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(s *Source) {
		if s.headers == nil {
			s.headers = make(nethttp.Header)
		}
		s.headers.Set(key, value)
	}
}

// NewSource creates a Source for the given URL. It probes the remote to
// determine the content size and to pin validators for later requests.
func NewSource(ctx context.Context, url string, opts ...Option) (*Source, error) {
	s := &Source{
		url:    url,
		client: nethttp.DefaultClient,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = nethttp.DefaultClient
	}

	size, etag, lastModified, err := s.fetchMetadata(ctx)
	if err != nil {
		return nil, err
	}
	s.size = size
	s.etag = etag
	s.lastModified = lastModified
	return s, nil
}

// Size returns the total size of the remote content.
func (s *Source) Size() int64 {
	return s.size
}

// CacheKey returns a stable key for the given block, derived from the URL,
// the pinned validators, and the block number.
func (s *Source) CacheKey(blockNumber int64) string {
	hasher := sha256.New()
	_, _ = hasher.Write([]byte(s.url))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(s.etag))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(s.lastModified))
	_, _ = hasher.Write([]byte{0})

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(blockNumber)) //nolint:gosec // block numbers are never negative
	_, _ = hasher.Write(buf[:])

	return hex.EncodeToString(hasher.Sum(nil))
}

// FetchBlock fetches the bytes for the inclusive extent [blockStart, blockEnd].
// The extent is clamped to the content size, so the last block of the source
// may come back short.
func (s *Source) FetchBlock(ctx context.Context, blockStart, blockEnd int64) ([]byte, error) {
	if blockStart < 0 {
		return nil, fmt.Errorf("fetch block at %d: negative offset", blockStart)
	}
	if blockEnd < blockStart {
		return nil, fmt.Errorf("fetch block [%d,%d]: inverted extent", blockStart, blockEnd)
	}
	if blockStart >= s.size {
		return nil, fmt.Errorf("fetch block at %d past content size %d: %w", blockStart, s.size, io.EOF)
	}
	if blockEnd >= s.size {
		blockEnd = s.size - 1
	}

	req, err := s.newRequest(ctx, nethttp.MethodGet)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", blockStart, blockEnd))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
		// ok
	case nethttp.StatusRequestedRangeNotSatisfiable:
		return nil, io.EOF
	case nethttp.StatusOK:
		return nil, errors.New("range requests not supported")
	case nethttp.StatusPreconditionFailed:
		return nil, errors.New("remote content changed since source was opened")
	default:
		return nil, fmt.Errorf("range request failed: %s", resp.Status)
	}

	length := blockEnd - blockStart + 1
	data := make([]byte, length)
	if _, err := io.ReadFull(resp.Body, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Source) fetchMetadata(ctx context.Context) (int64, string, string, error) {
	size := int64(-1)
	etag := ""
	lastModified := ""

	if resp, err := s.doHead(ctx); err == nil {
		size = resp.ContentLength
		etag = resp.Header.Get("ETag")
		lastModified = resp.Header.Get("Last-Modified")
		resp.Body.Close()
	}

	rangeSize, rangeETag, rangeLastModified, err := s.rangeProbe(ctx)
	if err != nil {
		return 0, "", "", err
	}
	if size > 0 && size != rangeSize {
		return 0, "", "", fmt.Errorf("content size mismatch: head=%d range=%d", size, rangeSize)
	}
	if etag == "" {
		etag = rangeETag
	}
	if lastModified == "" {
		lastModified = rangeLastModified
	}
	return rangeSize, etag, lastModified, nil
}

func (s *Source) rangeProbe(ctx context.Context) (int64, string, string, error) {
	req, err := s.newRequest(ctx, nethttp.MethodGet)
	if err != nil {
		return 0, "", "", err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", "", err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != nethttp.StatusPartialContent {
		if resp.StatusCode == nethttp.StatusOK {
			return 0, "", "", errors.New("range requests not supported")
		}
		return 0, "", "", fmt.Errorf("range probe failed: %s", resp.Status)
	}

	crange := resp.Header.Get("Content-Range")
	if crange == "" {
		return 0, "", "", errors.New("range probe missing Content-Range")
	}
	size, err := parseContentRange(crange)
	if err != nil {
		return 0, "", "", err
	}

	return size, resp.Header.Get("ETag"), resp.Header.Get("Last-Modified"), nil
}

func (s *Source) doHead(ctx context.Context) (*nethttp.Response, error) {
	req, err := s.newRequest(ctx, nethttp.MethodHead)
	if err != nil {
		return nil, err
	}
	return s.client.Do(req)
}

func (s *Source) newRequest(ctx context.Context, method string) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(ctx, method, s.url, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range s.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	if method == nethttp.MethodGet {
		if s.etag != "" && req.Header.Get("If-Match") == "" {
			req.Header.Set("If-Match", s.etag)
		}
		if s.lastModified != "" && req.Header.Get("If-Unmodified-Since") == "" {
			req.Header.Set("If-Unmodified-Since", s.lastModified)
		}
	}
	return req, nil
}

func parseContentRange(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes ") {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	parts := strings.SplitN(strings.TrimPrefix(value, "bytes "), "/", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	if parts[1] == "*" {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	if size < 0 {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	return size, nil
}
