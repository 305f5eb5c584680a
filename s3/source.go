// Package s3 provides a blockcache.Adapter backed by ranged S3 object reads.
package s3

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Client is the subset of the S3 API the source needs.
type Client interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Source fetches block extents from one S3 object. It implements
// blockcache.Adapter.
//
// Cache keys bind to the object identity: bucket, key, and the ETag observed
// at construction. A Source must not be shared between readers configured
// with different block sizes.
type Source struct {
	client Client
	bucket string
	key    string
	size   int64
	etag   string
}

// NewSource creates a Source for s3://bucket/key. It issues a HeadObject to
// determine the object size and to pin the ETag for later requests.
func NewSource(ctx context.Context, client Client, bucket, key string) (*Source, error) {
	if client == nil {
		return nil, errors.New("s3 source: client is nil")
	}
	if bucket == "" || key == "" {
		return nil, errors.New("s3 source: bucket and key are required")
	}

	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 source: head s3://%s/%s: %w", bucket, key, err)
	}
	if head.ContentLength == nil {
		return nil, fmt.Errorf("s3 source: s3://%s/%s: missing content length", bucket, key)
	}

	s := &Source{
		client: client,
		bucket: bucket,
		key:    key,
		size:   *head.ContentLength,
	}
	if head.ETag != nil {
		s.etag = *head.ETag
	}
	return s, nil
}

// Size returns the object's size in bytes.
func (s *Source) Size() int64 {
	return s.size
}

// CacheKey returns a stable key for the given block, derived from the bucket,
// object key, pinned ETag, and block number.
func (s *Source) CacheKey(blockNumber int64) string {
	hasher := sha256.New()
	_, _ = hasher.Write([]byte(s.bucket))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(s.key))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(s.etag))
	_, _ = hasher.Write([]byte{0})

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(blockNumber)) //nolint:gosec // block numbers are never negative
	_, _ = hasher.Write(buf[:])

	return hex.EncodeToString(hasher.Sum(nil))
}

// FetchBlock fetches the bytes for the inclusive extent [blockStart, blockEnd]
// with a ranged GetObject. The extent is clamped to the object size, so the
// last block may come back short.
func (s *Source) FetchBlock(ctx context.Context, blockStart, blockEnd int64) ([]byte, error) {
	if blockStart < 0 {
		return nil, fmt.Errorf("fetch block at %d: negative offset", blockStart)
	}
	if blockEnd < blockStart {
		return nil, fmt.Errorf("fetch block [%d,%d]: inverted extent", blockStart, blockEnd)
	}
	if blockStart >= s.size {
		return nil, fmt.Errorf("fetch block at %d past object size %d: %w", blockStart, s.size, io.EOF)
	}
	if blockEnd >= s.size {
		blockEnd = s.size - 1
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", blockStart, blockEnd)),
	}
	if s.etag != "" {
		input.IfMatch = aws.String(s.etag)
	}

	resp, err := s.client.GetObject(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("s3 source: get s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer resp.Body.Close()

	length := blockEnd - blockStart + 1
	data := make([]byte, length)
	if _, err := io.ReadFull(resp.Body, data); err != nil {
		return nil, err
	}
	return data, nil
}
