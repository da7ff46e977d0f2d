package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BrunoKrugel/stream2bucket/internal/utils"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
)

const (
	// MinPartSize is the smallest part S3 accepts for all but the last part.
	MinPartSize = 5 << 20
	// maxParts is the S3 limit on parts per multipart upload.
	maxParts = 10000

	defaultPrefix = "raw"
	abortTimeout  = 30 * time.Second
)

var (
	ErrStorageUnavailable = errors.New("object storage unavailable")
	ErrStorageWriteFailed = errors.New("object storage write failed")
)

// API is the subset of the S3 client used by Store.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

type Options struct {
	Bucket   string
	Prefix   string
	PartSize int
	Logger   *slog.Logger
	Now      func() time.Time
}

// Store streams objects into a bucket of an S3-compatible service.
type Store struct {
	api      API
	bucket   string
	prefix   string
	partSize int
	logger   *slog.Logger
	now      func() time.Time
}

func New(api API, opts Options) *Store {
	s := &Store{
		api:      api,
		bucket:   opts.Bucket,
		prefix:   opts.Prefix,
		partSize: opts.PartSize,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if s.prefix == "" {
		s.prefix = defaultPrefix
	}
	if s.partSize <= 0 {
		s.partSize = MinPartSize
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Key derives a unique object key for a client filename:
// <prefix>/<unix millis>-<random>-<sanitized name>.
func (s *Store) Key(name string) string {
	token := fmt.Sprintf("%d-%s", s.now().UnixMilli(), uuid.NewString()[:8])
	return s.prefix + "/" + token + "-" + utils.SanitizeFilename(name)
}

// Upload writes r to a new object and returns its key once the store has
// acknowledged the complete object. Memory use is bounded by one part.
func (s *Store) Upload(ctx context.Context, r io.Reader, name, contentType string) (string, error) {
	key := s.Key(name)
	src := &trackingReader{r: r}
	buf := make([]byte, s.partSize)

	s.logger.Info("starting upload", "key", key, "content_type", contentType)

	n, err := io.ReadFull(src, buf)
	switch {
	case src.err != nil:
		return "", s.fail(key, src, src.err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		if err := s.put(ctx, key, contentType, buf[:n]); err != nil {
			return "", s.fail(key, src, err)
		}
	case err != nil:
		return "", s.fail(key, src, err)
	default:
		if err := s.multipart(ctx, key, contentType, src, buf); err != nil {
			return "", s.fail(key, src, err)
		}
	}

	s.logger.Info("upload completed", "key", key, "bytes", src.n)
	return key, nil
}

// Ping checks that the bucket is reachable with the configured credentials.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("%w: head bucket %q: %w", ErrStorageUnavailable, s.bucket, err)
	}
	return nil
}

func (s *Store) put(ctx context.Context, key, contentType string, data []byte) error {
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   contentTypeOrNil(contentType),
	})
	if err != nil {
		return fmt.Errorf("put object %q: %w", key, err)
	}
	return nil
}

// multipart uploads buf, which already holds the first full part, followed
// by the rest of src. The upload is aborted on any error.
func (s *Store) multipart(ctx context.Context, key, contentType string, src *trackingReader, buf []byte) error {
	created, err := s.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: contentTypeOrNil(contentType),
	})
	if err != nil {
		return fmt.Errorf("create multipart upload %q: %w", key, err)
	}
	uploadID := created.UploadId

	parts, err := s.uploadParts(ctx, key, uploadID, src, buf)
	if err == nil {
		_, err = s.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(s.bucket),
			Key:             aws.String(key),
			UploadId:        uploadID,
			MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
		})
		if err != nil {
			err = fmt.Errorf("complete multipart upload %q: %w", key, err)
		}
	}
	if err != nil {
		s.abort(ctx, key, uploadID)
		return err
	}
	return nil
}

func (s *Store) uploadParts(ctx context.Context, key string, uploadID *string, src *trackingReader, buf []byte) ([]types.CompletedPart, error) {
	var parts []types.CompletedPart
	n, last := len(buf), false

	for num := int32(1); ; num++ {
		if num > maxParts {
			return nil, fmt.Errorf("object %q exceeds %d parts", key, maxParts)
		}

		out, err := s.api.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(num),
			Body:          bytes.NewReader(buf[:n]),
			ContentLength: aws.Int64(int64(n)),
		})
		if err != nil {
			return nil, fmt.Errorf("upload part %d of %q: %w", num, key, err)
		}
		parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(num)})

		if last {
			return parts, nil
		}

		n, err = io.ReadFull(src, buf)
		switch {
		case src.err != nil:
			return nil, src.err
		case errors.Is(err, io.EOF):
			return parts, nil
		case errors.Is(err, io.ErrUnexpectedEOF):
			last = true
		case err != nil:
			return nil, err
		}
	}
}

// abort releases the parts of an unfinished upload. It runs detached from
// ctx so a cancelled request still cleans up.
func (s *Store) abort(ctx context.Context, key string, uploadID *string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	_, err := s.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
	})
	if err != nil {
		s.logger.Error("abort multipart upload failed", "key", key, "upload_id", aws.ToString(uploadID), "error", err)
		return
	}
	s.logger.Warn("multipart upload aborted", "key", key, "upload_id", aws.ToString(uploadID))
}

func (s *Store) fail(key string, src *trackingReader, err error) error {
	err = classify(err, src.err)
	s.logger.Error("upload failed", "key", key, "bytes_read", src.n, "error", err)
	return err
}

// credentialCodes are S3 error codes meaning the store cannot be used with
// the configured endpoint, bucket or credentials.
var credentialCodes = map[string]bool{
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"ExpiredToken":          true,
	"InvalidToken":          true,
	"NoSuchBucket":          true,
	"AccountProblem":        true,
}

type httpStatusError interface {
	HTTPStatusCode() int
}

func classify(err, srcErr error) error {
	if srcErr != nil {
		return fmt.Errorf("%w: reading source: %w", ErrStorageWriteFailed, srcErr)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && credentialCodes[apiErr.ErrorCode()] {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.HTTPStatusCode() {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusServiceUnavailable:
			return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		}
	}

	var dnsErr *net.DNSError
	var opErr *net.OpError
	if errors.As(err, &dnsErr) || (errors.As(err, &opErr) && opErr.Op == "dial") {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	return fmt.Errorf("%w: %w", ErrStorageWriteFailed, err)
}

func contentTypeOrNil(contentType string) *string {
	if contentType == "" {
		return nil
	}
	return aws.String(contentType)
}

// trackingReader remembers the first non-EOF error of the source so that a
// broken inbound stream is not mistaken for a storage fault.
type trackingReader struct {
	r   io.Reader
	n   int64
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	t.n += int64(n)
	if err != nil && !errors.Is(err, io.EOF) && t.err == nil {
		t.err = err
	}
	return n, err
}
