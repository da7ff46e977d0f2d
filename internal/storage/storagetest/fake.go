// Package storagetest provides an in-memory S3 API for tests.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// FakeS3 keeps completed objects and in-flight multipart uploads in memory.
// The *Err fields inject failures into the matching call.
type FakeS3 struct {
	mu           sync.Mutex
	Objects      map[string][]byte
	ContentTypes map[string]string
	Pending      map[string]map[int32][]byte
	Aborted      []string
	Created      int
	AbortCtxErr  error

	PutErr      error
	CreateErr   error
	CompleteErr error
	HeadErr     error
	FailPart    int32
	PartErr     error
}

func New() *FakeS3 {
	return &FakeS3{
		Objects:      map[string][]byte{},
		ContentTypes: map[string]string{},
		Pending:      map[string]map[int32][]byte{},
	}
}

// ObjectCount returns the number of completed objects.
func (f *FakeS3) ObjectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Objects)
}

// Object returns a completed object.
func (f *FakeS3) Object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.Objects[key]
	return data, ok
}

// PendingCount returns the number of multipart uploads neither completed nor aborted.
func (f *FakeS3) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Pending)
}

func (f *FakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.PutErr != nil {
		return nil, f.PutErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Objects[aws.ToString(in.Key)] = data
	f.ContentTypes[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *FakeS3) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Created++
	id := fmt.Sprintf("upload-%d", f.Created)
	f.Pending[id] = map[int32][]byte{}
	f.ContentTypes[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *FakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	num := aws.ToInt32(in.PartNumber)
	if f.PartErr != nil && num == f.FailPart {
		return nil, f.PartErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	parts, ok := f.Pending[aws.ToString(in.UploadId)]
	if !ok {
		return nil, errors.New("NoSuchUpload")
	}
	parts[num] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", num))}, nil
}

func (f *FakeS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	if f.CompleteErr != nil {
		return nil, f.CompleteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.UploadId)
	parts, ok := f.Pending[id]
	if !ok {
		return nil, errors.New("NoSuchUpload")
	}

	var nums []int
	for _, p := range in.MultipartUpload.Parts {
		nums = append(nums, int(aws.ToInt32(p.PartNumber)))
	}
	sort.Ints(nums)

	var buf bytes.Buffer
	for _, n := range nums {
		buf.Write(parts[int32(n)])
	}
	f.Objects[aws.ToString(in.Key)] = buf.Bytes()
	delete(f.Pending, id)
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *FakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AbortCtxErr = ctx.Err()
	delete(f.Pending, aws.ToString(in.UploadId))
	f.Aborted = append(f.Aborted, aws.ToString(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *FakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, f.HeadErr
}
