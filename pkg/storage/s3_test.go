package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextmesh/ragcore/pkg/models"
	"github.com/contextmesh/ragcore/pkg/observability"
)

type fakeS3 struct {
	objects map[string][]byte
	getErr  error
	headErr error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[*params.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	// The download manager issues ranged requests; serving the whole
	// object with its length satisfies a single-part download.
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
		ContentRange:  aws.String(fmt.Sprintf("bytes 0-%d/%d", len(data)-1, len(data))),
	}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, *params.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(_ context.Context, _ *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	return &s3.HeadBucketOutput{}, nil
}

type fakeUploader struct {
	s3 *fakeS3
}

func (u *fakeUploader) Upload(_ context.Context, params *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	u.s3.objects[*params.Key] = data
	return &manager.UploadOutput{}, nil
}

func newFakeStore() (*S3Store, *fakeS3) {
	api := newFakeS3()
	store := NewS3StoreWithClient(api, &fakeUploader{s3: api}, S3Config{Bucket: "docs"}, observability.NewNoopLogger())
	return store, api
}

func TestS3Store_WriteRead(t *testing.T) {
	store, _ := newFakeStore()
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, "s3://docs/tenant-a/report.txt", []byte("hello"), "text/plain"))
	got, err := store.Read(ctx, "s3://docs/tenant-a/report.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestS3Store_BucketMismatchRejected(t *testing.T) {
	store, _ := newFakeStore()

	_, err := store.Read(context.Background(), "s3://other-bucket/key")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidInput))
}

func TestS3Store_MalformedRefRejected(t *testing.T) {
	store, _ := newFakeStore()

	for _, ref := range []string{"s3://docs", "s3://docs/", "file://x", "plain"} {
		_, err := store.Read(context.Background(), ref)
		assert.Error(t, err, "ref %q should be rejected", ref)
	}
}

func TestS3Store_Delete(t *testing.T) {
	store, api := newFakeStore()
	ctx := context.Background()
	api.objects["gone.txt"] = []byte("x")

	require.NoError(t, store.Delete(ctx, "s3://docs/gone.txt"))
	assert.NotContains(t, api.objects, "gone.txt")
}

func TestS3Store_HealthCheck(t *testing.T) {
	store, api := newFakeStore()
	assert.NoError(t, store.HealthCheck(context.Background()))

	api.headErr = errors.New("forbidden")
	assert.Error(t, store.HealthCheck(context.Background()))
}
