package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fovpipe/internal/config"
	"fovpipe/internal/stats"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	key := StatsKey("3500001", 42)

	_, err := s.Head(ctx, key)
	require.True(t, errors.Is(err, ErrNotFound), "head on empty store: %v", err)
	_, _, err = s.Get(ctx, key)
	require.True(t, errors.Is(err, ErrNotFound), "get on empty store: %v", err)

	info, err := s.Put(ctx, key, strings.NewReader(`{"FOVId":42}`), PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"fov_id": "42"},
	})
	require.NoError(t, err)
	assert.Equal(t, key, info.Key)
	assert.EqualValues(t, 12, info.Size)

	_, err = s.Put(ctx, key, strings.NewReader("again"), PutOptions{})
	require.True(t, errors.Is(err, ErrExists), "second put: %v", err)

	ok, err := Exists(ctx, s, key)
	require.NoError(t, err)
	assert.True(t, ok)

	got, rc, err := s.Get(ctx, key)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, `{"FOVId":42}`, string(body))
	assert.Equal(t, "42", got.Metadata["fov_id"])

	_, err = s.Put(ctx, StatsKey("", 7), strings.NewReader("{}"), PutOptions{})
	require.NoError(t, err)

	list, err := s.List(ctx, QCDir+"/plate_")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, key, list[0].Key)

	all, err := s.List(ctx, QCDir)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	deleted, err := s.Delete(ctx, key)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = s.Delete(ctx, key)
	require.NoError(t, err)
	assert.False(t, deleted)

	ok, err = Exists(ctx, s, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestFilesystemStore(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, fs)
}

func TestFilesystemLayoutMirrorsKeys(t *testing.T) {
	root := t.TempDir()
	fs, err := NewFilesystem(root)
	require.NoError(t, err)

	_, err = PutStats(context.Background(), fs, StatsKey("3500001", 5), StatsRecord{FOVId: 5})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, "qc", "plate_3500001", "stats_5.json"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "qc", "plate_3500001", "stats_5.json"+metaSuffix))
	require.NoError(t, err)
}

func TestFilesystemRejectsEscapingKeys(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	for _, key := range []string{"", "../x", "/abs"} {
		_, err := fs.Put(context.Background(), key, strings.NewReader("x"), PutOptions{})
		assert.Error(t, err, "key %q", key)
	}
}

func TestStatsKey(t *testing.T) {
	assert.Equal(t, "qc/plate_3500001/stats_12.json", StatsKey("3500001", 12))
	assert.Equal(t, "qc/stats_12.json", StatsKey("", 12))
}

func TestStatsRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	rec := StatsRecord{
		FOVId:      9,
		ComputedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Features: stats.Features{Channels: []stats.ChannelFeatures{{
			Channel: 0, MeanByZ: []float64{1, 2}, StdByZ: []float64{0, 0.5},
			PercentileLevels: []float64{50}, Percentiles: []float64{1.5}, ZProfile: []float64{10, 20},
		}}},
	}
	_, err := PutStats(ctx, s, StatsKey("", 9), rec)
	require.NoError(t, err)

	got, err := GetStats(ctx, s, StatsKey("", 9))
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestGetStatsCorruptIsNotMissing(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	_, err := s.Put(ctx, "qc/stats_1.json", strings.NewReader("{not json"), PutOptions{})
	require.NoError(t, err)
	_, err = GetStats(ctx, s, "qc/stats_1.json")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestOpenSelectsDriver(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(context.Background(), config.Blob{}, dir)
	require.NoError(t, err)
	require.Equal(t, DriverFilesystem, s.Driver())
	assert.Equal(t, dir, s.(*Filesystem).Root())

	s, err = Open(context.Background(), config.Blob{Driver: "memory"}, dir)
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, s.Driver())

	_, err = Open(context.Background(), config.Blob{Driver: "tape"}, dir)
	assert.Error(t, err)
}

// fakeS3 is an in-memory stand-in for the subset of the S3 API the store uses.
type fakeS3 struct {
	mu   sync.Mutex
	objs map[string]fakeObject
}

type fakeObject struct {
	body        []byte
	contentType *string
	metadata    map[string]string
	modified    time.Time
}

func newFakeS3() *fakeS3 { return &fakeS3{objs: map[string]fakeObject{}} }

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objs[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.body))),
		ContentType:   obj.contentType,
		ETag:          aws.String(`"etag"`),
		Metadata:      obj.metadata,
		LastModified:  aws.Time(obj.modified),
	}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objs[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.body)),
		ContentLength: aws.Int64(int64(len(obj.body))),
		ContentType:   obj.contentType,
		Metadata:      obj.metadata,
		LastModified:  aws.Time(obj.modified),
	}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objs[aws.ToString(in.Key)] = fakeObject{body: b, contentType: in.ContentType, metadata: in.Metadata, modified: time.Now().UTC()}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objs, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for k, obj := range f.objs {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			out.Contents = append(out.Contents, types.Object{
				Key:          aws.String(k),
				Size:         aws.Int64(int64(len(obj.body))),
				LastModified: aws.Time(obj.modified),
			})
		}
	}
	return out, nil
}

func TestS3Store(t *testing.T) {
	fake := newFakeS3()
	s := newS3WithClient(fake, "bucket", "runs/r1")
	exerciseStore(t, s)

	_, err := s.Put(context.Background(), "qc/stats_3.json", strings.NewReader("{}"), PutOptions{})
	require.NoError(t, err)
	_, ok := fake.objs["runs/r1/qc/stats_3.json"]
	assert.True(t, ok, "prefix should be applied to object keys")
}
