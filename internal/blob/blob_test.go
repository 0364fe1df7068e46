package blob

import (
	"context"
	"errors"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type recordingDeleter struct {
	mu      sync.Mutex
	deleted []string
	err     error
}

func (d *recordingDeleter) DeleteObject(_ context.Context, bucket, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.deleted = append(d.deleted, bucket+"/"+key)
	return nil
}

func TestRouter_DispatchesByScheme(t *testing.T) {
	s3d, gcsd := &recordingDeleter{}, &recordingDeleter{}
	r := NewRouter("s3", "exports")
	r.Register("s3", s3d)
	r.Register("gs", gcsd)
	ctx := context.Background()

	for _, path := range []string{"s3://bucket-a/u/1.json", "gs://bucket-b/u/2.json", "/u/3.json"} {
		if err := r.DeleteFile(ctx, path); err != nil {
			t.Fatalf("DeleteFile(%q): %v", path, err)
		}
	}

	if len(s3d.deleted) != 2 || s3d.deleted[0] != "bucket-a/u/1.json" || s3d.deleted[1] != "exports/u/3.json" {
		t.Errorf("unexpected s3 deletes: %v", s3d.deleted)
	}
	if len(gcsd.deleted) != 1 || gcsd.deleted[0] != "bucket-b/u/2.json" {
		t.Errorf("unexpected gcs deletes: %v", gcsd.deleted)
	}
}

func TestRouter_UnsupportedScheme(t *testing.T) {
	r := NewRouter("", "")
	err := r.DeleteFile(context.Background(), "ftp://host/file")
	if !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("expected ErrUnsupportedScheme, got %v", err)
	}
}

func TestRouter_Parse(t *testing.T) {
	r := NewRouter("", "")
	tests := []struct {
		path    string
		want    Location
		wantErr bool
	}{
		{path: "s3://b/k", want: Location{Scheme: "s3", Bucket: "b", Key: "k"}},
		{path: "GS://b/dir/k", want: Location{Scheme: "gs", Bucket: "b", Key: "dir/k"}},
		{path: "s3://b", wantErr: true},
		{path: "s3:///k", wantErr: true},
		{path: "relative/no-default", wantErr: true},
	}
	for _, tt := range tests {
		got, err := r.Parse(tt.path)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Parse(%q): expected error, got %+v", tt.path, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.path, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q): expected %+v, got %+v", tt.path, tt.want, got)
		}
	}
}

func TestRouter_PropagatesDeleterError(t *testing.T) {
	boom := errors.New("boom")
	r := NewRouter("", "")
	r.Register("s3", &recordingDeleter{err: boom})
	if err := r.DeleteFile(context.Background(), "s3://b/k"); !errors.Is(err, boom) {
		t.Errorf("expected wrapped boom, got %v", err)
	}
}

type fakeS3 struct {
	err   error
	calls int
}

func (f *fakeS3) DeleteObject(_ context.Context, _ *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.calls++
	return &s3.DeleteObjectOutput{}, f.err
}

func TestS3Deleter_MissingKeyIsSuccess(t *testing.T) {
	d := &S3Deleter{client: &fakeS3{err: &s3types.NoSuchKey{}}}
	if err := d.DeleteObject(context.Background(), "b", "k"); err != nil {
		t.Errorf("expected nil for NoSuchKey, got %v", err)
	}
}

func TestS3Deleter_OtherErrors(t *testing.T) {
	d := &S3Deleter{client: &fakeS3{err: errors.New("access denied")}}
	if err := d.DeleteObject(context.Background(), "b", "k"); err == nil {
		t.Error("expected error")
	}
}

func TestGCSError(t *testing.T) {
	if err := gcsError(storage.ErrObjectNotExist); err != nil {
		t.Errorf("expected nil for missing object, got %v", err)
	}
	if err := gcsError(nil); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	if err := gcsError(errors.New("forbidden")); err == nil {
		t.Error("expected error")
	}
}
