package blob

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSDeleter deletes objects from Google Cloud Storage.
type GCSDeleter struct {
	client *storage.Client
}

// NewGCSDeleter creates a GCSDeleter. An empty credentialsFile uses
// application default credentials.
func NewGCSDeleter(ctx context.Context, credentialsFile string) (*GCSDeleter, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewGCSDeleter: %w", err)
	}
	return &GCSDeleter{client: client}, nil
}

// DeleteObject deletes bucket/key.
func (d *GCSDeleter) DeleteObject(ctx context.Context, bucket, key string) error {
	return gcsError(d.client.Bucket(bucket).Object(key).Delete(ctx))
}

// Close releases the underlying client.
func (d *GCSDeleter) Close() error {
	return d.client.Close()
}

func gcsError(err error) error {
	if err == nil || errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return fmt.Errorf("GCSDeleter.DeleteObject: %w", err)
}
