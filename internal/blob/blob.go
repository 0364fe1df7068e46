// Package blob deletes exported user files from object storage. Deletes are
// idempotent: an object that is already gone is not an error.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedScheme is returned for locations whose scheme has no deleter.
var ErrUnsupportedScheme = errors.New("blob: unsupported scheme")

// Deleter removes a single object.
type Deleter interface {
	DeleteObject(ctx context.Context, bucket, key string) error
}

// Location is a parsed object reference such as s3://bucket/path/file.json.
type Location struct {
	Scheme string
	Bucket string
	Key    string
}

func (l Location) String() string {
	return l.Scheme + "://" + l.Bucket + "/" + l.Key
}

// Router dispatches deletes to a Deleter by scheme. Paths without a scheme
// resolve against the default scheme and bucket.
type Router struct {
	deleters      map[string]Deleter
	defaultScheme string
	defaultBucket string
}

// NewRouter creates an empty Router.
func NewRouter(defaultScheme, defaultBucket string) *Router {
	return &Router{
		deleters:      make(map[string]Deleter),
		defaultScheme: defaultScheme,
		defaultBucket: defaultBucket,
	}
}

// Register binds scheme (e.g. "s3", "gs") to d.
func (r *Router) Register(scheme string, d Deleter) {
	r.deleters[scheme] = d
}

// Parse splits path into a Location.
func (r *Router) Parse(path string) (Location, error) {
	scheme, rest, ok := strings.Cut(path, "://")
	if !ok {
		if r.defaultScheme == "" || r.defaultBucket == "" {
			return Location{}, fmt.Errorf("blob: %q has no scheme and no default bucket is configured", path)
		}
		key := strings.TrimPrefix(path, "/")
		if key == "" {
			return Location{}, fmt.Errorf("blob: empty path")
		}
		return Location{Scheme: r.defaultScheme, Bucket: r.defaultBucket, Key: key}, nil
	}

	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return Location{}, fmt.Errorf("blob: malformed location %q", path)
	}
	return Location{Scheme: strings.ToLower(scheme), Bucket: bucket, Key: key}, nil
}

// DeleteFile deletes the object at path.
func (r *Router) DeleteFile(ctx context.Context, path string) error {
	loc, err := r.Parse(path)
	if err != nil {
		return err
	}
	d, ok := r.deleters[loc.Scheme]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedScheme, loc.Scheme)
	}
	if err := d.DeleteObject(ctx, loc.Bucket, loc.Key); err != nil {
		return fmt.Errorf("DeleteFile %s: %w", loc, err)
	}
	return nil
}
