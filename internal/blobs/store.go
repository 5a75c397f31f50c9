package blobs

import (
	"context"
	"errors"
	"path"
	"time"
)

// ErrObjectNotFound indicates the requested object does not exist.
var ErrObjectNotFound = errors.New("blobs: object not found")

// Object identifies a stored file.
type Object struct {
	Path string
	Name string
}

// Store lists, signs and deletes objects.
type Store interface {
	List(ctx context.Context, prefix string) ([]Object, error)
	SignedReadURL(ctx context.Context, objectPath string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, objectPath string) error
}

func objectFor(objectPath string) Object {
	return Object{Path: objectPath, Name: path.Base(objectPath)}
}
