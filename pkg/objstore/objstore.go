// Package objstore is the media storage boundary. Experiment assets (images,
// audio, consent PDFs) are opaque named blobs; the runtime only needs put,
// get, list, delete, and a public URL for page components to reference.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrSigningUnsupported is returned by backends that cannot mint signed
	// direct-upload URLs.
	ErrSigningUnsupported = errors.New("backend does not support signed upload URLs")
)

// Object is the stored blob plus its metadata.
type Object struct {
	Name        string    `json:"name"`
	ContentType string    `json:"contentType,omitempty"`
	Size        int64     `json:"size"`
	Public      bool      `json:"public"`
	ModifiedAt  time.Time `json:"modifiedAt"`
}

// Store is the object storage contract. Implementations must be safe for
// concurrent use.
type Store interface {
	// Put stores a blob under name, replacing any existing object.
	Put(ctx context.Context, name string, data []byte, contentType string, public bool) (*Object, error)
	// Get returns the blob and its metadata.
	Get(ctx context.Context, name string) ([]byte, *Object, error)
	// List returns metadata for every object whose name starts with prefix,
	// in name order.
	List(ctx context.Context, prefix string) ([]*Object, error)
	Delete(ctx context.Context, name string) error
	// PublicURL returns the URL a page component embeds for a public object.
	PublicURL(name string) string
}

// URLSigner is implemented by backends that can mint time-limited
// direct-upload URLs, letting large uploads bypass the API payload cap.
type URLSigner interface {
	SignedUploadURL(ctx context.Context, name, contentType string, ttl time.Duration) (string, error)
}

// ValidateName rejects names that could escape the storage namespace.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("object name is empty")
	}
	if strings.HasPrefix(name, "/") {
		return fmt.Errorf("object name %q must be relative", name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("object name %q contains an invalid path segment", name)
		}
	}
	return nil
}
