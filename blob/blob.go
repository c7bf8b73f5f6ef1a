// Package blob stores render cache objects: one encoded table per cached
// step result, addressed by key.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNotFound is returned by Get for a key that holds no object.
var ErrNotFound = errors.New("blob not found")

// Store is an object store. Implementations are safe for concurrent use.
type Store interface {
	// Put writes the object at key, replacing any previous object.
	Put(ctx context.Context, key string, r io.Reader) error
	// Get opens the object at key. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the object at key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns the keys that start with prefix, in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// DeletePrefix removes every object whose key starts with prefix.
func DeletePrefix(ctx context.Context, s Store, prefix string) error {
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.Delete(ctx, k); err != nil {
			return fmt.Errorf("delete %s: %w", k, err)
		}
	}
	return nil
}

// Download copies the object at key into a new file at path.
func Download(ctx context.Context, s Store, key, path string) error {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("download %s: %w", key, err)
	}
	return f.Close()
}

// Upload writes the file at path to key.
func Upload(ctx context.Context, s Store, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.Put(ctx, key, f)
}
