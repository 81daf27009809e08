package bolt

import (
	"context"
	"time"

	"github.com/goodtune/greengpt/internal/storage"
	"go.etcd.io/bbolt"
)

type blobStore struct {
	db *bbolt.DB
}

// Get retrieves a blob by key.
func (s *blobStore) Get(ctx context.Context, key string) (*storage.Blob, error) {
	var blob *storage.Blob

	err := s.db.View(func(tx *bbolt.Tx) error {
		if err := checkContext(ctx); err != nil {
			return err
		}

		data := tx.Bucket([]byte(bucketBlobs)).Get([]byte(key))
		if data == nil {
			return storage.ErrNotFound
		}

		// bbolt slices are only valid for the life of the transaction
		copied := make([]byte, len(data))
		copy(copied, data)

		blob = &storage.Blob{
			Key:       key,
			Data:      copied,
			Version:   decodeUint64(tx.Bucket([]byte(bucketBlobVersions)).Get([]byte(key))),
			UpdatedAt: decodeTime(tx.Bucket([]byte(bucketBlobMeta)).Get([]byte(key))),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return blob, nil
}

// Put stores a blob unless a newer version is already present.
func (s *blobStore) Put(ctx context.Context, blob storage.Blob) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := checkContext(ctx); err != nil {
			return err
		}

		blobs, err := bucket(tx, bucketBlobs)
		if err != nil {
			return err
		}
		versions, err := bucket(tx, bucketBlobVersions)
		if err != nil {
			return err
		}
		meta, err := bucket(tx, bucketBlobMeta)
		if err != nil {
			return err
		}

		key := []byte(blob.Key)
		if storage.IsStale(decodeUint64(versions.Get(key)), blob.Version) {
			return storage.ErrStale
		}

		updatedAt := blob.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now()
		}

		if err := blobs.Put(key, blob.Data); err != nil {
			return err
		}
		if err := versions.Put(key, encodeUint64(blob.Version)); err != nil {
			return err
		}
		return meta.Put(key, encodeTime(updatedAt))
	})
}

// Delete removes a blob and its metadata.
func (s *blobStore) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := checkContext(ctx); err != nil {
			return err
		}

		blobs, err := bucket(tx, bucketBlobs)
		if err != nil {
			return err
		}
		if blobs.Get([]byte(key)) == nil {
			return storage.ErrNotFound
		}

		for _, name := range []string{bucketBlobs, bucketBlobVersions, bucketBlobMeta} {
			if err := tx.Bucket([]byte(name)).Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
}

// List returns every stored blob key.
func (s *blobStore) List(ctx context.Context) ([]string, error) {
	keys := make([]string, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketBlobs)).ForEach(func(k, _ []byte) error {
			if err := checkContext(ctx); err != nil {
				return err
			}
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}
