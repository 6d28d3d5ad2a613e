package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/minio/minio-go/v7"
)

// MinIOStore implements Store over an S3-compatible object-storage
// bucket, the role the original implementation's "bucket" server plays
// (see _examples/original_source/buelon/bucket.py), but backed by a real
// object store instead of a bespoke socket protocol.
type MinIOStore struct {
	client *minio.Client
	bucket string
}

func NewMinIOStore(client *minio.Client, bucket string) *MinIOStore {
	return &MinIOStore{client: client, bucket: bucket}
}

func (m *MinIOStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, ErrMiss
		}
		return nil, err
	}
	if len(data) == 0 {
		if _, statErr := obj.Stat(); statErr != nil {
			var resp minio.ErrorResponse
			if errors.As(statErr, &resp) && resp.Code == "NoSuchKey" {
				return nil, ErrMiss
			}
			return nil, statErr
		}
	}
	return data, nil
}

func (m *MinIOStore) Set(ctx context.Context, key string, data []byte) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return err
}

func (m *MinIOStore) Delete(ctx context.Context, key string) error {
	err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil
		}
		return err
	}
	return nil
}
