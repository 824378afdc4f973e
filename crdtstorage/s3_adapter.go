package crdtstorage

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"
)

// S3Adapter is a cloud-blob-store Storage backend: one S3 object per
// entry, the Key's "/"-joined path becoming the object key under an
// optional bucket-sharing prefix. A snapshot or incremental-change
// blob maps directly onto an object body; LoadRange is a ListObjectsV2
// walk over the prefix followed by per-object gets, and an object
// deleted between the list and the get is simply skipped, since a
// compactor racing us has already folded it into a newer snapshot.
type S3Adapter struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Adapter wraps an existing S3 client. The client (and whatever
// credential chain it was configured with) is externally owned; Close
// is a no-op, the same convention as the Redis, MongoDB, and SQL
// adapters. prefix may be empty; a non-empty prefix lets several
// repositories share one bucket.
func NewS3Adapter(client *s3.Client, bucket, prefix string) *S3Adapter {
	return &S3Adapter{
		client: client,
		bucket: bucket,
		prefix: strings.TrimSuffix(prefix, "/"),
	}
}

func (a *S3Adapter) objectKey(key Key) string {
	if a.prefix == "" {
		return key.String()
	}
	return a.prefix + "/" + key.String()
}

func (a *S3Adapter) storageKey(objectKey string) Key {
	if a.prefix != "" {
		objectKey = strings.TrimPrefix(objectKey, a.prefix+"/")
	}
	return ParseKey(objectKey)
}

func (a *S3Adapter) Load(ctx context.Context, key Key) ([]byte, bool, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.objectKey(key)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "loading %s", key.String())
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, errors.Wrapf(err, "reading %s", key.String())
	}
	return data, true, nil
}

// LoadRange lists every object under prefix and fetches each body.
func (a *S3Adapter) LoadRange(ctx context.Context, prefix Key) ([]KV, error) {
	listPrefix := a.objectKey(prefix) + "/"
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(listPrefix),
	})

	var out []KV
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "listing %s", prefix.String())
		}
		for _, obj := range page.Contents {
			objectKey := aws.ToString(obj.Key)
			get, err := a.client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(a.bucket),
				Key:    aws.String(objectKey),
			})
			if err != nil {
				if isNoSuchKey(err) {
					continue
				}
				return nil, errors.Wrapf(err, "loading %s", objectKey)
			}
			data, err := io.ReadAll(get.Body)
			get.Body.Close()
			if err != nil {
				return nil, errors.Wrapf(err, "reading %s", objectKey)
			}
			out = append(out, KV{Key: a.storageKey(objectKey), Value: data})
		}
	}
	return out, nil
}

func (a *S3Adapter) Put(ctx context.Context, key Key, value []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.objectKey(key)),
		Body:   bytes.NewReader(value),
	})
	return errors.Wrapf(err, "storing %s", key.String())
}

func (a *S3Adapter) Delete(ctx context.Context, key Key) error {
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.objectKey(key)),
	})
	return errors.Wrapf(err, "deleting %s", key.String())
}

// Close is a no-op: the S3 client is externally managed.
func (a *S3Adapter) Close() error { return nil }

func isNoSuchKey(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}
