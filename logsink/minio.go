package logsink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/teranos/agentdeploy/deployment"
	"github.com/teranos/agentdeploy/errors"
)

// MinioConfig locates the bucket that holds job logs.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// blobStore is the slice of object storage the sink needs.
type blobStore interface {
	put(ctx context.Context, key string, data []byte) error
	list(ctx context.Context, prefix string) ([]string, error)
	get(ctx context.Context, key string) ([]byte, error)
}

// MinioSink writes one object per log line under logs/<job_id>/.
// Keys sort in append order.
type MinioSink struct {
	store blobStore
	seq   atomic.Uint64
}

// NewMinioSink connects to MinIO and makes sure the bucket exists.
func NewMinioSink(ctx context.Context, cfg MinioConfig) (*MinioSink, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("minio log sink needs an endpoint and a bucket")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize minio client")
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to check bucket %s", cfg.Bucket)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, errors.Wrapf(err, "failed to create bucket %s", cfg.Bucket)
		}
	}
	return newMinioSink(&minioBlobs{client: client, bucket: cfg.Bucket}), nil
}

func newMinioSink(store blobStore) *MinioSink {
	return &MinioSink{store: store}
}

func jobPrefix(jobID string) string {
	return "logs/" + jobID + "/"
}

// objectKey orders by timestamp, then by a process-wide counter for lines
// written within the same nanosecond.
func (m *MinioSink) objectKey(jobID string, ts time.Time) string {
	return fmt.Sprintf("%s%020d-%06d", jobPrefix(jobID), ts.UnixNano(), m.seq.Add(1)%1000000)
}

// Append stores entry as a JSON object.
func (m *MinioSink) Append(ctx context.Context, jobID string, entry deployment.LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "failed to encode log line")
	}
	if err := m.store.put(ctx, m.objectKey(jobID, entry.Timestamp), data); err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to store log line"), "Job ID: "+jobID)
	}
	return nil
}

// ReadAll fetches every line object of jobID in key order.
func (m *MinioSink) ReadAll(ctx context.Context, jobID string) (string, error) {
	keys, err := m.store.list(ctx, jobPrefix(jobID))
	if err != nil {
		return "", errors.Wrap(err, "failed to list log objects")
	}
	if len(keys) == 0 {
		return "", errors.NewNotFoundError("no logs for job %s", jobID)
	}
	sort.Strings(keys)

	entries := make([]deployment.LogEntry, 0, len(keys))
	for _, key := range keys {
		data, err := m.store.get(ctx, key)
		if err != nil {
			return "", errors.Wrapf(err, "failed to read log object %s", key)
		}
		var e deployment.LogEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return "", errors.Wrapf(err, "corrupt log object %s", key)
		}
		entries = append(entries, e)
	}
	return deployment.RenderLog(entries), nil
}

// minioBlobs adapts a minio client to blobStore.
type minioBlobs struct {
	client *minio.Client
	bucket string
}

func (b *minioBlobs) put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

func (b *minioBlobs) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (b *minioBlobs) get(ctx context.Context, key string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}
