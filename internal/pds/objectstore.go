package pds

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"margin/api/internal/domain"
)

// cidEncoding is lowercase base32 without padding, matching the multibase
// flavor used for content identifiers.
var cidEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ObjectStoreClient is a RecordClient backed by an S3-compatible object
// store, for self-hosted repositories. Records live under
// <did>/<collection>/<rkey>.json and the CID is derived from the canonical
// JSON bytes, so equal content always yields an equal CID.
type ObjectStoreClient struct {
	client *minio.Client
	bucket string
}

type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func NewObjectStoreClient(ctx context.Context, cfg ObjectStoreConfig) (*ObjectStoreClient, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("object store: connect %s: %w", cfg.Endpoint, err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("object store: check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("object store: create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &ObjectStoreClient{client: client, bucket: cfg.Bucket}, nil
}

func (s *ObjectStoreClient) CreateRecord(ctx context.Context, did, collection, rkey string, record map[string]any) (domain.PublishedRecordID, error) {
	return s.putObject(ctx, did, collection, rkey, record)
}

func (s *ObjectStoreClient) PutRecord(ctx context.Context, did, collection, rkey string, record map[string]any) (domain.PublishedRecordID, error) {
	return s.putObject(ctx, did, collection, rkey, record)
}

func (s *ObjectStoreClient) DeleteRecord(ctx context.Context, did, collection, rkey string) error {
	key := objectKey(did, collection, rkey)
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("object store: delete %s: %w", key, err)
	}
	return nil
}

func (s *ObjectStoreClient) putObject(ctx context.Context, did, collection, rkey string, record map[string]any) (domain.PublishedRecordID, error) {
	data, err := canonicalJSON(record)
	if err != nil {
		return domain.PublishedRecordID{}, fmt.Errorf("object store: encode record: %w", err)
	}
	key := objectKey(did, collection, rkey)
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return domain.PublishedRecordID{}, fmt.Errorf("object store: put %s: %w", key, err)
	}
	return domain.NewPublishedRecordID(RecordURI(did, collection, rkey), ContentID(data))
}

func objectKey(did, collection, rkey string) string {
	return did + "/" + collection + "/" + rkey + ".json"
}

// ContentID derives a content identifier from record bytes.
func ContentID(data []byte) string {
	sum := sha256.Sum256(data)
	return "bafkrei" + strings.ToLower(cidEncoding.EncodeToString(sum[:]))
}

// canonicalJSON marshals with sorted keys at every level so the same record
// content always produces the same bytes.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case []map[string]any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}
