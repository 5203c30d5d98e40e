// Package s3fallback keeps pending uploads as JSON objects in an S3 or MinIO
// bucket while the primary database is unreachable.
package s3fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"courier/cmd/internal/files"
)

// API is the subset of *s3.Client used by Store.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config locates the bucket. Endpoint is set for MinIO and other S3
// compatible servers; static credentials are used when both keys are set.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
}

var loadDefaultAWSConfig = config.LoadDefaultConfig

// NewClient builds an S3 client from cfg.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3fallback: load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Store implements files.Fallback on an S3 bucket.
type Store struct {
	api    API
	bucket string
	prefix string
}

var _ files.Fallback = (*Store)(nil)

func New(api API, bucket, prefix string) (*Store, error) {
	if api == nil {
		return nil, errors.New("s3fallback: nil client")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("s3fallback: bucket is required")
	}
	return &Store{api: api, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (s *Store) Name() string { return "s3" }

func (s *Store) key(state files.PendingState, id string) string {
	return path.Join(s.prefix, string(state), id+".json")
}

func (s *Store) dir(state files.PendingState) string {
	return path.Join(s.prefix, string(state)) + "/"
}

func (s *Store) Put(ctx context.Context, p files.Pending) error {
	p.State = files.StatePendingImport
	return s.put(ctx, s.key(files.StatePendingImport, p.Envelope.ID), p)
}

func (s *Store) put(ctx context.Context, key string, p files.Pending) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3fallback: put %s: %w", key, err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, key string) (files.Pending, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return files.Pending{}, fmt.Errorf("%s: %w", key, files.ErrPendingNotFound)
		}
		return files.Pending{}, fmt.Errorf("s3fallback: get %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return files.Pending{}, err
	}
	var p files.Pending
	if err := json.Unmarshal(data, &p); err != nil {
		return files.Pending{}, fmt.Errorf("s3fallback: decode %s: %w", key, err)
	}
	return p, nil
}

type object struct {
	key      string
	modified time.Time
}

func (s *Store) listKeys(ctx context.Context, state files.PendingState) ([]object, error) {
	var (
		out   []object
		token *string
	)
	for {
		page, err := s.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.dir(state)),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("s3fallback: list: %w", err)
		}
		for _, o := range page.Contents {
			key := aws.ToString(o.Key)
			if !strings.HasSuffix(key, ".json") {
				continue
			}
			out = append(out, object{key: key, modified: aws.ToTime(o.LastModified)})
		}
		if !aws.ToBool(page.IsTruncated) || page.NextContinuationToken == nil {
			return out, nil
		}
		token = page.NextContinuationToken
	}
}

func (s *Store) List(ctx context.Context, limit int) ([]files.Pending, error) {
	objs, err := s.listKeys(ctx, files.StatePendingImport)
	if err != nil {
		return nil, err
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].modified.Before(objs[j].modified) })
	if limit > 0 && len(objs) > limit {
		objs = objs[:limit]
	}

	out := make([]files.Pending, 0, len(objs))
	for _, o := range objs {
		p, err := s.get(ctx, o.key)
		if errors.Is(err, files.ErrPendingNotFound) {
			continue // removed since the listing
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Remove deletes the pending object. S3 deletes are idempotent, so a
// missing object is not reported.
func (s *Store) Remove(ctx context.Context, id string) error {
	key := s.key(files.StatePendingImport, id)
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3fallback: delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) Reject(ctx context.Context, id, reason string) error {
	p, err := s.get(ctx, s.key(files.StatePendingImport, id))
	if err != nil {
		return err
	}
	p.State, p.Reason = files.StateRejected, reason
	if err := s.put(ctx, s.key(files.StateRejected, id), p); err != nil {
		return err
	}
	return s.Remove(ctx, id)
}

func (s *Store) Count(ctx context.Context) (int, error) {
	objs, err := s.listKeys(ctx, files.StatePendingImport)
	if err != nil {
		return 0, err
	}
	return len(objs), nil
}
