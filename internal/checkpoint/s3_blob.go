package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/squadqa/internal/backoff"
)

// S3Config configures the S3-compatible checkpoint backend.
type S3Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3Blob stores checkpoint files under one prefix of an S3 bucket.
type S3Blob struct {
	client *s3.Client
	bucket string
	prefix string
	retry  backoff.Policy
}

// NewOpener returns an Opener that serves s3:// directories from S3 and
// everything else from local disk.
func NewOpener(cfg S3Config) Opener {
	return func(ctx context.Context, dir string) (Blob, error) {
		if !IsRemote(dir) {
			return OpenLocal(ctx, dir)
		}
		return NewS3Blob(ctx, dir, cfg)
	}
}

// NewS3Blob opens the bucket and prefix named by an s3://bucket/prefix URL.
func NewS3Blob(ctx context.Context, url string, cfg S3Config) (*S3Blob, error) {
	bucket, prefix := splitS3URL(url)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required in %q", url)
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &S3Blob{
		client: client,
		bucket: bucket,
		prefix: prefix,
		retry:  backoff.ObjectStorePolicy(),
	}, nil
}

func splitS3URL(url string) (bucket, prefix string) {
	rest := strings.Trim(strings.TrimPrefix(url, s3Scheme), "/")
	bucket, prefix, _ = strings.Cut(rest, "/")
	return bucket, strings.Trim(prefix, "/")
}

// Put uploads one object.
func (b *S3Blob) Put(ctx context.Context, name string, data []byte) error {
	key := b.objectKey(name)
	return backoff.Retry(ctx, b.retry, func(int) error {
		_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      &b.bucket,
			Key:         &key,
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return fmt.Errorf("s3 put object %s: %w", key, err)
		}
		return nil
	})
}

// Get downloads one object. Missing keys map to fs.ErrNotExist.
func (b *S3Blob) Get(ctx context.Context, name string) ([]byte, error) {
	key := b.objectKey(name)
	var data []byte
	err := backoff.Retry(ctx, b.retry, func(int) error {
		out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: &b.bucket,
			Key:    &key,
		})
		if err != nil {
			if isNotFound(err) {
				return backoff.Permanent(fmt.Errorf("s3 get object %s: %w", key, fs.ErrNotExist))
			}
			return fmt.Errorf("s3 get object %s: %w", key, err)
		}
		defer out.Body.Close()
		data, err = io.ReadAll(out.Body)
		return err
	})
	return data, err
}

// Delete removes one object.
func (b *S3Blob) Delete(ctx context.Context, name string) error {
	key := b.objectKey(name)
	return backoff.Retry(ctx, b.retry, func(int) error {
		if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: &b.bucket,
			Key:    &key,
		}); err != nil {
			return fmt.Errorf("s3 delete object %s: %w", key, err)
		}
		return nil
	})
}

// List returns the object names directly under the prefix, sorted.
func (b *S3Blob) List(ctx context.Context) ([]string, error) {
	listPrefix := ""
	if b.prefix != "" {
		listPrefix = b.prefix + "/"
	}
	var names []string
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: &b.bucket,
		Prefix: aws.String(listPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list objects: %w", err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), listPrefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Location returns the s3:// URL of the prefix.
func (b *S3Blob) Location() string {
	return s3Scheme + path.Join(b.bucket, b.prefix)
}

// Close releases resources.
func (b *S3Blob) Close() error {
	return nil
}

func (b *S3Blob) objectKey(name string) string {
	if b.prefix == "" {
		return name
	}
	return b.prefix + "/" + name
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
