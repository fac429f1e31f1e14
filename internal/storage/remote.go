package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	qerrors "github.com/23skdu/quiver/internal/errors"
	"github.com/23skdu/quiver/internal/security"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
)

// S3API is the part of the S3 client Remote uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// RemoteConfig holds connection settings for an S3-compatible bucket.
type RemoteConfig struct {
	Endpoint        string // e.g. "http://localhost:9000" for MinIO
	Bucket          string
	Prefix          string
	Region          string // default us-east-1
	AccessKeyID     string // empty uses the default credential chain
	SecretAccessKey string
	UsePathStyle    bool
}

// Validate checks the bucket is set and credentials are complete.
func (c RemoteConfig) Validate() error {
	if c.Bucket == "" {
		return errors.New("s3 bucket is required")
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return errors.New("s3 access key id and secret must be set together")
	}
	return nil
}

// NewS3Client builds an S3 client from cfg.
func NewS3Client(ctx context.Context, cfg RemoteConfig) (*s3.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid s3 config: %w", err)
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		// S3-compatible stores often reject the default trailing checksums.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	}), nil
}

// Remote mirrors snapshot files to a bucket. Local files still go through
// Save and Load; Remote only moves finished files.
type Remote struct {
	client S3API
	bucket string
	prefix string
	logger zerolog.Logger
}

// NewRemote wraps client. Objects are stored under <prefix>/snapshots/.
func NewRemote(client S3API, bucket, prefix string, logger zerolog.Logger) *Remote {
	return &Remote{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}
}

// Key returns the object key for a snapshot file name.
func (r *Remote) Key(name string) string {
	return path.Join(r.prefix, "snapshots", name)
}

// Push uploads the snapshot file at p under its base name.
func (r *Remote) Push(ctx context.Context, p string, v security.PathValidator) (err error) {
	const op = "push"
	start := time.Now()
	defer func() { observe(op, "s3", start, err) }()

	if v == nil {
		v = security.NewPathValidator("")
	}
	resolved, err := v.Validate(p)
	if err != nil {
		return err
	}
	f, err := os.Open(resolved)
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat snapshot: %w", err)
	}

	key := r.Key(filepath.Base(resolved))
	_, err = r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload snapshot to s3://%s/%s: %w", r.bucket, key, err)
	}
	r.logger.Info().
		Str("bucket", r.bucket).
		Str("key", key).
		Int64("bytes", info.Size()).
		Msg("snapshot uploaded")
	return nil
}

// Pull downloads the object for p's base name and writes it atomically to
// p. A missing object satisfies errors.Is(err, fs.ErrNotExist).
func (r *Remote) Pull(ctx context.Context, p string, v security.PathValidator) (err error) {
	const op = "pull"
	start := time.Now()
	defer func() { observe(op, "s3", start, err) }()

	if v == nil {
		v = security.NewPathValidator("")
	}
	resolved, err := v.Validate(p)
	if err != nil {
		return err
	}

	key := r.Key(filepath.Base(resolved))
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("snapshot s3://%s/%s: %w", r.bucket, key, fs.ErrNotExist)
		}
		return fmt.Errorf("failed to download snapshot from s3://%s/%s: %w", r.bucket, key, err)
	}
	if out.Body == nil {
		return qerrors.Corrupt(op, "s3 response has no body")
	}
	defer func() { _ = out.Body.Close() }()

	size, err := writeAtomic(resolved, func(w io.Writer) error {
		if _, err := io.Copy(w, out.Body); err != nil {
			return fmt.Errorf("failed to download snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Info().
		Str("bucket", r.bucket).
		Str("key", key).
		Int64("bytes", size).
		Msg("snapshot downloaded")
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		code := ae.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}
