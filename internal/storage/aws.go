// S3 backend for FrameVault.
//
// Frames and files are stored in an S3 bucket under the dataset-scoped
// prefix, so an object named im_c000_z000_t000_p000.png lands at
// s3://{bucket}/{prefix}/im_c000_z000_t000_p000.png.
//
// Credentials are resolved via the standard AWS credential chain
// (env vars, ~/.aws/credentials, IAM role, etc.) unless static keys are
// configured. A custom endpoint plus path-style addressing supports
// MinIO and other S3-compatible stores.

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	fverr "github.com/framevault/framevault/internal/errors"
)

// S3API defines the subset of the AWS S3 client interface that the
// backend uses. This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Backend implements the Backend interface against an S3 bucket.
type S3Backend struct {
	// Bucket is the S3 bucket name.
	Bucket string
	// Region is the AWS region of the bucket.
	Region string

	prefix string
	client S3API
}

// NewS3Backend creates an S3Backend scoped to prefix. It initializes
// the AWS SDK client using the default credential chain, with optional
// overrides for static credentials, a custom endpoint, and path-style
// addressing, then verifies the bucket is reachable.
func NewS3Backend(ctx context.Context, settings Settings, prefix string) (*S3Backend, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(settings.Region))

	// Use static credentials if provided, otherwise fall back to default chain.
	if settings.AccessKeyID != "" && settings.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(settings.AccessKeyID, settings.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if settings.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(settings.Endpoint)
		})
	}
	if settings.PathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	b := &S3Backend{
		Bucket: settings.Bucket,
		Region: settings.Region,
		prefix: prefix,
		client: s3.NewFromConfig(cfg, s3Opts...),
	}

	if err := b.HealthCheck(ctx); err != nil {
		return nil, err
	}

	slog.Info("s3 backend initialized",
		"bucket", b.Bucket, "region", b.Region, "prefix", prefix)
	return b, nil
}

// NewS3BackendWithClient creates an S3Backend with a pre-configured
// client. This is primarily used for testing with mock clients.
func NewS3BackendWithClient(bucket, prefix string, client S3API) *S3Backend {
	return &S3Backend{Bucket: bucket, prefix: prefix, client: client}
}

// Prefix returns the dataset-scoped prefix.
func (b *S3Backend) Prefix() string { return b.prefix }

// key maps a relative object name to its S3 key.
func (b *S3Backend) key(name string) string {
	return b.prefix + "/" + name
}

// Exists checks object existence via HeadObject.
func (b *S3Backend) Exists(ctx context.Context, name string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.key(name)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking object %q in S3: %w", name, err)
	}
	return true, nil
}

// Put uploads the object bytes.
func (b *S3Backend) Put(ctx context.Context, name string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.Bucket),
		Key:           aws.String(b.key(name)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("uploading %q to S3: %w", name, err)
	}
	return nil
}

// Get downloads the object bytes.
func (b *S3Backend) Get(ctx context.Context, name string) ([]byte, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.key(name)),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, fverr.ErrObjectNotFound.WithField("path", b.key(name))
		}
		return nil, fmt.Errorf("getting object %q from S3: %w", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading object %q body: %w", name, err)
	}
	return data, nil
}

// List pages through ListObjectsV2 under the prefix and returns the
// relative names, sorted.
func (b *S3Backend) List(ctx context.Context) ([]string, error) {
	var names []string
	var continuationToken *string
	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.Bucket),
			Prefix:            aws.String(b.prefix + "/"),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("listing prefix %q in S3: %w", b.prefix, err)
		}
		for _, obj := range out.Contents {
			names = append(names, trimPrefix(aws.ToString(obj.Key), b.prefix))
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		continuationToken = out.NextContinuationToken
	}
	sort.Strings(names)
	return names, nil
}

// AssertUnique fails if the prefix already holds any object. A single
// MaxKeys=1 listing answers the question.
func (b *S3Backend) AssertUnique(ctx context.Context) error {
	out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.Bucket),
		Prefix:  aws.String(b.prefix + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return fmt.Errorf("checking prefix %q in S3: %w", b.prefix, err)
	}
	if len(out.Contents) > 0 {
		return fverr.ErrPrefixExists.WithField("prefix", b.prefix)
	}
	return nil
}

// HealthCheck verifies that the bucket is accessible.
func (b *S3Backend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.Bucket),
	})
	if err != nil {
		return fverr.ErrStorageUnavailable.
			WithMessage("cannot access S3 bucket %q: %v", b.Bucket, err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no resources needing release.
func (b *S3Backend) Close() error { return nil }

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" || code == "NoSuchBucket" {
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() == 404 {
			return true
		}
	}
	return false
}
