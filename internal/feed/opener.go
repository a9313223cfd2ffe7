package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"feed-loader/internal/logging"
)

// Opener returns a reader over the raw bytes of a feed location.
// Failures are reported as *FileAccessError.
type Opener interface {
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

// LocalOpener reads feeds from the local filesystem.
type LocalOpener struct{}

// Open opens a regular file.
func (LocalOpener) Open(_ context.Context, path string) (io.ReadCloser, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &FileAccessError{Path: path, Err: err}
	}
	if info.IsDir() {
		return nil, &FileAccessError{Path: path, Err: errors.New("path is a directory")}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, &FileAccessError{Path: path, Err: err}
	}
	return f, nil
}

const s3Scheme = "s3://"

// ParseS3URI splits s3://bucket/key. ok is false for anything else.
func ParseS3URI(path string) (bucket, key string, ok bool) {
	if !strings.HasPrefix(path, s3Scheme) {
		return "", "", false
	}
	rest := strings.TrimPrefix(path, s3Scheme)
	bucket, key, found := strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// ObjectGetter is the subset of the S3 client used to fetch feeds.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Options configure the S3 client. Empty credentials fall back to the
// default AWS credential chain.
type S3Options struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// S3Opener streams feeds from S3 compatible object storage.
type S3Opener struct {
	client ObjectGetter
}

// NewS3Opener builds an S3 client from opts.
func NewS3Opener(ctx context.Context, opts S3Options) (*S3Opener, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		})
	}
	return &S3Opener{client: s3.NewFromConfig(awsCfg, s3Opts...)}, nil
}

// NewS3OpenerWithClient wraps an existing client.
func NewS3OpenerWithClient(client ObjectGetter) *S3Opener {
	return &S3Opener{client: client}
}

// Open issues a GetObject for an s3:// URI. The body is streamed, not buffered.
func (o *S3Opener) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	bucket, key, ok := ParseS3URI(path)
	if !ok {
		return nil, &FileAccessError{Path: path, Err: errors.New("expected s3://bucket/key")}
	}
	logging.Logf(logging.Debug, "S3Opener: GetObject bucket=%s key=%s", bucket, key)
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, &FileAccessError{Path: path, Err: fmt.Errorf("s3 get object: %w", err)}
	}
	return out.Body, nil
}

// RoutingOpener sends s3:// paths to S3 and everything else to Local.
type RoutingOpener struct {
	Local Opener
	S3    Opener
}

// Open dispatches on the path scheme.
func (r RoutingOpener) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	if strings.HasPrefix(path, s3Scheme) {
		if r.S3 == nil {
			return nil, &FileAccessError{Path: path, Err: errors.New("s3 access is not configured")}
		}
		return r.S3.Open(ctx, path)
	}
	if r.Local == nil {
		return LocalOpener{}.Open(ctx, path)
	}
	return r.Local.Open(ctx, path)
}
