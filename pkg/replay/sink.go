package replay

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Sink is the interface for journal storage backends.
type Sink interface {
	// Save stores size bytes from r under name and returns where they went.
	Save(ctx context.Context, name string, r io.Reader, size int64) (location string, err error)
}

// FileSink writes journals into a local directory.
type FileSink struct {
	dir string
}

// NewFileSink creates dir if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileSink{dir: dir}, nil
}

// Save implements Sink.
func (s *FileSink) Save(_ context.Context, name string, r io.Reader, _ int64) (string, error) {
	path := filepath.Join(s.dir, filepath.Base(name))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}

// PutObjectAPI is the subset of *s3.Client used by S3Sink.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink uploads journals to an S3 bucket.
//
// Example usage:
//
//	client := replay.NewS3Client(replay.S3Config{Region: "eu-west-1"})
//	sink := replay.NewS3Sink(client, "cw-replays", "sessions/")
//	loc, err := rec.Flush(ctx, sink)
type S3Sink struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// NewS3Sink creates a sink writing to bucket under prefix.
func NewS3Sink(client PutObjectAPI, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: prefix}
}

// Save implements Sink.
func (s *S3Sink) Save(ctx context.Context, name string, r io.Reader, size int64) (string, error) {
	key := s.prefix + name
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"upload-time": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

// S3Config holds the settings for NewS3Client.
type S3Config struct {
	Region string

	// Static credentials. Empty keys mean anonymous requests.
	AccessKeyID     string
	SecretAccessKey string

	// Endpoint overrides the service endpoint, e.g. for MinIO.
	Endpoint string

	// UsePathStyle addresses buckets as endpoint/bucket.
	UsePathStyle bool
}

// NewS3Client builds an S3 client from static settings.
func NewS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.AccessKeyID != "" {
		creds := aws.Credentials{
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			Source:          "cwclient",
		}
		opts.Credentials = aws.NewCredentialsCache(aws.CredentialsProviderFunc(
			func(context.Context) (aws.Credentials, error) { return creds, nil },
		))
	} else {
		opts.Credentials = aws.AnonymousCredentials{}
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}
