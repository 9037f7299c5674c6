// Package storage provides the object-store access used for batch input and
// output files. Batch files are JSON-lines: one record per line.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectStore is the blob-storage surface the orchestrator needs. Consumers
// take this interface so tests can run against an in-memory store.
type ObjectStore interface {
	Put(ctx context.Context, uri string, body []byte) error
	Get(ctx context.Context, uri string) ([]byte, error)
	// List returns the full URIs of all objects under a prefix URI.
	List(ctx context.Context, prefixURI string) ([]string, error)
	// Presign returns a time-limited GET URL for an object.
	Presign(ctx context.Context, uri string, expiry time.Duration) (string, error)
}

// S3Store implements ObjectStore on S3 or an S3-compatible endpoint.
type S3Store struct {
	client        *s3.Client
	presignClient *s3.PresignClient
}

// Options configures the S3 client. Endpoint is optional; when set,
// path-style addressing is used (required by MinIO and similar stores).
type Options struct {
	Region   string
	Endpoint string
	KeyID    string
	Secret   string
}

func NewS3Store(opts Options) *S3Store {
	s3Opts := s3.Options{
		Region: opts.Region,
	}
	if opts.KeyID != "" {
		s3Opts.Credentials = credentials.NewStaticCredentialsProvider(opts.KeyID, opts.Secret, "")
	}
	if opts.Endpoint != "" {
		s3Opts.BaseEndpoint = aws.String(opts.Endpoint)
		s3Opts.UsePathStyle = true
	}
	client := s3.New(s3Opts)
	return &S3Store{
		client:        client,
		presignClient: s3.NewPresignClient(client),
	}
}

func (s *S3Store) Put(ctx context.Context, uri string, body []byte) error {
	bucket, key, err := SplitURI(uri)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("put %q: %w", uri, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, uri string) ([]byte, error) {
	bucket, key, err := SplitURI(uri)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", uri, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", uri, err)
	}
	return data, nil
}

func (s *S3Store) List(ctx context.Context, prefixURI string) ([]string, error) {
	bucket, prefix, err := SplitURI(prefixURI)
	if err != nil {
		return nil, err
	}
	var uris []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %q: %w", prefixURI, err)
		}
		for _, obj := range page.Contents {
			uris = append(uris, JoinURI(bucket, aws.ToString(obj.Key)))
		}
	}
	return uris, nil
}

func (s *S3Store) Presign(ctx context.Context, uri string, expiry time.Duration) (string, error) {
	bucket, key, err := SplitURI(uri)
	if err != nil {
		return "", err
	}
	result, err := s.presignClient.PresignGetObject(ctx,
		&s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		},
		s3.WithPresignExpires(expiry),
	)
	if err != nil {
		return "", fmt.Errorf("presign GetObject for %q: %w", uri, err)
	}
	return result.URL, nil
}

// SplitURI extracts bucket and key from an "s3://bucket/path/to/file" URI.
func SplitURI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("parse S3 URI %q: %w", uri, err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("expected s3:// scheme, got %q in %q", u.Scheme, uri)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("empty key in S3 URI %q", uri)
	}
	return bucket, key, nil
}

// JoinURI builds an s3:// URI from a bucket and key.
func JoinURI(bucket, key string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, strings.TrimPrefix(key, "/"))
}
