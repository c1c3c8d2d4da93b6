// Package objectstore presigns S3 GET/PUT URLs for package blobs, in the
// same narrow-interface style as telemetry/state-ingest's PresignClient.
package objectstore

import (
	"context"
	"time"

	awssigner "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const defaultPresignTTL = 15 * time.Minute

// PresignClient is the narrow surface this package needs from the AWS SDK;
// a fake can be substituted.
type PresignClient interface {
	PresignGetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*awssigner.PresignedHTTPRequest, error)
	PresignPutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.PresignOptions)) (*awssigner.PresignedHTTPRequest, error)
}

// Store presigns upload/download URLs for a single bucket/prefix.
type Store struct {
	presign PresignClient
	bucket  string
	prefix  string
	ttl     time.Duration
}

func New(presign PresignClient, bucket, prefix string) *Store {
	return &Store{presign: presign, bucket: bucket, prefix: prefix, ttl: defaultPresignTTL}
}

// NewFromEnv loads the default AWS config (region, credentials chain) and
// wraps it in a presign client, matching the SDK-v2 bootstrap style used
// throughout the telemetry services.
func NewFromEnv(ctx context.Context, region, bucket, prefix string) (*Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg)
	return New(s3.NewPresignClient(client), bucket, prefix), nil
}

// PresignDownload returns a GET URL for key, valid for the store's TTL.
func (s *Store) PresignDownload(ctx context.Context, key string) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    strPtr(s.prefix + key),
	}, func(o *s3.PresignOptions) { o.Expires = s.ttl })
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

// PresignUpload returns a PUT URL for key, used by release tooling to
// stage a new package blob before attaching it to a release.
func (s *Store) PresignUpload(ctx context.Context, key string) (string, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    strPtr(s.prefix + key),
	}, func(o *s3.PresignOptions) { o.Expires = s.ttl })
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

func strPtr(s string) *string { return &s }
