package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// S3Store persists sealed shares in an S3 or S3-compatible bucket. Objects
// are written private; the blobs are sealed but never exposed anyway.
type S3Store struct {
	client      *s3.S3
	bucketName  string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewS3Store creates an S3 share store. With accessKey and secretKey empty
// the default AWS credential chain applies, which covers instance profiles.
func NewS3Store(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Store, error) {
	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region)
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", endpoint)
	}

	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		// Path-style addressing for MinIO and other compatible services.
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Store{
		client:      s3.New(sess),
		bucketName:  bucketName,
		prefix:      strings.TrimSuffix(prefix, "/"),
		log:         log,
		locationURI: uri,
	}, nil
}

// StoreShare uploads the sealed blob under the canonical share key.
func (s *S3Store) StoreShare(ctx context.Context, member interfaces.MemberID, epoch interfaces.Epoch, sealed []byte) error {
	key := s.objectKey(member, epoch)

	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(sealed),
	})
	if err != nil {
		return fmt.Errorf("failed to upload share to S3: %w", err)
	}

	s.log.Debug("Stored sealed share in S3",
		slog.String("bucket", s.bucketName),
		slog.String("key", key),
		slog.Int("size", len(sealed)))
	return nil
}

// LoadShare downloads the sealed blob. A missing object is ErrShareNotFound.
func (s *S3Store) LoadShare(ctx context.Context, member interfaces.MemberID, epoch interfaces.Epoch) ([]byte, error) {
	start := time.Now()
	key := s.objectKey(member, epoch)

	result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404") {
			s.log.Debug("Share not found in S3",
				slog.String("bucket", s.bucketName),
				slog.String("key", key))
			return nil, interfaces.ErrShareNotFound
		}
		return nil, fmt.Errorf("failed to get share from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read share body: %w", err)
	}

	s.log.Debug("Loaded sealed share from S3",
		slog.String("bucket", s.bucketName),
		slog.String("key", key),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))
	return data, nil
}

// DeleteShare removes the object. S3 treats deletion of a missing key as
// success, which matches the burn-path contract.
func (s *S3Store) DeleteShare(ctx context.Context, member interfaces.MemberID, epoch interfaces.Epoch) error {
	key := s.objectKey(member, epoch)

	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete share from S3: %w", err)
	}

	s.log.Debug("Deleted sealed share from S3",
		slog.String("bucket", s.bucketName),
		slog.String("key", key))
	return nil
}

// Available checks if the bucket is accessible.
func (s *S3Store) Available(ctx context.Context) bool {
	start := time.Now()

	_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucketName),
	})
	if err != nil {
		s.log.Warn("S3 share store unavailable",
			slog.String("bucket", s.bucketName),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return false
	}
	return true
}

// Name returns a unique identifier for this share store.
func (s *S3Store) Name() string {
	return fmt.Sprintf("s3-%s", s.bucketName)
}

// LocationURI returns the URI that identifies this share store.
func (s *S3Store) LocationURI() string {
	return s.locationURI
}

// objectKey generates the S3 object key for a member's share.
func (s *S3Store) objectKey(member interfaces.MemberID, epoch interfaces.Epoch) string {
	if s.prefix == "" {
		return shareKey(member, epoch)
	}
	return path.Join(s.prefix, shareKey(member, epoch))
}
