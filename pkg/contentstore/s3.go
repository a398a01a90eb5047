package contentstore

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/synergy-labs/envelope/pkg/apperr"
	"github.com/synergy-labs/envelope/pkg/sealcrypt"
)

// S3API is the part of *s3.Client the store uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3 stores each object under prefix+content id in one
// bucket. A present object counts as pinned.
type S3 struct {
	api    S3API
	bucket string
	prefix string
}

// NewS3 loads credentials and region from the default AWS
// chain (environment, shared config, instance role).
func NewS3(ctx context.Context, bucket, prefix string) (*S3, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, err, "load aws config")
	}
	return NewS3WithClient(s3.NewFromConfig(cfg), bucket, prefix), nil
}

func NewS3WithClient(api S3API, bucket, prefix string) *S3 {
	return &S3{api: api, bucket: bucket, prefix: prefix}
}

func (s *S3) key(contentID string) *string {
	return aws.String(s.prefix + contentID)
}

func (s *S3) Put(ctx context.Context, data []byte) (string, error) {
	if len(data) > MaxObjectSize {
		return "", apperr.New(apperr.KindBadRequest, "object of %d bytes exceeds limit", len(data))
	}
	id := sealcrypt.Hash(data)
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           s.key(id),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", apperr.Wrap(apperr.KindUnavailable, err, "s3 put %s", id)
	}
	return id, nil
}

func (s *S3) Get(ctx context.Context, contentID string) ([]byte, error) {
	if err := checkID(contentID); err != nil {
		return nil, err
	}
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(contentID),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		var nf *types.NotFound
		if errors.As(err, &nsk) || errors.As(err, &nf) {
			return nil, apperr.New(apperr.KindNotFound, "content %s not found", contentID)
		}
		return nil, apperr.Wrap(apperr.KindUnavailable, err, "s3 get %s", contentID)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(io.LimitReader(out.Body, MaxObjectSize+1))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, err, "s3 get %s", contentID)
	}
	if err := verify(contentID, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *S3) Unpin(ctx context.Context, contentID string) error {
	if err := checkID(contentID); err != nil {
		return err
	}
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(contentID),
	})
	if err != nil {
		return apperr.Wrap(apperr.KindUnavailable, err, "s3 delete %s", contentID)
	}
	return nil
}
