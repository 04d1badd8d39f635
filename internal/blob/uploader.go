package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"container-job-runner/internal/config"
)

const artifactTemplate = "Hello from container-job-runner!\nGenerated at %s\nArtifact id: %s\n"

// objectStore is the subset of the S3 API the uploader needs.
type objectStore interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader ensures a storage container exists and writes one generated text artifact to it.
type Uploader struct {
	client    objectStore
	container string
	region    string
	now       func() time.Time
}

// NewUploader validates the storage credential and builds an S3-backed uploader.
func NewUploader(ctx context.Context, cfg config.Config) (*Uploader, error) {
	if err := cfg.ValidateBlob(); err != nil {
		return nil, err
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return newUploader(client, cfg.StorageContainer, cfg.StorageRegion), nil
}

func newUploader(client objectStore, container, region string) *Uploader {
	return &Uploader{
		client:    client,
		container: container,
		region:    region,
		now:       time.Now,
	}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.StorageRegion),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.StorageAccessKeyID, cfg.StorageSecretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.StorageEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.StorageEndpoint)
		}
		o.UsePathStyle = cfg.StoragePathStyle
	}), nil
}

// Run ensures the container and uploads a fresh artifact, returning its location.
func (u *Uploader) Run(ctx context.Context) (string, error) {
	if err := u.EnsureContainer(ctx); err != nil {
		return "", err
	}
	return u.UploadArtifact(ctx)
}

// EnsureContainer creates the container with private access when it does not exist.
func (u *Uploader) EnsureContainer(ctx context.Context) error {
	_, err := u.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(u.container)})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("check container %s: %w", u.container, err)
	}

	in := &s3.CreateBucketInput{
		Bucket: aws.String(u.container),
		ACL:    types.BucketCannedACLPrivate,
	}
	if u.region != "" && u.region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(u.region),
		}
	}
	if _, err := u.client.CreateBucket(ctx, in); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("create container %s: %w", u.container, err)
	}
	return nil
}

// UploadArtifact writes a uniquely named text file built from the fixed template.
func (u *Uploader) UploadArtifact(ctx context.Context) (string, error) {
	now := u.now().UTC()
	id := uuid.NewString()
	key := fmt.Sprintf("artifact-%s-%s.txt", now.Format("20060102T150405Z"), id)
	body := fmt.Sprintf(artifactTemplate, now.Format(time.RFC3339), id)

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.container),
		Key:         aws.String(key),
		Body:        bytes.NewReader([]byte(body)),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", u.container, key), nil
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchBucket":
			return true
		}
	}
	return false
}
