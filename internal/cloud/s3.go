package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"astraops/internal/job"
)

// BucketName returns the per-account remote state bucket.
func BucketName(accountID string) string {
	return "astraops-tfstate-" + accountID
}

// StateKey returns the remote state object key for an account.
func StateKey(accountID string) string {
	return "accounts/" + accountID + "/terraform.tfstate"
}

// S3API is the subset of the S3 client used here.
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutBucketVersioning(ctx context.Context, params *s3.PutBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error)
	PutBucketEncryption(ctx context.Context, params *s3.PutBucketEncryptionInput, optFns ...func(*s3.Options)) (*s3.PutBucketEncryptionOutput, error)
	PutPublicAccessBlock(ctx context.Context, params *s3.PutPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.PutPublicAccessBlockOutput, error)
	ListObjectVersions(ctx context.Context, params *s3.ListObjectVersionsInput, optFns ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
}

// S3Factory builds an S3 client for region signed with creds.
type S3Factory func(ctx context.Context, region string, creds job.Credentials) (S3API, error)

// StateStore manages the remote state bucket of an account.
type StateStore struct {
	newClient S3Factory
	logger    *slog.Logger
}

// NewStateStore returns a StateStore backed by the AWS SDK.
func NewStateStore() *StateStore {
	return NewStateStoreWith(func(ctx context.Context, region string, creds job.Credentials) (S3API, error) {
		cfg, err := loadConfig(ctx, region, creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken)
		if err != nil {
			return nil, err
		}
		return s3.NewFromConfig(cfg), nil
	})
}

// NewStateStoreWith returns a StateStore using a custom client factory.
func NewStateStoreWith(factory S3Factory) *StateStore {
	return &StateStore{newClient: factory, logger: slog.With("component", "statestore")}
}

// Ensure creates the state bucket if needed and (re)applies versioning,
// AES256 default encryption and a full public access block. It reports
// whether the bucket was created by this call.
func (s *StateStore) Ensure(ctx context.Context, creds job.Credentials, region, accountID string) (bool, error) {
	client, err := s.newClient(ctx, region, creds)
	if err != nil {
		return false, fmt.Errorf("failed to configure S3 client: %w", err)
	}
	bucket := aws.String(BucketName(accountID))

	created := false
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: bucket}); err != nil {
		if !isMissingBucket(err) {
			return false, wrapError("s3:HeadBucket", err)
		}
		input := &s3.CreateBucketInput{Bucket: bucket}
		// us-east-1 rejects an explicit location constraint.
		if region != "us-east-1" {
			input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
				LocationConstraint: types.BucketLocationConstraint(region),
			}
		}
		if _, err := client.CreateBucket(ctx, input); err != nil {
			var owned *types.BucketAlreadyOwnedByYou
			if !errors.As(err, &owned) {
				return false, wrapError("s3:CreateBucket", err)
			}
		} else {
			created = true
		}
	}

	if _, err := client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket: bucket,
		VersioningConfiguration: &types.VersioningConfiguration{
			Status: types.BucketVersioningStatusEnabled,
		},
	}); err != nil {
		return created, wrapError("s3:PutBucketVersioning", err)
	}

	if _, err := client.PutBucketEncryption(ctx, &s3.PutBucketEncryptionInput{
		Bucket: bucket,
		ServerSideEncryptionConfiguration: &types.ServerSideEncryptionConfiguration{
			Rules: []types.ServerSideEncryptionRule{{
				ApplyServerSideEncryptionByDefault: &types.ServerSideEncryptionByDefault{
					SSEAlgorithm: types.ServerSideEncryptionAes256,
				},
			}},
		},
	}); err != nil {
		return created, wrapError("s3:PutBucketEncryption", err)
	}

	if _, err := client.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
		Bucket: bucket,
		PublicAccessBlockConfiguration: &types.PublicAccessBlockConfiguration{
			BlockPublicAcls:       aws.Bool(true),
			IgnorePublicAcls:      aws.Bool(true),
			BlockPublicPolicy:     aws.Bool(true),
			RestrictPublicBuckets: aws.Bool(true),
		},
	}); err != nil {
		return created, wrapError("s3:PutPublicAccessBlock", err)
	}

	return created, nil
}

// Purge deletes every object version and delete marker in the state bucket
// and then the bucket itself. A missing bucket is not an error. It returns
// the number of versions removed.
func (s *StateStore) Purge(ctx context.Context, creds job.Credentials, region, accountID string) (int, error) {
	client, err := s.newClient(ctx, region, creds)
	if err != nil {
		return 0, fmt.Errorf("failed to configure S3 client: %w", err)
	}
	bucket := aws.String(BucketName(accountID))

	removed := 0
	input := &s3.ListObjectVersionsInput{Bucket: bucket}
	for {
		page, err := client.ListObjectVersions(ctx, input)
		if err != nil {
			if isMissingBucket(err) {
				return removed, nil
			}
			return removed, wrapError("s3:ListObjectVersions", err)
		}

		ids := make([]types.ObjectIdentifier, 0, len(page.Versions)+len(page.DeleteMarkers))
		for _, v := range page.Versions {
			ids = append(ids, types.ObjectIdentifier{Key: v.Key, VersionId: v.VersionId})
		}
		for _, m := range page.DeleteMarkers {
			ids = append(ids, types.ObjectIdentifier{Key: m.Key, VersionId: m.VersionId})
		}

		if len(ids) > 0 {
			out, err := client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: bucket,
				Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
			})
			if err != nil {
				return removed, wrapError("s3:DeleteObjects", err)
			}
			removed += len(ids) - len(out.Errors)
			for _, e := range out.Errors {
				s.logger.Warn("Failed to delete state object version",
					"bucket", *bucket, "key", aws.ToString(e.Key), "code", aws.ToString(e.Code))
			}
		}

		if !aws.ToBool(page.IsTruncated) {
			break
		}
		input.KeyMarker = page.NextKeyMarker
		input.VersionIdMarker = page.NextVersionIdMarker
	}

	if _, err := client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: bucket}); err != nil && !isMissingBucket(err) {
		return removed, wrapError("s3:DeleteBucket", err)
	}
	return removed, nil
}

func isMissingBucket(err error) bool {
	var noSuchBucket *types.NoSuchBucket
	var notFound *types.NotFound
	if errors.As(err, &noSuchBucket) || errors.As(err, &notFound) {
		return true
	}
	return errors.Is(wrapError("", err), ErrNotFound)
}
