// ABOUTME: AWS S3 document source for feeds published to a bucket.
// ABOUTME: Handles credential loading, optional role assumption, and streaming GetObject.

package aws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/sirupsen/logrus"
)

// objectGetter is the subset of the S3 client used by the source
type objectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source streams one object from S3
type S3Source struct {
	client objectGetter
	bucket string
	key    string
	region string
	logger *logrus.Logger
}

// NewS3Source creates a new S3 document source. roleARN, when set, is assumed
// through STS; otherwise AWS_IAM_ASSUME_ROLE_ARN is honored.
func NewS3Source(ctx context.Context, bucket, key, region, roleARN string, logger *logrus.Logger) (*S3Source, error) {
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("s3 source requires bucket and key")
	}

	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if roleARN == "" {
		roleARN = os.Getenv("AWS_IAM_ASSUME_ROLE_ARN")
	}

	stsClient := sts.NewFromConfig(cfg.Copy())
	if roleARN != "" {
		logger.WithField("role_arn", roleARN).Info("Assuming role for S3 feed access")
		cfg.Credentials = aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(stsClient, roleARN))
	} else {
		identity, err := stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		if err != nil {
			logger.WithError(err).Warn("Could not get caller identity, proceeding with default credentials")
		} else {
			logger.WithFields(logrus.Fields{
				"account": aws.ToString(identity.Account),
				"arn":     aws.ToString(identity.Arn),
			}).Info("AWS identity information")
		}
	}

	return &S3Source{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		key:    key,
		region: cfg.Region,
		logger: logger,
	}, nil
}

// Name returns the source name
func (s *S3Source) Name() string {
	return "aws-s3"
}

// Open streams the object body
func (s *S3Source) Open(ctx context.Context) (io.ReadCloser, error) {
	logger := s.logger.WithFields(logrus.Fields{
		"bucket": s.bucket,
		"key":    s.key,
		"region": s.region,
	})

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("object s3://%s/%s does not exist: %w", s.bucket, s.key, err)
		}
		logger.WithError(err).Error("Failed to get S3 object")
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", s.bucket, s.key, err)
	}

	logger.WithFields(logrus.Fields{
		"content_length": aws.ToInt64(out.ContentLength),
		"etag":           aws.ToString(out.ETag),
	}).Info("Opened S3 document")

	return out.Body, nil
}
