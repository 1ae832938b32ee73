// ABOUTME: Factory for creating feed and snapshot sources.
// ABOUTME: Centralizes source instantiation and configuration logic.

package sources

import (
	"context"
	"fmt"

	"github.com/jfeddern/VulnDash/internal/sources/aws"
	"github.com/jfeddern/VulnDash/internal/sources/local"
	"github.com/jfeddern/VulnDash/internal/sources/mock"
	"github.com/jfeddern/VulnDash/internal/sources/web"
	"github.com/sirupsen/logrus"
)

// Config holds configuration for creating a source
type Config struct {
	Kind      string
	URL       string
	Path      string
	S3Bucket  string
	S3Key     string
	S3Region  string
	S3RoleARN string
	Mock      mock.Shape
}

// NewFeedSource creates the ingestion feed source
func NewFeedSource(ctx context.Context, cfg Config, logger *logrus.Logger) (Source, error) {
	switch cfg.Kind {
	case KindWeb, KindRemote:
		return web.New(cfg.URL, web.NoStore, logger)
	case KindLocal:
		return local.New(cfg.Path, logger), nil
	case KindS3:
		return aws.NewS3Source(ctx, cfg.S3Bucket, cfg.S3Key, cfg.S3Region, cfg.S3RoleARN, logger)
	case KindMock:
		logger.Info("Using mock feed source for testing")
		return mock.NewFeedSource(cfg.Mock, logger), nil
	default:
		return nil, fmt.Errorf("%w for feed: %q", ErrUnsupportedSource, cfg.Kind)
	}
}

// NewSnapshotSource creates the precomputed snapshot source. Kind "none" yields a nil source.
func NewSnapshotSource(ctx context.Context, cfg Config, logger *logrus.Logger) (Source, error) {
	switch cfg.Kind {
	case KindNone, "":
		logger.Info("No snapshot source configured")
		return nil, nil
	case KindWeb, KindRemote:
		return web.New(cfg.URL, web.NoCache, logger)
	case KindLocal:
		return local.New(cfg.Path, logger), nil
	case KindS3:
		return aws.NewS3Source(ctx, cfg.S3Bucket, cfg.S3Key, cfg.S3Region, cfg.S3RoleARN, logger)
	default:
		return nil, fmt.Errorf("%w for snapshot: %q", ErrUnsupportedSource, cfg.Kind)
	}
}
