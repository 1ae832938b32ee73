// ABOUTME: Source interface for the feed and snapshot documents.
// ABOUTME: A source opens one JSON document as a stream; callers close it.

package sources

import (
	"context"
	"errors"
	"io"
)

// ErrUnsupportedSource is returned by the factory for an unknown source kind
var ErrUnsupportedSource = errors.New("unsupported source")

// Source abstracts where a JSON document is read from (HTTP, local file, S3, generator)
type Source interface {
	Name() string
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Source kinds accepted by the factory
const (
	KindWeb    = "web"
	KindRemote = "remote"
	KindS3     = "s3"
	KindLocal  = "local"
	KindMock   = "mock"
	KindNone   = "none"
)
