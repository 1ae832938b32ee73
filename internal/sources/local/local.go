// ABOUTME: Local file source for development and offline use.
// ABOUTME: Streams a feed or snapshot JSON document from disk without network access.

package local

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Source implements the document source for a local file
type Source struct {
	path   string
	logger *logrus.Logger
}

// New creates a new local file source
func New(path string, logger *logrus.Logger) *Source {
	return &Source{
		path:   path,
		logger: logger,
	}
}

// Name returns the source name
func (l *Source) Name() string {
	return "local"
}

// Path returns the file being read
func (l *Source) Path() string {
	return l.path
}

// Open opens the file for streaming. The context is only checked before opening.
func (l *Source) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open document file '%s': %w", l.path, err)
	}

	if info, err := f.Stat(); err == nil {
		if info.IsDir() {
			_ = f.Close()
			return nil, fmt.Errorf("document path '%s' is a directory", l.path)
		}
		l.logger.WithFields(logrus.Fields{
			"path":  l.path,
			"bytes": info.Size(),
		}).Debug("Opened local document")
	}

	return f, nil
}
