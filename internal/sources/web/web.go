// ABOUTME: HTTP source that streams a JSON document from a URL.
// ABOUTME: Serves both the feed (no-store) and the snapshot (no-cache) fetches.

package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
)

// CacheMode selects the cache directive sent with the request
type CacheMode string

const (
	// NoStore asks intermediaries to neither serve nor keep a cached copy
	NoStore CacheMode = "no-store"
	// NoCache asks intermediaries to revalidate before serving a cached copy
	NoCache CacheMode = "no-cache"
)

// DefaultTimeout bounds the response header wait. The body is streamed without a deadline.
const DefaultTimeout = 30 * time.Second

// Source fetches a document over HTTP GET
type Source struct {
	url    string
	cache  CacheMode
	client *http.Client
	logger *logrus.Logger
}

// New creates an HTTP source. rawURL must be an absolute http(s) URL.
func New(rawURL string, cache CacheMode, logger *logrus.Logger) (*Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid url %q: scheme must be http or https", rawURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid url %q: missing host", rawURL)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = DefaultTimeout

	return &Source{
		url:    u.String(),
		cache:  cache,
		client: &http.Client{Transport: transport},
		logger: logger,
	}, nil
}

// WithClient replaces the HTTP client, mainly for tests
func (s *Source) WithClient(client *http.Client) *Source {
	s.client = client
	return s
}

// Name returns the source name
func (s *Source) Name() string {
	return "web"
}

// URL returns the fetched URL
func (s *Source) URL() string {
	return s.url
}

// Open issues the GET and returns the response body. Non-2xx responses are errors.
func (s *Source) Open(ctx context.Context) (io.ReadCloser, error) {
	logger := s.logger.WithFields(logrus.Fields{
		"url":   s.url,
		"cache": string(s.cache),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.cache != "" {
		req.Header.Set("Cache-Control", string(s.cache))
		if s.cache == NoStore {
			req.Header.Set("Pragma", "no-cache")
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", s.url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to fetch %s: %s", s.url, resp.Status)
	}

	logger.WithField("content_length", resp.ContentLength).Debug("Opened HTTP document")
	return resp.Body, nil
}
