// ABOUTME: Mock feed source that generates a synthetic vulnerability feed for local testing.
// ABOUTME: Streams a deterministic groups/repos/images/vulnerabilities document through a pipe.

package mock

import (
	"context"
	"fmt"
	"io"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

// Shape controls how large the generated feed is
type Shape struct {
	Groups int
	Repos  int // per group
	Images int // per repo
	Vulns  int // per image
}

// DefaultShape yields 4*5*4*12 = 960 findings
var DefaultShape = Shape{Groups: 4, Repos: 5, Images: 4, Vulns: 12}

// Total returns the number of findings the shape generates
func (s Shape) Total() int {
	return s.Groups * s.Repos * s.Images * s.Vulns
}

// FeedSource implements the document source with generated data
type FeedSource struct {
	shape  Shape
	now    func() time.Time
	logger *logrus.Logger
}

// NewFeedSource creates a new mock feed source
func NewFeedSource(shape Shape, logger *logrus.Logger) *FeedSource {
	return &FeedSource{
		shape:  shape,
		now:    time.Now,
		logger: logger,
	}
}

// WithClock fixes the reference time used for generated dates
func (m *FeedSource) WithClock(now func() time.Time) *FeedSource {
	m.now = now
	return m
}

// Name returns the name of this source
func (m *FeedSource) Name() string {
	return "mock"
}

// Shape returns the configured feed shape
func (m *FeedSource) Shape() Shape {
	return m.shape
}

// Open starts the generator and returns the read side of the pipe
func (m *FeedSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"groups":   m.shape.Groups,
		"repos":    m.shape.Repos,
		"images":   m.shape.Images,
		"vulns":    m.shape.Vulns,
		"findings": m.shape.Total(),
	}).Info("Generating mock vulnerability feed")

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(m.generate(ctx, pw))
	}()
	return pr, nil
}

func (m *FeedSource) generate(ctx context.Context, w io.Writer) error {
	stream := jsoniter.NewStream(jsoniter.ConfigDefault, w, 32*1024)
	now := m.now().UTC()

	stream.WriteObjectStart()
	stream.WriteObjectField("generatedAt")
	stream.WriteString(now.Format(time.RFC3339))
	stream.WriteMore()
	stream.WriteObjectField("groups")
	stream.WriteObjectStart()

	for g := 0; g < m.shape.Groups; g++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if g > 0 {
			stream.WriteMore()
		}
		group := groupNames[g%len(groupNames)]
		if g >= len(groupNames) {
			group = fmt.Sprintf("%s-%d", group, g/len(groupNames))
		}

		stream.WriteObjectField(group)
		stream.WriteObjectStart()
		stream.WriteObjectField("name")
		stream.WriteString(group)
		stream.WriteMore()
		stream.WriteObjectField("repos")
		stream.WriteArrayStart()
		for r := 0; r < m.shape.Repos; r++ {
			if r > 0 {
				stream.WriteMore()
			}
			m.writeRepo(stream, now, group, g, r)
		}
		stream.WriteArrayEnd()
		stream.WriteObjectEnd()

		if err := flush(stream); err != nil {
			return err
		}
	}

	stream.WriteObjectEnd()
	stream.WriteObjectEnd()
	return flush(stream)
}

func (m *FeedSource) writeRepo(stream *jsoniter.Stream, now time.Time, group string, g, r int) {
	repo := repoNames[(g+r)%len(repoNames)]
	repoName := fmt.Sprintf("%s/%s-%d", group, repo, r)

	stream.WriteObjectStart()
	stream.WriteObjectField("name")
	stream.WriteString(repoName)
	stream.WriteMore()
	stream.WriteObjectField("images")
	stream.WriteArrayStart()
	for i := 0; i < m.shape.Images; i++ {
		if i > 0 {
			stream.WriteMore()
		}
		stream.WriteObjectStart()
		stream.WriteObjectField("id")
		stream.WriteString(fmt.Sprintf("sha256:%08x%04x%04x", g, r, i))
		stream.WriteMore()
		stream.WriteObjectField("name")
		stream.WriteString(repoName)
		stream.WriteMore()
		stream.WriteObjectField("version")
		stream.WriteString(fmt.Sprintf("v1.%d.%d", r, i))
		stream.WriteMore()
		stream.WriteObjectField("vulnerabilities")
		stream.WriteArrayStart()
		for v := 0; v < m.shape.Vulns; v++ {
			if v > 0 {
				stream.WriteMore()
			}
			writeFinding(stream, now, g, r, i, v)
		}
		stream.WriteArrayEnd()
		stream.WriteObjectEnd()
	}
	stream.WriteArrayEnd()
	stream.WriteObjectEnd()
}

func writeFinding(stream *jsoniter.Stream, now time.Time, g, r, i, v int) {
	seed := g*7 + r*5 + i*3 + v
	// consecutive v pick distinct entries; wrap-arounds get a version suffix so ids stay unique
	f := catalog[seed%len(catalog)]
	version := f.PackageVersion
	if v >= len(catalog) {
		version = fmt.Sprintf("%s-r%d", f.PackageVersion, v/len(catalog))
	}

	published := now.AddDate(0, 0, -((seed*37)%400 + 1))
	discovered := published.AddDate(0, 0, seed%20)
	if discovered.After(now) {
		discovered = now
	}
	kai := kaiStatuses[seed%len(kaiStatuses)]

	stream.WriteObjectStart()
	stream.WriteObjectField("cve")
	stream.WriteString(f.CVE)
	stream.WriteMore()
	stream.WriteObjectField("severity")
	stream.WriteString(f.Severity)
	stream.WriteMore()
	stream.WriteObjectField("cvss")
	stream.WriteFloat64(f.Score)
	stream.WriteMore()
	stream.WriteObjectField("description")
	stream.WriteString(f.Description)
	stream.WriteMore()
	stream.WriteObjectField("status")
	stream.WriteString("ACTIVE")
	stream.WriteMore()
	stream.WriteObjectField("kaiStatus")
	stream.WriteString(kai)
	stream.WriteMore()
	stream.WriteObjectField("packageName")
	stream.WriteString(f.PackageName)
	stream.WriteMore()
	stream.WriteObjectField("packageVersion")
	stream.WriteString(version)
	stream.WriteMore()
	stream.WriteObjectField("packageType")
	stream.WriteString(f.PackageType)
	stream.WriteMore()
	stream.WriteObjectField("published")
	stream.WriteString(published.Format(time.RFC3339))
	stream.WriteMore()
	stream.WriteObjectField("discoveredAt")
	stream.WriteString(discovered.Format(time.RFC3339))
	if f.FixAvailable {
		stream.WriteMore()
		stream.WriteObjectField("fixDate")
		stream.WriteString(published.AddDate(0, 0, 14).Format("2006-01-02"))
	}
	stream.WriteMore()
	stream.WriteObjectField("riskFactors")
	stream.WriteObjectStart()
	for n, factor := range f.riskFactors() {
		if n > 0 {
			stream.WriteMore()
		}
		stream.WriteObjectField(factor)
		stream.WriteObjectStart()
		stream.WriteObjectEnd()
	}
	stream.WriteObjectEnd()
	stream.WriteObjectEnd()
}

func flush(stream *jsoniter.Stream) error {
	if stream.Error != nil {
		return stream.Error
	}
	return stream.Flush()
}
