// ABOUTME: Record normalizer converting one raw feed vulnerability into a normalized row.
// ABOUTME: Pure and total: malformed fields become empty values, never errors.

package record

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jfeddern/VulnDash/internal/types"
)

// Ancestors carries the group/repo/image context of a vulnerability entry
type Ancestors struct {
	Group        string
	Repo         string
	ImageID      string
	ImageName    string
	ImageVersion string
}

// AncestorsOf reads the naming fields of the enclosing group, repo and image objects
func AncestorsOf(group, repo, image any) Ancestors {
	g, _ := group.(*Object)
	r, _ := repo.(*Object)
	img, _ := image.(*Object)

	imageName := stringField(img, "name")
	imageID := stringField(img, "id")
	if imageID == "" {
		imageID = imageName
	}

	return Ancestors{
		Group:        stringField(g, "name"),
		Repo:         stringField(r, "name"),
		ImageID:      imageID,
		ImageName:    imageName,
		ImageVersion: stringField(img, "version"),
	}
}

// RowID builds the composite identity imageId|cve|packageName|packageVersion
func RowID(imageID, cve, packageName, packageVersion string) string {
	return imageID + "|" + cve + "|" + packageName + "|" + packageVersion
}

// Normalize converts a raw vulnerability entry into a row. now is only used
// as the discoveredAt fallback when neither a discovery nor publish date exists.
func Normalize(raw any, anc Ancestors, now time.Time) types.Row {
	v, _ := raw.(*Object)

	cve := stringField(v, "cve")
	packageName := stringField(v, "packageName")
	packageVersion := stringField(v, "packageVersion")

	kaiStatus := stringField(v, "kaiStatus")
	status := stringField(v, "status")
	if kaiStatus == "" {
		kaiStatus = status
	}

	publishedAt := timeField(v, "published", "publishedAt")
	discoveredAt := timeField(v, "discoveredAt", "discovered")
	if discoveredAt == nil {
		if publishedAt != nil {
			ms := *publishedAt
			discoveredAt = &ms
		} else {
			ms := now.UnixMilli()
			discoveredAt = &ms
		}
	}

	return types.Row{
		ID:             RowID(anc.ImageID, cve, packageName, packageVersion),
		Group:          anc.Group,
		Repo:           anc.Repo,
		ImageID:        anc.ImageID,
		ImageName:      anc.ImageName,
		ImageVersion:   anc.ImageVersion,
		CVE:            cve,
		Severity:       types.ParseSeverity(stringField(v, "severity")),
		CVSS:           numberField(v, "cvss"),
		Status:         status,
		KaiStatus:      kaiStatus,
		Description:    stringField(v, "description"),
		PackageName:    packageName,
		PackageVersion: packageVersion,
		PackageType:    stringField(v, "packageType"),
		PublishedAt:    publishedAt,
		FixDate:        timeField(v, "fixDate"),
		DiscoveredAt:   discoveredAt,
		RiskFactors:    riskFactors(v),
	}
}

func stringField(obj *Object, key string) string {
	value, ok := obj.Get(key)
	if !ok {
		return ""
	}
	switch s := value.(type) {
	case string:
		return s
	case float64:
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return ""
		}
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return ""
}

func numberField(obj *Object, key string) *float64 {
	value, ok := obj.Get(key)
	if !ok {
		return nil
	}
	f, ok := value.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// timeField returns the first parseable timestamp among keys
func timeField(obj *Object, keys ...string) *int64 {
	for _, key := range keys {
		value, ok := obj.Get(key)
		if !ok {
			continue
		}
		if ms := ParseTimestamp(value); ms != nil {
			return ms
		}
	}
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

// ParseTimestamp converts a date-ish JSON value into epoch milliseconds.
// Numbers are taken as epoch milliseconds; unparseable values yield nil.
func ParseTimestamp(value any) *int64 {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		ms := int64(v)
		return &ms
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil
		}
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				ms := t.UnixMilli()
				return &ms
			}
		}
	}
	return nil
}

// riskFactors returns the labels of the riskFactors mapping in document order
func riskFactors(obj *Object) []string {
	factors := []string{}
	value, ok := obj.Get("riskFactors")
	if !ok {
		return factors
	}
	switch rf := value.(type) {
	case *Object:
		factors = append(factors, rf.Keys()...)
	case []any:
		for _, item := range rf {
			if label, ok := item.(string); ok && label != "" {
				factors = append(factors, label)
			}
		}
	}
	return factors
}
