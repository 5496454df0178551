// Package metadata derives image records from storage keys using the library
// layout and file naming conventions.
package metadata

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/withObsrvr/obsrvr-cds-search/internal/model"
)

var (
	displayNamePattern = regexp.MustCompile(`.+(?P<mipName>/[^/]+(-CDM(_[^-]*)?)(?P<cdmSuffix>-.*)?\..*$)`)
	searchableFolder   = regexp.MustCompile(`searchable_neurons/\d+/`)
	channelPattern     = regexp.MustCompile(`(?i)CDM_(\d+)`)

	cdmSuffixGroup = displayNamePattern.SubexpIndex("cdmSuffix")
)

// emGender is assigned to every electron microscopy record.
const emGender = "f"

// Resolver builds ImageRecords. It is a pure function of the key and the
// configured buckets.
type Resolver struct {
	MasksBucket      string
	LibraryBucket    string
	ThumbnailsBucket string
}

// NewResolver creates a resolver. Thumbnails default to the library bucket.
func NewResolver(masksBucket, libraryBucket, thumbnailsBucket string) *Resolver {
	if thumbnailsBucket == "" {
		thumbnailsBucket = libraryBucket
	}
	return &Resolver{
		MasksBucket:      masksBucket,
		LibraryBucket:    libraryBucket,
		ThumbnailsBucket: thumbnailsBucket,
	}
}

// Mask returns the record of a search mask. Masks only carry identity and
// location.
func (r *Resolver) Mask(key string) model.ImageRecord {
	name := baseName(key)
	if dot := strings.IndexByte(name, '.'); dot >= 0 {
		name = name[:dot]
	}
	return model.ImageRecord{
		ID:          name,
		StoragePath: key,
		ImageName:   key,
		ImageURL:    objectURL(r.MasksBucket, key),
	}
}

// Target returns the record of a library image with the fields encoded in its
// path and name.
func (r *Resolver) Target(key string) model.ImageRecord {
	fileName := baseName(key)
	name, ext := fileName, ""
	if dot := strings.LastIndexByte(fileName, '.'); dot >= 0 {
		name, ext = fileName[:dot], fileName[dot+1:]
	}

	imageKey := DisplayKey(key)
	if ext != "" {
		imageKey = strings.TrimSuffix(imageKey, "."+ext) + ".png"
	}
	thumbnailKey := imageKey
	if strings.HasSuffix(thumbnailKey, ".png") {
		thumbnailKey = strings.TrimSuffix(thumbnailKey, ".png") + ".jpg"
	}

	rec := model.ImageRecord{
		ID:           name,
		StoragePath:  key,
		ImageName:    key,
		ImageURL:     objectURL(r.LibraryBucket, imageKey),
		ThumbnailURL: objectURL(r.ThumbnailsBucket, thumbnailKey),
	}

	segments := pathSegments(key)
	switch {
	case len(segments) > 3:
		// <alignmentSpace>/<libraryName>/.../<image>
		rec.AlignmentSpace = segments[0]
		rec.LibraryName = segments[1]
	case len(segments) == 3:
		// <anything>/<libraryName>/<image>
		rec.LibraryName = segments[1]
	}

	if IsEMLibrary(rec.LibraryName) {
		parseEMName(name, &rec)
	} else {
		parseLMName(name, &rec)
	}
	return rec
}

// DisplayKey maps a searchable image key to the key of its displayable
// image: the suffix after the CDM marker and the searchable_neurons/<n>/
// folder are removed. The extension is kept.
func DisplayKey(key string) string {
	clean := func(s string) string {
		return strings.ReplaceAll(searchableFolder.ReplaceAllString(s, ""), "//", "/")
	}

	m := displayNamePattern.FindStringSubmatchIndex(key)
	if m == nil {
		return clean(key)
	}
	start, end := m[2*cdmSuffixGroup], m[2*cdmSuffixGroup+1]
	if start <= 0 {
		return clean(key)
	}
	return clean(key[:start]) + clean(key[end:])
}

// IsEMLibrary reports whether a library holds electron microscopy images.
func IsEMLibrary(library string) bool {
	l := strings.ToLower(library)
	return strings.Contains(l, "flyem") && strings.Contains(l, "hemibrain")
}

func parseEMName(name string, rec *model.ImageRecord) {
	bodyID, _, _ := strings.Cut(name, "-")
	rec.PublishedName = bodyID
	rec.Gender = emGender
}

// parseLMName reads <line>-<slide>-<driver>-<gender>-<objective>-<area>-<alignment>-<CDM_channel>.
func parseLMName(name string, rec *model.ImageRecord) {
	parts := strings.Split(name, "-")
	rec.PublishedName = parts[0]
	if len(parts) > 1 {
		rec.SlideCode = parts[1]
	}
	if len(parts) > 3 {
		rec.Gender = parts[3]
	}
	if len(parts) > 4 {
		rec.Objective = parts[4]
	}
	if len(parts) > 5 {
		rec.AnatomicalArea = parts[5]
	}
	if len(parts) > 6 {
		rec.AlignmentSpace = parts[6]
	}
	if len(parts) > 7 {
		if m := channelPattern.FindStringSubmatch(parts[7]); m != nil {
			rec.Channel = m[1]
		}
	}
}

func objectURL(bucket, key string) string {
	return fmt.Sprintf("https://s3.amazonaws.com/%s/%s", bucket, key)
}

func baseName(key string) string {
	return key[strings.LastIndexByte(key, '/')+1:]
}

func pathSegments(key string) []string {
	var out []string
	for _, s := range strings.Split(key, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
