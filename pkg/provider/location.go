package provider

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Location parsing errors
var (
	// ErrInvalidLocation indicates the location URI could not be parsed.
	ErrInvalidLocation = errors.New("invalid location")

	// ErrUnsupportedScheme indicates the URI scheme is not supported.
	ErrUnsupportedScheme = errors.New("unsupported scheme")

	// ErrMissingBucket indicates the URI is missing a bucket name.
	ErrMissingBucket = errors.New("missing bucket name")
)

// Location addresses one object in hot storage.
//
// Job records persist locations in URI form:
//   - s3://bucket/key/path.vcf
//   - file://bucket/key/path.vcf (local development provider)
type Location struct {
	// Provider is the storage provider scheme.
	Provider ProviderType

	// Bucket is the bucket name.
	Bucket string

	// Key is the object key.
	Key string
}

// String returns the location in canonical URI form.
func (l Location) String() string {
	return fmt.Sprintf("%s://%s/%s", l.Provider, l.Bucket, l.Key)
}

// Base returns the last element of the key.
func (l Location) Base() string {
	return path.Base(l.Key)
}

// Join returns the location of key elems joined under bucket.
func Join(p ProviderType, bucket string, elems ...string) Location {
	parts := make([]string, 0, len(elems))
	for _, e := range elems {
		e = strings.Trim(e, "/")
		if e != "" {
			parts = append(parts, e)
		}
	}
	return Location{Provider: p, Bucket: bucket, Key: strings.Join(parts, "/")}
}

// ParseLocation parses an object URI.
//
// The key is required: bucket-only URIs do not address an object.
func ParseLocation(uri string) (Location, error) {
	if uri == "" {
		return Location{}, fmt.Errorf("%w: empty URI", ErrInvalidLocation)
	}

	schemeEnd := strings.Index(uri, "://")
	if schemeEnd == -1 {
		return Location{}, fmt.Errorf("%w: missing scheme (expected s3://...)", ErrInvalidLocation)
	}

	scheme := ProviderType(strings.ToLower(uri[:schemeEnd]))
	if scheme != ProviderS3 && scheme != ProviderFile {
		return Location{}, fmt.Errorf("%w: %s (supported: s3, file)", ErrUnsupportedScheme, scheme)
	}

	remainder := uri[schemeEnd+3:]
	bucket, key, _ := strings.Cut(remainder, "/")
	if bucket == "" {
		return Location{}, fmt.Errorf("%w: in %s", ErrMissingBucket, uri)
	}
	if _, err := url.Parse("s3://" + bucket + "/"); err != nil {
		return Location{}, fmt.Errorf("%w: invalid bucket name %q", ErrInvalidLocation, bucket)
	}
	if key == "" || strings.HasSuffix(key, "/") {
		return Location{}, fmt.Errorf("%w: %s does not name an object", ErrInvalidLocation, uri)
	}

	return Location{Provider: scheme, Bucket: bucket, Key: key}, nil
}
