package documents

import (
	"fmt"
	"net/url"
	"strings"
)

// S3URI formats an s3:// location.
func S3URI(bucket, key string) string {
	return "s3://" + bucket + "/" + key
}

// ParseS3URI accepts s3://bucket/key as well as the path-style and
// virtual-hosted HTTPS URLs HealthScribe reports.
func ParseS3URI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil || uri == "" {
		return "", "", fmt.Errorf("documents: invalid s3 uri %q", uri)
	}
	p := strings.TrimPrefix(u.Path, "/")
	switch {
	case u.Scheme == "s3":
		bucket, key = u.Host, p
	case u.Scheme == "https" && strings.HasPrefix(u.Host, "s3."):
		bucket, key, _ = strings.Cut(p, "/")
	case u.Scheme == "https" && strings.Contains(u.Host, ".s3."):
		bucket, _, _ = strings.Cut(u.Host, ".s3.")
		key = p
	}
	if bucket == "" || strings.Trim(key, "/") == "" {
		return "", "", fmt.Errorf("documents: invalid s3 uri %q", uri)
	}
	return bucket, key, nil
}
