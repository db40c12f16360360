package documents

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"

	"healthcare-agent/internal/domain"
)

const (
	defaultSniffBytes = 3072
	octetStream       = "application/octet-stream"
)

var genericTypes = map[string]bool{
	"":                      true,
	octetStream:             true,
	"binary/octet-stream":   true,
	"application/x-unknown": true,
	"application/zip":       true,
	"application/x-empty":   true,
}

// stdlib verdicts that mimetype can refine: MP4 containers also carry
// audio-only recordings, and plain text covers CSV and friends.
var refinable = map[string]bool{
	"text/plain": true,
	"video/mp4":  true,
}

// extensionTypes covers formats the platform MIME table often lacks.
var extensionTypes = map[string]string{
	".m4a":  "audio/mp4",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
	".amr":  "audio/amr",
	".webm": "audio/webm",
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".txt":  "text/plain",
	".csv":  "text/csv",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
}

type s3GetAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// DetectContentType resolves the media type of obj: the stored ContentType
// unless generic, then content sniffing of the first sniffBytes, then the
// filename extension.
func DetectContentType(ctx context.Context, api s3GetAPI, obj domain.UploadedObject, sniffBytes int) (string, error) {
	if !isGeneric(obj.ContentType) {
		return baseType(obj.ContentType), nil
	}
	if sniffBytes <= 0 {
		sniffBytes = defaultSniffBytes
	}
	out, err := api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(obj.Bucket),
		Key:    aws.String(obj.Key),
		Range:  aws.String(fmt.Sprintf("bytes=0-%d", sniffBytes-1)),
	})
	if err != nil {
		return "", fmt.Errorf("documents: read head of %s: %w", obj.Key, err)
	}
	defer func() { _ = out.Body.Close() }()

	if stored := aws.ToString(out.ContentType); !isGeneric(stored) {
		return baseType(stored), nil
	}
	head, err := io.ReadAll(io.LimitReader(out.Body, int64(sniffBytes)))
	if err != nil {
		return "", fmt.Errorf("documents: read head of %s: %w", obj.Key, err)
	}
	if t := Sniff(head); !isGeneric(t) {
		return t, nil
	}
	return byExtension(obj.Filename), nil
}

// Sniff detects a media type from leading bytes, refining inconclusive
// stdlib results with mimetype's signature database.
func Sniff(head []byte) string {
	if len(head) == 0 {
		return octetStream
	}
	t := baseType(http.DetectContentType(head))
	if !isGeneric(t) && !refinable[t] {
		return t
	}
	if m := baseType(mimetype.Detect(head).String()); !isGeneric(m) {
		return m
	}
	return t
}

func byExtension(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return baseType(t)
	}
	return octetStream
}

func baseType(t string) string {
	if mt, _, err := mime.ParseMediaType(t); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(t))
}

func isGeneric(t string) bool {
	return genericTypes[baseType(t)]
}

// Classify chooses the processing route for a media type.
func Classify(contentType string) domain.Route {
	t := baseType(contentType)
	switch {
	case strings.HasPrefix(t, "audio/"):
		return domain.RouteHealthScribe
	case t == "application/pdf",
		strings.HasPrefix(t, "image/"),
		strings.HasPrefix(t, "video/"),
		strings.HasPrefix(t, "text/"),
		isOffice(t):
		return domain.RouteDataAutomation
	default:
		return domain.RouteSkip
	}
}

func isOffice(t string) bool {
	switch t {
	case "application/msword", "application/rtf", "application/vnd.ms-excel", "application/vnd.ms-powerpoint":
		return true
	}
	return strings.HasPrefix(t, "application/vnd.openxmlformats-officedocument.")
}
