package documents

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"

	"healthcare-agent/internal/domain"
)

type fakeS3Get struct {
	contentType string
	body        []byte
	err         error
	in          *s3.GetObjectInput
}

func (f *fakeS3Get) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	out := &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(f.body))}
	if f.contentType != "" {
		out.ContentType = aws.String(f.contentType)
	}
	return out, nil
}

func m4aHeader() []byte {
	b := []byte{0, 0, 0, 0x20}
	b = append(b, "ftypM4A "...)
	b = append(b, 0, 0, 0, 0)
	b = append(b, "M4A mp42isom"...)
	b = append(b, make([]byte, 4)...)
	return append(b, make([]byte, 64)...)
}

func TestSniff(t *testing.T) {
	require.Equal(t, "application/pdf", Sniff([]byte("%PDF-1.7\n%...")))
	require.Equal(t, "image/png", Sniff([]byte("\x89PNG\r\n\x1a\n0000")))
	require.Equal(t, "audio/mpeg", Sniff(append([]byte("ID3\x03\x00\x00\x00\x00\x00\x00"), make([]byte, 32)...)))
	require.Equal(t, "text/plain", Sniff([]byte("Patient presents with cough.")))
	require.Equal(t, octetStream, Sniff(nil))
	require.Equal(t, domain.RouteHealthScribe, Classify(Sniff(m4aHeader())))
}

func TestDetectContentType(t *testing.T) {
	ctx := context.Background()
	obj := domain.UploadedObject{Bucket: "b", Key: "p/labs/scan", Filename: "scan"}

	withType := obj
	withType.ContentType = "application/pdf; qs=1"
	ct, err := DetectContentType(ctx, &fakeS3Get{err: errors.New("unused")}, withType, 0)
	require.NoError(t, err)
	require.Equal(t, "application/pdf", ct)

	api := &fakeS3Get{contentType: "image/jpeg"}
	ct, err = DetectContentType(ctx, api, obj, 0)
	require.NoError(t, err)
	require.Equal(t, "image/jpeg", ct)
	require.Equal(t, "bytes=0-3071", aws.ToString(api.in.Range))

	api = &fakeS3Get{contentType: "binary/octet-stream", body: []byte("%PDF-1.4\n")}
	ct, err = DetectContentType(ctx, api, obj, 16)
	require.NoError(t, err)
	require.Equal(t, "application/pdf", ct)
	require.Equal(t, "bytes=0-15", aws.ToString(api.in.Range))

	wav := obj
	wav.Filename = "visit.WAV"
	ct, err = DetectContentType(ctx, &fakeS3Get{body: []byte{0x00, 0x01, 0x02}}, wav, 0)
	require.NoError(t, err)
	require.Equal(t, "audio/wav", ct)

	_, err = DetectContentType(ctx, &fakeS3Get{err: errors.New("denied")}, obj, 0)
	require.ErrorContains(t, err, "denied")
}

func TestClassify(t *testing.T) {
	cases := map[string]domain.Route{
		"audio/mp4":       domain.RouteHealthScribe,
		"audio/x-m4a":     domain.RouteHealthScribe,
		"application/pdf": domain.RouteDataAutomation,
		"image/tiff":      domain.RouteDataAutomation,
		"video/mp4":       domain.RouteDataAutomation,
		"text/csv":        domain.RouteDataAutomation,
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document": domain.RouteDataAutomation,
		"application/msword":       domain.RouteDataAutomation,
		"application/zip":          domain.RouteSkip,
		"application/octet-stream": domain.RouteSkip,
	}
	for ct, want := range cases {
		require.Equal(t, want, Classify(ct), ct)
	}
}
