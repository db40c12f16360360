package documents

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"healthcare-agent/internal/domain"
)

func TestParseKey(t *testing.T) {
	cases := []struct {
		name     string
		key      string
		ok       bool
		patient  string
		category string
		filename string
	}{
		{name: "convention", key: "P-1234/lab_results/cbc.pdf", ok: true, patient: "p-1234", category: "lab_results", filename: "cbc.pdf"},
		{name: "url encoded", key: "john_doe/visit+notes/Visit%20Recording.m4a", ok: true, patient: "john_doe", category: "visit_notes", filename: "Visit Recording.m4a"},
		{name: "processed output", key: "processed/p-1_labs/abc/result.json"},
		{name: "folder marker", key: "p-1/labs/"},
		{name: "too shallow", key: "p-1/cbc.pdf"},
		{name: "too deep", key: "p-1/labs/2026/cbc.pdf"},
		{name: "empty patient", key: "%20/labs/cbc.pdf"},
		{name: "empty", key: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			obj, ok := ParseKey("uploads", tc.key, `"etag-1"`, 10)
			require.Equal(t, tc.ok, ok)
			if !tc.ok {
				return
			}
			require.Equal(t, tc.patient, obj.PatientID)
			require.Equal(t, tc.category, obj.Category)
			require.Equal(t, tc.filename, obj.Filename)
			require.Equal(t, "etag-1", obj.ETag)
			require.Equal(t, "uploads", obj.Bucket)
		})
	}
}

func TestDeterministicIDs(t *testing.T) {
	obj := domain.UploadedObject{Bucket: "b", Key: "p-1/audio/visit.m4a", ETag: "e1"}
	require.Len(t, SessionID(obj), 12)
	require.Len(t, DocumentID(obj), 32)
	require.Equal(t, SessionID(obj), SessionID(obj))
	require.True(t, strings.HasPrefix(DocumentID(obj), SessionID(obj)))

	other := obj
	other.ETag = "e2"
	require.NotEqual(t, SessionID(obj), SessionID(other))
}

func TestOutputPrefix(t *testing.T) {
	obj := domain.UploadedObject{PatientID: "p-1", Category: "labs"}
	require.Equal(t, "processed/p-1_labs/doc/", OutputPrefix(obj, "doc"))
}
