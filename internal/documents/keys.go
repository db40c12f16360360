package documents

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"healthcare-agent/internal/domain"
	"healthcare-agent/internal/patient"
)

// ProcessedPrefix holds pipeline output; uploads under it are never routed.
const ProcessedPrefix = "processed/"

// ParseKey maps an object key onto the {patient_id}/{category}/{filename}
// convention. Keys arriving from EventBridge are URL-encoded.
func ParseKey(bucket, rawKey, etag string, size int64) (domain.UploadedObject, bool) {
	key, err := url.QueryUnescape(rawKey)
	if err != nil {
		key = rawKey
	}
	if key == "" || strings.HasPrefix(key, ProcessedPrefix) || strings.HasSuffix(key, "/") {
		return domain.UploadedObject{}, false
	}
	parts := strings.Split(key, "/")
	if len(parts) != 3 {
		return domain.UploadedObject{}, false
	}
	patientID := patient.Normalize(parts[0])
	category := patient.Normalize(parts[1])
	if patientID == "" || category == "" || strings.TrimSpace(parts[2]) == "" {
		return domain.UploadedObject{}, false
	}
	return domain.UploadedObject{
		Bucket:    bucket,
		Key:       key,
		ETag:      strings.Trim(etag, `"`),
		Size:      size,
		PatientID: patientID,
		Category:  category,
		Filename:  parts[2],
	}, true
}

func contentHash(obj domain.UploadedObject) string {
	sum := sha256.Sum256([]byte(obj.Bucket + "/" + obj.Key + "/" + obj.ETag))
	return hex.EncodeToString(sum[:])
}

// SessionID is the deterministic HealthScribe session for an upload.
func SessionID(obj domain.UploadedObject) string {
	return contentHash(obj)[:12]
}

// DocumentID is the deterministic extraction id for an upload.
func DocumentID(obj domain.UploadedObject) string {
	return contentHash(obj)[:32]
}

// OutputPrefix is where extraction output for obj is written.
func OutputPrefix(obj domain.UploadedObject, documentID string) string {
	return ProcessedPrefix + obj.PatientID + "_" + obj.Category + "/" + documentID + "/"
}
