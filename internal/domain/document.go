package domain

import "time"

// Route is the processing path chosen for an uploaded object.
type Route string

const (
	RouteDataAutomation Route = "bda"
	RouteHealthScribe   Route = "healthscribe"
	RouteSkip           Route = "skip"
)

const CategoryMedicalNotes = "medical_notes"

// UploadedObject identifies a patient upload following the
// {patient_id}/{category}/{filename} key convention.
type UploadedObject struct {
	Bucket      string
	Key         string
	ETag        string
	Size        int64
	PatientID   string
	Category    string
	Filename    string
	ContentType string
}

// ExtractedDocument is the normalized result of managed extraction, ready to
// be stored and indexed.
type ExtractedDocument struct {
	DocumentID  string
	PatientID   string
	Category    string
	SourceKey   string
	Summary     string
	Body        string
	Fields      map[string]string
	ProcessedAt time.Time
}

// DocumentRecord is a stored document as read back from the clinical store.
type DocumentRecord struct {
	DocumentID  string `json:"document_id"`
	PatientID   string `json:"patient_id"`
	Category    string `json:"category"`
	SourceKey   string `json:"source_key"`
	Summary     string `json:"summary"`
	ProcessedAt string `json:"processed_at"`
}
