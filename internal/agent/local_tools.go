package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"healthcare-agent/internal/domain"
	"healthcare-agent/internal/patient"
)

const (
	ToolListPatientDocuments = "list_patient_documents"
	ToolGetPatientRecords    = "get_patient_records"

	maxListedDocuments = 100
	defaultRecordLimit = 10
	maxRecordLimit     = 50
)

// s3ListAPI is the S3 subset used to list patient uploads.
type s3ListAPI interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// RecordLister reads processed documents from the clinical store.
type RecordLister interface {
	ListByPatient(ctx context.Context, patientID string, limit int) ([]domain.DocumentRecord, error)
}

type documentEntry struct {
	Key          string `json:"key"`
	Category     string `json:"category"`
	Size         int64  `json:"size"`
	LastModified string `json:"last_modified,omitempty"`
}

// NewDocumentListTool lists the uploads stored under {patient}/ in bucket.
func NewDocumentListTool(api s3ListAPI, bucket string) Tool {
	return Tool{
		Name:        ToolListPatientDocuments,
		CallName:    ToolListPatientDocuments,
		Description: "List documents uploaded for a patient, optionally filtered by category.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"patient_id": map[string]any{"type": "string", "description": "Patient identifier; defaults to the current patient."},
				"category":   map[string]any{"type": "string", "description": "Document category folder, e.g. lab_results."},
			},
		},
		Invoke: func(ctx context.Context, current string, args map[string]any) (string, error) {
			id, err := patientArg(current, args)
			if err != nil {
				return "", err
			}
			prefix := id + "/"
			if cat := patient.Normalize(stringArg(args, "category")); cat != "" {
				prefix += cat + "/"
			}
			out, err := api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:  aws.String(bucket),
				Prefix:  aws.String(prefix),
				MaxKeys: aws.Int32(maxListedDocuments),
			})
			if err != nil {
				return "", fmt.Errorf("agent: list documents: %w", err)
			}
			docs := make([]documentEntry, 0, len(out.Contents))
			for _, obj := range out.Contents {
				key := aws.ToString(obj.Key)
				if strings.HasSuffix(key, "/") {
					continue
				}
				entry := documentEntry{Key: key, Size: aws.ToInt64(obj.Size)}
				if parts := strings.SplitN(key, "/", 3); len(parts) == 3 {
					entry.Category = parts[1]
				}
				if obj.LastModified != nil {
					entry.LastModified = obj.LastModified.UTC().Format(time.RFC3339)
				}
				docs = append(docs, entry)
			}
			return marshalResult(map[string]any{"patient_id": id, "documents": docs})
		},
	}
}

// NewRecordsTool returns processed clinical documents for a patient.
func NewRecordsTool(records RecordLister) Tool {
	return Tool{
		Name:        ToolGetPatientRecords,
		CallName:    ToolGetPatientRecords,
		Description: "Get processed clinical records (summaries of extracted documents and medical notes) for a patient.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"patient_id": map[string]any{"type": "string", "description": "Patient identifier; defaults to the current patient."},
				"limit":      map[string]any{"type": "integer", "description": "Maximum records to return (1-50)."},
			},
		},
		Invoke: func(ctx context.Context, current string, args map[string]any) (string, error) {
			id, err := patientArg(current, args)
			if err != nil {
				return "", err
			}
			limit := defaultRecordLimit
			if n, ok := args["limit"].(float64); ok && n > 0 {
				limit = int(n)
			}
			if limit > maxRecordLimit {
				limit = maxRecordLimit
			}
			recs, err := records.ListByPatient(ctx, id, limit)
			if err != nil {
				return "", fmt.Errorf("agent: list records: %w", err)
			}
			return marshalResult(map[string]any{"patient_id": id, "records": recs})
		},
	}
}

func patientArg(current string, args map[string]any) (string, error) {
	id := patient.Normalize(stringArg(args, "patient_id"))
	if id == "" {
		id = patient.Normalize(current)
	}
	if id == "" || id == patient.DefaultNamespace {
		return "", errors.New("patient_id is required")
	}
	return id, nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

func marshalResult(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("agent: encode tool result: %w", err)
	}
	return string(b), nil
}
