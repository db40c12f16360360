package healthscribe

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// clinicalDocument is the subset of the HealthScribe summary.json we use.
type clinicalDocument struct {
	ClinicalDocumentation struct {
		Sections []struct {
			SectionName string `json:"SectionName"`
			Summary     []struct {
				SummarizedSegment string `json:"SummarizedSegment"`
			} `json:"Summary"`
		} `json:"Sections"`
	} `json:"ClinicalDocumentation"`
}

// transcriptDocument is the subset of the HealthScribe transcript.json we use.
type transcriptDocument struct {
	Conversation struct {
		TranscriptSegments []struct {
			ParticipantDetails struct {
				ParticipantRole string `json:"ParticipantRole"`
			} `json:"ParticipantDetails"`
			Content string `json:"Content"`
		} `json:"TranscriptSegments"`
	} `json:"Conversation"`
}

// Section is one titled part of the clinical note.
type Section struct {
	Name string
	Text string
}

// summaryPreference orders the sections used for the one-line summary.
var summaryPreference = []string{"CHIEF_COMPLAINT", "ASSESSMENT", "HISTORY_OF_PRESENT_ILLNESS", "PLAN"}

const maxSummaryLen = 500

// ParseSummary extracts the note sections of a summary.json document in
// their original order, skipping empty ones.
func ParseSummary(raw []byte) ([]Section, error) {
	var doc clinicalDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("healthscribe: decode summary: %w", err)
	}
	var sections []Section
	for _, s := range doc.ClinicalDocumentation.Sections {
		var lines []string
		for _, seg := range s.Summary {
			if text := strings.TrimSpace(seg.SummarizedSegment); text != "" {
				lines = append(lines, text)
			}
		}
		if len(lines) == 0 || s.SectionName == "" {
			continue
		}
		sections = append(sections, Section{Name: s.SectionName, Text: strings.Join(lines, "\n")})
	}
	return sections, nil
}

// ParseTranscript renders transcript.json as "ROLE: text" lines.
func ParseTranscript(raw []byte) (string, error) {
	var doc transcriptDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("healthscribe: decode transcript: %w", err)
	}
	var b strings.Builder
	for _, seg := range doc.Conversation.TranscriptSegments {
		text := strings.TrimSpace(seg.Content)
		if text == "" {
			continue
		}
		role := seg.ParticipantDetails.ParticipantRole
		if role == "" {
			role = "SPEAKER"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, text)
	}
	return strings.TrimSpace(b.String()), nil
}

// sectionTitle turns CHIEF_COMPLAINT into "Chief Complaint".
func sectionTitle(name string) string {
	words := strings.Fields(strings.ReplaceAll(strings.ToLower(name), "_", " "))
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

// renderNote builds the markdown body indexed by the knowledge base.
func renderNote(patientID, sessionID string, sections []Section, transcript string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Medical notes\n\nPatient: %s\nSession: %s\n", patientID, sessionID)
	for _, s := range sections {
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", sectionTitle(s.Name), s.Text)
	}
	if transcript != "" {
		fmt.Fprintf(&b, "\n## Transcript\n\n%s\n", transcript)
	}
	return b.String()
}

func summarize(sections []Section) string {
	byName := make(map[string]string, len(sections))
	for _, s := range sections {
		byName[s.Name] = s.Text
	}
	text := ""
	for _, name := range summaryPreference {
		if t, ok := byName[name]; ok {
			text = t
			break
		}
	}
	if text == "" && len(sections) > 0 {
		text = sections[0].Text
	}
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > maxSummaryLen {
		text = string(r[:maxSummaryLen])
	}
	return text
}
