// Package patient resolves which patient a chat message is about.
package patient

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"healthcare-agent/internal/domain"
)

// DefaultNamespace holds conversations that name no patient.
const DefaultNamespace = "general"

const maxIDLength = 64

type rule struct {
	re   *regexp.Regexp
	name bool
}

// Rules run in order; the first acceptable capture wins.
var rules = []rule{
	{re: regexp.MustCompile(`(?i)\b(?:patient[\s_-]*(?:id\b|number\b|no\.|no\b|#)|mrn\b|medical\s+record\s+(?:number\b|no\.|no\b))\s*(?:[:#=]|is\b)?\s*([A-Za-z0-9][A-Za-z0-9_-]{0,63})`)},
	{re: regexp.MustCompile(`(?i)\bpatient\s+([A-Za-z0-9_-]*\d[A-Za-z0-9_-]*)`)},
	{re: regexp.MustCompile(`\b(?i:for|about|regarding|of)\s+(?i:patient)\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+){0,2})`), name: true},
	{re: regexp.MustCompile(`\b(?i:patient)\s+([A-Z][a-z]+\s+[A-Z][a-z]+)`), name: true},
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "this": true, "that": true,
	"record": true, "records": true, "information": true, "info": true,
	"data": true, "history": true, "summary": true, "notes": true,
	"is": true, "was": true, "has": true, "with": true, "who": true,
}

var invalidChars = regexp.MustCompile(`[^a-z0-9_-]+`)

// Extract returns the patient identifier named in text using the built-in
// heuristics.
func Extract(text string) (string, bool) {
	for _, r := range rules {
		for _, m := range r.re.FindAllStringSubmatch(text, -1) {
			candidate := strings.TrimSpace(m[1])
			if r.name {
				candidate = strings.Join(strings.Fields(candidate), "_")
			}
			if stopWords[strings.ToLower(candidate)] {
				continue
			}
			if id := Normalize(candidate); id != "" {
				return id, true
			}
		}
	}
	return "", false
}

// Normalize lowercases an identifier and strips everything outside
// [a-z0-9_-], bounding it for use as an object key segment.
func Normalize(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	id = strings.ReplaceAll(id, " ", "_")
	id = invalidChars.ReplaceAllString(id, "")
	id = strings.Trim(id, "_-")
	if len(id) > maxIDLength {
		id = id[:maxIDLength]
	}
	return id
}

// Namespace returns the storage namespace for a patient.
func Namespace(id string) string {
	if n := Normalize(id); n != "" {
		return n
	}
	return DefaultNamespace
}

// Completer is the single-turn model call used for the fallback.
type Completer interface {
	Complete(ctx context.Context, model, system, prompt string) (string, error)
}

const fallbackSystemPrompt = `You extract patient identifiers from clinician messages.
Reply with JSON only: {"patient_id": "<identifier or full name>"} or {"patient_id": null} when no specific patient is named.`

// Extractor combines the heuristics with an optional model fallback.
type Extractor struct {
	llm   Completer
	model func() string
}

// NewExtractor builds an Extractor. llm may be nil to disable the model
// fallback; model is read at call time so runtime config reloads apply.
func NewExtractor(llm Completer, model func() string) *Extractor {
	return &Extractor{llm: llm, model: model}
}

// Resolve picks the patient for a message: explicit id, then heuristics,
// then the model fallback, then the patient already bound to the session.
func (e *Extractor) Resolve(ctx context.Context, explicit, text, sessionPatient string) domain.PatientContext {
	if id := Normalize(explicit); id != "" {
		return contextFor(id, domain.PatientSourceExplicit)
	}
	if id, ok := Extract(text); ok {
		return contextFor(id, domain.PatientSourcePrompt)
	}
	if e != nil && e.llm != nil && e.model != nil {
		if id, err := e.fromModel(ctx, text); err == nil && id != "" {
			return contextFor(id, domain.PatientSourceModel)
		}
	}
	if id := Normalize(sessionPatient); id != "" && id != DefaultNamespace {
		return contextFor(id, domain.PatientSourceSession)
	}
	return domain.PatientContext{PatientID: "", Source: domain.PatientSourceDefault, Namespace: DefaultNamespace}
}

func (e *Extractor) fromModel(ctx context.Context, text string) (string, error) {
	model := e.model()
	if model == "" {
		return "", errors.New("patient: no model configured")
	}
	raw, err := e.llm.Complete(ctx, model, fallbackSystemPrompt, text)
	if err != nil {
		return "", err
	}
	return parseModelReply(raw)
}

func parseModelReply(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	var out struct {
		PatientID *string `json:"patient_id"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &out); err != nil {
		return "", err
	}
	if out.PatientID == nil {
		return "", nil
	}
	return Normalize(*out.PatientID), nil
}

func contextFor(id string, src domain.PatientSource) domain.PatientContext {
	return domain.PatientContext{PatientID: id, Source: src, Namespace: Namespace(id)}
}
