package domain

// PatientSource records how the patient for an invocation was resolved.
type PatientSource string

const (
	PatientSourceExplicit PatientSource = "explicit"
	PatientSourcePrompt   PatientSource = "prompt"
	PatientSourceModel    PatientSource = "model"
	PatientSourceSession  PatientSource = "session"
	PatientSourceDefault  PatientSource = "default"
)

// PatientContext is returned with every invocation so callers can see which
// patient namespace the conversation was stored under.
type PatientContext struct {
	PatientID string        `json:"patient_id"`
	Source    PatientSource `json:"source"`
	Namespace string        `json:"namespace"`
}
