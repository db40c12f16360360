package usecase

import (
	"fmt"
	"strings"

	"healthcare-agent/internal/domain"
)

func buildSystemPrompt(base string, pc domain.PatientContext) string {
	base = strings.TrimSpace(base)
	if base == "" {
		base = defaultSystemPrompt()
	}
	return base + "\n\n" + patientContextPrompt(pc)
}

func defaultSystemPrompt() string {
	return strings.Join([]string{
		"Role:",
		"You are a clinical assistant supporting healthcare staff.",
		"",
		"Behavior Rules:",
		behaviorRules(),
	}, "\n")
}

func behaviorRules() string {
	return strings.Join([]string{
		"1) Answer only the current request, concisely and professionally.",
		"2) Ground answers in patient records, uploaded documents and tool results; never invent clinical data.",
		"3) Use the available tools to look up patient documents and records before answering questions about them.",
		"4) If required information is unavailable, say so plainly.",
		"5) Do not provide a diagnosis or treatment decision; support the clinician's judgement.",
	}, "\n")
}

func patientContextPrompt(pc domain.PatientContext) string {
	if pc.PatientID == "" {
		return "Patient Context:\nNo specific patient is selected. Ask for a patient identifier when one is needed."
	}
	return fmt.Sprintf("Patient Context:\nCurrent patient_id: %s (resolved from %s). Use it for patient tools unless the user names another patient.",
		pc.PatientID, pc.Source)
}
