package domain

// SessionMeta is the aggregate state kept for an agent session.
type SessionMeta struct {
	PK           string
	SK           string
	SessionID    string
	PatientID    string
	LastActivity string
	Turns        int
	TTL          int64
}

// SessionKey locates a session's message history in object storage.
type SessionKey struct {
	PatientNamespace string
	SessionID        string
}
