package models

import "time"

// CheatingEvent is one append-only cheating record. Events are never
// amended or deleted once filed.
type CheatingEvent struct {
	ExamineeID string `json:"examinee_id"`
	Reason     string `json:"reason"`
	Timestamp  string `json:"timestamp"`
}

// Evaluation is the answer-sheet record for one (examinee, test) pair.
type Evaluation struct {
	ID          string
	ExamineeID  string
	TestID      string
	EvaluatorID string
	Mode        string

	// EncryptedAnswerSheet is sealed under SealedKey (two-level envelope).
	EncryptedAnswerSheet []byte
	SealedKey            []byte

	VerificationImages []ImageRef
	StreamVideos       []ImageRef
	CheatingEvents     []CheatingEvent

	// IsEvaluated is terminal: once set, mark adjustments go through the
	// explicit re-evaluation path, never a silent overwrite.
	IsEvaluated bool
	IsEnded     bool

	CreatedAt time.Time
}
