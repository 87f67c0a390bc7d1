// Package models defines server-side data models persisted in the database.
package models

import "time"

// Role tags the user variant. Exactly one admin account exists per
// deployment; moderators own tests, examinees sit them.
type Role string

const (
	RoleAdmin     Role = "ADMIN"
	RoleModerator Role = "MODERATOR"
	RoleExaminee  Role = "EXAMINEE"
)

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleModerator || r == RoleExaminee
}

// UserStatus is the explicit account lifecycle state. It replaces the
// original design's "field present means in-review" convention: one status
// enum drives all gating logic.
type UserStatus string

const (
	StatusNotVerified         UserStatus = "NOT_VERIFIED"
	StatusPendingVerification UserStatus = "PENDING_VERIFICATION"
	StatusVerified            UserStatus = "VERIFIED"
	StatusInReview            UserStatus = "IN_REVIEW"
)

// PKCEState is the transient authorization-exchange state stored on a user
// between authorize and token exchange.
type PKCEState struct {
	Challenge string `json:"challenge"`
	// CodeHash is the bcrypt hash of the one-time secret code issued at
	// password login. Empty until the login step completes.
	CodeHash string `json:"code_hash"`
}

// TestCode binds an examinee to a running test via a bcrypt-hashed one-time
// access code delivered out-of-band at test start.
type TestCode struct {
	TestID   string `json:"test_id"`
	CodeHash string `json:"code_hash"`
}

// ImageRef points at a name-addressed blob in object storage.
type ImageRef struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// Review captures the reason an admin pushed an account into IN_REVIEW.
type Review struct {
	Reason string `json:"reason"`
	Type   string `json:"type"`
}

// AccountChange is a pending, time-boxed contact or password change awaiting
// out-of-band confirmation.
type AccountChange struct {
	EncryptedCommID []byte `json:"encrypted_comm_id,omitempty"`
	PasswordHash    string `json:"password_hash,omitempty"`
}

// User is the shared shape of the three account variants. Role-specific
// fields are nil for roles that do not carry them: Images and Review apply
// to moderators and examinees, TestCode to examinees only.
type User struct {
	ID     string
	Role   Role
	Status UserStatus

	// Envelope-encrypted personally identifying fields.
	EncryptedCommID []byte
	EncryptedName   []byte

	PasswordHash string

	IsLoggedIn bool
	// TokenFamilyID correlates the live refresh-token lineage. Set only
	// while IsLoggedIn is true.
	TokenFamilyID string
	// WrappedKeypair is the envelope-encrypted JSON bundle holding the two
	// EdDSA keypairs. Never empty once the account passes registration;
	// fully regenerated on every breach or explicit logout-after-compromise.
	WrappedKeypair []byte

	// PKCE is present only between authorize and token exchange.
	PKCE *PKCEState
	// VerificationHash is the bcrypt hash of a pending one-time
	// verification code (registration or password reset).
	VerificationHash string

	Images   []ImageRef
	Review   *Review
	TestCode *TestCode

	PendingChange *AccountChange

	// Time-boxed deletion/reset markers consumed by the scheduler.
	LogoutDeadline        *time.Time
	AccountChangeDeadline *time.Time
	UnverifiedDeadline    *time.Time
	PasswordResetDeadline *time.Time

	CreatedAt time.Time
}
