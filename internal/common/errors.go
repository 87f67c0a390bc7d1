// Package common defines shared constants and sentinel errors used across
// ExamKeeper components. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal   = errors.New("internal error")
	ErrorValidation = errors.New("malformed request")

	// Authentication errors. ErrorAuthentication is the only auth failure
	// ever surfaced to a caller; no sub-reason is disclosed.
	ErrorAuthentication = errors.New("authentication failed")

	// ErrorCompromise marks token replay or login-state mismatch. It is
	// internal flow control: handlers translate it to ErrorAuthentication
	// after the keypair reissue and admin notification have fired.
	ErrorCompromise = errors.New("compromise detected")

	// Session / queue lifecycle errors.
	ErrorStateViolation = errors.New("illegal session transition")

	// Crypto errors (AEAD tag mismatch, malformed sealed blob).
	ErrorCrypto = errors.New("decryption failed")

	// Account lifecycle errors.
	ErrorNotVerified   = errors.New("user is not verified")
	ErrorAlreadyExists = errors.New("already exists")
)
