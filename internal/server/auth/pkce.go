package auth

import (
	"crypto/sha256"
	"encoding/base64"
)

// TransformationMethod is the only supported PKCE transformation.
const TransformationMethod = "S256"

// ComputeChallenge derives the S256 code challenge from a verifier:
// base64url(sha256(verifier)) without padding characters.
func ComputeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
