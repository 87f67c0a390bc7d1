package auth

import "golang.org/x/crypto/bcrypt"

const (
	// PasswordHashCost is the bcrypt cost for account passwords.
	PasswordHashCost = 13
	// CodeHashCost is the bcrypt cost for short-lived one-time codes.
	CodeHashCost = 10
)

// HashPassword hashes an account password at PasswordHashCost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), PasswordHashCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// HashCode hashes a one-time code (verification mails, PKCE secret codes,
// per-test access codes) at the cheaper CodeHashCost.
func HashCode(code string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(code), CodeHashCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Compare reports whether candidate matches the stored bcrypt hash.
func Compare(hash, candidate string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(candidate)) == nil
}
