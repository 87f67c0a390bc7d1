package auth

import (
	"crypto/ed25519"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dmitrijs2005/examkeeper/internal/common"
)

// TokenRole selects which keypair of a bundle signs or verifies a token.
type TokenRole string

const (
	TokenAccess  TokenRole = "Access"
	TokenRefresh TokenRole = "Refresh"
)

const (
	// AccessTokenValidity is the access-token lifetime.
	AccessTokenValidity = 5 * time.Minute
	// RefreshTokenValidity is the refresh-token lifetime.
	RefreshTokenValidity = 20 * time.Minute
	// RefreshTokenNotBefore delays refresh-token validity to ~6 seconds
	// before access-token expiry, leaving a seamless rotation window.
	RefreshTokenNotBefore = AccessTokenValidity - 6*time.Second
)

// Claims are the signed token claims. UserID and UserRole mirror subject
// and audience so a handler can locate the user before verification.
// FamilyID is carried by refresh tokens only.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"userId"`
	UserRole string `json:"userType,omitempty"`
	FamilyID string `json:"tid,omitempty"`
}

// SignAccessToken signs a short-lived access token for the user under the
// bundle's access private key.
func SignAccessToken(bundle *KeypairBundle, issuer, userID, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{role},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(AccessTokenValidity)),
		},
		UserID:   userID,
		UserRole: role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(ed25519.PrivateKey(bundle.AccessPrivateKey))
}

// SignRefreshToken signs a refresh token carrying the token-family id.
func SignRefreshToken(bundle *KeypairBundle, issuer, userID, role, familyID string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{role},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(RefreshTokenNotBefore)),
			ExpiresAt: jwt.NewNumericDate(now.Add(RefreshTokenValidity)),
		},
		UserID:   userID,
		FamilyID: familyID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(ed25519.PrivateKey(bundle.RefreshPrivateKey))
}

// VerifyToken validates signature and standard claims of a raw token
// against the matching public key of the bundle. The algorithm is pinned to
// EdDSA and issuer, audience and subject must all match. Any failure
// surfaces as common.ErrorAuthentication without detail.
func VerifyToken(bundle *KeypairBundle, raw string, role TokenRole, issuer, audience, subject string) (*Claims, error) {
	var pub ed25519.PublicKey
	switch role {
	case TokenAccess:
		pub = ed25519.PublicKey(bundle.AccessPublicKey)
	case TokenRefresh:
		pub = ed25519.PublicKey(bundle.RefreshPublicKey)
	default:
		return nil, common.ErrorAuthentication
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (any, error) { return pub, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithSubject(subject),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, common.ErrorAuthentication
	}
	return claims, nil
}

// DecodeUnverified extracts claims without checking the signature. Used
// only to locate the user whose stored public key then verifies the token.
func DecodeUnverified(raw string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, common.ErrorAuthentication
	}
	return claims, nil
}
