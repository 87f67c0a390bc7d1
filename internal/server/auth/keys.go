// Package auth implements the credential layer: per-user rotating EdDSA
// signing keypairs wrapped in the envelope cipher, token signing and
// verification, PKCE challenge computation and password hashing.
package auth

import (
	"crypto/ed25519"
	"encoding/json"

	"github.com/dmitrijs2005/examkeeper/internal/common"
	"github.com/dmitrijs2005/examkeeper/internal/cryptox"
)

// KeypairBundle holds the two EdDSA keypairs of one user: one pair signs
// access tokens, the other refresh tokens. The bundle only ever exists in
// plaintext transiently; at rest it is sealed under the master key.
type KeypairBundle struct {
	AccessPrivateKey  []byte `json:"access_private_key"`
	AccessPublicKey   []byte `json:"access_public_key"`
	RefreshPrivateKey []byte `json:"refresh_private_key"`
	RefreshPublicKey  []byte `json:"refresh_public_key"`
}

// Wipe zeroes all key material in the bundle. Call it as soon as the keys
// have served their single operation.
func (b *KeypairBundle) Wipe() {
	common.WipeByteArray(b.AccessPrivateKey)
	common.WipeByteArray(b.AccessPublicKey)
	common.WipeByteArray(b.RefreshPrivateKey)
	common.WipeByteArray(b.RefreshPublicKey)
}

// IssueKeypair generates two fresh ed25519 keypairs, serializes them into a
// JSON bundle and returns only the sealed blob. Each invocation fully
// replaces the user's prior keypair: there is no versioning, so any token
// signed under a superseded keypair becomes permanently unverifiable.
func IssueKeypair(env *cryptox.Envelope) ([]byte, error) {
	accessPub, accessPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	refreshPub, refreshPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}

	bundle := KeypairBundle{
		AccessPrivateKey:  accessPriv,
		AccessPublicKey:   accessPub,
		RefreshPrivateKey: refreshPriv,
		RefreshPublicKey:  refreshPub,
	}
	plaintext, err := json.Marshal(&bundle)
	if err != nil {
		return nil, err
	}
	sealed, err := env.Seal(plaintext)

	common.WipeByteArray(plaintext)
	bundle.Wipe()
	if err != nil {
		return nil, err
	}
	return sealed, nil
}

// OpenKeypair unseals a wrapped bundle. The caller must Wipe the result
// immediately after signing or verifying.
func OpenKeypair(env *cryptox.Envelope, wrapped []byte) (*KeypairBundle, error) {
	plaintext, err := env.Open(wrapped)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(plaintext)

	bundle := &KeypairBundle{}
	if err := json.Unmarshal(plaintext, bundle); err != nil {
		return nil, err
	}
	return bundle, nil
}
