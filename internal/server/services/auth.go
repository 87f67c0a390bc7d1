// Package services contains server-side business logic. This file implements
// AuthService: the PKCE authorization exchange, session verification with
// breach handling, and refresh-token family rotation.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/examkeeper/internal/common"
	"github.com/dmitrijs2005/examkeeper/internal/cryptox"
	"github.com/dmitrijs2005/examkeeper/internal/dbx"
	"github.com/dmitrijs2005/examkeeper/internal/logging"
	"github.com/dmitrijs2005/examkeeper/internal/server/auth"
	"github.com/dmitrijs2005/examkeeper/internal/server/config"
	"github.com/dmitrijs2005/examkeeper/internal/server/models"
	"github.com/dmitrijs2005/examkeeper/internal/server/repositories/repomanager"
)

// TokenPair bundles a short-lived access token and a long-lived refresh token.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// AuthService drives the three-step authorization exchange and guards every
// authenticated request. All failure modes surface as
// common.ErrorAuthentication: a caller learns nothing about which check
// failed.
type AuthService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	envelope    *cryptox.Envelope
	dispatcher  *Dispatcher
	issuer      string
	logger      logging.Logger
}

// NewAuthService constructs an AuthService using repositories and server config.
func NewAuthService(db *sql.DB, m repomanager.RepositoryManager, env *cryptox.Envelope,
	dispatcher *Dispatcher, cfg *config.Config, logger logging.Logger) *AuthService {
	return &AuthService{
		db:          db,
		repomanager: m,
		envelope:    env,
		dispatcher:  dispatcher,
		issuer:      cfg.Issuer,
		logger:      logger.With("module", "auth"),
	}
}

// Authorize starts the exchange: it stores the S256 code challenge on a
// verified account. Unknown or unverified accounts fail identically.
func (s *AuthService) Authorize(ctx context.Context, userID, challenge string) error {
	if challenge == "" {
		return common.ErrorValidation
	}
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Users(tx)
		user, err := repo.GetByIDForUpdate(ctx, userID)
		if err != nil {
			return common.ErrorAuthentication
		}
		if user.Status != models.StatusVerified {
			return common.ErrorAuthentication
		}
		user.PKCE = &models.PKCEState{Challenge: challenge}
		if err := repo.Update(ctx, user); err != nil {
			return fmt.Errorf("error storing challenge: %w", err)
		}
		return nil
	})
}

// Login checks the password for an account mid-exchange. On success a
// one-time secret code is minted, bcrypt-hashed onto the stored state, and
// the raw code returned for out-of-band delivery to the client. On
// mismatch the pending exchange state is cleared: the client restarts from
// Authorize.
func (s *AuthService) Login(ctx context.Context, userID, password string) (string, error) {
	var code string
	var mismatch bool
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Users(tx)
		user, err := repo.GetByIDForUpdate(ctx, userID)
		if err != nil {
			return common.ErrorAuthentication
		}
		if user.PKCE == nil || user.PKCE.Challenge == "" {
			return common.ErrorAuthentication
		}
		if !auth.Compare(user.PasswordHash, password) {
			// The clear must commit even though the call fails, so the
			// failure is reported after the transaction.
			mismatch = true
			user.PKCE = nil
			return repo.Update(ctx, user)
		}

		code = common.MakeNumericCode()
		hash, err := auth.HashCode(code)
		if err != nil {
			return fmt.Errorf("error hashing secret code: %w", err)
		}
		user.PKCE.CodeHash = hash
		if err := repo.Update(ctx, user); err != nil {
			return fmt.Errorf("error storing secret code: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if mismatch {
		return "", common.ErrorAuthentication
	}
	return code, nil
}

// Exchange completes the flow: the code verifier must hash to the stored
// challenge and the secret code must match its hash. Success clears the
// exchange state, marks the account logged in under a fresh token family,
// and returns a signed token pair. Any mismatch clears the state and fails
// generically.
func (s *AuthService) Exchange(ctx context.Context, userID, verifier, secret string) (*TokenPair, error) {
	var pair *TokenPair
	var mismatch bool
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Users(tx)
		user, err := repo.GetByIDForUpdate(ctx, userID)
		if err != nil {
			return common.ErrorAuthentication
		}
		if user.PKCE == nil || user.PKCE.CodeHash == "" {
			return common.ErrorAuthentication
		}

		challengeOK := auth.ComputeChallenge(verifier) == user.PKCE.Challenge
		secretOK := auth.Compare(user.PKCE.CodeHash, secret)
		user.PKCE = nil
		if !challengeOK || !secretOK {
			mismatch = true
			return repo.Update(ctx, user)
		}

		user.IsLoggedIn = true
		user.TokenFamilyID = uuid.NewString()
		deadline := time.Now().Add(auth.RefreshTokenValidity)
		user.LogoutDeadline = &deadline

		pair, err = s.signPair(user)
		if err != nil {
			return err
		}
		if err := repo.Update(ctx, user); err != nil {
			return fmt.Errorf("error storing login state: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if mismatch {
		return nil, common.ErrorAuthentication
	}
	return pair, nil
}

// signPair opens the user's keypair bundle, signs an access and refresh
// token, and wipes the private keys.
func (s *AuthService) signPair(user *models.User) (*TokenPair, error) {
	bundle, err := auth.OpenKeypair(s.envelope, user.WrappedKeypair)
	if err != nil {
		return nil, fmt.Errorf("error opening keypair: %w", err)
	}
	defer bundle.Wipe()

	access, err := auth.SignAccessToken(bundle, s.issuer, user.ID, string(user.Role))
	if err != nil {
		return nil, fmt.Errorf("error signing access token: %w", err)
	}
	refresh, err := auth.SignRefreshToken(bundle, s.issuer, user.ID, string(user.Role), user.TokenFamilyID)
	if err != nil {
		return nil, fmt.Errorf("error signing refresh token: %w", err)
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// VerifySession authenticates a raw access token and returns the user. The
// token must verify against the user's stored public key and the user's
// role must match the expected role for the route. A cryptographically
// valid token presented for a logged-out account means the keypair leaked:
// the keypair is reissued, the admin notified, and the caller sees the
// same generic failure as any bad token.
func (s *AuthService) VerifySession(ctx context.Context, rawToken string, role models.Role) (*models.User, error) {
	claims, err := auth.DecodeUnverified(rawToken)
	if err != nil {
		return nil, common.ErrorAuthentication
	}

	user, err := s.repomanager.Users(s.db).GetByID(ctx, claims.UserID)
	if err != nil {
		return nil, common.ErrorAuthentication
	}
	if user.Role != role {
		return nil, common.ErrorAuthentication
	}

	bundle, err := auth.OpenKeypair(s.envelope, user.WrappedKeypair)
	if err != nil {
		return nil, common.ErrorAuthentication
	}
	defer bundle.Wipe()

	if _, err := auth.VerifyToken(bundle, rawToken, auth.TokenAccess, s.issuer, string(user.Role), user.ID); err != nil {
		return nil, common.ErrorAuthentication
	}

	if !user.IsLoggedIn {
		s.handleCompromise(ctx, user.ID, "valid access token presented for a logged-out account")
		return nil, common.ErrorAuthentication
	}
	return user, nil
}

// Refresh rotates the refresh-token family. A verified refresh token whose
// family id matches the stored one yields a fresh pair under a new family
// id. A verified token with a stale family id is a replay: the keypair is
// reissued, the session killed, and the admin notified.
func (s *AuthService) Refresh(ctx context.Context, rawToken string) (*TokenPair, error) {
	claims, err := auth.DecodeUnverified(rawToken)
	if err != nil {
		return nil, common.ErrorAuthentication
	}

	var pair *TokenPair
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Users(tx)
		user, err := repo.GetByIDForUpdate(ctx, claims.UserID)
		if err != nil {
			return common.ErrorAuthentication
		}

		bundle, err := auth.OpenKeypair(s.envelope, user.WrappedKeypair)
		if err != nil {
			return common.ErrorAuthentication
		}
		defer bundle.Wipe()

		verified, err := auth.VerifyToken(bundle, rawToken, auth.TokenRefresh, s.issuer, string(user.Role), user.ID)
		if err != nil {
			return common.ErrorAuthentication
		}

		if !user.IsLoggedIn || verified.FamilyID == "" || verified.FamilyID != user.TokenFamilyID {
			return common.ErrorCompromise
		}

		user.TokenFamilyID = uuid.NewString()
		deadline := time.Now().Add(auth.RefreshTokenValidity)
		user.LogoutDeadline = &deadline

		pair, err = s.signPair(user)
		if err != nil {
			return err
		}
		if err := repo.Update(ctx, user); err != nil {
			return fmt.Errorf("error storing rotated family: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, common.ErrorCompromise) {
			s.handleCompromise(ctx, claims.UserID, "refresh token replayed from a stale family")
			return nil, common.ErrorAuthentication
		}
		return nil, err
	}
	return pair, nil
}

// Logout ends the session for a valid access token. A valid token for an
// already logged-out account takes the breach path.
func (s *AuthService) Logout(ctx context.Context, rawToken string, role models.Role) error {
	user, err := s.VerifySession(ctx, rawToken, role)
	if err != nil {
		return err
	}
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Users(tx)
		locked, err := repo.GetByIDForUpdate(ctx, user.ID)
		if err != nil {
			return common.ErrorAuthentication
		}
		locked.IsLoggedIn = false
		locked.TokenFamilyID = ""
		locked.LogoutDeadline = nil
		if err := repo.Update(ctx, locked); err != nil {
			return fmt.Errorf("error clearing login state: %w", err)
		}
		return nil
	})
}

// handleCompromise reissues the user's keypair, invalidating every token
// ever signed with the old one, kills the session and files a Critical
// notification on the admin feed. Errors here are logged, never surfaced:
// the caller already sees a generic failure.
func (s *AuthService) handleCompromise(ctx context.Context, userID, detail string) {
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Users(tx)
		user, err := repo.GetByIDForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		wrapped, err := auth.IssueKeypair(s.envelope)
		if err != nil {
			return err
		}
		user.WrappedKeypair = wrapped
		user.IsLoggedIn = false
		user.TokenFamilyID = ""
		user.LogoutDeadline = nil
		return repo.Update(ctx, user)
	})
	if err != nil {
		s.logger.Error(ctx, "error reissuing keypair after breach", "user_id", userID, "error", err)
		return
	}
	s.logger.Warn(ctx, "security breach handled, keypair reissued", "user_id", userID, "detail", detail)
	s.dispatcher.NotifyBreach(ctx, detail)
}
