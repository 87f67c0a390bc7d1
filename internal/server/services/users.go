package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/examkeeper/internal/common"
	"github.com/dmitrijs2005/examkeeper/internal/cryptox"
	"github.com/dmitrijs2005/examkeeper/internal/dbx"
	"github.com/dmitrijs2005/examkeeper/internal/logging"
	"github.com/dmitrijs2005/examkeeper/internal/server/auth"
	"github.com/dmitrijs2005/examkeeper/internal/server/models"
	"github.com/dmitrijs2005/examkeeper/internal/server/repositories/repomanager"
)

const (
	// unverifiedAccountTTL bounds how long a registered account may stay
	// unverified before the scheduler deletes it.
	unverifiedAccountTTL = 1 * time.Hour
	// accountChangeTTL bounds pending contact/password changes.
	accountChangeTTL = 15 * time.Minute
	// passwordResetTTL bounds pending password resets.
	passwordResetTTL = 15 * time.Minute

	identityImageCount = 2
)

// UserService handles account lifecycle: registration, out-of-band code
// verification, identity review, and contact/password changes.
type UserService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	envelope    *cryptox.Envelope
	dispatcher  *Dispatcher
	media       MediaStore
	logger      logging.Logger
}

// NewUserService constructs a UserService.
func NewUserService(db *sql.DB, m repomanager.RepositoryManager, env *cryptox.Envelope,
	dispatcher *Dispatcher, media MediaStore, logger logging.Logger) *UserService {
	return &UserService{
		db:          db,
		repomanager: m,
		envelope:    env,
		dispatcher:  dispatcher,
		media:       media,
		logger:      logger.With("module", "users"),
	}
}

// contactAddress decrypts the user's sealed contact id for out-of-band
// delivery. The plaintext never touches storage.
func (s *UserService) contactAddress(user *models.User) (string, error) {
	plain, err := s.envelope.Open(user.EncryptedCommID)
	if err != nil {
		return "", fmt.Errorf("error opening contact id: %w", err)
	}
	return string(plain), nil
}

// Register creates an account of the given role. Personally identifying
// fields are sealed under the master key before they hit the database; a
// one-time numeric verification code is mailed out and the account is
// scheduled for deletion unless verified within the hour. The admin role is
// a singleton; a second registration fails with ErrorAlreadyExists.
func (s *UserService) Register(ctx context.Context, role models.Role, name, contact, password string) (*models.User, error) {
	if !role.Valid() || name == "" || contact == "" || password == "" {
		return nil, common.ErrorValidation
	}

	if role == models.RoleAdmin {
		if _, err := s.repomanager.Users(s.db).GetAdmin(ctx); err == nil {
			return nil, common.ErrorAlreadyExists
		}
	}

	sealedName, err := s.envelope.Seal([]byte(name))
	if err != nil {
		return nil, fmt.Errorf("error sealing name: %w", err)
	}
	sealedContact, err := s.envelope.Seal([]byte(contact))
	if err != nil {
		return nil, fmt.Errorf("error sealing contact id: %w", err)
	}
	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("error hashing password: %w", err)
	}

	code := common.MakeNumericCode()
	codeHash, err := auth.HashCode(code)
	if err != nil {
		return nil, fmt.Errorf("error hashing verification code: %w", err)
	}

	deadline := time.Now().Add(unverifiedAccountTTL)
	user := &models.User{
		Role:               role,
		Status:             models.StatusNotVerified,
		EncryptedName:      sealedName,
		EncryptedCommID:    sealedContact,
		PasswordHash:       passwordHash,
		VerificationHash:   codeHash,
		UnverifiedDeadline: &deadline,
	}

	created, err := s.repomanager.Users(s.db).Create(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("error creating user: %w", err)
	}

	s.dispatcher.Mail(ctx, contact, MailVerificationCode, map[string]string{"code": code})
	s.logger.Info(ctx, "account registered", "user_id", created.ID, "role", string(role))
	return created, nil
}

// VerifyUser consumes the mailed verification code. The admin goes straight
// to verified and receives its first keypair. Moderators and examinees must
// additionally present exactly two identity images, which are stored in the
// media store; their account then waits in PendingVerification for an admin
// decision.
func (s *UserService) VerifyUser(ctx context.Context, userID, code string, images [][]byte) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Users(tx)
		user, err := repo.GetByIDForUpdate(ctx, userID)
		if err != nil {
			return common.ErrorAuthentication
		}
		if user.Status != models.StatusNotVerified || user.VerificationHash == "" {
			return common.ErrorAuthentication
		}
		if !auth.Compare(user.VerificationHash, code) {
			return common.ErrorAuthentication
		}

		user.VerificationHash = ""
		user.UnverifiedDeadline = nil

		if user.Role == models.RoleAdmin {
			wrapped, err := auth.IssueKeypair(s.envelope)
			if err != nil {
				return fmt.Errorf("error issuing keypair: %w", err)
			}
			user.WrappedKeypair = wrapped
			user.Status = models.StatusVerified
			return repo.Update(ctx, user)
		}

		if len(images) != identityImageCount {
			return common.ErrorValidation
		}
		refs := make([]models.ImageRef, 0, identityImageCount)
		for i, img := range images {
			name := fmt.Sprintf("%s_IDENTITY_%d", user.ID, i)
			if err := s.media.Put(ctx, name, img); err != nil {
				return fmt.Errorf("error storing identity image: %w", err)
			}
			refs = append(refs, models.ImageRef{Name: name, ID: uuid.NewString()})
		}
		user.Images = refs
		user.Status = models.StatusPendingVerification
		if err := repo.Update(ctx, user); err != nil {
			return err
		}

		admin, err := s.repomanager.Users(tx).GetAdmin(ctx)
		if err != nil {
			return fmt.Errorf("error locating admin: %w", err)
		}
		s.dispatcher.Notify(ctx, &models.Notification{
			UserID: admin.ID,
			Kind:   models.NotificationNotice,
			Title:  "Verification requested",
			Detail: fmt.Sprintf("account %s awaits identity review", user.ID),
		}, "", "", nil)
		return nil
	})
}

// Approve moves a pending account to verified, issues its first keypair and
// mails the approval.
func (s *UserService) Approve(ctx context.Context, userID string) error {
	var contact string
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Users(tx)
		user, err := repo.GetByIDForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if user.Status != models.StatusPendingVerification {
			return common.ErrorStateViolation
		}
		wrapped, err := auth.IssueKeypair(s.envelope)
		if err != nil {
			return fmt.Errorf("error issuing keypair: %w", err)
		}
		user.WrappedKeypair = wrapped
		user.Status = models.StatusVerified
		user.Review = nil
		if contact, err = s.contactAddress(user); err != nil {
			return err
		}
		return repo.Update(ctx, user)
	})
	if err != nil {
		return err
	}
	s.dispatcher.Mail(ctx, contact, MailApprove, nil)
	return nil
}

// Reject pushes a pending account into review with the given reason and
// mails the rejection.
func (s *UserService) Reject(ctx context.Context, userID, reason string) error {
	var contact string
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Users(tx)
		user, err := repo.GetByIDForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if user.Status != models.StatusPendingVerification {
			return common.ErrorStateViolation
		}
		user.Status = models.StatusInReview
		user.Review = &models.Review{Reason: reason, Type: "REGISTRATION"}
		if contact, err = s.contactAddress(user); err != nil {
			return err
		}
		return repo.Update(ctx, user)
	})
	if err != nil {
		return err
	}
	s.dispatcher.Mail(ctx, contact, MailReject, map[string]string{"reason": reason})
	return nil
}

// ListPending returns moderator and examinee accounts awaiting identity
// review.
func (s *UserService) ListPending(ctx context.Context) ([]*models.User, error) {
	repo := s.repomanager.Users(s.db)
	var pending []*models.User
	for _, role := range []models.Role{models.RoleModerator, models.RoleExaminee} {
		users, err := repo.ListByRole(ctx, role)
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			if u.Status == models.StatusPendingVerification {
				pending = append(pending, u)
			}
		}
	}
	return pending, nil
}

// Profile is the decrypted view of an account returned to its owner.
type Profile struct {
	ID      string
	Role    models.Role
	Status  models.UserStatus
	Name    string
	Contact string
}

// GetProfile opens the sealed identity fields for the account owner.
func (s *UserService) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	user, err := s.repomanager.Users(s.db).GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	name, err := s.envelope.Open(user.EncryptedName)
	if err != nil {
		return nil, fmt.Errorf("error opening name: %w", err)
	}
	contact, err := s.contactAddress(user)
	if err != nil {
		return nil, err
	}
	return &Profile{
		ID:      user.ID,
		Role:    user.Role,
		Status:  user.Status,
		Name:    string(name),
		Contact: contact,
	}, nil
}

// RequestAccountChange stages a contact or password change behind a mailed
// confirmation code. The change expires unless confirmed in time.
func (s *UserService) RequestAccountChange(ctx context.Context, userID, newContact, newPassword string) error {
	if newContact == "" && newPassword == "" {
		return common.ErrorValidation
	}
	var contact, code string
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Users(tx)
		user, err := repo.GetByIDForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		change := &models.AccountChange{}
		if newContact != "" {
			sealed, err := s.envelope.Seal([]byte(newContact))
			if err != nil {
				return fmt.Errorf("error sealing contact id: %w", err)
			}
			change.EncryptedCommID = sealed
		}
		if newPassword != "" {
			hash, err := auth.HashPassword(newPassword)
			if err != nil {
				return fmt.Errorf("error hashing password: %w", err)
			}
			change.PasswordHash = hash
		}

		code = common.MakeNumericCode()
		codeHash, err := auth.HashCode(code)
		if err != nil {
			return fmt.Errorf("error hashing confirmation code: %w", err)
		}
		deadline := time.Now().Add(accountChangeTTL)
		user.PendingChange = change
		user.VerificationHash = codeHash
		user.AccountChangeDeadline = &deadline
		if contact, err = s.contactAddress(user); err != nil {
			return err
		}
		return repo.Update(ctx, user)
	})
	if err != nil {
		return err
	}
	s.dispatcher.Mail(ctx, contact, MailVerificationCode, map[string]string{"code": code})
	return nil
}

// ConfirmAccountChange applies a staged change after the mailed code checks
// out.
func (s *UserService) ConfirmAccountChange(ctx context.Context, userID, code string) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Users(tx)
		user, err := repo.GetByIDForUpdate(ctx, userID)
		if err != nil {
			return common.ErrorAuthentication
		}
		if user.PendingChange == nil || user.VerificationHash == "" {
			return common.ErrorAuthentication
		}
		if !auth.Compare(user.VerificationHash, code) {
			return common.ErrorAuthentication
		}
		if len(user.PendingChange.EncryptedCommID) > 0 {
			user.EncryptedCommID = user.PendingChange.EncryptedCommID
		}
		if user.PendingChange.PasswordHash != "" {
			user.PasswordHash = user.PendingChange.PasswordHash
		}
		user.PendingChange = nil
		user.VerificationHash = ""
		user.AccountChangeDeadline = nil
		return repo.Update(ctx, user)
	})
}

// ForgotPassword mails a reset code valid for a short window.
func (s *UserService) ForgotPassword(ctx context.Context, userID string) error {
	var contact, code string
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Users(tx)
		user, err := repo.GetByIDForUpdate(ctx, userID)
		if err != nil {
			// unknown accounts look identical to known ones
			return nil
		}
		code = common.MakeNumericCode()
		codeHash, err := auth.HashCode(code)
		if err != nil {
			return fmt.Errorf("error hashing reset code: %w", err)
		}
		deadline := time.Now().Add(passwordResetTTL)
		user.VerificationHash = codeHash
		user.PasswordResetDeadline = &deadline
		if contact, err = s.contactAddress(user); err != nil {
			return err
		}
		return repo.Update(ctx, user)
	})
	if err != nil {
		return err
	}
	if contact != "" {
		s.dispatcher.Mail(ctx, contact, MailResetPassword, map[string]string{"code": code})
	}
	return nil
}

// ResetPassword consumes the mailed reset code and installs the new
// password.
func (s *UserService) ResetPassword(ctx context.Context, userID, code, newPassword string) error {
	if newPassword == "" {
		return common.ErrorValidation
	}
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Users(tx)
		user, err := repo.GetByIDForUpdate(ctx, userID)
		if err != nil {
			return common.ErrorAuthentication
		}
		if user.VerificationHash == "" || user.PasswordResetDeadline == nil {
			return common.ErrorAuthentication
		}
		if !auth.Compare(user.VerificationHash, code) {
			return common.ErrorAuthentication
		}
		hash, err := auth.HashPassword(newPassword)
		if err != nil {
			return fmt.Errorf("error hashing password: %w", err)
		}
		user.PasswordHash = hash
		user.VerificationHash = ""
		user.PasswordResetDeadline = nil
		return repo.Update(ctx, user)
	})
}
