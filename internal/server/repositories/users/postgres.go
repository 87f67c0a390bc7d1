package users

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/examkeeper/internal/common"
	"github.com/dmitrijs2005/examkeeper/internal/dbx"
	"github.com/dmitrijs2005/examkeeper/internal/server/models"
)

// PostgresRepository implements Repository over dbx.DBTX (satisfied by
// *sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const userColumns = `id, role, status, encrypted_comm_id, encrypted_name, password_hash,
	is_logged_in, token_family_id, wrapped_keypair, pkce, verification_hash,
	images, review, test_code, pending_change,
	logout_deadline, account_change_deadline, unverified_deadline, password_reset_deadline,
	created_at`

func marshalOpt(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (r *PostgresRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	pkce, err := marshalOpt(opt(user.PKCE))
	if err != nil {
		return nil, err
	}
	images, err := marshalOpt(opt(user.Images))
	if err != nil {
		return nil, err
	}
	review, err := marshalOpt(opt(user.Review))
	if err != nil {
		return nil, err
	}
	testCode, err := marshalOpt(opt(user.TestCode))
	if err != nil {
		return nil, err
	}
	change, err := marshalOpt(opt(user.PendingChange))
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO users (role, status, encrypted_comm_id, encrypted_name, password_hash,
			is_logged_in, token_family_id, wrapped_keypair, pkce, verification_hash,
			images, review, test_code, pending_change,
			logout_deadline, account_change_deadline, unverified_deadline, password_reset_deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id, created_at
	`
	err = r.db.QueryRowContext(ctx, query,
		user.Role, user.Status, user.EncryptedCommID, user.EncryptedName, user.PasswordHash,
		user.IsLoggedIn, nullString(user.TokenFamilyID), user.WrappedKeypair, pkce,
		nullString(user.VerificationHash), images, review, testCode, change,
		user.LogoutDeadline, user.AccountChangeDeadline, user.UnverifiedDeadline, user.PasswordResetDeadline,
	).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return user, nil
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, args ...any) (*models.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return user, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (r *PostgresRepository) GetByIDForUpdate(ctx context.Context, id string) (*models.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id)
}

func (r *PostgresRepository) GetAdmin(ctx context.Context) (*models.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE role = $1`, models.RoleAdmin)
}

func (r *PostgresRepository) ListByRole(ctx context.Context, role models.Role) ([]*models.User, error) {
	return r.list(ctx, `SELECT `+userColumns+` FROM users WHERE role = $1 ORDER BY created_at`, role)
}

func (r *PostgresRepository) Update(ctx context.Context, user *models.User) error {
	pkce, err := marshalOpt(opt(user.PKCE))
	if err != nil {
		return err
	}
	images, err := marshalOpt(opt(user.Images))
	if err != nil {
		return err
	}
	review, err := marshalOpt(opt(user.Review))
	if err != nil {
		return err
	}
	testCode, err := marshalOpt(opt(user.TestCode))
	if err != nil {
		return err
	}
	change, err := marshalOpt(opt(user.PendingChange))
	if err != nil {
		return err
	}

	query := `
		UPDATE users SET
			status = $2, encrypted_comm_id = $3, encrypted_name = $4, password_hash = $5,
			is_logged_in = $6, token_family_id = $7, wrapped_keypair = $8, pkce = $9,
			verification_hash = $10, images = $11, review = $12, test_code = $13, pending_change = $14,
			logout_deadline = $15, account_change_deadline = $16,
			unverified_deadline = $17, password_reset_deadline = $18
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query,
		user.ID, user.Status, user.EncryptedCommID, user.EncryptedName, user.PasswordHash,
		user.IsLoggedIn, nullString(user.TokenFamilyID), user.WrappedKeypair, pkce,
		nullString(user.VerificationHash), images, review, testCode, change,
		user.LogoutDeadline, user.AccountChangeDeadline, user.UnverifiedDeadline, user.PasswordResetDeadline,
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListLogoutDue(ctx context.Context, now time.Time) ([]*models.User, error) {
	return r.list(ctx, `SELECT `+userColumns+` FROM users WHERE logout_deadline <= $1`, now)
}

func (r *PostgresRepository) ListUnverifiedDue(ctx context.Context, now time.Time) ([]*models.User, error) {
	return r.list(ctx, `SELECT `+userColumns+` FROM users WHERE unverified_deadline <= $1`, now)
}

func (r *PostgresRepository) ListAccountChangeDue(ctx context.Context, now time.Time) ([]*models.User, error) {
	return r.list(ctx, `SELECT `+userColumns+` FROM users WHERE account_change_deadline <= $1`, now)
}

func (r *PostgresRepository) ListPasswordResetDue(ctx context.Context, now time.Time) ([]*models.User, error) {
	return r.list(ctx, `SELECT `+userColumns+` FROM users WHERE password_reset_deadline <= $1`, now)
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*models.User, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		result = append(result, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	user := &models.User{}
	var (
		familyID, verification          sql.NullString
		pkce, images, review            []byte
		testCode, change                []byte
		logout, acctChange, unv, pwdRst sql.NullTime
	)
	err := row.Scan(
		&user.ID, &user.Role, &user.Status, &user.EncryptedCommID, &user.EncryptedName,
		&user.PasswordHash, &user.IsLoggedIn, &familyID, &user.WrappedKeypair, &pkce,
		&verification, &images, &review, &testCode, &change,
		&logout, &acctChange, &unv, &pwdRst, &user.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	user.TokenFamilyID = familyID.String
	user.VerificationHash = verification.String
	if err := unmarshalOpt(pkce, &user.PKCE); err != nil {
		return nil, err
	}
	if err := unmarshalOpt(images, &user.Images); err != nil {
		return nil, err
	}
	if err := unmarshalOpt(review, &user.Review); err != nil {
		return nil, err
	}
	if err := unmarshalOpt(testCode, &user.TestCode); err != nil {
		return nil, err
	}
	if err := unmarshalOpt(change, &user.PendingChange); err != nil {
		return nil, err
	}
	user.LogoutDeadline = optTime(logout)
	user.AccountChangeDeadline = optTime(acctChange)
	user.UnverifiedDeadline = optTime(unv)
	user.PasswordResetDeadline = optTime(pwdRst)
	return user, nil
}

func unmarshalOpt(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// opt maps zero-valued pointers/slices to nil so empty optional fields are
// stored as SQL NULL rather than JSON null.
func opt(v any) any {
	switch value := v.(type) {
	case *models.PKCEState:
		if value == nil {
			return nil
		}
	case *models.Review:
		if value == nil {
			return nil
		}
	case *models.TestCode:
		if value == nil {
			return nil
		}
	case *models.AccountChange:
		if value == nil {
			return nil
		}
	case []models.ImageRef:
		if len(value) == 0 {
			return nil
		}
	}
	return v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func optTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	value := t.Time
	return &value
}
