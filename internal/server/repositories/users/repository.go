// Package users provides the repository for user accounts.
package users

import (
	"context"
	"time"

	"github.com/dmitrijs2005/examkeeper/internal/server/models"
)

// Repository is the persistence surface for user accounts. Update writes
// the whole record, matching the document-per-user semantics of the data
// model: a read-modify-write cycle never leaves a partially updated user
// visible.
type Repository interface {
	Create(ctx context.Context, user *models.User) (*models.User, error)
	GetByID(ctx context.Context, id string) (*models.User, error)
	// GetByIDForUpdate locks the user row for the span of the enclosing
	// transaction.
	GetByIDForUpdate(ctx context.Context, id string) (*models.User, error)
	// GetAdmin returns the sole admin account.
	GetAdmin(ctx context.Context) (*models.User, error)
	ListByRole(ctx context.Context, role models.Role) ([]*models.User, error)
	Update(ctx context.Context, user *models.User) error
	Delete(ctx context.Context, id string) error

	// Scheduler queries over the time-boxed deadline markers.
	ListLogoutDue(ctx context.Context, now time.Time) ([]*models.User, error)
	ListUnverifiedDue(ctx context.Context, now time.Time) ([]*models.User, error)
	ListAccountChangeDue(ctx context.Context, now time.Time) ([]*models.User, error)
	ListPasswordResetDue(ctx context.Context, now time.Time) ([]*models.User, error)
}
