// Package tests provides the repository for scheduled examinations.
package tests

import (
	"context"
	"time"

	"github.com/dmitrijs2005/examkeeper/internal/server/models"
)

// Repository is the persistence surface for tests. The three examinee
// queues are stored as one column, so UpdateQueues swaps all of them in a
// single statement.
type Repository interface {
	Create(ctx context.Context, test *models.Test) (*models.Test, error)
	GetByID(ctx context.Context, id string) (*models.Test, error)
	// GetByIDForUpdate locks the test row for the span of the enclosing
	// transaction. Concurrent tick and transition writers serialize on it.
	GetByIDForUpdate(ctx context.Context, id string) (*models.Test, error)
	ListByModerator(ctx context.Context, moderatorID string) ([]*models.Test, error)
	ListByExaminee(ctx context.Context, examineeID string) ([]*models.Test, error)
	Update(ctx context.Context, test *models.Test) error
	// UpdateQueues persists only the queue document of a running test.
	UpdateQueues(ctx context.Context, id string, queues models.Queues) error
	Delete(ctx context.Context, id string) error

	// Scheduler queries.
	ListStartDue(ctx context.Context, now time.Time) ([]*models.Test, error)
	ListEndDue(ctx context.Context, now time.Time) ([]*models.Test, error)
}
