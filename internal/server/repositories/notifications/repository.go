// Package notifications provides the repository for user notification feeds.
package notifications

import (
	"context"

	"github.com/dmitrijs2005/examkeeper/internal/server/models"
)

// Repository is the persistence surface for notification feed entries.
type Repository interface {
	Create(ctx context.Context, n *models.Notification) (*models.Notification, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Notification, error)
	// Mark flags a single entry as seen.
	Mark(ctx context.Context, id string) error
	// MarkAllForUser flags every entry in the user's feed as seen.
	MarkAllForUser(ctx context.Context, userID string) error
	Delete(ctx context.Context, id string) error
}
