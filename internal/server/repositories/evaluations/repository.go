// Package evaluations provides the repository for answer-sheet records.
package evaluations

import (
	"context"

	"github.com/dmitrijs2005/examkeeper/internal/server/models"
)

// Repository is the persistence surface for evaluations. One record exists
// per (examinee, test) pair; AppendCheatingEvent grows the append-only
// event list without rewriting the rest of the record.
type Repository interface {
	Create(ctx context.Context, ev *models.Evaluation) (*models.Evaluation, error)
	GetByExamineeAndTest(ctx context.Context, examineeID, testID string) (*models.Evaluation, error)
	GetByExamineeAndTestForUpdate(ctx context.Context, examineeID, testID string) (*models.Evaluation, error)
	ListByTest(ctx context.Context, testID string) ([]*models.Evaluation, error)
	Update(ctx context.Context, ev *models.Evaluation) error
	AppendCheatingEvent(ctx context.Context, examineeID, testID string, event models.CheatingEvent) error
	Delete(ctx context.Context, id string) error
}
