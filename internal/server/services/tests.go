package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrijs2005/examkeeper/internal/common"
	"github.com/dmitrijs2005/examkeeper/internal/cryptox"
	"github.com/dmitrijs2005/examkeeper/internal/logging"
	"github.com/dmitrijs2005/examkeeper/internal/server/models"
	"github.com/dmitrijs2005/examkeeper/internal/server/paper"
	"github.com/dmitrijs2005/examkeeper/internal/server/repositories/repomanager"
)

// TestService covers moderator-side test management: compiling exam papers
// and scheduling tests.
type TestService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	envelope    *cryptox.Envelope
	logger      logging.Logger
}

// NewTestService constructs a TestService.
func NewTestService(db *sql.DB, m repomanager.RepositoryManager, env *cryptox.Envelope, logger logging.Logger) *TestService {
	return &TestService{
		db:          db,
		repomanager: m,
		envelope:    env,
		logger:      logger.With("module", "tests"),
	}
}

// CreateTest compiles the paper source, seals the compiled paper under a
// fresh data key and schedules the test. The plaintext paper exists only
// inside this call.
func (s *TestService) CreateTest(ctx context.Context, moderatorID, name, mode string,
	examineeIDs []string, duration models.Countdown, startAt, endAt time.Time, source []byte) (*models.Test, error) {

	if name == "" || len(examineeIDs) == 0 || duration.IsZero() {
		return nil, common.ErrorValidation
	}
	if !endAt.After(startAt) {
		return nil, common.ErrorValidation
	}

	compiled, err := paper.Compile(source)
	if err != nil {
		return nil, err
	}
	plain, err := json.Marshal(compiled)
	if err != nil {
		return nil, fmt.Errorf("error encoding paper: %w", err)
	}
	sealed, sealedKey, err := s.envelope.SealEnveloped(plain)
	if err != nil {
		return nil, fmt.Errorf("error sealing paper: %w", err)
	}
	common.WipeByteArray(plain)

	test := &models.Test{
		ModeratorID:    moderatorID,
		Name:           name,
		Mode:           mode,
		ExamineeIDs:    examineeIDs,
		Duration:       duration,
		StartAt:        startAt,
		EndAt:          endAt,
		EncryptedPaper: sealed,
		SealedKey:      sealedKey,
	}
	created, err := s.repomanager.Tests(s.db).Create(ctx, test)
	if err != nil {
		return nil, fmt.Errorf("error creating test: %w", err)
	}
	s.logger.Info(ctx, "test scheduled", "test_id", created.ID, "moderator_id", moderatorID)
	return created, nil
}

// GetTest returns a test owned by the moderator.
func (s *TestService) GetTest(ctx context.Context, moderatorID, testID string) (*models.Test, error) {
	test, err := s.repomanager.Tests(s.db).GetByID(ctx, testID)
	if err != nil {
		return nil, err
	}
	if test.ModeratorID != moderatorID {
		return nil, common.ErrorNotFound
	}
	return test, nil
}

// ListTests returns the moderator's tests.
func (s *TestService) ListTests(ctx context.Context, moderatorID string) ([]*models.Test, error) {
	return s.repomanager.Tests(s.db).ListByModerator(ctx, moderatorID)
}

// ListExamineeTests returns tests the examinee is invited to.
func (s *TestService) ListExamineeTests(ctx context.Context, examineeID string) ([]*models.Test, error) {
	return s.repomanager.Tests(s.db).ListByExaminee(ctx, examineeID)
}

// DeleteTest removes a test that has not started yet.
func (s *TestService) DeleteTest(ctx context.Context, moderatorID, testID string) error {
	test, err := s.GetTest(ctx, moderatorID, testID)
	if err != nil {
		return err
	}
	if test.Started {
		return common.ErrorStateViolation
	}
	return s.repomanager.Tests(s.db).Delete(ctx, testID)
}

// QueueSnapshot returns the current queue document of a running test for
// the moderator's proctoring view.
func (s *TestService) QueueSnapshot(ctx context.Context, moderatorID, testID string) (*models.Queues, error) {
	test, err := s.GetTest(ctx, moderatorID, testID)
	if err != nil {
		return nil, err
	}
	return &test.Queues, nil
}
