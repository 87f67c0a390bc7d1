package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/examkeeper/internal/common"
	"github.com/dmitrijs2005/examkeeper/internal/cryptox"
	"github.com/dmitrijs2005/examkeeper/internal/dbx"
	"github.com/dmitrijs2005/examkeeper/internal/logging"
	"github.com/dmitrijs2005/examkeeper/internal/server/models"
	"github.com/dmitrijs2005/examkeeper/internal/server/paper"
	"github.com/dmitrijs2005/examkeeper/internal/server/repositories/repomanager"
)

// EvaluationService covers grading and result retrieval. Once an answer
// sheet is evaluated the verdict is terminal: adjustments go through
// ReEvaluate, which applies deltas to the aggregate, never an overwrite.
type EvaluationService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	envelope    *cryptox.Envelope
	dispatcher  *Dispatcher
	logger      logging.Logger
}

// NewEvaluationService constructs an EvaluationService.
func NewEvaluationService(db *sql.DB, m repomanager.RepositoryManager, env *cryptox.Envelope,
	dispatcher *Dispatcher, logger logging.Logger) *EvaluationService {
	return &EvaluationService{
		db:          db,
		repomanager: m,
		envelope:    env,
		dispatcher:  dispatcher,
		logger:      logger.With("module", "evaluation"),
	}
}

func (s *EvaluationService) openSheet(eval *models.Evaluation) (*paper.AnswerSheet, error) {
	plain, err := s.envelope.OpenEnveloped(eval.EncryptedAnswerSheet, eval.SealedKey)
	if err != nil {
		return nil, fmt.Errorf("error opening answer sheet: %w", err)
	}
	defer common.WipeByteArray(plain)

	sheet := &paper.AnswerSheet{}
	if err := json.Unmarshal(plain, sheet); err != nil {
		return nil, fmt.Errorf("error decoding answer sheet: %w", err)
	}
	return sheet, nil
}

func (s *EvaluationService) resealSheet(eval *models.Evaluation, sheet *paper.AnswerSheet) error {
	updated, err := json.Marshal(sheet)
	if err != nil {
		return fmt.Errorf("error encoding answer sheet: %w", err)
	}
	resealed, err := s.envelope.ResealEnveloped(updated, eval.SealedKey)
	common.WipeByteArray(updated)
	if err != nil {
		return fmt.Errorf("error resealing answer sheet: %w", err)
	}
	eval.EncryptedAnswerSheet = resealed
	return nil
}

// guardModerator checks that the moderator owns the test the evaluation
// belongs to.
func (s *EvaluationService) guardModerator(ctx context.Context, tx dbx.DBTX, moderatorID, testID string) error {
	test, err := s.repomanager.Tests(tx).GetByID(ctx, testID)
	if err != nil {
		return err
	}
	if test.ModeratorID != moderatorID {
		return common.ErrorNotFound
	}
	return nil
}

// Evaluate grades an ended answer sheet: per-question obtained marks are
// set, the aggregate computed, and the sheet becomes terminal. The
// examinee is mailed that their result is out.
func (s *EvaluationService) Evaluate(ctx context.Context, moderatorID, examineeID, testID string, marks map[int]float64) error {
	var contact string
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.guardModerator(ctx, tx, moderatorID, testID); err != nil {
			return err
		}
		evalRepo := s.repomanager.Evaluations(tx)
		eval, err := evalRepo.GetByExamineeAndTestForUpdate(ctx, examineeID, testID)
		if err != nil {
			return err
		}
		if eval.IsEvaluated {
			return common.ErrorStateViolation
		}
		if !eval.IsEnded {
			return common.ErrorStateViolation
		}

		sheet, err := s.openSheet(eval)
		if err != nil {
			return err
		}
		var total float64
		for i := range sheet.Answers {
			q := &sheet.Answers[i]
			if m, ok := marks[q.Index]; ok {
				if m < 0 || m > q.Marks {
					return common.ErrorValidation
				}
				value := m
				q.ObtainedMarks = &value
			}
			if q.ObtainedMarks != nil {
				total += *q.ObtainedMarks
			}
		}
		sheet.MarksObtained = total

		if err := s.resealSheet(eval, sheet); err != nil {
			return err
		}
		eval.IsEvaluated = true
		eval.EvaluatorID = moderatorID
		if err := evalRepo.Update(ctx, eval); err != nil {
			return err
		}

		user, err := s.repomanager.Users(tx).GetByID(ctx, examineeID)
		if err != nil {
			return err
		}
		plain, err := s.envelope.Open(user.EncryptedCommID)
		if err != nil {
			return fmt.Errorf("error opening contact id: %w", err)
		}
		contact = string(plain)
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info(ctx, "answer sheet evaluated", "test_id", testID, "examinee_id", examineeID)
	s.dispatcher.Mail(ctx, contact, MailResult, nil)
	return nil
}

// ReEvaluate adjusts an already evaluated sheet with per-question deltas.
// The aggregate moves by the sum of the deltas; per-question marks stay
// within [0, question marks].
func (s *EvaluationService) ReEvaluate(ctx context.Context, moderatorID, examineeID, testID string, deltas map[int]float64) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.guardModerator(ctx, tx, moderatorID, testID); err != nil {
			return err
		}
		evalRepo := s.repomanager.Evaluations(tx)
		eval, err := evalRepo.GetByExamineeAndTestForUpdate(ctx, examineeID, testID)
		if err != nil {
			return err
		}
		if !eval.IsEvaluated {
			return common.ErrorStateViolation
		}

		sheet, err := s.openSheet(eval)
		if err != nil {
			return err
		}
		for i := range sheet.Answers {
			q := &sheet.Answers[i]
			delta, ok := deltas[q.Index]
			if !ok {
				continue
			}
			current := 0.0
			if q.ObtainedMarks != nil {
				current = *q.ObtainedMarks
			}
			adjusted := current + delta
			if adjusted < 0 || adjusted > q.Marks {
				return common.ErrorValidation
			}
			q.ObtainedMarks = &adjusted
			sheet.MarksObtained += delta
		}

		if err := s.resealSheet(eval, sheet); err != nil {
			return err
		}
		return evalRepo.Update(ctx, eval)
	})
}

// Result is the examinee-facing summary of an evaluated sheet.
type Result struct {
	TotalMarks    float64          `json:"totalmarks"`
	MarksObtained float64          `json:"marksobtained"`
	Answers       []paper.Question `json:"answers"`
	CheatingNoted bool             `json:"cheating_noted"`
}

// ShowResult returns the graded sheet to its owner, but only once the
// moderator has evaluated it.
func (s *EvaluationService) ShowResult(ctx context.Context, examineeID, testID string) (*Result, error) {
	eval, err := s.repomanager.Evaluations(s.db).GetByExamineeAndTest(ctx, examineeID, testID)
	if err != nil {
		return nil, err
	}
	if !eval.IsEvaluated {
		return nil, common.ErrorStateViolation
	}
	sheet, err := s.openSheet(eval)
	if err != nil {
		return nil, err
	}
	return &Result{
		TotalMarks:    sheet.TotalMarks,
		MarksObtained: sheet.MarksObtained,
		Answers:       sheet.Answers,
		CheatingNoted: len(eval.CheatingEvents) > 0,
	}, nil
}

// GetEvaluation returns the full record for the owning moderator's review.
func (s *EvaluationService) GetEvaluation(ctx context.Context, moderatorID, examineeID, testID string) (*models.Evaluation, *paper.AnswerSheet, error) {
	if err := s.guardModerator(ctx, s.db, moderatorID, testID); err != nil {
		return nil, nil, err
	}
	eval, err := s.repomanager.Evaluations(s.db).GetByExamineeAndTest(ctx, examineeID, testID)
	if err != nil {
		return nil, nil, err
	}
	sheet, err := s.openSheet(eval)
	if err != nil {
		return nil, nil, err
	}
	return eval, sheet, nil
}
