package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/examkeeper/internal/common"
	"github.com/dmitrijs2005/examkeeper/internal/cryptox"
	"github.com/dmitrijs2005/examkeeper/internal/dbx"
	"github.com/dmitrijs2005/examkeeper/internal/logging"
	"github.com/dmitrijs2005/examkeeper/internal/server/auth"
	"github.com/dmitrijs2005/examkeeper/internal/server/models"
	"github.com/dmitrijs2005/examkeeper/internal/server/paper"
	"github.com/dmitrijs2005/examkeeper/internal/server/repositories/repomanager"
)

// ExamService is the examinee-side session state machine. Every transition
// locks the test row, mutates the queue document and commits it in one
// statement, so an examinee id is in at most one queue at any instant.
type ExamService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	envelope    *cryptox.Envelope
	dispatcher  *Dispatcher
	media       MediaStore
	logger      logging.Logger
}

// NewExamService constructs an ExamService.
func NewExamService(db *sql.DB, m repomanager.RepositoryManager, env *cryptox.Envelope,
	dispatcher *Dispatcher, media MediaStore, logger logging.Logger) *ExamService {
	return &ExamService{
		db:          db,
		repomanager: m,
		envelope:    env,
		dispatcher:  dispatcher,
		media:       media,
		logger:      logger.With("module", "exam"),
	}
}

// ExamSession is what StartExam hands back to the connection loop.
type ExamSession struct {
	Paper     *paper.Paper
	Remaining models.Countdown
	// Verified is true when the entry re-entered the ACTIVE queue directly
	// (a reconnect that had already passed identity verification).
	Verified bool
}

// StartExam admits an examinee into a running test after checking the
// mailed test code. A first-time entrant joins the NOT-VERIFIED queue with
// the full time budget; a disconnected entrant is restored with whatever
// time it had left, re-entering ACTIVE if identity was already verified. An
// entrant whose clock ran out is rejected.
func (s *ExamService) StartExam(ctx context.Context, examineeID, testID, code string) (*ExamSession, error) {
	var session *ExamSession
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		userRepo := s.repomanager.Users(tx)
		user, err := userRepo.GetByIDForUpdate(ctx, examineeID)
		if err != nil {
			return common.ErrorAuthentication
		}
		if user.TestCode == nil || user.TestCode.TestID != testID {
			return common.ErrorAuthentication
		}
		if !auth.Compare(user.TestCode.CodeHash, code) {
			return common.ErrorAuthentication
		}

		testRepo := s.repomanager.Tests(tx)
		test, err := testRepo.GetByIDForUpdate(ctx, testID)
		if err != nil {
			return err
		}
		if !test.Started || test.Ended {
			return common.ErrorStateViolation
		}
		if !contains(test.ExamineeIDs, examineeID) {
			return common.ErrorAuthentication
		}

		entry, queue := test.Queues.Find(examineeID)
		switch queue {
		case models.QueueActive, models.QueueNotVerified:
			// already in session
			return common.ErrorStateViolation
		case models.QueueInactive:
			if entry.Remaining.IsZero() {
				return common.ErrorStateViolation
			}
			restored, _ := test.Queues.Remove(examineeID)
			if restored.IdentityVerified {
				test.Queues.Active = append(test.Queues.Active, restored)
			} else {
				test.Queues.NotVerified = append(test.Queues.NotVerified, restored)
			}
			entry = &restored
		default:
			fresh := models.QueueEntry{ExamineeID: examineeID, Remaining: test.Duration}
			test.Queues.NotVerified = append(test.Queues.NotVerified, fresh)
			entry = &fresh
		}

		if err := testRepo.UpdateQueues(ctx, testID, test.Queues); err != nil {
			return err
		}

		if err := s.ensureAnswerSheet(ctx, tx, test, examineeID); err != nil {
			return err
		}

		compiled, err := s.openPaper(test)
		if err != nil {
			return err
		}
		session = &ExamSession{
			Paper:     compiled,
			Remaining: entry.Remaining,
			Verified:  entry.IdentityVerified,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "exam session started", "test_id", testID, "examinee_id", examineeID)
	return session, nil
}

// ensureAnswerSheet creates the evaluation record on first entry, sealing a
// fresh answer sheet under a per-evaluation data key.
func (s *ExamService) ensureAnswerSheet(ctx context.Context, tx dbx.DBTX, test *models.Test, examineeID string) error {
	evalRepo := s.repomanager.Evaluations(tx)
	if _, err := evalRepo.GetByExamineeAndTest(ctx, examineeID, test.ID); err == nil {
		return nil
	} else if !errors.Is(err, common.ErrorNotFound) {
		return err
	}

	compiled, err := s.openPaper(test)
	if err != nil {
		return err
	}
	sheet := paper.NewAnswerSheet(compiled)
	plain, err := json.Marshal(sheet)
	if err != nil {
		return fmt.Errorf("error encoding answer sheet: %w", err)
	}
	sealed, sealedKey, err := s.envelope.SealEnveloped(plain)
	if err != nil {
		return fmt.Errorf("error sealing answer sheet: %w", err)
	}
	common.WipeByteArray(plain)

	_, err = evalRepo.Create(ctx, &models.Evaluation{
		ExamineeID:           examineeID,
		TestID:               test.ID,
		EvaluatorID:          test.ModeratorID,
		Mode:                 test.Mode,
		EncryptedAnswerSheet: sealed,
		SealedKey:            sealedKey,
	})
	return err
}

func (s *ExamService) openPaper(test *models.Test) (*paper.Paper, error) {
	plain, err := s.envelope.OpenEnveloped(test.EncryptedPaper, test.SealedKey)
	if err != nil {
		return nil, fmt.Errorf("error opening paper: %w", err)
	}
	defer common.WipeByteArray(plain)

	compiled := &paper.Paper{}
	if err := json.Unmarshal(plain, compiled); err != nil {
		return nil, fmt.Errorf("error decoding paper: %w", err)
	}
	return compiled, nil
}

// VerificationImages accepts exactly two proctoring photos, stores them and
// moves the examinee from NOT-VERIFIED to ACTIVE.
func (s *ExamService) VerificationImages(ctx context.Context, examineeID, testID string, images [][]byte) error {
	if len(images) != identityImageCount {
		return common.ErrorValidation
	}
	suffixes := []string{"_TEST_PHOTO_", "_PROOF_"}
	refs := make([]models.ImageRef, 0, identityImageCount)
	for i, img := range images {
		name := examineeID + suffixes[i] + testID
		if err := s.media.Put(ctx, name, img); err != nil {
			return fmt.Errorf("error storing verification image: %w", err)
		}
		refs = append(refs, models.ImageRef{Name: name, ID: uuid.NewString()})
	}

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		testRepo := s.repomanager.Tests(tx)
		test, err := testRepo.GetByIDForUpdate(ctx, testID)
		if err != nil {
			return err
		}
		entry, queue := test.Queues.Find(examineeID)
		if queue != models.QueueNotVerified {
			return common.ErrorStateViolation
		}
		moved := *entry
		moved.IdentityVerified = true
		test.Queues.Remove(examineeID)
		test.Queues.Active = append(test.Queues.Active, moved)
		if err := testRepo.UpdateQueues(ctx, testID, test.Queues); err != nil {
			return err
		}

		evalRepo := s.repomanager.Evaluations(tx)
		eval, err := evalRepo.GetByExamineeAndTestForUpdate(ctx, examineeID, testID)
		if err != nil {
			return err
		}
		eval.VerificationImages = refs
		return evalRepo.Update(ctx, eval)
	})
}

// SaveStreamChunk stores one captured video segment against the evaluation.
func (s *ExamService) SaveStreamChunk(ctx context.Context, examineeID, testID string, seq int, chunk []byte) error {
	name := fmt.Sprintf("%s_STREAM_%s_%d", examineeID, testID, seq)
	if err := s.media.Put(ctx, name, chunk); err != nil {
		return fmt.Errorf("error storing stream chunk: %w", err)
	}
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		evalRepo := s.repomanager.Evaluations(tx)
		eval, err := evalRepo.GetByExamineeAndTestForUpdate(ctx, examineeID, testID)
		if err != nil {
			return err
		}
		eval.StreamVideos = append(eval.StreamVideos, models.ImageRef{Name: name, ID: uuid.NewString()})
		return evalRepo.Update(ctx, eval)
	})
}

// withAnswerSheet runs fn against the decrypted answer sheet of an active
// session and reseals it under the same data key.
func (s *ExamService) withAnswerSheet(ctx context.Context, examineeID, testID string,
	fn func(test *models.Test, eval *models.Evaluation, sheet *paper.AnswerSheet) error) error {

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		testRepo := s.repomanager.Tests(tx)
		test, err := testRepo.GetByIDForUpdate(ctx, testID)
		if err != nil {
			return err
		}
		if _, queue := test.Queues.Find(examineeID); queue != models.QueueActive {
			return common.ErrorStateViolation
		}

		evalRepo := s.repomanager.Evaluations(tx)
		eval, err := evalRepo.GetByExamineeAndTestForUpdate(ctx, examineeID, testID)
		if err != nil {
			return err
		}
		if eval.IsEnded || eval.IsEvaluated {
			return common.ErrorStateViolation
		}

		plain, err := s.envelope.OpenEnveloped(eval.EncryptedAnswerSheet, eval.SealedKey)
		if err != nil {
			return fmt.Errorf("error opening answer sheet: %w", err)
		}
		sheet := &paper.AnswerSheet{}
		if err := json.Unmarshal(plain, sheet); err != nil {
			common.WipeByteArray(plain)
			return fmt.Errorf("error decoding answer sheet: %w", err)
		}
		common.WipeByteArray(plain)

		if err := fn(test, eval, sheet); err != nil {
			return err
		}

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
		return evalRepo.Update(ctx, eval)
	})
}

// SubmitAnswer records the marked options for one question. With the
// submit_means_final paper option an answered question is locked.
func (s *ExamService) SubmitAnswer(ctx context.Context, examineeID, testID string, index int, marked []string) error {
	return s.withAnswerSheet(ctx, examineeID, testID,
		func(test *models.Test, eval *models.Evaluation, sheet *paper.AnswerSheet) error {
			compiled, err := s.openPaper(test)
			if err != nil {
				return err
			}
			q := findQuestion(sheet, index)
			if q == nil {
				return common.ErrorNotFound
			}
			if compiled.Options.SubmitMeansFinal && q.Answered {
				return common.ErrorStateViolation
			}
			q.Answered = true
			q.Skipped = false
			q.MarkedOptions = marked
			return nil
		})
}

// SkipAnswer marks a question skipped; the paper must allow skipping.
func (s *ExamService) SkipAnswer(ctx context.Context, examineeID, testID string, index int) error {
	return s.withAnswerSheet(ctx, examineeID, testID,
		func(test *models.Test, eval *models.Evaluation, sheet *paper.AnswerSheet) error {
			compiled, err := s.openPaper(test)
			if err != nil {
				return err
			}
			if !compiled.Options.CanSkip {
				return common.ErrorStateViolation
			}
			q := findQuestion(sheet, index)
			if q == nil {
				return common.ErrorNotFound
			}
			if q.Answered {
				return common.ErrorStateViolation
			}
			q.Skipped = true
			return nil
		})
}

// EndTest finishes the session on the examinee's request; the paper must
// allow it. The entry moves to INACTIVE with its clock zeroed so a restart
// is rejected.
func (s *ExamService) EndTest(ctx context.Context, examineeID, testID string) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		testRepo := s.repomanager.Tests(tx)
		test, err := testRepo.GetByIDForUpdate(ctx, testID)
		if err != nil {
			return err
		}
		compiled, err := s.openPaper(test)
		if err != nil {
			return err
		}
		if !compiled.Options.CanEndTest {
			return common.ErrorStateViolation
		}
		if _, queue := test.Queues.Find(examineeID); queue != models.QueueActive {
			return common.ErrorStateViolation
		}
		return s.finishSession(ctx, tx, test, examineeID)
	})
}

// finishSession moves the entry to INACTIVE with zero time, marks the
// evaluation ended and revokes the examinee's exam code so the credential
// dies with the session. Caller holds the test row lock.
func (s *ExamService) finishSession(ctx context.Context, tx dbx.DBTX, test *models.Test, examineeID string) error {
	entry, ok := test.Queues.Remove(examineeID)
	if !ok {
		return common.ErrorStateViolation
	}
	entry.Remaining = models.Countdown{}
	test.Queues.Inactive = append(test.Queues.Inactive, entry)
	if err := s.repomanager.Tests(tx).UpdateQueues(ctx, test.ID, test.Queues); err != nil {
		return err
	}

	evalRepo := s.repomanager.Evaluations(tx)
	eval, err := evalRepo.GetByExamineeAndTestForUpdate(ctx, examineeID, test.ID)
	if err != nil {
		return err
	}
	eval.IsEnded = true
	if err := evalRepo.Update(ctx, eval); err != nil {
		return err
	}

	return s.revokeExamCode(ctx, tx, examineeID, test.ID)
}

// revokeExamCode drops the examinee's per-test exam code, if it is still the
// one issued for this test.
func (s *ExamService) revokeExamCode(ctx context.Context, tx dbx.DBTX, examineeID, testID string) error {
	userRepo := s.repomanager.Users(tx)
	user, err := userRepo.GetByIDForUpdate(ctx, examineeID)
	if err != nil {
		return err
	}
	if user.TestCode == nil || user.TestCode.TestID != testID {
		return nil
	}
	user.TestCode = nil
	return userRepo.Update(ctx, user)
}

// ForceEnd finishes a session whose clock reached zero. Ending an already
// inactive session is a no-op, so the force-end fires exactly once even if
// several observers race on the zero condition.
func (s *ExamService) ForceEnd(ctx context.Context, examineeID, testID string) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		testRepo := s.repomanager.Tests(tx)
		test, err := testRepo.GetByIDForUpdate(ctx, testID)
		if err != nil {
			return err
		}
		if _, queue := test.Queues.Find(examineeID); queue == models.QueueInactive || queue == "" {
			return nil
		}
		return s.finishSession(ctx, tx, test, examineeID)
	})
}

// Cheating zeroes the examinee's clock, files an immutable cheating event
// and forces the evaluation to its terminal state with zero marks. The
// examinee is told their result is available, nothing more.
func (s *ExamService) Cheating(ctx context.Context, examineeID, testID, reason string) error {
	var contact string
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		testRepo := s.repomanager.Tests(tx)
		test, err := testRepo.GetByIDForUpdate(ctx, testID)
		if err != nil {
			return err
		}
		entry, queue := test.Queues.Find(examineeID)
		if queue == "" {
			return common.ErrorNotFound
		}
		entry.Remaining = models.Countdown{}
		if queue != models.QueueInactive {
			moved, _ := test.Queues.Remove(examineeID)
			moved.Remaining = models.Countdown{}
			test.Queues.Inactive = append(test.Queues.Inactive, moved)
		}
		if err := testRepo.UpdateQueues(ctx, testID, test.Queues); err != nil {
			return err
		}

		evalRepo := s.repomanager.Evaluations(tx)
		if err := evalRepo.AppendCheatingEvent(ctx, examineeID, testID, models.CheatingEvent{
			ExamineeID: examineeID,
			Reason:     reason,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			return err
		}
		eval, err := evalRepo.GetByExamineeAndTestForUpdate(ctx, examineeID, testID)
		if err != nil {
			return err
		}
		eval.IsEnded = true
		eval.IsEvaluated = true
		if err := evalRepo.Update(ctx, eval); err != nil {
			return err
		}

		userRepo := s.repomanager.Users(tx)
		user, err := userRepo.GetByIDForUpdate(ctx, examineeID)
		if err != nil {
			return err
		}
		plain, err := s.envelope.Open(user.EncryptedCommID)
		if err != nil {
			return fmt.Errorf("error opening contact id: %w", err)
		}
		contact = string(plain)
		if user.TestCode != nil && user.TestCode.TestID == testID {
			user.TestCode = nil
			if err := userRepo.Update(ctx, user); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Warn(ctx, "cheating recorded", "test_id", testID, "examinee_id", examineeID, "reason", reason)
	s.dispatcher.Mail(ctx, contact, MailResult, nil)
	return nil
}

// Disconnect parks the examinee's entry in INACTIVE, preserving remaining
// time and the identity-verification flag. Disconnecting an entry that is
// already inactive (or gone) is a no-op: the connection teardown path may
// race with an explicit end.
func (s *ExamService) Disconnect(ctx context.Context, examineeID, testID string) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		testRepo := s.repomanager.Tests(tx)
		test, err := testRepo.GetByIDForUpdate(ctx, testID)
		if err != nil {
			return err
		}
		if _, queue := test.Queues.Find(examineeID); queue == models.QueueInactive || queue == "" {
			return nil
		}
		entry, _ := test.Queues.Remove(examineeID)
		test.Queues.Inactive = append(test.Queues.Inactive, entry)
		return testRepo.UpdateQueues(ctx, testID, test.Queues)
	})
}

// PersistRemaining writes the connection loop's countdown back into the
// queue entry. Called on every fifth tick.
func (s *ExamService) PersistRemaining(ctx context.Context, examineeID, testID string, remaining models.Countdown) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		testRepo := s.repomanager.Tests(tx)
		test, err := testRepo.GetByIDForUpdate(ctx, testID)
		if err != nil {
			return err
		}
		entry, queue := test.Queues.Find(examineeID)
		if queue != models.QueueActive {
			return common.ErrorStateViolation
		}
		entry.Remaining = remaining
		return testRepo.UpdateQueues(ctx, testID, test.Queues)
	})
}

// SessionRemaining returns the countdown of the examinee's ACTIVE session;
// the connection loop seeds its in-memory clock from it.
func (s *ExamService) SessionRemaining(ctx context.Context, examineeID, testID string) (models.Countdown, error) {
	test, err := s.repomanager.Tests(s.db).GetByID(ctx, testID)
	if err != nil {
		return models.Countdown{}, err
	}
	entry, queue := test.Queues.Find(examineeID)
	if queue != models.QueueActive {
		return models.Countdown{}, common.ErrorStateViolation
	}
	return entry.Remaining, nil
}

// TestEnded reports whether the scheduler has closed the test; the
// connection loop polls it to tear down live sessions.
func (s *ExamService) TestEnded(ctx context.Context, testID string) (bool, error) {
	test, err := s.repomanager.Tests(s.db).GetByID(ctx, testID)
	if err != nil {
		return false, err
	}
	return test.Ended, nil
}

func findQuestion(sheet *paper.AnswerSheet, index int) *paper.Question {
	for i := range sheet.Answers {
		if sheet.Answers[i].Index == index {
			return &sheet.Answers[i]
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
