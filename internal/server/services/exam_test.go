package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/examkeeper/internal/common"
	"github.com/dmitrijs2005/examkeeper/internal/server/auth"
	"github.com/dmitrijs2005/examkeeper/internal/server/models"
	"github.com/dmitrijs2005/examkeeper/internal/server/paper"
)

func newExamFixture(t *testing.T) (*ExamService, *authFixture, *fakeMediaStore) {
	t.Helper()
	f := newAuthFixture(t)
	media := newFakeMediaStore()
	dispatcher := NewDispatcher(nil, f.rm, f.mailer, testLogger(), 16)
	svc := NewExamService(f.svc.db, f.rm, f.env, dispatcher, media, testLogger())
	return svc, f, media
}

const examCode = "424242"

// seedRunningTest creates a started test with a two-question paper and one
// invited examinee holding a valid test code.
func seedRunningTest(t *testing.T, f *authFixture, opts paper.Options) (*models.Test, *models.User) {
	t.Helper()
	ctx := context.Background()

	compiled := &paper.Paper{
		Options:    opts,
		TotalMarks: 7,
		Questions: []paper.Question{
			{Type: "single", Marks: 3, Index: 0, QuestionNumber: 1, Question: "q one", Options: []string{"a", "b"}},
			{Type: "multiple", Marks: 4, Index: 1, QuestionNumber: 2, Question: "q two", Options: []string{"a", "b", "c"}},
		},
	}
	plain, err := json.Marshal(compiled)
	require.NoError(t, err)
	sealed, sealedKey, err := f.env.SealEnveloped(plain)
	require.NoError(t, err)

	codeHash, err := auth.HashCode(examCode)
	require.NoError(t, err)
	contact, err := f.env.Seal([]byte("examinee@example.com"))
	require.NoError(t, err)
	examinee, err := f.rm.users.Create(ctx, &models.User{
		Role:            models.RoleExaminee,
		Status:          models.StatusVerified,
		EncryptedCommID: contact,
	})
	require.NoError(t, err)

	test, err := f.rm.tests.Create(ctx, &models.Test{
		ModeratorID:    "moderator-1",
		Name:           "midterm",
		ExamineeIDs:    []string{examinee.ID},
		Duration:       models.Countdown{0, 30, 0},
		Started:        true,
		EncryptedPaper: sealed,
		SealedKey:      sealedKey,
	})
	require.NoError(t, err)

	examinee.TestCode = &models.TestCode{TestID: test.ID, CodeHash: codeHash}
	require.NoError(t, f.rm.users.Update(ctx, examinee))
	return test, examinee
}

func queueOf(t *testing.T, f *authFixture, testID, examineeID string) string {
	t.Helper()
	test, err := f.rm.tests.GetByID(context.Background(), testID)
	require.NoError(t, err)
	_, queue := test.Queues.Find(examineeID)
	return queue
}

func TestStartExam(t *testing.T) {
	ctx := context.Background()

	t.Run("first entry joins not-verified with full budget", func(t *testing.T) {
		svc, f, _ := newExamFixture(t)
		test, examinee := seedRunningTest(t, f, paper.Options{})
		expectTx(f.mock, 1)

		session, err := svc.StartExam(ctx, examinee.ID, test.ID, examCode)
		require.NoError(t, err)
		assert.Equal(t, models.Countdown{0, 30, 0}, session.Remaining)
		assert.False(t, session.Verified)
		assert.Len(t, session.Paper.Questions, 2)
		assert.Equal(t, models.QueueNotVerified, queueOf(t, f, test.ID, examinee.ID))

		// answer sheet created on first entry
		_, err = f.rm.evaluations.GetByExamineeAndTest(ctx, examinee.ID, test.ID)
		require.NoError(t, err)
	})

	t.Run("wrong code rejected", func(t *testing.T) {
		svc, f, _ := newExamFixture(t)
		test, examinee := seedRunningTest(t, f, paper.Options{})
		expectTxRollback(f.mock)

		_, err := svc.StartExam(ctx, examinee.ID, test.ID, "000000")
		assert.ErrorIs(t, err, common.ErrorAuthentication)
		assert.Equal(t, "", queueOf(t, f, test.ID, examinee.ID))
	})

	t.Run("not started test rejected", func(t *testing.T) {
		svc, f, _ := newExamFixture(t)
		test, examinee := seedRunningTest(t, f, paper.Options{})
		test.Started = false
		require.NoError(t, f.rm.tests.Update(ctx, test))
		expectTxRollback(f.mock)

		_, err := svc.StartExam(ctx, examinee.ID, test.ID, examCode)
		assert.ErrorIs(t, err, common.ErrorStateViolation)
	})

	t.Run("second start while in session rejected", func(t *testing.T) {
		svc, f, _ := newExamFixture(t)
		test, examinee := seedRunningTest(t, f, paper.Options{})
		expectTx(f.mock, 1)
		_, err := svc.StartExam(ctx, examinee.ID, test.ID, examCode)
		require.NoError(t, err)

		expectTxRollback(f.mock)
		_, err = svc.StartExam(ctx, examinee.ID, test.ID, examCode)
		assert.ErrorIs(t, err, common.ErrorStateViolation)
	})

	t.Run("reconnect with verified identity restores to active", func(t *testing.T) {
		svc, f, _ := newExamFixture(t)
		test, examinee := seedRunningTest(t, f, paper.Options{})
		test.Queues.Inactive = []models.QueueEntry{
			{ExamineeID: examinee.ID, Remaining: models.Countdown{0, 12, 30}, IdentityVerified: true},
		}
		require.NoError(t, f.rm.tests.Update(ctx, test))
		expectTx(f.mock, 1)

		session, err := svc.StartExam(ctx, examinee.ID, test.ID, examCode)
		require.NoError(t, err)
		assert.Equal(t, models.Countdown{0, 12, 30}, session.Remaining)
		assert.True(t, session.Verified)
		assert.Equal(t, models.QueueActive, queueOf(t, f, test.ID, examinee.ID))
	})

	t.Run("reconnect with zero clock rejected", func(t *testing.T) {
		svc, f, _ := newExamFixture(t)
		test, examinee := seedRunningTest(t, f, paper.Options{})
		test.Queues.Inactive = []models.QueueEntry{
			{ExamineeID: examinee.ID, Remaining: models.Countdown{}, IdentityVerified: true},
		}
		require.NoError(t, f.rm.tests.Update(ctx, test))
		expectTxRollback(f.mock)

		_, err := svc.StartExam(ctx, examinee.ID, test.ID, examCode)
		assert.ErrorIs(t, err, common.ErrorStateViolation)
	})

	t.Run("uninvited examinee rejected", func(t *testing.T) {
		svc, f, _ := newExamFixture(t)
		test, _ := seedRunningTest(t, f, paper.Options{})
		codeHash, err := auth.HashCode(examCode)
		require.NoError(t, err)
		other, err := f.rm.users.Create(ctx, &models.User{
			Role:     models.RoleExaminee,
			Status:   models.StatusVerified,
			TestCode: &models.TestCode{TestID: test.ID, CodeHash: codeHash},
		})
		require.NoError(t, err)
		expectTxRollback(f.mock)

		_, err = svc.StartExam(ctx, other.ID, test.ID, examCode)
		assert.ErrorIs(t, err, common.ErrorAuthentication)
	})
}

func TestVerificationImages(t *testing.T) {
	ctx := context.Background()

	t.Run("two images move examinee to active", func(t *testing.T) {
		svc, f, media := newExamFixture(t)
		test, examinee := seedRunningTest(t, f, paper.Options{})
		expectTx(f.mock, 2)
		_, err := svc.StartExam(ctx, examinee.ID, test.ID, examCode)
		require.NoError(t, err)

		err = svc.VerificationImages(ctx, examinee.ID, test.ID, [][]byte{[]byte("photo"), []byte("proof")})
		require.NoError(t, err)
		assert.Equal(t, models.QueueActive, queueOf(t, f, test.ID, examinee.ID))
		assert.Len(t, media.blobs, 2)

		eval, err := f.rm.evaluations.GetByExamineeAndTest(ctx, examinee.ID, test.ID)
		require.NoError(t, err)
		assert.Len(t, eval.VerificationImages, 2)
	})

	t.Run("wrong image count rejected", func(t *testing.T) {
		svc, f, _ := newExamFixture(t)
		test, examinee := seedRunningTest(t, f, paper.Options{})
		err := svc.VerificationImages(ctx, examinee.ID, test.ID, [][]byte{[]byte("photo")})
		assert.ErrorIs(t, err, common.ErrorValidation)
		assert.Equal(t, "", queueOf(t, f, test.ID, examinee.ID))
	})

	t.Run("already active rejected", func(t *testing.T) {
		svc, f, _ := newExamFixture(t)
		test, examinee := seedRunningTest(t, f, paper.Options{})
		expectTx(f.mock, 2)
		_, err := svc.StartExam(ctx, examinee.ID, test.ID, examCode)
		require.NoError(t, err)
		require.NoError(t, svc.VerificationImages(ctx, examinee.ID, test.ID,
			[][]byte{[]byte("photo"), []byte("proof")}))

		expectTxRollback(f.mock)
		err = svc.VerificationImages(ctx, examinee.ID, test.ID, [][]byte{[]byte("p"), []byte("q")})
		assert.ErrorIs(t, err, common.ErrorStateViolation)
	})
}

// activateSession starts the exam and passes identity verification.
func activateSession(t *testing.T, svc *ExamService, f *authFixture, test *models.Test, examinee *models.User) {
	t.Helper()
	ctx := context.Background()
	expectTx(f.mock, 2)
	_, err := svc.StartExam(ctx, examinee.ID, test.ID, examCode)
	require.NoError(t, err)
	require.NoError(t, svc.VerificationImages(ctx, examinee.ID, test.ID,
		[][]byte{[]byte("photo"), []byte("proof")}))
}

func openSheetFor(t *testing.T, f *authFixture, examineeID, testID string) *paper.AnswerSheet {
	t.Helper()
	eval, err := f.rm.evaluations.GetByExamineeAndTest(context.Background(), examineeID, testID)
	require.NoError(t, err)
	plain, err := f.env.OpenEnveloped(eval.EncryptedAnswerSheet, eval.SealedKey)
	require.NoError(t, err)
	sheet := &paper.AnswerSheet{}
	require.NoError(t, json.Unmarshal(plain, sheet))
	return sheet
}

func TestSubmitAnswer(t *testing.T) {
	ctx := context.Background()

	t.Run("records marked options", func(t *testing.T) {
		svc, f, _ := newExamFixture(t)
		test, examinee := seedRunningTest(t, f, paper.Options{})
		activateSession(t, svc, f, test, examinee)
		expectTx(f.mock, 1)

		err := svc.SubmitAnswer(ctx, examinee.ID, test.ID, 1, []string{"a", "c"})
		require.NoError(t, err)

		sheet := openSheetFor(t, f, examinee.ID, test.ID)
		q := sheet.Answers[1]
		assert.True(t, q.Answered)
		assert.Equal(t, []string{"a", "c"}, q.MarkedOptions)
	})

	t.Run("final submission locks the question", func(t *testing.T) {
		svc, f, _ := newExamFixture(t)
		test, examinee := seedRunningTest(t, f, paper.Options{SubmitMeansFinal: true})
		activateSession(t, svc, f, test, examinee)
		expectTx(f.mock, 1)
		require.NoError(t, svc.SubmitAnswer(ctx, examinee.ID, test.ID, 0, []string{"a"}))

		expectTxRollback(f.mock)
		err := svc.SubmitAnswer(ctx, examinee.ID, test.ID, 0, []string{"b"})
		assert.ErrorIs(t, err, common.ErrorStateViolation)
	})

	t.Run("resubmission allowed without final option", func(t *testing.T) {
		svc, f, _ := newExamFixture(t)
		test, examinee := seedRunningTest(t, f, paper.Options{})
		activateSession(t, svc, f, test, examinee)
		expectTx(f.mock, 2)
		require.NoError(t, svc.SubmitAnswer(ctx, examinee.ID, test.ID, 0, []string{"a"}))
		require.NoError(t, svc.SubmitAnswer(ctx, examinee.ID, test.ID, 0, []string{"b"}))

		sheet := openSheetFor(t, f, examinee.ID, test.ID)
		assert.Equal(t, []string{"b"}, sheet.Answers[0].MarkedOptions)
	})

	t.Run("unknown question index", func(t *testing.T) {
		svc, f, _ := newExamFixture(t)
		test, examinee := seedRunningTest(t, f, paper.Options{})
		activateSession(t, svc, f, test, examinee)
		expectTxRollback(f.mock)

		err := svc.SubmitAnswer(ctx, examinee.ID, test.ID, 99, []string{"a"})
		assert.ErrorIs(t, err, common.ErrorNotFound)
	})

	t.Run("requires an active session", func(t *testing.T) {
		svc, f, _ := newExamFixture(t)
		test, examinee := seedRunningTest(t, f, paper.Options{})
		expectTxRollback(f.mock)

		err := svc.SubmitAnswer(ctx, examinee.ID, test.ID, 0, []string{"a"})
		assert.ErrorIs(t, err, common.ErrorStateViolation)
	})
}

func TestSkipAnswer(t *testing.T) {
	ctx := context.Background()

	t.Run("skip requires paper permission", func(t *testing.T) {
		svc, f, _ := newExamFixture(t)
		test, examinee := seedRunningTest(t, f, paper.Options{})
		activateSession(t, svc, f, test, examinee)
		expectTxRollback(f.mock)

		err := svc.SkipAnswer(ctx, examinee.ID, test.ID, 0)
		assert.ErrorIs(t, err, common.ErrorStateViolation)
	})

	t.Run("answered question cannot be skipped", func(t *testing.T) {
		svc, f, _ := newExamFixture(t)
		test, examinee := seedRunningTest(t, f, paper.Options{CanSkip: true})
		activateSession(t, svc, f, test, examinee)
		expectTx(f.mock, 1)
		require.NoError(t, svc.SubmitAnswer(ctx, examinee.ID, test.ID, 0, []string{"a"}))

		expectTxRollback(f.mock)
		err := svc.SkipAnswer(ctx, examinee.ID, test.ID, 0)
		assert.ErrorIs(t, err, common.ErrorStateViolation)
	})

	t.Run("skip marks the question", func(t *testing.T) {
		svc, f, _ := newExamFixture(t)
		test, examinee := seedRunningTest(t, f, paper.Options{CanSkip: true})
		activateSession(t, svc, f, test, examinee)
		expectTx(f.mock, 1)
		require.NoError(t, svc.SkipAnswer(ctx, examinee.ID, test.ID, 1))

		sheet := openSheetFor(t, f, examinee.ID, test.ID)
		assert.True(t, sheet.Answers[1].Skipped)
	})
}

func TestEndTest(t *testing.T) {
	ctx := context.Background()

	t.Run("moves to inactive with zero clock", func(t *testing.T) {
		svc, f, _ := newExamFixture(t)
		test, examinee := seedRunningTest(t, f, paper.Options{CanEndTest: true})
		activateSession(t, svc, f, test, examinee)
		expectTx(f.mock, 1)

		require.NoError(t, svc.EndTest(ctx, examinee.ID, test.ID))
		assert.Equal(t, models.QueueInactive, queueOf(t, f, test.ID, examinee.ID))

		stored, err := f.rm.tests.GetByID(ctx, test.ID)
		require.NoError(t, err)
		entry, _ := stored.Queues.Find(examinee.ID)
		assert.True(t, entry.Remaining.IsZero())

		eval, err := f.rm.evaluations.GetByExamineeAndTest(ctx, examinee.ID, test.ID)
		require.NoError(t, err)
		assert.True(t, eval.IsEnded)

		// the exam code dies with the session
		user, err := f.rm.users.GetByID(ctx, examinee.ID)
		require.NoError(t, err)
		assert.Nil(t, user.TestCode)
	})

	t.Run("paper must allow ending", func(t *testing.T) {
		svc, f, _ := newExamFixture(t)
		test, examinee := seedRunningTest(t, f, paper.Options{})
		activateSession(t, svc, f, test, examinee)
		expectTxRollback(f.mock)

		err := svc.EndTest(ctx, examinee.ID, test.ID)
		assert.ErrorIs(t, err, common.ErrorStateViolation)
	})
}

func TestForceEnd(t *testing.T) {
	ctx := context.Background()

	svc, f, _ := newExamFixture(t)
	test, examinee := seedRunningTest(t, f, paper.Options{})
	activateSession(t, svc, f, test, examinee)

	expectTx(f.mock, 1)
	require.NoError(t, svc.ForceEnd(ctx, examinee.ID, test.ID))
	assert.Equal(t, models.QueueInactive, queueOf(t, f, test.ID, examinee.ID))

	eval, err := f.rm.evaluations.GetByExamineeAndTest(ctx, examinee.ID, test.ID)
	require.NoError(t, err)
	assert.True(t, eval.IsEnded)

	user, err := f.rm.users.GetByID(ctx, examinee.ID)
	require.NoError(t, err)
	assert.Nil(t, user.TestCode)

	// second force-end is a no-op
	expectTx(f.mock, 1)
	require.NoError(t, svc.ForceEnd(ctx, examinee.ID, test.ID))
}

func TestDisconnect(t *testing.T) {
	ctx := context.Background()

	svc, f, _ := newExamFixture(t)
	test, examinee := seedRunningTest(t, f, paper.Options{})
	activateSession(t, svc, f, test, examinee)

	expectTx(f.mock, 1)
	require.NoError(t, svc.PersistRemaining(ctx, examinee.ID, test.ID, models.Countdown{0, 10, 5}))

	expectTx(f.mock, 1)
	require.NoError(t, svc.Disconnect(ctx, examinee.ID, test.ID))
	assert.Equal(t, models.QueueInactive, queueOf(t, f, test.ID, examinee.ID))

	stored, err := f.rm.tests.GetByID(ctx, test.ID)
	require.NoError(t, err)
	entry, _ := stored.Queues.Find(examinee.ID)
	assert.Equal(t, models.Countdown{0, 10, 5}, entry.Remaining)
	assert.True(t, entry.IdentityVerified)

	// the code stays valid so the examinee can reconnect
	user, err := f.rm.users.GetByID(ctx, examinee.ID)
	require.NoError(t, err)
	assert.NotNil(t, user.TestCode)

	// disconnecting an inactive entry is a no-op
	expectTx(f.mock, 1)
	require.NoError(t, svc.Disconnect(ctx, examinee.ID, test.ID))
}

func TestCheating(t *testing.T) {
	ctx := context.Background()

	svc, f, _ := newExamFixture(t)
	test, examinee := seedRunningTest(t, f, paper.Options{})
	activateSession(t, svc, f, test, examinee)

	expectTx(f.mock, 1)
	require.NoError(t, svc.Cheating(ctx, examinee.ID, test.ID, "second person on camera"))

	assert.Equal(t, models.QueueInactive, queueOf(t, f, test.ID, examinee.ID))
	eval, err := f.rm.evaluations.GetByExamineeAndTest(ctx, examinee.ID, test.ID)
	require.NoError(t, err)
	assert.True(t, eval.IsEnded)
	assert.True(t, eval.IsEvaluated)
	require.Len(t, eval.CheatingEvents, 1)
	assert.Equal(t, "second person on camera", eval.CheatingEvents[0].Reason)

	user, err := f.rm.users.GetByID(ctx, examinee.ID)
	require.NoError(t, err)
	assert.Nil(t, user.TestCode)
}

func TestSessionRemaining(t *testing.T) {
	ctx := context.Background()

	svc, f, _ := newExamFixture(t)
	test, examinee := seedRunningTest(t, f, paper.Options{})

	_, err := svc.SessionRemaining(ctx, examinee.ID, test.ID)
	assert.ErrorIs(t, err, common.ErrorStateViolation)

	activateSession(t, svc, f, test, examinee)
	remaining, err := svc.SessionRemaining(ctx, examinee.ID, test.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Countdown{0, 30, 0}, remaining)
}
