package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/examkeeper/internal/common"
	"github.com/dmitrijs2005/examkeeper/internal/server/models"
	"github.com/dmitrijs2005/examkeeper/internal/server/paper"
)

func newEvaluationFixture(t *testing.T) (*EvaluationService, *authFixture) {
	t.Helper()
	f := newAuthFixture(t)
	dispatcher := NewDispatcher(f.svc.db, f.rm, f.mailer, testLogger(), 16)
	svc := NewEvaluationService(f.svc.db, f.rm, f.env, dispatcher, testLogger())
	return svc, f
}

// seedEndedSheet plants a test, an examinee and an ended two-question answer
// sheet ready for grading.
func seedEndedSheet(t *testing.T, f *authFixture) (*models.Test, *models.User) {
	t.Helper()
	ctx := context.Background()

	contact, err := f.env.Seal([]byte("examinee@example.com"))
	require.NoError(t, err)
	examinee, err := f.rm.users.Create(ctx, &models.User{
		Role:            models.RoleExaminee,
		Status:          models.StatusVerified,
		EncryptedCommID: contact,
	})
	require.NoError(t, err)

	test, err := f.rm.tests.Create(ctx, &models.Test{
		ModeratorID: "moderator-1",
		Name:        "midterm",
		ExamineeIDs: []string{examinee.ID},
		Started:     true,
	})
	require.NoError(t, err)

	sheet := &paper.AnswerSheet{
		TotalMarks: 7,
		Answers: []paper.Question{
			{Index: 0, Marks: 3, Answered: true, MarkedOptions: []string{"b"}},
			{Index: 1, Marks: 4, Answered: true, MarkedOptions: []string{"a", "c"}},
		},
	}
	plain, err := json.Marshal(sheet)
	require.NoError(t, err)
	sealed, sealedKey, err := f.env.SealEnveloped(plain)
	require.NoError(t, err)

	_, err = f.rm.evaluations.Create(ctx, &models.Evaluation{
		ExamineeID:           examinee.ID,
		TestID:               test.ID,
		EncryptedAnswerSheet: sealed,
		SealedKey:            sealedKey,
		IsEnded:              true,
	})
	require.NoError(t, err)
	return test, examinee
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()

	t.Run("grades and becomes terminal", func(t *testing.T) {
		svc, f := newEvaluationFixture(t)
		test, examinee := seedEndedSheet(t, f)
		expectTx(f.mock, 1)

		err := svc.Evaluate(ctx, "moderator-1", examinee.ID, test.ID, map[int]float64{0: 3, 1: 2.5})
		require.NoError(t, err)

		eval, err := f.rm.evaluations.GetByExamineeAndTest(ctx, examinee.ID, test.ID)
		require.NoError(t, err)
		assert.True(t, eval.IsEvaluated)
		assert.Equal(t, "moderator-1", eval.EvaluatorID)

		sheet := openSheetFor(t, f, examinee.ID, test.ID)
		assert.Equal(t, 5.5, sheet.MarksObtained)
		require.NotNil(t, sheet.Answers[1].ObtainedMarks)
		assert.Equal(t, 2.5, *sheet.Answers[1].ObtainedMarks)
	})

	t.Run("marks above question maximum rejected", func(t *testing.T) {
		svc, f := newEvaluationFixture(t)
		test, examinee := seedEndedSheet(t, f)
		expectTxRollback(f.mock)

		err := svc.Evaluate(ctx, "moderator-1", examinee.ID, test.ID, map[int]float64{0: 4})
		assert.ErrorIs(t, err, common.ErrorValidation)
	})

	t.Run("foreign moderator sees nothing", func(t *testing.T) {
		svc, f := newEvaluationFixture(t)
		test, examinee := seedEndedSheet(t, f)
		expectTxRollback(f.mock)

		err := svc.Evaluate(ctx, "moderator-2", examinee.ID, test.ID, map[int]float64{0: 3})
		assert.ErrorIs(t, err, common.ErrorNotFound)
	})

	t.Run("double evaluation rejected", func(t *testing.T) {
		svc, f := newEvaluationFixture(t)
		test, examinee := seedEndedSheet(t, f)
		expectTx(f.mock, 1)
		require.NoError(t, svc.Evaluate(ctx, "moderator-1", examinee.ID, test.ID, map[int]float64{0: 3}))

		expectTxRollback(f.mock)
		err := svc.Evaluate(ctx, "moderator-1", examinee.ID, test.ID, map[int]float64{0: 1})
		assert.ErrorIs(t, err, common.ErrorStateViolation)
	})

	t.Run("sheet must be ended", func(t *testing.T) {
		svc, f := newEvaluationFixture(t)
		test, examinee := seedEndedSheet(t, f)
		eval, err := f.rm.evaluations.GetByExamineeAndTest(ctx, examinee.ID, test.ID)
		require.NoError(t, err)
		eval.IsEnded = false
		require.NoError(t, f.rm.evaluations.Update(ctx, eval))
		expectTxRollback(f.mock)

		err = svc.Evaluate(ctx, "moderator-1", examinee.ID, test.ID, map[int]float64{0: 3})
		assert.ErrorIs(t, err, common.ErrorStateViolation)
	})
}

func TestReEvaluate(t *testing.T) {
	ctx := context.Background()

	t.Run("applies deltas to the aggregate", func(t *testing.T) {
		svc, f := newEvaluationFixture(t)
		test, examinee := seedEndedSheet(t, f)
		expectTx(f.mock, 2)
		require.NoError(t, svc.Evaluate(ctx, "moderator-1", examinee.ID, test.ID, map[int]float64{0: 2, 1: 2}))
		require.NoError(t, svc.ReEvaluate(ctx, "moderator-1", examinee.ID, test.ID, map[int]float64{0: 1, 1: -0.5}))

		sheet := openSheetFor(t, f, examinee.ID, test.ID)
		assert.Equal(t, 4.5, sheet.MarksObtained)
		assert.Equal(t, 3.0, *sheet.Answers[0].ObtainedMarks)
		assert.Equal(t, 1.5, *sheet.Answers[1].ObtainedMarks)
	})

	t.Run("delta cannot push marks out of range", func(t *testing.T) {
		svc, f := newEvaluationFixture(t)
		test, examinee := seedEndedSheet(t, f)
		expectTx(f.mock, 1)
		require.NoError(t, svc.Evaluate(ctx, "moderator-1", examinee.ID, test.ID, map[int]float64{0: 2}))

		expectTxRollback(f.mock)
		err := svc.ReEvaluate(ctx, "moderator-1", examinee.ID, test.ID, map[int]float64{0: 2})
		assert.ErrorIs(t, err, common.ErrorValidation)
	})

	t.Run("requires prior evaluation", func(t *testing.T) {
		svc, f := newEvaluationFixture(t)
		test, examinee := seedEndedSheet(t, f)
		expectTxRollback(f.mock)

		err := svc.ReEvaluate(ctx, "moderator-1", examinee.ID, test.ID, map[int]float64{0: 1})
		assert.ErrorIs(t, err, common.ErrorStateViolation)
	})
}

func TestShowResult(t *testing.T) {
	ctx := context.Background()

	t.Run("hidden until evaluated", func(t *testing.T) {
		svc, f := newEvaluationFixture(t)
		test, examinee := seedEndedSheet(t, f)

		_, err := svc.ShowResult(ctx, examinee.ID, test.ID)
		assert.ErrorIs(t, err, common.ErrorStateViolation)
	})

	t.Run("returns graded sheet", func(t *testing.T) {
		svc, f := newEvaluationFixture(t)
		test, examinee := seedEndedSheet(t, f)
		expectTx(f.mock, 1)
		require.NoError(t, svc.Evaluate(ctx, "moderator-1", examinee.ID, test.ID, map[int]float64{0: 3, 1: 4}))

		result, err := svc.ShowResult(ctx, examinee.ID, test.ID)
		require.NoError(t, err)
		assert.Equal(t, 7.0, result.TotalMarks)
		assert.Equal(t, 7.0, result.MarksObtained)
		assert.False(t, result.CheatingNoted)
		assert.Len(t, result.Answers, 2)
	})

	t.Run("cheating surfaces in the result", func(t *testing.T) {
		svc, f := newEvaluationFixture(t)
		test, examinee := seedEndedSheet(t, f)
		require.NoError(t, f.rm.evaluations.AppendCheatingEvent(ctx, examinee.ID, test.ID,
			models.CheatingEvent{ExamineeID: examinee.ID, Reason: "phone visible"}))
		expectTx(f.mock, 1)
		require.NoError(t, svc.Evaluate(ctx, "moderator-1", examinee.ID, test.ID, nil))

		result, err := svc.ShowResult(ctx, examinee.ID, test.ID)
		require.NoError(t, err)
		assert.True(t, result.CheatingNoted)
	})
}

func TestGetEvaluation(t *testing.T) {
	ctx := context.Background()
	svc, f := newEvaluationFixture(t)
	test, examinee := seedEndedSheet(t, f)

	eval, sheet, err := svc.GetEvaluation(ctx, "moderator-1", examinee.ID, test.ID)
	require.NoError(t, err)
	assert.Equal(t, examinee.ID, eval.ExamineeID)
	assert.Len(t, sheet.Answers, 2)

	_, _, err = svc.GetEvaluation(ctx, "moderator-2", examinee.ID, test.ID)
	assert.ErrorIs(t, err, common.ErrorNotFound)
}
