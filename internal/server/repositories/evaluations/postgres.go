package evaluations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/examkeeper/internal/common"
	"github.com/dmitrijs2005/examkeeper/internal/dbx"
	"github.com/dmitrijs2005/examkeeper/internal/server/models"
)

// PostgresRepository implements Repository over dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const evaluationColumns = `id, examinee_id, test_id, evaluator_id, mode,
	encrypted_answer_sheet, sealed_key, verification_images, stream_videos,
	cheating_events, is_evaluated, is_ended, created_at`

func (r *PostgresRepository) Create(ctx context.Context, ev *models.Evaluation) (*models.Evaluation, error) {
	images, videos, events, err := marshalLists(ev)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO evaluations (examinee_id, test_id, evaluator_id, mode,
			encrypted_answer_sheet, sealed_key, verification_images, stream_videos,
			cheating_events, is_evaluated, is_ended)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`
	err = r.db.QueryRowContext(ctx, query,
		ev.ExamineeID, ev.TestID, ev.EvaluatorID, ev.Mode,
		ev.EncryptedAnswerSheet, ev.SealedKey, images, videos,
		events, ev.IsEvaluated, ev.IsEnded,
	).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return ev, nil
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, args ...any) (*models.Evaluation, error) {
	ev, err := scanEvaluation(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return ev, nil
}

func (r *PostgresRepository) GetByExamineeAndTest(ctx context.Context, examineeID, testID string) (*models.Evaluation, error) {
	return r.getOne(ctx,
		`SELECT `+evaluationColumns+` FROM evaluations WHERE examinee_id = $1 AND test_id = $2`,
		examineeID, testID)
}

func (r *PostgresRepository) GetByExamineeAndTestForUpdate(ctx context.Context, examineeID, testID string) (*models.Evaluation, error) {
	return r.getOne(ctx,
		`SELECT `+evaluationColumns+` FROM evaluations WHERE examinee_id = $1 AND test_id = $2 FOR UPDATE`,
		examineeID, testID)
}

func (r *PostgresRepository) ListByTest(ctx context.Context, testID string) ([]*models.Evaluation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+evaluationColumns+` FROM evaluations WHERE test_id = $1 ORDER BY created_at`, testID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.Evaluation
	for rows.Next() {
		ev, err := scanEvaluation(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return result, nil
}

func (r *PostgresRepository) Update(ctx context.Context, ev *models.Evaluation) error {
	images, videos, events, err := marshalLists(ev)
	if err != nil {
		return err
	}

	query := `
		UPDATE evaluations SET
			evaluator_id = $2, mode = $3, encrypted_answer_sheet = $4, sealed_key = $5,
			verification_images = $6, stream_videos = $7, cheating_events = $8,
			is_evaluated = $9, is_ended = $10
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query,
		ev.ID, ev.EvaluatorID, ev.Mode, ev.EncryptedAnswerSheet, ev.SealedKey,
		images, videos, events, ev.IsEvaluated, ev.IsEnded,
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

// AppendCheatingEvent grows the event list server-side so two concurrent
// reports never overwrite each other.
func (r *PostgresRepository) AppendCheatingEvent(ctx context.Context, examineeID, testID string, event models.CheatingEvent) error {
	doc, err := json.Marshal(event)
	if err != nil {
		return err
	}
	query := `
		UPDATE evaluations
		SET cheating_events = COALESCE(cheating_events, '[]'::jsonb) || $3::jsonb
		WHERE examinee_id = $1 AND test_id = $2
	`
	res, err := r.db.ExecContext(ctx, query, examineeID, testID, doc)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM evaluations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func marshalLists(ev *models.Evaluation) (images, videos, events []byte, err error) {
	if len(ev.VerificationImages) > 0 {
		if images, err = json.Marshal(ev.VerificationImages); err != nil {
			return nil, nil, nil, err
		}
	}
	if len(ev.StreamVideos) > 0 {
		if videos, err = json.Marshal(ev.StreamVideos); err != nil {
			return nil, nil, nil, err
		}
	}
	if len(ev.CheatingEvents) > 0 {
		if events, err = json.Marshal(ev.CheatingEvents); err != nil {
			return nil, nil, nil, err
		}
	}
	return images, videos, events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvaluation(row rowScanner) (*models.Evaluation, error) {
	ev := &models.Evaluation{}
	var images, videos, events []byte
	err := row.Scan(
		&ev.ID, &ev.ExamineeID, &ev.TestID, &ev.EvaluatorID, &ev.Mode,
		&ev.EncryptedAnswerSheet, &ev.SealedKey, &images, &videos,
		&events, &ev.IsEvaluated, &ev.IsEnded, &ev.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(images) > 0 {
		if err := json.Unmarshal(images, &ev.VerificationImages); err != nil {
			return nil, err
		}
	}
	if len(videos) > 0 {
		if err := json.Unmarshal(videos, &ev.StreamVideos); err != nil {
			return nil, err
		}
	}
	if len(events) > 0 {
		if err := json.Unmarshal(events, &ev.CheatingEvents); err != nil {
			return nil, err
		}
	}
	return ev, nil
}
