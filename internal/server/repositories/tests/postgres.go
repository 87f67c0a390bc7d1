package tests

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

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

const testColumns = `id, moderator_id, name, mode, examinee_ids, duration,
	start_at, end_at, started, ended, encrypted_paper, sealed_key, queues, created_at`

func (r *PostgresRepository) Create(ctx context.Context, test *models.Test) (*models.Test, error) {
	examinees, err := json.Marshal(test.ExamineeIDs)
	if err != nil {
		return nil, err
	}
	duration, err := json.Marshal(test.Duration)
	if err != nil {
		return nil, err
	}
	queues, err := json.Marshal(test.Queues)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO tests (moderator_id, name, mode, examinee_ids, duration,
			start_at, end_at, started, ended, encrypted_paper, sealed_key, queues)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at
	`
	err = r.db.QueryRowContext(ctx, query,
		test.ModeratorID, test.Name, test.Mode, examinees, duration,
		test.StartAt, test.EndAt, test.Started, test.Ended,
		test.EncryptedPaper, test.SealedKey, queues,
	).Scan(&test.ID, &test.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return test, nil
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, args ...any) (*models.Test, error) {
	test, err := scanTest(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return test, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Test, error) {
	return r.getOne(ctx, `SELECT `+testColumns+` FROM tests WHERE id = $1`, id)
}

func (r *PostgresRepository) GetByIDForUpdate(ctx context.Context, id string) (*models.Test, error) {
	return r.getOne(ctx, `SELECT `+testColumns+` FROM tests WHERE id = $1 FOR UPDATE`, id)
}

func (r *PostgresRepository) ListByModerator(ctx context.Context, moderatorID string) ([]*models.Test, error) {
	return r.list(ctx, `SELECT `+testColumns+` FROM tests WHERE moderator_id = $1 ORDER BY start_at`, moderatorID)
}

func (r *PostgresRepository) ListByExaminee(ctx context.Context, examineeID string) ([]*models.Test, error) {
	return r.list(ctx,
		`SELECT `+testColumns+` FROM tests WHERE examinee_ids @> to_jsonb($1::text) ORDER BY start_at`,
		examineeID)
}

func (r *PostgresRepository) Update(ctx context.Context, test *models.Test) error {
	examinees, err := json.Marshal(test.ExamineeIDs)
	if err != nil {
		return err
	}
	duration, err := json.Marshal(test.Duration)
	if err != nil {
		return err
	}
	queues, err := json.Marshal(test.Queues)
	if err != nil {
		return err
	}

	query := `
		UPDATE tests SET
			name = $2, mode = $3, examinee_ids = $4, duration = $5,
			start_at = $6, end_at = $7, started = $8, ended = $9,
			encrypted_paper = $10, sealed_key = $11, queues = $12
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query,
		test.ID, test.Name, test.Mode, examinees, duration,
		test.StartAt, test.EndAt, test.Started, test.Ended,
		test.EncryptedPaper, test.SealedKey, queues,
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) UpdateQueues(ctx context.Context, id string, queues models.Queues) error {
	doc, err := json.Marshal(queues)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `UPDATE tests SET queues = $2 WHERE id = $1`, id, doc)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM tests WHERE id = $1`, id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListStartDue(ctx context.Context, now time.Time) ([]*models.Test, error) {
	return r.list(ctx,
		`SELECT `+testColumns+` FROM tests WHERE started = FALSE AND ended = FALSE AND start_at <= $1`, now)
}

func (r *PostgresRepository) ListEndDue(ctx context.Context, now time.Time) ([]*models.Test, error) {
	return r.list(ctx,
		`SELECT `+testColumns+` FROM tests WHERE started = TRUE AND ended = FALSE AND end_at <= $1`, now)
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*models.Test, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.Test
	for rows.Next() {
		test, err := scanTest(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		result = append(result, test)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTest(row rowScanner) (*models.Test, error) {
	test := &models.Test{}
	var examinees, duration, queues []byte
	err := row.Scan(
		&test.ID, &test.ModeratorID, &test.Name, &test.Mode, &examinees, &duration,
		&test.StartAt, &test.EndAt, &test.Started, &test.Ended,
		&test.EncryptedPaper, &test.SealedKey, &queues, &test.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(examinees, &test.ExamineeIDs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(duration, &test.Duration); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(queues, &test.Queues); err != nil {
		return nil, err
	}
	return test, nil
}
