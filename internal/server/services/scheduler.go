package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dmitrijs2005/examkeeper/internal/common"
	"github.com/dmitrijs2005/examkeeper/internal/cryptox"
	"github.com/dmitrijs2005/examkeeper/internal/dbx"
	"github.com/dmitrijs2005/examkeeper/internal/logging"
	"github.com/dmitrijs2005/examkeeper/internal/server/auth"
	"github.com/dmitrijs2005/examkeeper/internal/server/models"
	"github.com/dmitrijs2005/examkeeper/internal/server/repositories/repomanager"
)

// Scheduler is the periodic poller driving every time-boundary transition:
// test start and end, stale login cleanup, unverified account deletion and
// pending change expiry. It is the single writer for these transitions, so
// each pass works through plain read-modify-write cycles.
type Scheduler struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	envelope    *cryptox.Envelope
	dispatcher  *Dispatcher
	interval    time.Duration
	logger      logging.Logger
}

// NewScheduler constructs a Scheduler polling at the given interval.
func NewScheduler(db *sql.DB, m repomanager.RepositoryManager, env *cryptox.Envelope,
	dispatcher *Dispatcher, interval time.Duration, logger logging.Logger) *Scheduler {
	return &Scheduler{
		db:          db,
		repomanager: m,
		envelope:    env,
		dispatcher:  dispatcher,
		interval:    interval,
		logger:      logger.With("module", "scheduler"),
	}
}

// Run polls until ctx is cancelled. Failures within a pass are logged and
// the pass continues; a wedged boundary retries on the next interval.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Pass(ctx, time.Now())
		}
	}
}

// Pass executes one full poll at the given instant.
func (s *Scheduler) Pass(ctx context.Context, now time.Time) {
	if err := s.startDueTests(ctx, now); err != nil {
		s.logger.Error(ctx, "error starting due tests", "error", err)
	}
	if err := s.endDueTests(ctx, now); err != nil {
		s.logger.Error(ctx, "error ending due tests", "error", err)
	}
	if err := s.expireLogins(ctx, now); err != nil {
		s.logger.Error(ctx, "error expiring stale logins", "error", err)
	}
	if err := s.deleteUnverified(ctx, now); err != nil {
		s.logger.Error(ctx, "error deleting unverified accounts", "error", err)
	}
	if err := s.expireAccountChanges(ctx, now); err != nil {
		s.logger.Error(ctx, "error expiring account changes", "error", err)
	}
	if err := s.expirePasswordResets(ctx, now); err != nil {
		s.logger.Error(ctx, "error expiring password resets", "error", err)
	}
}

// startDueTests marks due tests started and mails every listed examinee a
// freshly minted access code.
func (s *Scheduler) startDueTests(ctx context.Context, now time.Time) error {
	due, err := s.repomanager.Tests(s.db).ListStartDue(ctx, now)
	if err != nil {
		return err
	}
	for _, test := range due {
		if err := s.startTest(ctx, test); err != nil {
			s.logger.Error(ctx, "error starting test", "test_id", test.ID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) startTest(ctx context.Context, test *models.Test) error {
	type delivery struct {
		contact string
		code    string
	}
	var deliveries []delivery

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		testRepo := s.repomanager.Tests(tx)
		locked, err := testRepo.GetByIDForUpdate(ctx, test.ID)
		if err != nil {
			return err
		}
		if locked.Started || locked.Ended {
			return nil
		}

		userRepo := s.repomanager.Users(tx)
		for _, examineeID := range locked.ExamineeIDs {
			user, err := userRepo.GetByIDForUpdate(ctx, examineeID)
			if err != nil {
				s.logger.Warn(ctx, "listed examinee missing", "test_id", locked.ID, "examinee_id", examineeID)
				continue
			}
			code := common.MakeNumericCode()
			hash, err := auth.HashCode(code)
			if err != nil {
				return fmt.Errorf("error hashing test code: %w", err)
			}
			user.TestCode = &models.TestCode{TestID: locked.ID, CodeHash: hash}
			if err := userRepo.Update(ctx, user); err != nil {
				return err
			}
			plain, err := s.envelope.Open(user.EncryptedCommID)
			if err != nil {
				return fmt.Errorf("error opening contact id: %w", err)
			}
			deliveries = append(deliveries, delivery{contact: string(plain), code: code})
		}

		locked.Started = true
		return testRepo.Update(ctx, locked)
	})
	if err != nil {
		return err
	}

	for _, d := range deliveries {
		s.dispatcher.Mail(ctx, d.contact, MailTestStart, map[string]string{
			"code": d.code,
			"test": test.Name,
		})
	}
	s.logger.Info(ctx, "test started", "test_id", test.ID)
	return nil
}

// endDueTests closes tests past their end instant: access codes are
// revoked, unverified sessions discarded, verified ones closed for
// evaluation, and all queues cleared.
func (s *Scheduler) endDueTests(ctx context.Context, now time.Time) error {
	due, err := s.repomanager.Tests(s.db).ListEndDue(ctx, now)
	if err != nil {
		return err
	}
	for _, test := range due {
		if err := s.endTest(ctx, test.ID); err != nil {
			s.logger.Error(ctx, "error ending test", "test_id", test.ID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) endTest(ctx context.Context, testID string) error {
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		testRepo := s.repomanager.Tests(tx)
		test, err := testRepo.GetByIDForUpdate(ctx, testID)
		if err != nil {
			return err
		}
		if test.Ended {
			return nil
		}

		userRepo := s.repomanager.Users(tx)
		for _, examineeID := range test.ExamineeIDs {
			user, err := userRepo.GetByIDForUpdate(ctx, examineeID)
			if err != nil {
				continue
			}
			if user.TestCode != nil && user.TestCode.TestID == test.ID {
				user.TestCode = nil
				if err := userRepo.Update(ctx, user); err != nil {
					return err
				}
			}
		}

		evalRepo := s.repomanager.Evaluations(tx)
		settle := func(entries []models.QueueEntry) error {
			for _, entry := range entries {
				eval, err := evalRepo.GetByExamineeAndTestForUpdate(ctx, entry.ExamineeID, test.ID)
				if err != nil {
					continue
				}
				if !entry.IdentityVerified {
					// never verified, the sheet cannot count
					if err := evalRepo.Delete(ctx, eval.ID); err != nil {
						return err
					}
					continue
				}
				if !eval.IsEnded {
					eval.IsEnded = true
					if err := evalRepo.Update(ctx, eval); err != nil {
						return err
					}
				}
			}
			return nil
		}
		for _, entries := range [][]models.QueueEntry{test.Queues.NotVerified, test.Queues.Active, test.Queues.Inactive} {
			if err := settle(entries); err != nil {
				return err
			}
		}

		test.Queues = models.Queues{}
		test.Ended = true
		return testRepo.Update(ctx, test)
	})
	if err != nil {
		return err
	}
	s.logger.Info(ctx, "test ended", "test_id", testID)
	return nil
}

// expireLogins force-logs-out accounts whose session outlived the refresh
// window without rotating.
func (s *Scheduler) expireLogins(ctx context.Context, now time.Time) error {
	due, err := s.repomanager.Users(s.db).ListLogoutDue(ctx, now)
	if err != nil {
		return err
	}
	for _, user := range due {
		err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			repo := s.repomanager.Users(tx)
			locked, err := repo.GetByIDForUpdate(ctx, user.ID)
			if err != nil {
				return err
			}
			if locked.LogoutDeadline == nil || locked.LogoutDeadline.After(now) {
				return nil
			}
			locked.IsLoggedIn = false
			locked.TokenFamilyID = ""
			locked.LogoutDeadline = nil
			return repo.Update(ctx, locked)
		})
		if err != nil {
			s.logger.Error(ctx, "error expiring login", "user_id", user.ID, "error", err)
		}
	}
	return nil
}

// deleteUnverified removes accounts that never consumed their verification
// code.
func (s *Scheduler) deleteUnverified(ctx context.Context, now time.Time) error {
	due, err := s.repomanager.Users(s.db).ListUnverifiedDue(ctx, now)
	if err != nil {
		return err
	}
	repo := s.repomanager.Users(s.db)
	for _, user := range due {
		if user.Status != models.StatusNotVerified {
			continue
		}
		if err := repo.Delete(ctx, user.ID); err != nil {
			s.logger.Error(ctx, "error deleting unverified account", "user_id", user.ID, "error", err)
			continue
		}
		s.logger.Info(ctx, "unverified account deleted", "user_id", user.ID)
	}
	return nil
}

// expireAccountChanges drops staged contact/password changes that were
// never confirmed.
func (s *Scheduler) expireAccountChanges(ctx context.Context, now time.Time) error {
	due, err := s.repomanager.Users(s.db).ListAccountChangeDue(ctx, now)
	if err != nil {
		return err
	}
	for _, user := range due {
		err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			repo := s.repomanager.Users(tx)
			locked, err := repo.GetByIDForUpdate(ctx, user.ID)
			if err != nil {
				return err
			}
			locked.PendingChange = nil
			locked.VerificationHash = ""
			locked.AccountChangeDeadline = nil
			return repo.Update(ctx, locked)
		})
		if err != nil {
			s.logger.Error(ctx, "error expiring account change", "user_id", user.ID, "error", err)
		}
	}
	return nil
}

// expirePasswordResets drops stale reset codes.
func (s *Scheduler) expirePasswordResets(ctx context.Context, now time.Time) error {
	due, err := s.repomanager.Users(s.db).ListPasswordResetDue(ctx, now)
	if err != nil {
		return err
	}
	for _, user := range due {
		err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			repo := s.repomanager.Users(tx)
			locked, err := repo.GetByIDForUpdate(ctx, user.ID)
			if err != nil {
				return err
			}
			locked.VerificationHash = ""
			locked.PasswordResetDeadline = nil
			return repo.Update(ctx, locked)
		})
		if err != nil {
			s.logger.Error(ctx, "error expiring password reset", "user_id", user.ID, "error", err)
		}
	}
	return nil
}
