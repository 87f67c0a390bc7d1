package services

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/dmitrijs2005/examkeeper/internal/common"
	"github.com/dmitrijs2005/examkeeper/internal/cryptox"
	"github.com/dmitrijs2005/examkeeper/internal/dbx"
	"github.com/dmitrijs2005/examkeeper/internal/logging"
	"github.com/dmitrijs2005/examkeeper/internal/server/config"
	"github.com/dmitrijs2005/examkeeper/internal/server/models"
	evaluationsrepo "github.com/dmitrijs2005/examkeeper/internal/server/repositories/evaluations"
	notificationsrepo "github.com/dmitrijs2005/examkeeper/internal/server/repositories/notifications"
	testsrepo "github.com/dmitrijs2005/examkeeper/internal/server/repositories/tests"
	usersrepo "github.com/dmitrijs2005/examkeeper/internal/server/repositories/users"
)

// --- helpers ---

func newSQLMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

// expectTx queues n begin/commit pairs for transactions the fakes commit.
func expectTx(mock sqlmock.Sqlmock, n int) {
	for i := 0; i < n; i++ {
		mock.ExpectBegin()
		mock.ExpectCommit()
	}
}

// expectTxRollback queues one begin/rollback pair.
func expectTxRollback(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectRollback()
}

func testEnvelope(t *testing.T) *cryptox.Envelope {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	env, err := cryptox.New(key)
	if err != nil {
		t.Fatalf("cryptox.New error: %v", err)
	}
	return env
}

func testLogger() logging.Logger {
	return &nopLogger{}
}

type nopLogger struct{}

func (l *nopLogger) Info(ctx context.Context, msg string, args ...any)  {}
func (l *nopLogger) Warn(ctx context.Context, msg string, args ...any)  {}
func (l *nopLogger) Error(ctx context.Context, msg string, args ...any) {}
func (l *nopLogger) With(args ...any) logging.Logger                    { return l }

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.MasterKey = base64.StdEncoding.EncodeToString(make([]byte, 32))
	return cfg
}

// --- in-memory repositories ---

type fakeUsersRepo struct {
	users map[string]*models.User
	seq   int
}

func newFakeUsersRepo() *fakeUsersRepo {
	return &fakeUsersRepo{users: map[string]*models.User{}}
}

func cloneUser(u *models.User) *models.User {
	copied := *u
	return &copied
}

func (f *fakeUsersRepo) Create(ctx context.Context, user *models.User) (*models.User, error) {
	f.seq++
	user.ID = fmt.Sprintf("user-%d", f.seq)
	user.CreatedAt = time.Now()
	f.users[user.ID] = cloneUser(user)
	return user, nil
}

func (f *fakeUsersRepo) GetByID(ctx context.Context, id string) (*models.User, error) {
	user, ok := f.users[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return cloneUser(user), nil
}

func (f *fakeUsersRepo) GetByIDForUpdate(ctx context.Context, id string) (*models.User, error) {
	return f.GetByID(ctx, id)
}

func (f *fakeUsersRepo) GetAdmin(ctx context.Context) (*models.User, error) {
	for _, user := range f.users {
		if user.Role == models.RoleAdmin {
			return cloneUser(user), nil
		}
	}
	return nil, common.ErrorNotFound
}

func (f *fakeUsersRepo) ListByRole(ctx context.Context, role models.Role) ([]*models.User, error) {
	var result []*models.User
	for _, user := range f.users {
		if user.Role == role {
			result = append(result, cloneUser(user))
		}
	}
	return result, nil
}

func (f *fakeUsersRepo) Update(ctx context.Context, user *models.User) error {
	if _, ok := f.users[user.ID]; !ok {
		return common.ErrorNotFound
	}
	f.users[user.ID] = cloneUser(user)
	return nil
}

func (f *fakeUsersRepo) Delete(ctx context.Context, id string) error {
	delete(f.users, id)
	return nil
}

func (f *fakeUsersRepo) listDue(pick func(*models.User) *time.Time, now time.Time) []*models.User {
	var result []*models.User
	for _, user := range f.users {
		if deadline := pick(user); deadline != nil && !deadline.After(now) {
			result = append(result, cloneUser(user))
		}
	}
	return result
}

func (f *fakeUsersRepo) ListLogoutDue(ctx context.Context, now time.Time) ([]*models.User, error) {
	return f.listDue(func(u *models.User) *time.Time { return u.LogoutDeadline }, now), nil
}

func (f *fakeUsersRepo) ListUnverifiedDue(ctx context.Context, now time.Time) ([]*models.User, error) {
	return f.listDue(func(u *models.User) *time.Time { return u.UnverifiedDeadline }, now), nil
}

func (f *fakeUsersRepo) ListAccountChangeDue(ctx context.Context, now time.Time) ([]*models.User, error) {
	return f.listDue(func(u *models.User) *time.Time { return u.AccountChangeDeadline }, now), nil
}

func (f *fakeUsersRepo) ListPasswordResetDue(ctx context.Context, now time.Time) ([]*models.User, error) {
	return f.listDue(func(u *models.User) *time.Time { return u.PasswordResetDeadline }, now), nil
}

type fakeTestsRepo struct {
	tests map[string]*models.Test
	seq   int
}

func newFakeTestsRepo() *fakeTestsRepo {
	return &fakeTestsRepo{tests: map[string]*models.Test{}}
}

func cloneTest(t *models.Test) *models.Test {
	copied := *t
	copied.Queues = models.Queues{
		NotVerified: append([]models.QueueEntry(nil), t.Queues.NotVerified...),
		Active:      append([]models.QueueEntry(nil), t.Queues.Active...),
		Inactive:    append([]models.QueueEntry(nil), t.Queues.Inactive...),
	}
	return &copied
}

func (f *fakeTestsRepo) Create(ctx context.Context, test *models.Test) (*models.Test, error) {
	f.seq++
	test.ID = fmt.Sprintf("test-%d", f.seq)
	test.CreatedAt = time.Now()
	f.tests[test.ID] = cloneTest(test)
	return test, nil
}

func (f *fakeTestsRepo) GetByID(ctx context.Context, id string) (*models.Test, error) {
	test, ok := f.tests[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return cloneTest(test), nil
}

func (f *fakeTestsRepo) GetByIDForUpdate(ctx context.Context, id string) (*models.Test, error) {
	return f.GetByID(ctx, id)
}

func (f *fakeTestsRepo) ListByModerator(ctx context.Context, moderatorID string) ([]*models.Test, error) {
	var result []*models.Test
	for _, test := range f.tests {
		if test.ModeratorID == moderatorID {
			result = append(result, cloneTest(test))
		}
	}
	return result, nil
}

func (f *fakeTestsRepo) ListByExaminee(ctx context.Context, examineeID string) ([]*models.Test, error) {
	var result []*models.Test
	for _, test := range f.tests {
		for _, id := range test.ExamineeIDs {
			if id == examineeID {
				result = append(result, cloneTest(test))
				break
			}
		}
	}
	return result, nil
}

func (f *fakeTestsRepo) Update(ctx context.Context, test *models.Test) error {
	if _, ok := f.tests[test.ID]; !ok {
		return common.ErrorNotFound
	}
	f.tests[test.ID] = cloneTest(test)
	return nil
}

func (f *fakeTestsRepo) UpdateQueues(ctx context.Context, id string, queues models.Queues) error {
	test, ok := f.tests[id]
	if !ok {
		return common.ErrorNotFound
	}
	test.Queues = models.Queues{
		NotVerified: append([]models.QueueEntry(nil), queues.NotVerified...),
		Active:      append([]models.QueueEntry(nil), queues.Active...),
		Inactive:    append([]models.QueueEntry(nil), queues.Inactive...),
	}
	return nil
}

func (f *fakeTestsRepo) Delete(ctx context.Context, id string) error {
	delete(f.tests, id)
	return nil
}

func (f *fakeTestsRepo) ListStartDue(ctx context.Context, now time.Time) ([]*models.Test, error) {
	var result []*models.Test
	for _, test := range f.tests {
		if !test.Started && !test.Ended && !test.StartAt.After(now) {
			result = append(result, cloneTest(test))
		}
	}
	return result, nil
}

func (f *fakeTestsRepo) ListEndDue(ctx context.Context, now time.Time) ([]*models.Test, error) {
	var result []*models.Test
	for _, test := range f.tests {
		if test.Started && !test.Ended && !test.EndAt.After(now) {
			result = append(result, cloneTest(test))
		}
	}
	return result, nil
}

type fakeEvaluationsRepo struct {
	evaluations map[string]*models.Evaluation
	seq         int
}

func newFakeEvaluationsRepo() *fakeEvaluationsRepo {
	return &fakeEvaluationsRepo{evaluations: map[string]*models.Evaluation{}}
}

func evalKey(examineeID, testID string) string {
	return examineeID + "/" + testID
}

func cloneEvaluation(e *models.Evaluation) *models.Evaluation {
	copied := *e
	copied.CheatingEvents = append([]models.CheatingEvent(nil), e.CheatingEvents...)
	return &copied
}

func (f *fakeEvaluationsRepo) Create(ctx context.Context, ev *models.Evaluation) (*models.Evaluation, error) {
	f.seq++
	ev.ID = fmt.Sprintf("eval-%d", f.seq)
	ev.CreatedAt = time.Now()
	f.evaluations[evalKey(ev.ExamineeID, ev.TestID)] = cloneEvaluation(ev)
	return ev, nil
}

func (f *fakeEvaluationsRepo) GetByExamineeAndTest(ctx context.Context, examineeID, testID string) (*models.Evaluation, error) {
	ev, ok := f.evaluations[evalKey(examineeID, testID)]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return cloneEvaluation(ev), nil
}

func (f *fakeEvaluationsRepo) GetByExamineeAndTestForUpdate(ctx context.Context, examineeID, testID string) (*models.Evaluation, error) {
	return f.GetByExamineeAndTest(ctx, examineeID, testID)
}

func (f *fakeEvaluationsRepo) ListByTest(ctx context.Context, testID string) ([]*models.Evaluation, error) {
	var result []*models.Evaluation
	for _, ev := range f.evaluations {
		if ev.TestID == testID {
			result = append(result, cloneEvaluation(ev))
		}
	}
	return result, nil
}

func (f *fakeEvaluationsRepo) Update(ctx context.Context, ev *models.Evaluation) error {
	key := evalKey(ev.ExamineeID, ev.TestID)
	if _, ok := f.evaluations[key]; !ok {
		return common.ErrorNotFound
	}
	f.evaluations[key] = cloneEvaluation(ev)
	return nil
}

func (f *fakeEvaluationsRepo) AppendCheatingEvent(ctx context.Context, examineeID, testID string, event models.CheatingEvent) error {
	ev, ok := f.evaluations[evalKey(examineeID, testID)]
	if !ok {
		return common.ErrorNotFound
	}
	ev.CheatingEvents = append(ev.CheatingEvents, event)
	return nil
}

func (f *fakeEvaluationsRepo) Delete(ctx context.Context, id string) error {
	for key, ev := range f.evaluations {
		if ev.ID == id {
			delete(f.evaluations, key)
			return nil
		}
	}
	return common.ErrorNotFound
}

type fakeNotificationsRepo struct {
	notifications []*models.Notification
	seq           int
}

func (f *fakeNotificationsRepo) Create(ctx context.Context, n *models.Notification) (*models.Notification, error) {
	f.seq++
	n.ID = fmt.Sprintf("notification-%d", f.seq)
	n.Date = time.Now()
	f.notifications = append(f.notifications, n)
	return n, nil
}

func (f *fakeNotificationsRepo) ListByUser(ctx context.Context, userID string) ([]*models.Notification, error) {
	var result []*models.Notification
	for _, n := range f.notifications {
		if n.UserID == userID {
			result = append(result, n)
		}
	}
	return result, nil
}

func (f *fakeNotificationsRepo) Mark(ctx context.Context, id string) error {
	for _, n := range f.notifications {
		if n.ID == id {
			n.Marked = true
			return nil
		}
	}
	return common.ErrorNotFound
}

func (f *fakeNotificationsRepo) MarkAllForUser(ctx context.Context, userID string) error {
	for _, n := range f.notifications {
		if n.UserID == userID {
			n.Marked = true
		}
	}
	return nil
}

func (f *fakeNotificationsRepo) Delete(ctx context.Context, id string) error {
	for i, n := range f.notifications {
		if n.ID == id {
			f.notifications = append(f.notifications[:i], f.notifications[i+1:]...)
			return nil
		}
	}
	return common.ErrorNotFound
}

// fakeRepoManager vends the in-memory repositories regardless of handle.
type fakeRepoManager struct {
	users         *fakeUsersRepo
	tests         *fakeTestsRepo
	evaluations   *fakeEvaluationsRepo
	notifications *fakeNotificationsRepo
}

func newFakeRepoManager() *fakeRepoManager {
	return &fakeRepoManager{
		users:         newFakeUsersRepo(),
		tests:         newFakeTestsRepo(),
		evaluations:   newFakeEvaluationsRepo(),
		notifications: &fakeNotificationsRepo{},
	}
}

func (m *fakeRepoManager) RunMigrations(ctx context.Context, db *sql.DB) error { return nil }

func (m *fakeRepoManager) Users(db dbx.DBTX) usersrepo.Repository { return m.users }

func (m *fakeRepoManager) Tests(db dbx.DBTX) testsrepo.Repository { return m.tests }

func (m *fakeRepoManager) Evaluations(db dbx.DBTX) evaluationsrepo.Repository { return m.evaluations }

func (m *fakeRepoManager) Notifications(db dbx.DBTX) notificationsrepo.Repository {
	return m.notifications
}

// fakeMediaStore records blobs in memory.
type fakeMediaStore struct {
	blobs map[string][]byte
}

func newFakeMediaStore() *fakeMediaStore {
	return &fakeMediaStore{blobs: map[string][]byte{}}
}

func (f *fakeMediaStore) Put(ctx context.Context, name string, data []byte) error {
	f.blobs[name] = append([]byte(nil), data...)
	return nil
}

func (f *fakeMediaStore) Get(ctx context.Context, name string) ([]byte, error) {
	data, ok := f.blobs[name]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return data, nil
}

func (f *fakeMediaStore) Delete(ctx context.Context, name string) error {
	delete(f.blobs, name)
	return nil
}

// recordingMailer captures sent mail.
type recordingMailer struct {
	sent []MailKind
}

func (m *recordingMailer) Send(ctx context.Context, recipient string, kind MailKind, payload map[string]string) error {
	m.sent = append(m.sent, kind)
	return nil
}
