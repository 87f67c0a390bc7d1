package httpapi

import (
	"context"

	"github.com/dmitrijs2005/examkeeper/internal/common"
	"github.com/dmitrijs2005/examkeeper/internal/logging"
	"github.com/dmitrijs2005/examkeeper/internal/server/models"
	"github.com/dmitrijs2005/examkeeper/internal/server/services"
)

type nopLogger struct{}

func (n nopLogger) Debug(context.Context, string, ...any) {}
func (n nopLogger) Info(context.Context, string, ...any)  {}
func (n nopLogger) Warn(context.Context, string, ...any)  {}
func (n nopLogger) Error(context.Context, string, ...any) {}
func (n nopLogger) With(...any) logging.Logger            { return n }

// stubAuth satisfies authService; hooks left nil fail closed.
type stubAuth struct {
	verify func(ctx context.Context, rawToken string, role models.Role) (*models.User, error)
	logout func(ctx context.Context, rawToken string, role models.Role) error
}

func (s *stubAuth) Authorize(context.Context, string, string) error { return nil }

func (s *stubAuth) Login(context.Context, string, string) (string, error) { return "", nil }

func (s *stubAuth) Exchange(context.Context, string, string, string) (*services.TokenPair, error) {
	return nil, nil
}

func (s *stubAuth) Refresh(context.Context, string) (*services.TokenPair, error) { return nil, nil }

func (s *stubAuth) VerifySession(ctx context.Context, rawToken string, role models.Role) (*models.User, error) {
	if s.verify == nil {
		return nil, common.ErrorAuthentication
	}
	return s.verify(ctx, rawToken, role)
}

func (s *stubAuth) Logout(ctx context.Context, rawToken string, role models.Role) error {
	if s.logout == nil {
		return nil
	}
	return s.logout(ctx, rawToken, role)
}

// stubExam satisfies examService; only the methods the countdown stream
// touches are hookable.
type stubExam struct {
	remaining  func(ctx context.Context, examineeID, testID string) (models.Countdown, error)
	persist    func(ctx context.Context, examineeID, testID string, remaining models.Countdown) error
	forceEnd   func(ctx context.Context, examineeID, testID string) error
	disconnect func(ctx context.Context, examineeID, testID string) error
	ended      func(ctx context.Context, testID string) (bool, error)
}

func (s *stubExam) StartExam(context.Context, string, string, string) (*services.ExamSession, error) {
	return nil, nil
}

func (s *stubExam) VerificationImages(context.Context, string, string, [][]byte) error { return nil }

func (s *stubExam) SubmitAnswer(context.Context, string, string, int, []string) error { return nil }

func (s *stubExam) SkipAnswer(context.Context, string, string, int) error { return nil }

func (s *stubExam) EndTest(context.Context, string, string) error { return nil }

func (s *stubExam) SaveStreamChunk(context.Context, string, string, int, []byte) error { return nil }

func (s *stubExam) Cheating(context.Context, string, string, string) error { return nil }

func (s *stubExam) Disconnect(ctx context.Context, examineeID, testID string) error {
	if s.disconnect == nil {
		return nil
	}
	return s.disconnect(ctx, examineeID, testID)
}

func (s *stubExam) ForceEnd(ctx context.Context, examineeID, testID string) error {
	if s.forceEnd == nil {
		return nil
	}
	return s.forceEnd(ctx, examineeID, testID)
}

func (s *stubExam) PersistRemaining(ctx context.Context, examineeID, testID string, remaining models.Countdown) error {
	if s.persist == nil {
		return nil
	}
	return s.persist(ctx, examineeID, testID, remaining)
}

func (s *stubExam) SessionRemaining(ctx context.Context, examineeID, testID string) (models.Countdown, error) {
	if s.remaining == nil {
		return models.Countdown{}, common.ErrorStateViolation
	}
	return s.remaining(ctx, examineeID, testID)
}

func (s *stubExam) TestEnded(ctx context.Context, testID string) (bool, error) {
	if s.ended == nil {
		return false, nil
	}
	return s.ended(ctx, testID)
}

var (
	_ authService = (*stubAuth)(nil)
	_ examService = (*stubExam)(nil)
)
