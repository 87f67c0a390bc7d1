// Package httpapi exposes the HTTP surface: the authentication and
// authorization endpoints, the role-gated business routes and the SSE
// event streams.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/dmitrijs2005/examkeeper/internal/logging"
	"github.com/dmitrijs2005/examkeeper/internal/server/models"
	"github.com/dmitrijs2005/examkeeper/internal/server/paper"
	"github.com/dmitrijs2005/examkeeper/internal/server/services"
)

// The transport depends on the services through narrow interfaces, satisfied
// by the concrete service types.

type authService interface {
	Authorize(ctx context.Context, userID, challenge string) error
	Login(ctx context.Context, userID, password string) (string, error)
	Exchange(ctx context.Context, userID, verifier, secret string) (*services.TokenPair, error)
	Refresh(ctx context.Context, rawToken string) (*services.TokenPair, error)
	VerifySession(ctx context.Context, rawToken string, role models.Role) (*models.User, error)
	Logout(ctx context.Context, rawToken string, role models.Role) error
}

type userService interface {
	Register(ctx context.Context, role models.Role, name, contact, password string) (*models.User, error)
	VerifyUser(ctx context.Context, userID, code string, images [][]byte) error
	ForgotPassword(ctx context.Context, userID string) error
	ResetPassword(ctx context.Context, userID, code, newPassword string) error
	GetProfile(ctx context.Context, userID string) (*services.Profile, error)
	RequestAccountChange(ctx context.Context, userID, newContact, newPassword string) error
	ConfirmAccountChange(ctx context.Context, userID, code string) error
	ListPending(ctx context.Context) ([]*models.User, error)
	Approve(ctx context.Context, userID string) error
	Reject(ctx context.Context, userID, reason string) error
}

type testService interface {
	CreateTest(ctx context.Context, moderatorID, name, mode string, examineeIDs []string,
		duration models.Countdown, startAt, endAt time.Time, source []byte) (*models.Test, error)
	GetTest(ctx context.Context, moderatorID, testID string) (*models.Test, error)
	ListTests(ctx context.Context, moderatorID string) ([]*models.Test, error)
	ListExamineeTests(ctx context.Context, examineeID string) ([]*models.Test, error)
	DeleteTest(ctx context.Context, moderatorID, testID string) error
	QueueSnapshot(ctx context.Context, moderatorID, testID string) (*models.Queues, error)
}

type examService interface {
	StartExam(ctx context.Context, examineeID, testID, code string) (*services.ExamSession, error)
	VerificationImages(ctx context.Context, examineeID, testID string, images [][]byte) error
	SubmitAnswer(ctx context.Context, examineeID, testID string, index int, marked []string) error
	SkipAnswer(ctx context.Context, examineeID, testID string, index int) error
	EndTest(ctx context.Context, examineeID, testID string) error
	SaveStreamChunk(ctx context.Context, examineeID, testID string, seq int, chunk []byte) error
	Cheating(ctx context.Context, examineeID, testID, reason string) error
	Disconnect(ctx context.Context, examineeID, testID string) error
	ForceEnd(ctx context.Context, examineeID, testID string) error
	PersistRemaining(ctx context.Context, examineeID, testID string, remaining models.Countdown) error
	SessionRemaining(ctx context.Context, examineeID, testID string) (models.Countdown, error)
	TestEnded(ctx context.Context, testID string) (bool, error)
}

type evaluationService interface {
	Evaluate(ctx context.Context, moderatorID, examineeID, testID string, marks map[int]float64) error
	ReEvaluate(ctx context.Context, moderatorID, examineeID, testID string, deltas map[int]float64) error
	ShowResult(ctx context.Context, examineeID, testID string) (*services.Result, error)
	GetEvaluation(ctx context.Context, moderatorID, examineeID, testID string) (*models.Evaluation, *paper.AnswerSheet, error)
}

// Server bundles the services behind the HTTP surface.
type Server struct {
	auth        authService
	users       userService
	tests       testService
	exam        examService
	evaluations evaluationService
	logger      logging.Logger
	// tick is the countdown stream cadence, one second in production.
	tick time.Duration
}

// NewServer constructs the HTTP surface over the given services.
func NewServer(auth authService, users userService, tests testService,
	exam examService, evaluations evaluationService, logger logging.Logger) *Server {
	return &Server{
		auth:        auth,
		users:       users,
		tests:       tests,
		exam:        exam,
		evaluations: evaluations,
		logger:      logger.With("module", "httpapi"),
		tick:        tickInterval,
	}
}

// Routes builds the router. Authentication and authorization endpoints are
// public; everything under /api is gated by the bearer middleware for the
// role named in the path.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	authn := r.PathPrefix("/authentication").Subrouter()
	authn.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	authn.HandleFunc("/verify", s.handleVerify).Methods(http.MethodPost)
	authn.HandleFunc("/forgotpassword", s.handleForgotPassword).Methods(http.MethodPost)
	authn.HandleFunc("/resetpassword", s.handleResetPassword).Methods(http.MethodPost)

	authz := r.PathPrefix("/authorization").Subrouter()
	authz.HandleFunc("/authorize", s.handleAuthorize).Methods(http.MethodPost)
	authz.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	authz.HandleFunc("/token", s.handleExchange).Methods(http.MethodPost)
	authz.HandleFunc("/refreshtoken", s.handleRefresh).Methods(http.MethodPost)

	examinee := r.PathPrefix("/api/examinee").Subrouter()
	examinee.Use(s.requireRole(models.RoleExaminee))
	examinee.HandleFunc("/logout", s.handleLogout(models.RoleExaminee)).Methods(http.MethodPost)
	examinee.HandleFunc("/profile", s.handleProfile).Methods(http.MethodGet)
	examinee.HandleFunc("/accountchange", s.handleRequestAccountChange).Methods(http.MethodPost)
	examinee.HandleFunc("/accountchange/confirm", s.handleConfirmAccountChange).Methods(http.MethodPost)
	examinee.HandleFunc("/tests", s.handleExamineeTests).Methods(http.MethodGet)
	examinee.HandleFunc("/tests/{testId}/start", s.handleStartExam).Methods(http.MethodPost)
	examinee.HandleFunc("/tests/{testId}/verification", s.handleVerificationImages).Methods(http.MethodPost)
	examinee.HandleFunc("/tests/{testId}/answer", s.handleSubmitAnswer).Methods(http.MethodPost)
	examinee.HandleFunc("/tests/{testId}/skip", s.handleSkipAnswer).Methods(http.MethodPost)
	examinee.HandleFunc("/tests/{testId}/end", s.handleEndTest).Methods(http.MethodPost)
	examinee.HandleFunc("/tests/{testId}/stream", s.handleStreamChunk).Methods(http.MethodPost)
	examinee.HandleFunc("/tests/{testId}/result", s.handleShowResult).Methods(http.MethodGet)
	examinee.HandleFunc("/tests/{testId}/exam-event", s.handleExamEvents).Methods(http.MethodGet)

	moderator := r.PathPrefix("/api/moderator").Subrouter()
	moderator.Use(s.requireRole(models.RoleModerator))
	moderator.HandleFunc("/logout", s.handleLogout(models.RoleModerator)).Methods(http.MethodPost)
	moderator.HandleFunc("/profile", s.handleProfile).Methods(http.MethodGet)
	moderator.HandleFunc("/accountchange", s.handleRequestAccountChange).Methods(http.MethodPost)
	moderator.HandleFunc("/accountchange/confirm", s.handleConfirmAccountChange).Methods(http.MethodPost)
	moderator.HandleFunc("/tests", s.handleCreateTest).Methods(http.MethodPost)
	moderator.HandleFunc("/tests", s.handleListTests).Methods(http.MethodGet)
	moderator.HandleFunc("/tests/{testId}", s.handleGetTest).Methods(http.MethodGet)
	moderator.HandleFunc("/tests/{testId}", s.handleDeleteTest).Methods(http.MethodDelete)
	moderator.HandleFunc("/tests/{testId}/queues", s.handleQueueSnapshot).Methods(http.MethodGet)
	moderator.HandleFunc("/tests/{testId}/examinees/{examineeId}/cheating", s.handleCheating).Methods(http.MethodPost)
	moderator.HandleFunc("/tests/{testId}/examinees/{examineeId}/evaluation", s.handleGetEvaluation).Methods(http.MethodGet)
	moderator.HandleFunc("/tests/{testId}/examinees/{examineeId}/evaluate", s.handleEvaluate).Methods(http.MethodPost)
	moderator.HandleFunc("/tests/{testId}/examinees/{examineeId}/reevaluate", s.handleReEvaluate).Methods(http.MethodPost)

	admin := r.PathPrefix("/api/admin").Subrouter()
	admin.Use(s.requireRole(models.RoleAdmin))
	admin.HandleFunc("/logout", s.handleLogout(models.RoleAdmin)).Methods(http.MethodPost)
	admin.HandleFunc("/profile", s.handleProfile).Methods(http.MethodGet)
	admin.HandleFunc("/pending", s.handleListPending).Methods(http.MethodGet)
	admin.HandleFunc("/users/{userId}/approve", s.handleApprove).Methods(http.MethodPost)
	admin.HandleFunc("/users/{userId}/reject", s.handleReject).Methods(http.MethodPost)

	return r
}
