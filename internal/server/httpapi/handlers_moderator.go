package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/dmitrijs2005/examkeeper/internal/common"
	"github.com/dmitrijs2005/examkeeper/internal/server/models"
)

const timeLayout = time.RFC3339

type createTestRequest struct {
	Name        string           `json:"name"`
	Mode        string           `json:"mode"`
	ExamineeIDs []string         `json:"examineeIds"`
	Duration    models.Countdown `json:"duration"`
	StartAt     string           `json:"startAt"`
	EndAt       string           `json:"endAt"`
	Source      string           `json:"source"`
}

func (s *Server) handleCreateTest(w http.ResponseWriter, r *http.Request) {
	var req createTestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	startAt, err := time.Parse(timeLayout, req.StartAt)
	if err != nil {
		writeError(w, common.ErrorValidation)
		return
	}
	endAt, err := time.Parse(timeLayout, req.EndAt)
	if err != nil {
		writeError(w, common.ErrorValidation)
		return
	}

	user := userFrom(r.Context())
	test, err := s.tests.CreateTest(r.Context(), user.ID, req.Name, req.Mode,
		req.ExamineeIDs, req.Duration, startAt, endAt, []byte(req.Source))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": test.ID})
}

type testView struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Mode        string           `json:"mode"`
	ExamineeIDs []string         `json:"examineeIds"`
	Duration    models.Countdown `json:"duration"`
	StartAt     string           `json:"startAt"`
	EndAt       string           `json:"endAt"`
	Started     bool             `json:"started"`
	Ended       bool             `json:"ended"`
}

func viewOf(t *models.Test) testView {
	return testView{
		ID:          t.ID,
		Name:        t.Name,
		Mode:        t.Mode,
		ExamineeIDs: t.ExamineeIDs,
		Duration:    t.Duration,
		StartAt:     t.StartAt.Format(timeLayout),
		EndAt:       t.EndAt.Format(timeLayout),
		Started:     t.Started,
		Ended:       t.Ended,
	}
}

func (s *Server) handleListTests(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	tests, err := s.tests.ListTests(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]testView, 0, len(tests))
	for _, t := range tests {
		views = append(views, viewOf(t))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetTest(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	test, err := s.tests.GetTest(r.Context(), user.ID, mux.Vars(r)["testId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(test))
}

func (s *Server) handleDeleteTest(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	if err := s.tests.DeleteTest(r.Context(), user.ID, mux.Vars(r)["testId"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueueSnapshot(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	queues, err := s.tests.QueueSnapshot(r.Context(), user.ID, mux.Vars(r)["testId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queues)
}

type cheatingRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCheating(w http.ResponseWriter, r *http.Request) {
	var req cheatingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user := userFrom(r.Context())
	vars := mux.Vars(r)

	// the moderator must own the test
	if _, err := s.tests.GetTest(r.Context(), user.ID, vars["testId"]); err != nil {
		writeError(w, err)
		return
	}
	if err := s.exam.Cheating(r.Context(), vars["examineeId"], vars["testId"], req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetEvaluation(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	vars := mux.Vars(r)

	eval, sheet, err := s.evaluations.GetEvaluation(r.Context(), user.ID, vars["examineeId"], vars["testId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"isEvaluated":    eval.IsEvaluated,
		"isEnded":        eval.IsEnded,
		"cheatingEvents": eval.CheatingEvents,
		"sheet":          sheet,
	})
}

type evaluateRequest struct {
	Marks map[int]float64 `json:"marks"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user := userFrom(r.Context())
	vars := mux.Vars(r)

	if err := s.evaluations.Evaluate(r.Context(), user.ID, vars["examineeId"], vars["testId"], req.Marks); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reEvaluateRequest struct {
	Deltas map[int]float64 `json:"deltas"`
}

func (s *Server) handleReEvaluate(w http.ResponseWriter, r *http.Request) {
	var req reEvaluateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user := userFrom(r.Context())
	vars := mux.Vars(r)

	if err := s.evaluations.ReEvaluate(r.Context(), user.ID, vars["examineeId"], vars["testId"], req.Deltas); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
