package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
)

type startExamRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleStartExam(w http.ResponseWriter, r *http.Request) {
	var req startExamRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user := userFrom(r.Context())
	testID := mux.Vars(r)["testId"]

	session, err := s.exam.StartExam(r.Context(), user.ID, testID, req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"paper":     session.Paper,
		"remaining": session.Remaining,
		"verified":  session.Verified,
	})
}

type verificationImagesRequest struct {
	Images []string `json:"images"`
}

func (s *Server) handleVerificationImages(w http.ResponseWriter, r *http.Request) {
	var req verificationImagesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user := userFrom(r.Context())
	testID := mux.Vars(r)["testId"]

	images := make([][]byte, len(req.Images))
	for i, img := range req.Images {
		images[i] = []byte(img)
	}
	if err := s.exam.VerificationImages(r.Context(), user.ID, testID, images); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type submitAnswerRequest struct {
	Index         int      `json:"index"`
	MarkedOptions []string `json:"markedoption"`
}

func (s *Server) handleSubmitAnswer(w http.ResponseWriter, r *http.Request) {
	var req submitAnswerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user := userFrom(r.Context())
	testID := mux.Vars(r)["testId"]

	if err := s.exam.SubmitAnswer(r.Context(), user.ID, testID, req.Index, req.MarkedOptions); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type skipAnswerRequest struct {
	Index int `json:"index"`
}

func (s *Server) handleSkipAnswer(w http.ResponseWriter, r *http.Request) {
	var req skipAnswerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user := userFrom(r.Context())
	testID := mux.Vars(r)["testId"]

	if err := s.exam.SkipAnswer(r.Context(), user.ID, testID, req.Index); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEndTest(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	testID := mux.Vars(r)["testId"]

	if err := s.exam.EndTest(r.Context(), user.ID, testID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type streamChunkRequest struct {
	Seq   int    `json:"seq"`
	Chunk string `json:"chunk"`
}

func (s *Server) handleStreamChunk(w http.ResponseWriter, r *http.Request) {
	var req streamChunkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user := userFrom(r.Context())
	testID := mux.Vars(r)["testId"]

	if err := s.exam.SaveStreamChunk(r.Context(), user.ID, testID, req.Seq, []byte(req.Chunk)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleShowResult(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	testID := mux.Vars(r)["testId"]

	result, err := s.evaluations.ShowResult(r.Context(), user.ID, testID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleExamineeTests(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	tests, err := s.tests.ListExamineeTests(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	type item struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Mode    string `json:"mode"`
		StartAt string `json:"startAt"`
		EndAt   string `json:"endAt"`
		Started bool   `json:"started"`
		Ended   bool   `json:"ended"`
	}
	items := make([]item, 0, len(tests))
	for _, t := range tests {
		items = append(items, item{
			ID:      t.ID,
			Name:    t.Name,
			Mode:    t.Mode,
			StartAt: t.StartAt.Format(timeLayout),
			EndAt:   t.EndAt.Format(timeLayout),
			Started: t.Started,
			Ended:   t.Ended,
		})
	}
	writeJSON(w, http.StatusOK, items)
}
