package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.users.ListPending(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	type item struct {
		ID     string `json:"id"`
		Role   string `json:"role"`
		Status string `json:"status"`
	}
	items := make([]item, 0, len(pending))
	for _, u := range pending {
		items = append(items, item{ID: u.ID, Role: string(u.Role), Status: string(u.Status)})
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if err := s.users.Approve(r.Context(), mux.Vars(r)["userId"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.users.Reject(r.Context(), mux.Vars(r)["userId"], req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
