package httpapi

import (
	"net/http"

	"github.com/dmitrijs2005/examkeeper/internal/common"
	"github.com/dmitrijs2005/examkeeper/internal/server/models"
)

type registerRequest struct {
	Role     string `json:"role"`
	Name     string `json:"name"`
	Contact  string `json:"contact"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user, err := s.users.Register(r.Context(), models.Role(req.Role), req.Name, req.Contact, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": user.ID})
}

type verifyRequest struct {
	UserID string   `json:"userId"`
	Code   string   `json:"code"`
	Images []string `json:"images"` // base64-decoded upstream by the client; raw here
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	images := make([][]byte, len(req.Images))
	for i, img := range req.Images {
		images[i] = []byte(img)
	}
	if err := s.users.VerifyUser(r.Context(), req.UserID, req.Code, images); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type forgotPasswordRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.users.ForgotPassword(r.Context(), req.UserID); err != nil {
		writeError(w, err)
		return
	}
	// identical response whether or not the account exists
	w.WriteHeader(http.StatusNoContent)
}

type resetPasswordRequest struct {
	UserID   string `json:"userId"`
	Code     string `json:"code"`
	Password string `json:"password"`
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.users.ResetPassword(r.Context(), req.UserID, req.Code, req.Password); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type authorizeRequest struct {
	UserID    string `json:"userId"`
	Challenge string `json:"challenge"`
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.auth.Authorize(r.Context(), req.UserID, req.Challenge); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type loginRequest struct {
	UserID   string `json:"userId"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	code, err := s.auth.Login(r.Context(), req.UserID, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"code": code})
}

type exchangeRequest struct {
	UserID   string `json:"userId"`
	Verifier string `json:"verifier"`
	Secret   string `json:"secret"`
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) handleExchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	pair, err := s.auth.Exchange(r.Context(), req.UserID, req.Verifier, req.Secret)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	raw := bearerToken(r)
	if raw == "" {
		writeError(w, common.ErrorAuthentication)
		return
	}
	pair, err := s.auth.Refresh(r.Context(), raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

func (s *Server) handleLogout(role models.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeError(w, common.ErrorAuthentication)
			return
		}
		if err := s.auth.Logout(r.Context(), raw, role); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	profile, err := s.users.GetProfile(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":      profile.ID,
		"role":    string(profile.Role),
		"status":  string(profile.Status),
		"name":    profile.Name,
		"contact": profile.Contact,
	})
}

type accountChangeRequest struct {
	Contact  string `json:"contact"`
	Password string `json:"password"`
}

func (s *Server) handleRequestAccountChange(w http.ResponseWriter, r *http.Request) {
	var req accountChangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user := userFrom(r.Context())
	if err := s.users.RequestAccountChange(r.Context(), user.ID, req.Contact, req.Password); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type confirmChangeRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleConfirmAccountChange(w http.ResponseWriter, r *http.Request) {
	var req confirmChangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user := userFrom(r.Context())
	if err := s.users.ConfirmAccountChange(r.Context(), user.ID, req.Code); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
