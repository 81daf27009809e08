package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/goodtune/greengpt/internal/impact"
	"github.com/goodtune/greengpt/internal/metrics"
	"github.com/goodtune/greengpt/internal/models"
	ui "github.com/goodtune/greengpt/web"
)

// handleLogin handles user login requests.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Username == "" || req.Password == "" {
		WriteError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	session, token, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			metrics.LoginAttempts.WithLabelValues("failure").Inc()
			s.logger.Warn().Str("username", req.Username).Str("remote_addr", r.RemoteAddr).Msg("Failed login")
			WriteError(w, http.StatusUnauthorized, "Invalid username or password")
			return
		}
		metrics.LoginAttempts.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Msg("Login error")
		WriteError(w, http.StatusInternalServerError, "Login failed")
		return
	}
	metrics.LoginAttempts.WithLabelValues("success").Inc()

	http.SetCookie(w, &http.Cookie{
		Name:     TokenCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   isSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  session.ExpiresAt,
	})

	WriteJSON(w, http.StatusOK, LoginResponse{
		Token:     token,
		ExpiresAt: session.ExpiresAt,
		User: UserInfo{
			ID:       session.UserID,
			Username: session.Username,
		},
	})

	s.logger.Info().
		Str("username", req.Username).
		Str("session_id", session.ID).
		Msg("User logged in")
}

func isSecure(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}

// handleLogout handles user logout requests.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sessionID, _ := GetSessionFromContext(r.Context())
	if sessionID != "" {
		if err := s.auth.Logout(sessionID); err != nil {
			s.logger.Debug().Err(err).Str("session_id", sessionID).Msg("Logout of unknown session")
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     TokenCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})

	WriteJSON(w, http.StatusOK, SuccessResponse{Message: "Logged out successfully"})

	s.logger.Info().Str("session_id", sessionID).Msg("User logged out")
}

// handleMe returns the current user information.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, _ := GetUserIDFromContext(r.Context())
	username, _ := GetUsernameFromContext(r.Context())

	WriteJSON(w, http.StatusOK, UserInfo{
		ID:       userID,
		Username: username,
	})
}

// handleChangePassword handles password change requests.
func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	username, ok := GetUsernameFromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.OldPassword == "" || req.NewPassword == "" {
		WriteError(w, http.StatusBadRequest, "Old and new passwords are required")
		return
	}

	if len(req.NewPassword) < 8 {
		WriteError(w, http.StatusBadRequest, "New password must be at least 8 characters")
		return
	}

	if err := s.auth.ChangePassword(r.Context(), username, req.OldPassword, req.NewPassword); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			WriteError(w, http.StatusUnauthorized, "Invalid current password")
			return
		}
		s.logger.Error().Err(err).Str("username", username).Msg("Password change error")
		WriteError(w, http.StatusInternalServerError, "Failed to change password")
		return
	}

	WriteJSON(w, http.StatusOK, SuccessResponse{Message: "Password changed successfully"})

	s.logger.Info().Str("username", username).Msg("User changed password")
}

// handleImpact returns the gauges and summary for the current session.
func (s *Server) handleImpact(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.panel.View())
}

// handleReset archives the current session and starts a new one.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	agg := impact.FromContext(r.Context())

	record, archived := agg.Reset()
	resp := ResetResponse{Archived: archived, Current: agg.State()}
	if archived {
		resp.Session = &record
	}

	username, _ := GetUsernameFromContext(r.Context())
	s.logger.Info().
		Str("username", username).
		Bool("archived", archived).
		Int64("tokens", record.Tokens).
		Msg("Impact session reset")

	WriteJSON(w, http.StatusOK, resp)
}

// handleHistory returns archived sessions, oldest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, impact.FromContext(r.Context()).History())
}

// handleDaily returns per-day token totals, oldest first.
func (s *Server) handleDaily(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, impact.FromContext(r.Context()).Daily())
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, ModelsResponse{
		Default:            models.DefaultModel,
		Models:             models.List(),
		MaxAttachmentSize:  models.MaxAttachmentSize,
		SupportedFileTypes: models.SupportedFileTypes,
		ArtifactKinds:      models.ArtifactKinds,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"active_sessions": s.auth.ActiveSessions(),
		"event_streams":   s.events.len(),
	})
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	ui.ServePage(w, "login")
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	ui.ServePage(w, "index")
}
