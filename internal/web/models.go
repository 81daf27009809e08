package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/goodtune/greengpt/internal/impact"
	"github.com/goodtune/greengpt/internal/models"
)

// LoginRequest represents a login request from the user.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse represents the response after a successful login.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      UserInfo  `json:"user"`
}

// UserInfo represents basic user information.
type UserInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// ChangePasswordRequest represents a password change request.
type ChangePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// SuccessResponse represents a generic success response.
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ResetResponse reports the outcome of POST /api/impact/reset.
type ResetResponse struct {
	Archived bool                  `json:"archived"`
	Session  *impact.SessionRecord `json:"session,omitempty"`
	Current  impact.State          `json:"current"`
}

// ModelsResponse is the model catalog served at /api/models.
type ModelsResponse struct {
	Default            string                `json:"default"`
	Models             []models.Model        `json:"models"`
	MaxAttachmentSize  int64                 `json:"maxAttachmentSize"`
	SupportedFileTypes []string              `json:"supportedFileTypes"`
	ArtifactKinds      []models.ArtifactKind `json:"artifactKinds"`
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// WriteError writes an error response.
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	WriteJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}
