package authsvc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/dluong/bloomshop/internal/storage"
)

// UserSource is the slice of storage the auth handlers need.
type UserSource interface {
	GetUserByEmail(ctx context.Context, email string) (*storage.User, error)
}

type Handler struct {
	users  UserSource
	tokens Tokens
	logger *logrus.Logger
}

func NewHandler(users UserSource, tokens Tokens, logger *logrus.Logger) *Handler {
	return &Handler{users: users, tokens: tokens, logger: logger}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Success      bool      `json:"success"`
	Message      string    `json:"message,omitempty"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	User         *userInfo `json:"user,omitempty"`
}

type userInfo struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
	Phone    string `json:"phone"`
	Role     string `json:"role"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, loginResponse{Success: false, Message: "Invalid request body"})
		return
	}

	user, err := h.users.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			respondJSON(w, http.StatusUnauthorized, loginResponse{Success: false, Message: "Invalid email or password"})
			return
		}
		h.logger.WithError(err).Error("Failed to look up user")
		respondJSON(w, http.StatusInternalServerError, loginResponse{Success: false, Message: "Login failed"})
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		respondJSON(w, http.StatusUnauthorized, loginResponse{Success: false, Message: "Invalid email or password"})
		return
	}

	access, refresh, err := h.tokens.Issue(r.Context(), Identity{
		UserID:   user.ID,
		FullName: user.FullName,
		Phone:    user.Phone,
		Role:     user.Role,
	})
	if err != nil {
		h.logger.WithError(err).Error("Failed to issue session")
		respondJSON(w, http.StatusInternalServerError, loginResponse{Success: false, Message: "Login failed"})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"user_id": user.ID,
		"role":    user.Role,
	}).Info("User signed in")

	respondJSON(w, http.StatusOK, loginResponse{
		Success:      true,
		AccessToken:  access,
		RefreshToken: refresh,
		User: &userInfo{
			ID:       user.ID,
			FullName: user.FullName,
			Phone:    user.Phone,
			Role:     user.Role,
		},
	})
}

func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false, "message": "refresh_token is required",
		})
		return
	}

	access, err := h.tokens.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrTokenInvalid) {
			respondJSON(w, http.StatusUnauthorized, map[string]interface{}{
				"success": false, "message": "refresh token invalid or expired",
			})
			return
		}
		h.logger.WithError(err).Error("Failed to refresh token")
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false, "message": "refresh failed",
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"access_token": access,
	})
}

// Logout revokes the presented access token. A missing or already expired
// token still gets a success response: the session is gone either way.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if token := bearerToken(r); token != "" {
		if err := h.tokens.Revoke(r.Context(), token); err != nil {
			h.logger.WithError(err).Warn("Failed to revoke access token")
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func respondJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
