package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// AuthHandler exchanges the shared operator API key for a short-lived bearer
// token. The control surface is operator-only; there is no end-user auth.
type AuthHandler struct {
	operatorKeyHash []byte
	jwtSecret       string
	tokenTTL        time.Duration
	logger          zerolog.Logger
}

func NewAuthHandler(operatorKeyHash, jwtSecret string, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		operatorKeyHash: []byte(operatorKeyHash),
		jwtSecret:       jwtSecret,
		tokenTTL:        12 * time.Hour,
		logger:          logger,
	}
}

type tokenRequest struct {
	Operator string `json:"operator"`
	Key      string `json:"key"`
}

func (h *AuthHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Operator = strings.TrimSpace(req.Operator)
	if req.Operator == "" {
		http.Error(w, "operator name is required", http.StatusBadRequest)
		return
	}

	if err := bcrypt.CompareHashAndPassword(h.operatorKeyHash, []byte(req.Key)); err != nil {
		h.logger.Warn().Str("operator", req.Operator).Msg("Operator key rejected")
		http.Error(w, "Authentication failed", http.StatusUnauthorized)
		return
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  req.Operator,
		"role": "operator",
		"exp":  time.Now().Add(h.tokenTTL).Unix(),
	})
	tokenString, err := token.SignedString([]byte(h.jwtSecret))
	if err != nil {
		http.Error(w, "Failed to generate token: "+err.Error(), http.StatusInternalServerError)
		return
	}

	h.logger.Info().Str("operator", req.Operator).Msg("Operator token issued")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"token": tokenString})
}
