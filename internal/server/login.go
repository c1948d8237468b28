package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/pixelboard/internal/auth"
	"github.com/MarcoPoloResearchLab/pixelboard/internal/gate"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type loginRequestPayload struct {
	IDToken string `json:"id_token"`
}

type loginResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
	Username    string `json:"username,omitempty"`
}

// handleLogin exchanges an OAuth ID token for a canvas session. The token is returned in
// the body and, when a cookie name is configured, set as an HttpOnly session cookie.
func (h *httpHandler) handleLogin(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxLoginBodyBytes)
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, errorPayload{Error: string(gate.KindInvalidInput), Message: "id_token is required"})
		return
	}

	claims, err := h.idTokens.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("id token verification failed", zap.Error(err))
		} else {
			h.logger.Warn("id token verification failed", zap.Error(err))
		}
		c.JSON(http.StatusUnauthorized, errorPayload{Error: string(gate.KindUnauthenticated), Message: "id token rejected"})
		return
	}

	token, expiresAt, err := h.issuer.Issue(claims)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.String("user_id", claims.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorPayload{Error: string(gate.KindInternalError), Message: "session could not be issued"})
		return
	}

	expiresIn := int64(expiresAt.Sub(h.clock()).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}
	if h.cookieName != "" {
		http.SetCookie(c.Writer, &http.Cookie{
			Name:     h.cookieName,
			Value:    token,
			Path:     "/",
			Expires:  expiresAt,
			MaxAge:   int(expiresIn),
			HttpOnly: true,
			Secure:   c.Request.TLS != nil,
			SameSite: http.SameSiteLaxMode,
		})
	}
	h.logger.Info("session issued", zap.String("user_id", claims.UserID))
	c.JSON(http.StatusOK, loginResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		UserID:      claims.UserID,
		Username:    claims.Username,
	})
}
