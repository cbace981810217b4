package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/polychat/internal/apperr"
	"github.com/MarcoPoloResearchLab/polychat/internal/auth"
	"github.com/MarcoPoloResearchLab/polychat/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	authActionLogin  = "login"
	authActionSignup = "signup"
)

type authRequestPayload struct {
	Action   string `json:"action" form:"action"`
	Email    string `json:"email" form:"email"`
	Password string `json:"password" form:"password"`
	Username string `json:"username" form:"username"`
}

type userPayload struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

type authResponsePayload struct {
	Message []string    `json:"message"`
	User    userPayload `json:"user"`
	Token   string      `json:"token"`
}

func (h *httpHandler) handleAuth(c *gin.Context) {
	var request authRequestPayload
	if err := c.ShouldBind(&request); err != nil {
		c.JSON(http.StatusBadRequest, messageBody("Validation failed"))
		return
	}

	var (
		user    users.User
		err     error
		success string
		invalid string
	)
	switch strings.ToLower(strings.TrimSpace(request.Action)) {
	case authActionSignup:
		user, err = h.users.Register(c.Request.Context(), request.Username, request.Email, request.Password)
		success, invalid = "Signup successful", "Validation failed"
	case authActionLogin:
		user, err = h.users.Authenticate(c.Request.Context(), request.Email, request.Password)
		success, invalid = "Login successful", "Invalid credentials"
	default:
		c.JSON(http.StatusBadRequest, messageBody("Invalid action"))
		return
	}
	if err != nil {
		h.respondAuthError(c, err, invalid)
		return
	}

	token, _, err := h.tokens.Issue(auth.Principal{UserID: user.ID, Email: user.Email})
	if err != nil {
		h.logger.Error("failed to issue credential", zap.String("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, messageBody("Internal server error"))
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		Message: []string{success},
		User:    userPayload{ID: user.ID, Email: user.Email, Username: user.Username},
		Token:   token,
	})
}

// respondAuthError keeps every credential and validation problem a 400.
func (h *httpHandler) respondAuthError(c *gin.Context, err error, invalid string) {
	switch {
	case errors.Is(err, apperr.ErrConflict):
		c.JSON(http.StatusBadRequest, messageBody("Email or username already taken"))
	case errors.Is(err, apperr.ErrInvalidInput):
		h.logger.Info("authentication rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, messageBody(invalid))
	default:
		h.respondError(c, err, "")
	}
}

func (h *httpHandler) handleRefreshToken(c *gin.Context) {
	token := c.GetString(tokenContextKey)
	renewed, _, err := h.tokens.Renew(token)
	if err != nil {
		h.logTokenFailure(err)
		c.JSON(http.StatusForbidden, messageBody(messageInvalidToken))
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": renewed})
}
