package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/polychat/internal/apperr"
	"github.com/MarcoPoloResearchLab/polychat/internal/realtime"
	"github.com/MarcoPoloResearchLab/polychat/internal/rooms"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// handleWebSocket runs the handshake checks while the request is still plain
// HTTP, so every rejection carries a status code, then upgrades and hands the
// connection to the coordinator.
func (h *httpHandler) handleWebSocket(c *gin.Context) {
	identity, roomID, err := h.authorizeHandshake(c.Request.Context(), c.Query("token"), c.Query("userId"), c.Query("roomId"))
	if err != nil {
		kind := apperr.KindOf(err)
		h.metrics.HandshakeRejected.WithLabelValues(string(kind)).Inc()
		if kind == apperr.KindInternal {
			h.logger.Error("websocket handshake failed", zap.Error(err))
		} else {
			h.logger.Info("websocket handshake rejected", zap.String("kind", string(kind)), zap.Error(err))
		}
		c.AbortWithStatusJSON(handshakeStatus(err), messageBody(handshakeMessage(err)))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", identity.ID), zap.Error(err))
		return
	}
	if err := h.coordinator.Serve(conn, identity, roomID.String()); err != nil && !errors.Is(err, realtime.ErrCoordinatorClosed) {
		h.logger.Warn("websocket session ended with error", zap.String("user_id", identity.ID), zap.Error(err))
	}
}

func (h *httpHandler) authorizeHandshake(ctx context.Context, token, claimedUserID, rawRoomID string) (realtime.Identity, rooms.RoomID, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return realtime.Identity{}, "", fmt.Errorf("%w: missing token", apperr.ErrUnauthenticated)
	}
	principal, err := h.tokens.Verify(token)
	if err != nil {
		return realtime.Identity{}, "", &credentialError{err: err}
	}
	claimedUserID = strings.TrimSpace(claimedUserID)
	if claimedUserID != "" && claimedUserID != principal.UserID {
		return realtime.Identity{}, "", fmt.Errorf("%w: userId does not match credential", apperr.ErrForbidden)
	}

	roomID, err := rooms.NewRoomID(rawRoomID)
	if err != nil {
		return realtime.Identity{}, "", err
	}
	if _, err := h.authorizeRoom(ctx, principal.UserID, roomID); err != nil {
		return realtime.Identity{}, "", err
	}

	username, err := h.users.DisplayName(ctx, principal.UserID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return realtime.Identity{}, "", fmt.Errorf("%w: account no longer exists", apperr.ErrUnauthenticated)
		}
		return realtime.Identity{}, "", err
	}
	return realtime.Identity{ID: principal.UserID, Username: username}, roomID, nil
}

// authorizeRoom loads roomID and admits userID when the room is public or
// userID holds a membership.
func (h *httpHandler) authorizeRoom(ctx context.Context, userID string, roomID rooms.RoomID) (rooms.Room, error) {
	room, err := h.rooms.Get(ctx, roomID)
	if err != nil {
		return rooms.Room{}, err
	}
	if room.IsPublic {
		return room, nil
	}
	isMember, err := h.rooms.IsMember(ctx, userID, roomID)
	if err != nil {
		return rooms.Room{}, err
	}
	if !isMember {
		return rooms.Room{}, fmt.Errorf("%w: room %s is private", apperr.ErrForbidden, roomID)
	}
	return room, nil
}

func roomAccessMessage(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return "Chat room not found"
	case apperr.KindForbidden:
		return "Not a member of this room"
	default:
		return ""
	}
}

// credentialError marks a presented credential that failed verification.
// It answers 403 like the bearer middleware, while the kind stays
// Unauthenticated or Expired for metrics.
type credentialError struct {
	err error
}

func (e *credentialError) Error() string { return e.err.Error() }
func (e *credentialError) Unwrap() error { return e.err }

func handshakeStatus(err error) int {
	var rejected *credentialError
	if errors.As(err, &rejected) {
		return http.StatusForbidden
	}
	return apperr.HTTPStatus(err)
}

func handshakeMessage(err error) string {
	var rejected *credentialError
	if errors.As(err, &rejected) {
		return messageInvalidToken
	}
	switch apperr.KindOf(err) {
	case apperr.KindUnauthenticated, apperr.KindExpired:
		return messageMissingToken
	case apperr.KindInvalidInput:
		return "Invalid room id"
	case apperr.KindInternal:
		return "Internal server error"
	default:
		return roomAccessMessage(err)
	}
}

// newOriginChecker admits requests without an Origin header (non-browser
// clients) and browsers whose origin is configured.
func newOriginChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	allowAll := false
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "*" {
			allowAll = true
			continue
		}
		if normalized, ok := normalizeOrigin(trimmed); ok {
			allowed[normalized] = struct{}{}
		}
	}

	return func(r *http.Request) bool {
		header := r.Header.Get("Origin")
		if header == "" || allowAll {
			return true
		}
		normalized, ok := normalizeOrigin(header)
		if !ok {
			return false
		}
		_, exists := allowed[normalized]
		return exists
	}
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
