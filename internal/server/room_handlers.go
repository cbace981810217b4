package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/polychat/internal/apperr"
	"github.com/MarcoPoloResearchLab/polychat/internal/auth"
	"github.com/MarcoPoloResearchLab/polychat/internal/realtime"
	"github.com/MarcoPoloResearchLab/polychat/internal/rooms"
	"github.com/MarcoPoloResearchLab/polychat/internal/transcript"
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

type roomPayload struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Topic        string `json:"topic"`
	Participants int64  `json:"participants"`
	IsPublic     bool   `json:"is_public"`
}

type ownedRoomPayload struct {
	roomPayload
	CreatedAt string `json:"created_at"`
}

type createRoomRequestPayload struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	Topic          string `json:"topic"`
	IsPublic       *bool  `json:"isPublic"`
	IsPublicLegacy *bool  `json:"is_public"`
}

type createRoomResponsePayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	IsPublic bool   `json:"is_public"`
}

type memberPayload struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type historyEntryPayload struct {
	ID        string        `json:"id"`
	Content   string        `json:"content"`
	Timestamp string        `json:"timestamp"`
	Sender    memberPayload `json:"sender"`
}

func newRoomPayload(room rooms.Room) roomPayload {
	return roomPayload{
		ID:           room.ID,
		Name:         room.Name,
		Description:  room.Description,
		Topic:        room.Topic,
		Participants: room.Participants,
		IsPublic:     room.IsPublic,
	}
}

func formatTimestamp(instant time.Time) string {
	return instant.UTC().Format(time.RFC3339Nano)
}

func (h *httpHandler) handleListRooms(c *gin.Context) {
	visibility, err := rooms.ParseVisibility(c.Query("visibility"))
	if err != nil {
		c.JSON(http.StatusBadRequest, messageBody("Invalid visibility"))
		return
	}
	listed, err := h.rooms.List(c.Request.Context(), visibility)
	if err != nil {
		h.respondError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, lo.Map(listed, func(room rooms.Room, _ int) roomPayload {
		return newRoomPayload(room)
	}))
}

func (h *httpHandler) handleCreateRoom(c *gin.Context) {
	principal, _ := principalFrom(c)

	var request createRoomRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, messageBody("Room name is required"))
		return
	}
	isPublic := request.IsPublic
	if isPublic == nil {
		isPublic = request.IsPublicLegacy
	}

	room, err := h.rooms.Create(c.Request.Context(), principal.UserID, rooms.CreateRoomInput{
		Name:        request.Name,
		Description: request.Description,
		Topic:       request.Topic,
		IsPublic:    isPublic,
	})
	if err != nil {
		h.respondError(c, err, "Room name is required")
		return
	}
	c.JSON(http.StatusCreated, createRoomResponsePayload{ID: room.ID, Name: room.Name, IsPublic: room.IsPublic})
}

func (h *httpHandler) handleListOwnedRooms(c *gin.Context) {
	principal, _ := principalFrom(c)
	owned, err := h.rooms.ListOwnedBy(c.Request.Context(), principal.UserID)
	if err != nil {
		h.respondError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, lo.Map(owned, func(room rooms.Room, _ int) ownedRoomPayload {
		return ownedRoomPayload{
			roomPayload: newRoomPayload(room),
			CreatedAt:   formatTimestamp(time.UnixMilli(room.CreatedAtMilli)),
		}
	}))
}

func (h *httpHandler) handleJoinRoom(c *gin.Context) {
	principal, _ := principalFrom(c)
	roomID, ok := h.roomIDParam(c)
	if !ok {
		return
	}
	if _, err := h.rooms.Join(c.Request.Context(), principal.UserID, roomID); err != nil {
		h.respondError(c, err, "Chat room not found")
		return
	}
	c.JSON(http.StatusOK, messageBody("Joined room successfully"))
}

func (h *httpHandler) handleRoomMessages(c *gin.Context) {
	principal, _ := principalFrom(c)
	room, ok := h.readableRoom(c, principal)
	if !ok {
		return
	}
	entries, err := h.transcript.History(c.Request.Context(), room.ID, transcript.DefaultHistoryLimit)
	if err != nil {
		h.respondError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, lo.Map(entries, func(entry transcript.Entry, _ int) historyEntryPayload {
		return historyEntryPayload{
			ID:        entry.ID,
			Content:   entry.Content,
			Timestamp: formatTimestamp(entry.CreatedAt()),
			Sender:    memberPayload{ID: entry.SenderID, Username: entry.SenderUsername},
		}
	}))
}

func (h *httpHandler) handleRoomMembers(c *gin.Context) {
	principal, _ := principalFrom(c)
	room, ok := h.readableRoom(c, principal)
	if !ok {
		return
	}
	members, err := h.rooms.MembersOf(c.Request.Context(), rooms.RoomID(room.ID))
	if err != nil {
		h.respondError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, lo.Map(members, func(member rooms.Member, _ int) memberPayload {
		return memberPayload{ID: member.ID, Username: member.Username}
	}))
}

func (h *httpHandler) handleRoomPresence(c *gin.Context) {
	principal, _ := principalFrom(c)
	room, ok := h.readableRoom(c, principal)
	if !ok {
		return
	}
	present, err := h.coordinator.Presence(c.Request.Context(), room.ID)
	if err != nil {
		h.respondError(c, fmt.Errorf("%w: %v", apperr.ErrInternal, err), "")
		return
	}
	c.JSON(http.StatusOK, lo.Map(present, func(identity realtime.Identity, _ int) memberPayload {
		return memberPayload{ID: identity.ID, Username: identity.Username}
	}))
}

func (h *httpHandler) roomIDParam(c *gin.Context) (rooms.RoomID, bool) {
	roomID, err := rooms.NewRoomID(c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, messageBody("Invalid room id"))
		return "", false
	}
	return roomID, true
}

// readableRoom loads the room named in the path and enforces that private
// rooms are only visible to their members.
func (h *httpHandler) readableRoom(c *gin.Context, principal auth.Principal) (rooms.Room, bool) {
	roomID, ok := h.roomIDParam(c)
	if !ok {
		return rooms.Room{}, false
	}
	room, err := h.authorizeRoom(c.Request.Context(), principal.UserID, roomID)
	if err != nil {
		h.respondError(c, err, roomAccessMessage(err))
		return rooms.Room{}, false
	}
	return room, true
}
