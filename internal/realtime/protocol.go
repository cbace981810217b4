package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/polychat/internal/apperr"
)

// FrameType tags every JSON frame exchanged over a session.
type FrameType string

const (
	FrameChatMessage    FrameType = "chatMessage"
	FramePresenceUpdate FrameType = "presenceUpdate"
	FrameUserJoined     FrameType = "user_joined"
	FrameUserLeft       FrameType = "user_left"
)

var (
	// ErrMalformedFrame reports a frame that could not be decoded into a known variant.
	ErrMalformedFrame = fmt.Errorf("%w: malformed frame", apperr.ErrInvalidInput)
	// ErrUnknownFrameType reports a well-formed frame with an unsupported type tag.
	ErrUnknownFrameType = fmt.Errorf("%w: unknown frame type", apperr.ErrInvalidInput)
)

// Identity is the public view of a session's principal.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// ChatMessage is the payload of a chatMessage frame. On inbound frames the
// id, sender and timestamp are client hints and are never trusted.
type ChatMessage struct {
	ID        string
	Sender    Identity
	Content   string
	Timestamp time.Time
}

// Frame is the closed set of protocol variants.
type Frame interface {
	FrameType() FrameType
}

type ChatMessageFrame struct {
	Message ChatMessage
}

type PresenceUpdateFrame struct {
	Members []Identity
}

type UserJoinedFrame struct {
	UserName string
}

type UserLeftFrame struct {
	UserName string
}

func (ChatMessageFrame) FrameType() FrameType    { return FrameChatMessage }
func (PresenceUpdateFrame) FrameType() FrameType { return FramePresenceUpdate }
func (UserJoinedFrame) FrameType() FrameType     { return FrameUserJoined }
func (UserLeftFrame) FrameType() FrameType       { return FrameUserLeft }

type wireChatMessage struct {
	ID        string   `json:"id"`
	Sender    Identity `json:"sender"`
	Content   string   `json:"content"`
	Timestamp string   `json:"timestamp"`
}

type wireChatFrame struct {
	Type    FrameType       `json:"type"`
	Message wireChatMessage `json:"message"`
}

type wirePresenceFrame struct {
	Type    FrameType  `json:"type"`
	Members []Identity `json:"members"`
}

type wireUserFrame struct {
	Type     FrameType `json:"type"`
	UserName string    `json:"userName"`
}

// EncodeFrame renders frame as its JSON wire form.
func EncodeFrame(frame Frame) ([]byte, error) {
	switch typed := frame.(type) {
	case ChatMessageFrame:
		return json.Marshal(wireChatFrame{
			Type: FrameChatMessage,
			Message: wireChatMessage{
				ID:        typed.Message.ID,
				Sender:    typed.Message.Sender,
				Content:   typed.Message.Content,
				Timestamp: typed.Message.Timestamp.UTC().Format(time.RFC3339Nano),
			},
		})
	case PresenceUpdateFrame:
		members := typed.Members
		if members == nil {
			members = []Identity{}
		}
		return json.Marshal(wirePresenceFrame{Type: FramePresenceUpdate, Members: members})
	case UserJoinedFrame:
		return json.Marshal(wireUserFrame{Type: FrameUserJoined, UserName: typed.UserName})
	case UserLeftFrame:
		return json.Marshal(wireUserFrame{Type: FrameUserLeft, UserName: typed.UserName})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownFrameType, frame)
	}
}

type inboundEnvelope struct {
	Type     FrameType       `json:"type"`
	Message  json.RawMessage `json:"message"`
	Content  *string         `json:"content"`
	Members  json.RawMessage `json:"members"`
	UserName *string         `json:"userName"`
}

type inboundChatMessage struct {
	ID        json.RawMessage `json:"id"`
	Sender    json.RawMessage `json:"sender"`
	Content   *string         `json:"content"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// DecodeFrame parses raw into one of the Frame variants, validating the
// fields each variant requires.
func DecodeFrame(raw []byte) (Frame, error) {
	var envelope inboundEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch envelope.Type {
	case FrameChatMessage:
		return decodeChatFrame(envelope)
	case FramePresenceUpdate:
		if len(envelope.Members) == 0 {
			return nil, fmt.Errorf("%w: presenceUpdate without members", ErrMalformedFrame)
		}
		var members []Identity
		if err := json.Unmarshal(envelope.Members, &members); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return PresenceUpdateFrame{Members: members}, nil
	case FrameUserJoined, FrameUserLeft:
		if envelope.UserName == nil {
			return nil, fmt.Errorf("%w: %s without userName", ErrMalformedFrame, envelope.Type)
		}
		if envelope.Type == FrameUserJoined {
			return UserJoinedFrame{UserName: *envelope.UserName}, nil
		}
		return UserLeftFrame{UserName: *envelope.UserName}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrameType, envelope.Type)
	}
}

func decodeChatFrame(envelope inboundEnvelope) (Frame, error) {
	var message ChatMessage
	var content *string

	if len(envelope.Message) > 0 && string(envelope.Message) != "null" {
		var inbound inboundChatMessage
		if err := json.Unmarshal(envelope.Message, &inbound); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		content = inbound.Content
		message.ID = stringHint(inbound.ID)
		message.Sender = senderHint(inbound.Sender)
		if stamp, err := time.Parse(time.RFC3339Nano, stringHint(inbound.Timestamp)); err == nil {
			message.Timestamp = stamp
		}
	}
	if content == nil {
		content = envelope.Content
	}
	if content == nil || strings.TrimSpace(*content) == "" {
		return nil, fmt.Errorf("%w: chatMessage without content", ErrMalformedFrame)
	}
	message.Content = strings.TrimSpace(*content)
	return ChatMessageFrame{Message: message}, nil
}

func stringHint(raw json.RawMessage) string {
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return strings.Trim(string(raw), `"`)
	}
	return value
}

func senderHint(raw json.RawMessage) Identity {
	var fields struct {
		ID       json.RawMessage `json:"id"`
		Username string          `json:"username"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Identity{}
	}
	return Identity{ID: stringHint(fields.ID), Username: fields.Username}
}
