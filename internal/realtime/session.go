package realtime

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultSendBuffer   = 256
	defaultWriteTimeout = 10 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultReadLimit    = 4096
)

var errFrameTooLarge = fmt.Errorf("%w: frame exceeds read limit", ErrMalformedFrame)

// Session is one live connection bound to a room under an identity.
type Session struct {
	id          uint64
	conn        *websocket.Conn
	identity    Identity
	roomID      string
	connectedAt time.Time

	// send is closed by the owning room actor and never by the session.
	send chan []byte

	room   *room
	logger *zap.Logger
	timing sessionTiming

	closeOnce sync.Once
}

type sessionTiming struct {
	writeTimeout time.Duration
	pongWait     time.Duration
	pingPeriod   time.Duration
	readLimit    int64
}

// Identity returns the principal the session is bound to.
func (s *Session) Identity() Identity {
	return s.identity
}

// RoomID returns the room the session is bound to.
func (s *Session) RoomID() string {
	return s.roomID
}

// ConnectedAt returns the instant the session was bound.
func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

func (s *Session) closeConnection() {
	s.closeOnce.Do(func() {
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger.Debug("session close failed", zap.Error(err))
		}
	})
}

func (s *Session) readPump() {
	defer func() {
		s.room.leave(s)
		s.closeConnection()
	}()

	_ = s.conn.SetReadDeadline(time.Now().Add(s.timing.pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.timing.pongWait))
	})

	for {
		raw, err := s.nextFrame()
		if errors.Is(err, errFrameTooLarge) {
			s.room.metrics.FramesDropped.Inc()
			s.logger.Warn("inbound frame dropped", zap.Int64("limit", s.timing.readLimit), zap.Error(err))
			continue
		}
		if err != nil {
			s.logReadError(err)
			return
		}

		frame, err := DecodeFrame(raw)
		if err != nil {
			s.room.metrics.FramesDropped.Inc()
			s.logger.Debug("inbound frame dropped", zap.Error(err))
			continue
		}
		chat, ok := frame.(ChatMessageFrame)
		if !ok {
			s.room.metrics.FramesDropped.Inc()
			s.logger.Warn("inbound frame type not accepted from clients", zap.String("type", string(frame.FrameType())))
			continue
		}
		if !s.room.chat(s, chat.Message.Content) {
			return
		}
	}
}

// nextFrame reads one inbound message, buffering at most readLimit bytes.
// Longer messages are discarded in full and reported as errFrameTooLarge.
func (s *Session) nextFrame() ([]byte, error) {
	_, reader, err := s.conn.NextReader()
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(io.LimitReader(reader, s.timing.readLimit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) <= s.timing.readLimit {
		return raw, nil
	}
	discarded, err := io.Copy(io.Discard, reader)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %d bytes", errFrameTooLarge, int64(len(raw))+discarded)
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.timing.pingPeriod)
	defer func() {
		ticker.Stop()
		s.closeConnection()
	}()

	for {
		select {
		case payload, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.timing.writeTimeout))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				if !isExpectedCloseError(err) {
					s.logger.Warn("session write failed", zap.Error(err))
				}
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.timing.writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) logReadError(err error) {
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		s.logger.Debug("session closed by peer")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		s.logger.Warn("session closed unexpectedly", zap.Error(err))
	case isExpectedCloseError(err):
		s.logger.Debug("session connection ended", zap.Error(err))
	default:
		s.logger.Warn("session read failed", zap.Error(err))
	}
}

func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure)
}
