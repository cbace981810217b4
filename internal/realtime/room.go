package realtime

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/polychat/internal/metrics"
	"github.com/MarcoPoloResearchLab/polychat/internal/transcript"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

type joinCommand struct {
	session *Session
	ack     chan struct{}
}

type leaveCommand struct {
	session *Session
}

type chatCommand struct {
	session *Session
	content string
}

type snapshotCommand struct {
	reply chan []Identity
}

// room is the actor owning the live session set of one chat room. Every
// mutation and every fan-out happens on its run goroutine, so frames reach
// each session in the order the actor processed them.
type room struct {
	id string

	inbox chan any
	quit  chan struct{}
	done  chan struct{}

	persist     chan transcript.Message
	persistDone chan struct{}

	sessions []*Session

	transcript     Transcript
	metrics        *metrics.Realtime
	clock          func() time.Time
	newID          func() (string, error)
	persistTimeout time.Duration
	logger         *zap.Logger

	// release detaches the room from its coordinator once the last session
	// has left. It reports false while a shutdown owns the room instead.
	release func(*room) bool
}

func (r *room) start() {
	go r.writeTranscript()
	go r.run()
}

func (r *room) run() {
	defer close(r.done)
	defer r.stopWriter()

	for {
		select {
		case <-r.quit:
			r.closeAll()
			return
		case command := <-r.inbox:
			switch typed := command.(type) {
			case joinCommand:
				r.handleJoin(typed.session)
				close(typed.ack)
			case leaveCommand:
				r.remove(typed.session, false)
				if r.stopIfIdle() {
					return
				}
			case chatCommand:
				r.handleChat(typed.session, typed.content)
				if r.stopIfIdle() {
					return
				}
			case snapshotCommand:
				typed.reply <- r.members()
			}
		}
	}
}

func (r *room) stopIfIdle() bool {
	if len(r.sessions) > 0 || r.release == nil || !r.release(r) {
		return false
	}
	r.metrics.Rooms.Dec()
	r.logger.Debug("idle room stopped")
	return true
}

func (r *room) join(session *Session) error {
	ack := make(chan struct{})
	select {
	case r.inbox <- joinCommand{session: session, ack: ack}:
	case <-r.done:
		return errRoomStopped
	}
	select {
	case <-ack:
		return nil
	case <-r.done:
		return errRoomStopped
	}
}

func (r *room) leave(session *Session) {
	select {
	case r.inbox <- leaveCommand{session: session}:
	case <-r.done:
	}
}

func (r *room) chat(session *Session, content string) bool {
	select {
	case r.inbox <- chatCommand{session: session, content: content}:
		return true
	case <-r.done:
		return false
	}
}

func (r *room) snapshot(ctx context.Context) ([]Identity, error) {
	reply := make(chan []Identity, 1)
	select {
	case r.inbox <- snapshotCommand{reply: reply}:
	case <-r.done:
		return []Identity{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case members := <-reply:
		return members, nil
	case <-r.done:
		return []Identity{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *room) handleJoin(session *Session) {
	r.sessions = append(r.sessions, session)
	r.metrics.Sessions.Inc()
	r.logger.Info("session joined room",
		zap.String("user_id", session.identity.ID),
		zap.Uint64("session_id", session.id))

	r.broadcast(UserJoinedFrame{UserName: session.identity.Username}, session)
	r.broadcast(PresenceUpdateFrame{Members: r.members()}, nil)
}

func (r *room) handleChat(session *Session, content string) {
	if !r.contains(session) {
		return
	}
	identifier, err := r.newID()
	if err != nil {
		r.logger.Error("chat message id generation failed", zap.Error(err))
		return
	}
	stamp := time.UnixMilli(r.clock().UnixMilli()).UTC()

	r.broadcast(ChatMessageFrame{Message: ChatMessage{
		ID:        identifier,
		Sender:    session.identity,
		Content:   content,
		Timestamp: stamp,
	}}, nil)

	message := transcript.Message{
		ID:             identifier,
		RoomID:         r.id,
		AuthorID:       session.identity.ID,
		Content:        content,
		CreatedAtMilli: stamp.UnixMilli(),
	}
	select {
	case r.persist <- message:
	default:
		r.metrics.PersistFailures.Inc()
		r.logger.Error("transcript queue full, message not persisted", zap.String("message_id", identifier))
	}
}

// remove unbinds session if it is still bound. The send queue is closed
// here and only here, which makes the transition to Closed happen once.
func (r *room) remove(session *Session, evicted bool) {
	index := -1
	for candidate, bound := range r.sessions {
		if bound == session {
			index = candidate
			break
		}
	}
	if index < 0 {
		return
	}
	r.sessions = append(r.sessions[:index], r.sessions[index+1:]...)
	close(session.send)
	r.metrics.Sessions.Dec()

	fields := []zap.Field{
		zap.String("user_id", session.identity.ID),
		zap.Uint64("session_id", session.id),
	}
	if evicted {
		r.metrics.Evictions.Inc()
		session.closeConnection()
		r.logger.Warn("slow session evicted", fields...)
	} else {
		r.logger.Info("session left room", fields...)
	}

	r.broadcast(UserLeftFrame{UserName: session.identity.Username}, nil)
	r.broadcast(PresenceUpdateFrame{Members: r.members()}, nil)
}

func (r *room) broadcast(frame Frame, exclude *Session) {
	payload, err := EncodeFrame(frame)
	if err != nil {
		r.logger.Error("frame encoding failed", zap.String("type", string(frame.FrameType())), zap.Error(err))
		return
	}
	r.metrics.FramesBroadcast.WithLabelValues(string(frame.FrameType())).Inc()

	var slow []*Session
	for _, session := range r.sessions {
		if session == exclude {
			continue
		}
		select {
		case session.send <- payload:
		default:
			slow = append(slow, session)
		}
	}
	for _, session := range slow {
		r.remove(session, true)
	}
}

func (r *room) contains(session *Session) bool {
	return lo.Contains(r.sessions, session)
}

// members lists bound identities once each, in order of first connection.
func (r *room) members() []Identity {
	identities := lo.Map(r.sessions, func(session *Session, _ int) Identity {
		return session.identity
	})
	return lo.UniqBy(identities, func(identity Identity) string {
		return identity.ID
	})
}

func (r *room) closeAll() {
	for _, session := range r.sessions {
		close(session.send)
		session.closeConnection()
		r.metrics.Sessions.Dec()
	}
	r.sessions = nil
	r.metrics.Rooms.Dec()
}

func (r *room) writeTranscript() {
	defer close(r.persistDone)
	for message := range r.persist {
		ctx, cancel := context.WithTimeout(context.Background(), r.persistTimeout)
		_, err := r.transcript.Append(ctx, message)
		cancel()
		if err != nil {
			r.metrics.PersistFailures.Inc()
			r.logger.Error("transcript append failed",
				zap.String("message_id", message.ID),
				zap.Error(err))
		}
	}
}

func (r *room) stopWriter() {
	close(r.persist)
	<-r.persistDone
}
