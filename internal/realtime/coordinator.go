package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/polychat/internal/metrics"
	"github.com/MarcoPoloResearchLab/polychat/internal/transcript"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultPersistBuffer  = 1024
	defaultPersistTimeout = 5 * time.Second
)

var (
	// ErrCoordinatorClosed is returned once Shutdown has started.
	ErrCoordinatorClosed = errors.New("realtime: coordinator is shut down")

	errMissingTranscript = errors.New("realtime: transcript dependency required")
	errMissingRoomID     = errors.New("realtime: room id is required")
	errMissingIdentity   = errors.New("realtime: identity id is required")
	errRoomStopped       = errors.New("realtime: room actor stopped")
)

// Transcript receives every chat message after it has been delivered live.
type Transcript interface {
	Append(ctx context.Context, message transcript.Message) (transcript.Message, error)
}

// CoordinatorConfig describes the coordinator dependencies and tunables.
// Zero values select the defaults.
type CoordinatorConfig struct {
	Transcript     Transcript
	Metrics        *metrics.Realtime
	Logger         *zap.Logger
	Clock          func() time.Time
	NewID          func() (string, error)
	SendBuffer     int
	WriteTimeout   time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	ReadLimit      int64
	PersistBuffer  int
	PersistTimeout time.Duration
}

// Coordinator tracks live sessions per room and fans frames out to them.
type Coordinator struct {
	mu     sync.Mutex
	rooms  map[string]*room
	closed bool

	nextSessionID atomic.Uint64

	transcript     Transcript
	metrics        *metrics.Realtime
	logger         *zap.Logger
	clock          func() time.Time
	newID          func() (string, error)
	sendBuffer     int
	timing         sessionTiming
	persistBuffer  int
	persistTimeout time.Duration
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Transcript == nil {
		return nil, errMissingTranscript
	}

	coordinator := &Coordinator{
		rooms:          make(map[string]*room),
		transcript:     cfg.Transcript,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		clock:          cfg.Clock,
		newID:          cfg.NewID,
		sendBuffer:     cfg.SendBuffer,
		persistBuffer:  cfg.PersistBuffer,
		persistTimeout: cfg.PersistTimeout,
		timing: sessionTiming{
			writeTimeout: cfg.WriteTimeout,
			pongWait:     cfg.PongWait,
			pingPeriod:   cfg.PingPeriod,
			readLimit:    cfg.ReadLimit,
		},
	}
	if coordinator.metrics == nil {
		coordinator.metrics = metrics.NewRealtime(nil)
	}
	if coordinator.logger == nil {
		coordinator.logger = zap.NewNop()
	}
	if coordinator.clock == nil {
		coordinator.clock = time.Now
	}
	if coordinator.newID == nil {
		coordinator.newID = newMessageID
	}
	if coordinator.sendBuffer <= 0 {
		coordinator.sendBuffer = defaultSendBuffer
	}
	if coordinator.persistBuffer <= 0 {
		coordinator.persistBuffer = defaultPersistBuffer
	}
	if coordinator.persistTimeout <= 0 {
		coordinator.persistTimeout = defaultPersistTimeout
	}
	if coordinator.timing.writeTimeout <= 0 {
		coordinator.timing.writeTimeout = defaultWriteTimeout
	}
	if coordinator.timing.pongWait <= 0 {
		coordinator.timing.pongWait = defaultPongWait
	}
	if coordinator.timing.pingPeriod <= 0 || coordinator.timing.pingPeriod >= coordinator.timing.pongWait {
		coordinator.timing.pingPeriod = coordinator.timing.pongWait * 9 / 10
	}
	if coordinator.timing.readLimit <= 0 {
		coordinator.timing.readLimit = defaultReadLimit
	}
	return coordinator, nil
}

// Serve binds conn to roomID under identity and pumps frames until the
// session closes. The caller must have authenticated and authorized the
// identity already. Serve owns conn from here on.
func (c *Coordinator) Serve(conn *websocket.Conn, identity Identity, roomID string) error {
	if strings.TrimSpace(identity.ID) == "" {
		_ = conn.Close()
		return errMissingIdentity
	}
	sessionID := c.nextSessionID.Add(1)
	session := &Session{
		id:          sessionID,
		conn:        conn,
		identity:    identity,
		roomID:      roomID,
		connectedAt: c.clock().UTC(),
		send:        make(chan []byte, c.sendBuffer),
		timing:      c.timing,
		logger: c.logger.With(
			zap.String("room_id", roomID),
			zap.String("user_id", identity.ID),
			zap.Uint64("session_id", sessionID)),
	}

	// An idle room may stop between lookup and join; the next lookup
	// starts a fresh actor.
	for {
		target, err := c.roomFor(roomID)
		if err != nil {
			session.closeConnection()
			return err
		}
		session.room = target
		err = target.join(session)
		if err == nil {
			break
		}
		if !errors.Is(err, errRoomStopped) {
			session.closeConnection()
			return err
		}
	}

	go session.writePump()
	session.readPump()
	return nil
}

// Presence returns the identities currently bound to roomID, each listed
// once in order of first connection.
func (c *Coordinator) Presence(ctx context.Context, roomID string) ([]Identity, error) {
	c.mu.Lock()
	target, ok := c.rooms[roomID]
	c.mu.Unlock()
	if !ok {
		return []Identity{}, nil
	}
	return target.snapshot(ctx)
}

// Shutdown stops every room actor and closes every session. It waits for
// pending transcript writes until ctx expires.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	running := make([]*room, 0, len(c.rooms))
	for _, target := range c.rooms {
		running = append(running, target)
	}
	c.mu.Unlock()

	for _, target := range running {
		close(target.quit)
	}
	for _, target := range running {
		select {
		case <-target.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.logger.Info("realtime coordinator stopped", zap.Int("rooms", len(running)))
	return nil
}

func (c *Coordinator) roomFor(roomID string) (*room, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, errMissingRoomID
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCoordinatorClosed
	}
	if existing, ok := c.rooms[roomID]; ok {
		return existing, nil
	}

	created := &room{
		id:             roomID,
		inbox:          make(chan any),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
		persist:        make(chan transcript.Message, c.persistBuffer),
		persistDone:    make(chan struct{}),
		transcript:     c.transcript,
		metrics:        c.metrics,
		clock:          c.clock,
		newID:          c.newID,
		persistTimeout: c.persistTimeout,
		logger:         c.logger.With(zap.String("room_id", roomID)),
		release:        c.release,
	}
	c.rooms[roomID] = created
	c.metrics.Rooms.Inc()
	created.start()
	return created, nil
}

// release forgets an idle room so the next session for its id starts a new
// actor. Once shutdown has begun the room stays put and is stopped by it.
func (c *Coordinator) release(target *room) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if c.rooms[target.id] == target {
		delete(c.rooms, target.id)
	}
	return true
}

func newMessageID() (string, error) {
	identifier, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return identifier.String(), nil
}
