package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/polychat/internal/auth"
	"github.com/MarcoPoloResearchLab/polychat/internal/database"
	"github.com/MarcoPoloResearchLab/polychat/internal/metrics"
	"github.com/MarcoPoloResearchLab/polychat/internal/realtime"
	"github.com/MarcoPoloResearchLab/polychat/internal/rooms"
	"github.com/MarcoPoloResearchLab/polychat/internal/transcript"
	"github.com/MarcoPoloResearchLab/polychat/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testIssuer        = "polychat-auth"
	testOrigin        = "http://localhost:3000"
	frameDeadline     = 2 * time.Second
)

type testEnvironment struct {
	db          *gorm.DB
	issuer      *auth.TokenIssuer
	transcript  *transcript.Store
	coordinator *realtime.Coordinator
	metrics     *metrics.Realtime
	server      *httptest.Server
}

type account struct {
	ID       string
	Username string
	Token    string
}

func newTestEnvironment(t *testing.T) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		TokenTTL:      time.Hour,
	})
	require.NoError(t, err)

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	require.NoError(t, err)
	roomService, err := rooms.NewService(rooms.ServiceConfig{Database: db, IDProvider: rooms.NewUUIDProvider()})
	require.NoError(t, err)
	store, err := transcript.NewStore(transcript.StoreConfig{Database: db})
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	collectors := metrics.NewRealtime(registry)
	coordinator, err := realtime.NewCoordinator(realtime.CoordinatorConfig{
		Transcript: store,
		Metrics:    collectors,
	})
	require.NoError(t, err)

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager:   issuer,
		Users:          userService,
		Rooms:          roomService,
		Transcript:     store,
		Coordinator:    coordinator,
		Metrics:        collectors,
		Gatherer:       registry,
		AllowedOrigins: []string{testOrigin},
	})
	require.NoError(t, err)

	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), frameDeadline)
		defer cancel()
		_ = coordinator.Shutdown(ctx)
		server.Close()
		_ = sqlDB.Close()
	})

	return &testEnvironment{
		db:          db,
		issuer:      issuer,
		transcript:  store,
		coordinator: coordinator,
		metrics:     collectors,
		server:      server,
	}
}

func (e *testEnvironment) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	return response.StatusCode, payload
}

func (e *testEnvironment) signup(t *testing.T, username string) account {
	t.Helper()
	status, payload := e.do(t, http.MethodPost, "/api/auth", "", map[string]string{
		"action":   "signup",
		"username": username,
		"email":    username + "@example.com",
		"password": "secret-password",
	})
	require.Equal(t, http.StatusOK, status, string(payload))

	var response authResponsePayload
	require.NoError(t, json.Unmarshal(payload, &response))
	return account{ID: response.User.ID, Username: response.User.Username, Token: response.Token}
}

func (e *testEnvironment) createRoom(t *testing.T, owner account, name string, isPublic bool) string {
	t.Helper()
	status, payload := e.do(t, http.MethodPost, "/api/rooms", owner.Token, map[string]any{"name": name, "isPublic": isPublic})
	require.Equal(t, http.StatusCreated, status, string(payload))
	var created createRoomResponsePayload
	require.NoError(t, json.Unmarshal(payload, &created))
	return created.ID
}

func (e *testEnvironment) websocketURL(query url.Values) string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?" + query.Encode()
}

func (e *testEnvironment) dial(t *testing.T, who account, roomID string) *websocket.Conn {
	t.Helper()
	query := url.Values{"roomId": {roomID}, "token": {who.Token}, "userId": {who.ID}}
	conn, response, err := websocket.DefaultDialer.Dial(e.websocketURL(query), nil)
	if response != nil && response.Body != nil {
		defer response.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(frameDeadline)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(payload, &frame))
	return frame
}

func readType(t *testing.T, conn *websocket.Conn, frameType realtime.FrameType) map[string]any {
	t.Helper()
	frame := readFrame(t, conn)
	require.Equal(t, string(frameType), frame["type"], "unexpected frame %v", frame)
	return frame
}
