package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/polychat/internal/apperr"
	"github.com/MarcoPoloResearchLab/polychat/internal/auth"
	"github.com/MarcoPoloResearchLab/polychat/internal/metrics"
	"github.com/MarcoPoloResearchLab/polychat/internal/realtime"
	"github.com/MarcoPoloResearchLab/polychat/internal/rooms"
	"github.com/MarcoPoloResearchLab/polychat/internal/transcript"
	"github.com/MarcoPoloResearchLab/polychat/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	principalContextKey = "polychat_principal"
	tokenContextKey     = "polychat_token"

	messageMissingToken = "Missing token"
	messageInvalidToken = "Invalid or expired token"
)

var (
	errMissingTokenManager = errors.New("token manager dependency required")
	errMissingUsers        = errors.New("users service dependency required")
	errMissingRooms        = errors.New("rooms service dependency required")
	errMissingTranscript   = errors.New("transcript store dependency required")
	errMissingCoordinator  = errors.New("realtime coordinator dependency required")
)

// TokenManager issues and checks bearer credentials.
type TokenManager interface {
	Issue(principal auth.Principal) (string, time.Time, error)
	Verify(token string) (auth.Principal, error)
	Renew(token string) (string, time.Time, error)
}

// Dependencies wires the HTTP surface to the services behind it.
type Dependencies struct {
	TokenManager   TokenManager
	Users          *users.Service
	Rooms          *rooms.Service
	Transcript     *transcript.Store
	Coordinator    *realtime.Coordinator
	Metrics        *metrics.Realtime
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the REST API, the websocket
// endpoint and the operational routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Users == nil {
		return nil, errMissingUsers
	}
	if deps.Rooms == nil {
		return nil, errMissingRooms
	}
	if deps.Transcript == nil {
		return nil, errMissingTranscript
	}
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	collectors := deps.Metrics
	if collectors == nil {
		collectors = metrics.NewRealtime(nil)
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: !containsWildcard(origins),
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:      deps.TokenManager,
		users:       deps.Users,
		rooms:       deps.Rooms,
		transcript:  deps.Transcript,
		coordinator: deps.Coordinator,
		metrics:     collectors,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     newOriginChecker(origins),
		},
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	router.GET("/ws", handler.handleWebSocket)

	api := router.Group("/api")
	api.POST("/auth", handler.handleAuth)

	protected := api.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/refresh-token", handler.handleRefreshToken)
	handler.registerRoomRoutes(protected.Group("/rooms"))
	// Clients written against the earlier /api/chatrooms paths keep working.
	legacy := protected.Group("/chatrooms")
	handler.registerRoomRoutes(legacy)
	legacy.POST("/create", handler.handleCreateRoom)

	return router, nil
}

type httpHandler struct {
	tokens      TokenManager
	users       *users.Service
	rooms       *rooms.Service
	transcript  *transcript.Store
	coordinator *realtime.Coordinator
	metrics     *metrics.Realtime
	logger      *zap.Logger
	upgrader    websocket.Upgrader
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) registerRoomRoutes(group *gin.RouterGroup) {
	group.GET("", h.handleListRooms)
	group.POST("", h.handleCreateRoom)
	group.GET("/mine", h.handleListOwnedRooms)
	group.POST("/:roomId/join", h.handleJoinRoom)
	group.GET("/:roomId/messages", h.handleRoomMessages)
	group.GET("/:roomId/members", h.handleRoomMembers)
	group.GET("/:roomId/presence", h.handleRoomPresence)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c.GetHeader("Authorization"))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, messageBody(messageMissingToken))
		return
	}
	principal, err := h.tokens.Verify(token)
	if err != nil {
		h.logTokenFailure(err)
		c.AbortWithStatusJSON(http.StatusForbidden, messageBody(messageInvalidToken))
		return
	}
	c.Set(principalContextKey, principal)
	c.Set(tokenContextKey, token)
	c.Next()
}

func (h *httpHandler) logTokenFailure(err error) {
	if errors.Is(err, apperr.ErrExpired) {
		h.logger.Info("token validation failed", zap.Error(err))
		return
	}
	h.logger.Warn("token validation failed", zap.Error(err))
}

func principalFrom(c *gin.Context) (auth.Principal, bool) {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return auth.Principal{}, false
	}
	principal, ok := value.(auth.Principal)
	return principal, ok && principal.UserID != ""
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func messageBody(messages ...string) gin.H {
	return gin.H{"message": messages}
}

// respondError writes the status derived from err with a client-facing message.
func (h *httpHandler) respondError(c *gin.Context, err error, message string) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		message = "Internal server error"
	}
	c.JSON(status, messageBody(message))
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}
