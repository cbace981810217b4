package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/polychat/internal/apperr"
	"github.com/MarcoPoloResearchLab/polychat/internal/realtime"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultHandshake      = 10 * time.Second
)

var (
	errMissingBaseURL = errors.New("base url is required")
	errMissingToken   = errors.New("credential is required")
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to a polychat server over its REST and websocket surfaces.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *zap.Logger
}

// Session is an authenticated account.
type Session struct {
	UserID   string
	Username string
	Email    string
	Token    string
}

// HistoryEntry is one persisted chat message.
type HistoryEntry struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Sender    realtime.Identity `json:"sender"`
}

// RemoteError is a non-2xx response. It unwraps to the matching apperr sentinel.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server responded %d", e.Status)
	}
	return fmt.Sprintf("server responded %d: %s", e.Status, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return apperr.FromStatus(e.Status)
}

type authRequest struct {
	Action   string `json:"action"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username,omitempty"`
}

type authResponse struct {
	User struct {
		ID       string `json:"id"`
		Email    string `json:"email"`
		Username string `json:"username"`
	} `json:"user"`
	Token string `json:"token"`
}

type messageResponse struct {
	Message []string `json:"message"`
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base url scheme %q", baseURL.Scheme)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		dialer:     &websocket.Dialer{HandshakeTimeout: defaultHandshake, Proxy: http.ProxyFromEnvironment},
		logger:     logger,
	}, nil
}

// Login authenticates an existing account.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	return c.authenticate(ctx, authRequest{Action: "login", Email: email, Password: password})
}

// Signup registers a new account and returns its session.
func (c *Client) Signup(ctx context.Context, username, email, password string) (Session, error) {
	return c.authenticate(ctx, authRequest{Action: "signup", Username: username, Email: email, Password: password})
}

func (c *Client) authenticate(ctx context.Context, request authRequest) (Session, error) {
	var response authResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth", "", request, &response); err != nil {
		return Session{}, err
	}
	return Session{
		UserID:   response.User.ID,
		Username: response.User.Username,
		Email:    response.User.Email,
		Token:    response.Token,
	}, nil
}

// Refresh exchanges a valid credential for a fresh one. It matches auth.RenewFunc.
func (c *Client) Refresh(ctx context.Context, token string) (string, error) {
	var response struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/refresh-token", token, nil, &response); err != nil {
		return "", err
	}
	return response.Token, nil
}

// JoinRoom records durable membership of roomID.
func (c *Client) JoinRoom(ctx context.Context, token, roomID string) error {
	return c.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/join", token, nil, nil)
}

// History returns the persisted tail of roomID, oldest first.
func (c *Client) History(ctx context.Context, token, roomID string) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	if err := c.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomID)+"/messages", token, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if response.StatusCode >= http.StatusBadRequest {
		remote := &RemoteError{Status: response.StatusCode}
		var decoded messageResponse
		if json.Unmarshal(payload, &decoded) == nil {
			remote.Message = strings.Join(decoded.Message, "; ")
		}
		c.logger.Debug("request rejected", zap.String("path", path), zap.Int("status", response.StatusCode))
		return remote
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Conn is a live room session.
type Conn struct {
	ws *websocket.Conn
}

// Connect opens a live session for userID in roomID.
func (c *Client) Connect(ctx context.Context, token, userID, roomID string) (*Conn, error) {
	if token == "" {
		return nil, errMissingToken
	}
	target := *c.baseURL
	if target.Scheme == "https" {
		target.Scheme = "wss"
	} else {
		target.Scheme = "ws"
	}
	target.Path = strings.TrimRight(target.Path, "/") + "/ws"
	target.RawQuery = url.Values{"roomId": {roomID}, "token": {token}, "userId": {userID}}.Encode()

	ws, response, err := c.dialer.DialContext(ctx, target.String(), nil)
	if response != nil && response.Body != nil {
		defer response.Body.Close()
	}
	if err != nil {
		if response != nil && response.StatusCode >= http.StatusBadRequest {
			remote := &RemoteError{Status: response.StatusCode}
			var decoded messageResponse
			if json.NewDecoder(response.Body).Decode(&decoded) == nil {
				remote.Message = strings.Join(decoded.Message, "; ")
			}
			return nil, remote
		}
		return nil, fmt.Errorf("dial %s: %w", roomID, err)
	}
	c.logger.Debug("session opened", zap.String("room_id", roomID))
	return &Conn{ws: ws}, nil
}

// Send submits a chat message. The server stamps id, sender and time.
func (c *Conn) Send(content string) error {
	payload, err := json.Marshal(map[string]string{"type": string(realtime.FrameChatMessage), "content": content})
	if err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// Receive blocks for the next server frame.
func (c *Conn) Receive() (realtime.Frame, error) {
	_, payload, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return realtime.DecodeFrame(payload)
}

// Close sends a close frame and releases the connection.
func (c *Conn) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}
