package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/polychat/internal/auth"
	"github.com/MarcoPoloResearchLab/polychat/internal/realtime"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const clockLayout = "15:04:05"

var errMissingRoom = errors.New("room id is required")

// ChatOptions configures an interactive chat session.
type ChatOptions struct {
	RoomID   string
	Email    string
	Password string
	// Username switches Chat to signing up a new account.
	Username      string
	RenewInterval time.Duration
	In            io.Reader
	Out           io.Writer
}

// Chat authenticates, joins the room, prints its history and then relays
// lines from In as chat messages while printing every frame to Out. It
// returns when In is exhausted, ctx is cancelled or the server closes the
// session.
func (c *Client) Chat(ctx context.Context, options ChatOptions) error {
	if strings.TrimSpace(options.RoomID) == "" {
		return errMissingRoom
	}

	session, err := c.establish(ctx, options)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	renewer, err := auth.NewRenewer(auth.RenewerConfig{
		Token:    session.Token,
		Renew:    c.Refresh,
		Interval: options.RenewInterval,
		Logger:   c.logger,
	})
	if err != nil {
		return err
	}
	go renewer.Run(ctx)

	if err := c.JoinRoom(ctx, renewer.Token(), options.RoomID); err != nil {
		return fmt.Errorf("join %s: %w", options.RoomID, err)
	}
	history, err := c.History(ctx, renewer.Token(), options.RoomID)
	if err != nil {
		return fmt.Errorf("history of %s: %w", options.RoomID, err)
	}
	for _, entry := range history {
		fmt.Fprintln(options.Out, formatChat(entry.Timestamp, entry.Sender.Username, entry.Content))
	}

	conn, err := c.Connect(ctx, renewer.Token(), session.UserID, options.RoomID)
	if err != nil {
		return err
	}
	defer conn.Close() //nolint:errcheck

	received := make(chan error, 1)
	go func() {
		received <- c.printFrames(conn, options.Out)
	}()

	lines := make(chan string)
	go scanLines(ctx, options.In, lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-received:
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := conn.Send(line); err != nil {
				return fmt.Errorf("send: %w", err)
			}
		}
	}
}

func (c *Client) establish(ctx context.Context, options ChatOptions) (Session, error) {
	if options.Username != "" {
		return c.Signup(ctx, options.Username, options.Email, options.Password)
	}
	return c.Login(ctx, options.Email, options.Password)
}

func (c *Client) printFrames(conn *Conn, out io.Writer) error {
	for {
		frame, err := conn.Receive()
		if err != nil {
			if errors.Is(err, realtime.ErrMalformedFrame) || errors.Is(err, realtime.ErrUnknownFrameType) {
				c.logger.Debug("ignoring frame", zap.Error(err))
				continue
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		fmt.Fprintln(out, describeFrame(frame))
	}
}

func describeFrame(frame realtime.Frame) string {
	switch typed := frame.(type) {
	case realtime.ChatMessageFrame:
		return formatChat(typed.Message.Timestamp, typed.Message.Sender.Username, typed.Message.Content)
	case realtime.UserJoinedFrame:
		return fmt.Sprintf("* %s joined", typed.UserName)
	case realtime.UserLeftFrame:
		return fmt.Sprintf("* %s left", typed.UserName)
	case realtime.PresenceUpdateFrame:
		names := lo.Map(typed.Members, func(member realtime.Identity, _ int) string { return member.Username })
		return fmt.Sprintf("* online: %s", strings.Join(names, ", "))
	default:
		return fmt.Sprintf("* %s", frame.FrameType())
	}
}

func formatChat(at time.Time, sender, content string) string {
	return fmt.Sprintf("[%s] %s: %s", at.Local().Format(clockLayout), sender, content)
}

func scanLines(ctx context.Context, in io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}
