// Package matrix provides the Matrix client transport for Stevedore
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds Matrix client configuration
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// AdminRooms are the room IDs where Stevedore accepts commands.
	AdminRooms []string
	// DB is an optional SQLite connection used to persist the Matrix sync
	// token (next_batch) across restarts. When nil, an in-memory store is
	// used and room history will be replayed on every restart, re-executing
	// old commands.
	DB *sql.DB
}

// Client wraps the mautrix client
type Client struct {
	client *mautrix.Client
	config *Config
	stopCh chan struct{}

	msgHandler MessageHandler
}

// MessageHandler processes incoming Matrix messages
type MessageHandler func(ctx context.Context, evt *event.Event)

// New creates a new Matrix client
func New(config *Config) (*Client, error) {
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}

	c := &Client{
		client: client,
		config: config,
		stopCh: make(chan struct{}),
	}

	// A persistent sync store keeps the bot from re-processing commands it
	// already handled before a restart.
	if config.DB != nil {
		client.Store = newDBSyncStore(config.DB)
	} else {
		slog.Warn("Matrix sync store: no DB configured, using in-memory store (history will replay on restart)")
	}

	return c, nil
}

// Start begins syncing with the Matrix homeserver
func (c *Client) Start(ctx context.Context, handler MessageHandler) error {
	c.msgHandler = handler

	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleMessage)

	for _, roomID := range c.config.AdminRooms {
		if err := c.joinRoom(id.RoomID(roomID)); err != nil {
			return fmt.Errorf("failed to join admin room %s: %w", roomID, err)
		}
	}

	// Sync in the background with exponential back-off reconnection. Without
	// retries a transient homeserver error would silently kill the sync
	// goroutine and leave the bot deaf to all new commands.
	go func() {
		const (
			backoffMin = 2 * time.Second
			backoffMax = 5 * time.Minute
		)
		backoff := backoffMin
		for {
			backoff = backoffMin // reset before each attempt
			if err := c.client.Sync(); err != nil {
				select {
				case <-c.stopCh:
					return
				default:
				}
				slog.Error("Matrix sync stopped; reconnecting", "err", err, "backoff", backoff)
				select {
				case <-c.stopCh:
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > backoffMax {
					backoff = backoffMax
				}
				continue
			}
			// Sync returned nil — only happens on a clean StopSync() call.
			return
		}
	}()

	return nil
}

// Stop stops the Matrix client
func (c *Client) Stop() {
	close(c.stopCh)
	c.client.StopSync()
}

// SendFormattedMessage sends a formatted message (HTML + plain text fallback)
func (c *Client) SendFormattedMessage(roomID, html, plaintext string) error {
	content := event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          plaintext,
		Format:        event.FormatHTML,
		FormattedBody: html,
	}

	_, err := c.client.SendMessageEvent(context.Background(), id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("failed to send formatted message: %w", err)
	}
	return nil
}

// ReplyToMessage sends a reply to a specific message
func (c *Client) ReplyToMessage(roomID, eventID, message string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    message,
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{
				EventID: id.EventID(eventID),
			},
		},
	}

	_, err := c.client.SendMessageEvent(context.Background(), id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}

// SendNotice sends a notice message (less intrusive than normal messages)
func (c *Client) SendNotice(roomID, message string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
	}

	_, err := c.client.SendMessageEvent(context.Background(), id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	return nil
}

// IsAdminRoom checks if a room is configured as an admin room
func (c *Client) IsAdminRoom(roomID string) bool {
	for _, adminRoom := range c.config.AdminRooms {
		if adminRoom == roomID {
			return true
		}
	}
	return false
}

// handleMessage filters incoming events down to text messages from other
// users in admin rooms and forwards them to the registered handler.
func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.config.UserID) {
		return
	}

	msgContent := evt.Content.AsMessage()
	if msgContent == nil || msgContent.MsgType != event.MsgText {
		return
	}

	if !c.IsAdminRoom(evt.RoomID.String()) {
		return
	}

	if c.msgHandler != nil {
		c.msgHandler(ctx, evt)
	}
}

// joinRoom attempts to join a room
func (c *Client) joinRoom(roomID id.RoomID) error {
	_, err := c.client.JoinRoomByID(context.Background(), roomID)
	if err != nil {
		// M_FORBIDDEN is returned by homeservers when the bot is already a
		// member of the room. Use mautrix's typed error check instead of
		// string matching.
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("joinRoom: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}
