// Package matrix provides the outbound Matrix client used for Tachikoma
// notifications.
package matrix

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
}

// Client wraps a send-only mautrix client. Tachikoma never syncs; it only
// posts notices about control-plane events into the operations room.
type Client struct {
	client *mautrix.Client
}

// New creates a send-only Matrix client.
func New(config Config) (*Client, error) {
	if config.Homeserver == "" || config.UserID == "" || config.AccessToken == "" {
		return nil, fmt.Errorf("matrix: homeserver, user id and access token are all required")
	}
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	return &Client{client: client}, nil
}

// SendNotice sends a notice message (less intrusive than normal messages).
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

// WhoAmI verifies the access token against the homeserver and returns the
// authenticated user id.
func (c *Client) WhoAmI(ctx context.Context) (string, error) {
	resp, err := c.client.Whoami(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to verify Matrix identity: %w", err)
	}
	return string(resp.UserID), nil
}
